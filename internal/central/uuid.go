package central

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBase is the Bluetooth SIG base UUID that 16- and 32-bit
// identifiers are expanded into.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// NormalizeUUID returns the canonical lowercase 128-bit string form of a
// service or characteristic identifier. Short SIG forms ("180D",
// "0000180d") are expanded against the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("central: %w: empty uuid", ErrMissingArgument)
	}
	if len(s) == 4 || len(s) == 8 {
		raw, err := hex.DecodeString(strings.Repeat("0", 8-len(s)) + s)
		if err != nil {
			return "", fmt.Errorf("central: parse uuid %q: %w", s, err)
		}
		u := bluetoothBase
		copy(u[0:4], raw)
		return u.String(), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("central: parse uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// NormalizeAddress validates a peripheral address and returns its lowercase
// form. CoreBluetooth identifies peripherals by UUID, every other stack by
// MAC address; both are accepted.
func NormalizeAddress(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("central: %w: empty address", ErrMissingArgument)
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String(), nil
	}
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return hw.String(), nil
	}
	return "", fmt.Errorf("central: %w: %q", ErrInvalidAddress, s)
}

// identifierBytes returns the raw identifier of a service UUID: two or four
// bytes for SIG-assigned identifiers, sixteen otherwise.
func identifierBytes(id string) []byte {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	if [12]byte(u[4:]) != [12]byte(bluetoothBase[4:]) {
		return u[:]
	}
	if binary.BigEndian.Uint16(u[0:2]) == 0 {
		return append([]byte(nil), u[2:4]...)
	}
	return append([]byte(nil), u[0:4]...)
}

// displayForm is the string a platform stack prints for id: uppercase hex
// of the 16- or 32-bit short form for SIG identifiers, the uppercase
// 128-bit form otherwise.
func displayForm(id string) string {
	b := identifierBytes(id)
	if len(b) == 16 || b == nil {
		return strings.ToUpper(id)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
