package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/blecentral/internal/authz"
	"github.com/chaz8081/blecentral/internal/bridge"
	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "blecentral"
	app.Usage = "Control BLE peripherals as a central"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/blecentral/config.yaml)",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Serve the caller bridge on stdio or the configured unix socket",
			Action: serve,
		},
		{
			Name:   "scan",
			Usage:  "Scan and print discovered peripherals",
			Action: scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "how long to scan"},
				cli.StringFlag{Name: "addr, a", Usage: "only report this address"},
			},
		},
		{
			Name:   "caps",
			Usage:  "Print the current permission status",
			Action: caps,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		slog.Error("blecentral failed", "error", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	loaded, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return errors.Wrap(err, "can't load config")
	}
	if err := loaded.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	cfg = loaded

	// stdout may carry bridge frames, so logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or writes and uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		loaded, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return loaded, nil
	}

	written, err := config.WriteDefault()
	if err != nil {
		slog.Warn("could not write default config", "error", err)
	} else if written != "" {
		slog.Info("wrote default config", "path", written)
	}
	return config.Default(), nil
}

func newAuthorizer() (authz.Authorizer, error) {
	if cfg.Authorizer == "static" {
		return authz.AllowAll, nil
	}
	a, err := authz.NewBlueZ(cfg.BlueZAdapter)
	if err != nil {
		return nil, errors.Wrap(err, "can't reach bluez")
	}
	return a, nil
}

// newManager builds the core on the configured adapter and powers it on.
// The manager is installed as the transport's handler before Enable so the
// initial power transition is observed. The returned func releases the
// adapter.
func newManager(events central.EventSink) (*central.Manager, func(), error) {
	auth, err := newAuthorizer()
	if err != nil {
		return nil, nil, err
	}
	transport, err := central.NewTinyGoTransport(cfg.Adapter)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't select adapter")
	}
	m := central.NewManager(transport, auth, events, central.Options{
		OperationTimeout:    cfg.OperationTimeout,
		ClearRegistryOnScan: cfg.ClearRegistryOnScan,
	})
	if err := transport.Enable(); err != nil {
		return nil, nil, errors.Wrap(err, "can't enable adapter")
	}
	release := func() {
		if err := transport.Close(); err != nil {
			slog.Warn("closing adapter", "error", err)
		}
	}
	return m, release, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serve(c *cli.Context) error {
	srv := bridge.NewServer()
	m, release, err := newManager(srv)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signalContext()
	defer stop()

	if cfg.Bridge.Socket != "" {
		err = srv.ListenUnix(ctx, m, cfg.Bridge.Socket)
	} else {
		slog.Info("[BRIDGE] serving on stdio")
		err = srv.Serve(ctx, m, os.Stdin, os.Stdout)
	}

	if m.Scanning() {
		m.StopScan()
	}
	if m.Peripheral() != "" {
		m.Disconnect()
	}
	return errors.Wrap(err, "bridge stopped")
}

// printSink writes scan results to stdout.
type printSink struct{}

func (printSink) OnScan(d central.Device) {
	fmt.Printf("%s  %-20s rssi=%-4d mfr=%x svc=%x\n", d.Address, d.DisplayName(), d.RSSI, d.ManufacturerData, d.ServiceData)
}

func (printSink) OnNotify(central.NotifyEvent) {}

func (printSink) OnEvent(e central.ConnectionEvent) {
	slog.Debug("connection event", "event", e)
}

func scan(c *cli.Context) error {
	m, release, err := newManager(printSink{})
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancel()

	fmt.Printf("Scanning for %s...\n", c.Duration("duration"))
	if !m.StartScan(ctx, c.String("addr")) {
		return errors.New("scan refused, see log for the reason")
	}
	<-ctx.Done()
	m.StopScan()

	fmt.Printf("%d device(s) found\n", len(m.Devices()))
	return nil
}

func caps(c *cli.Context) error {
	auth, err := newAuthorizer()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := auth.Capabilities(ctx)
	if err != nil {
		slog.Warn("capability query failed", "error", err)
	}
	fmt.Printf("location:              %t\n", got.Location)
	fmt.Printf("bluetooth:             %t\n", got.Bluetooth)
	fmt.Printf("bluetooth admin/scan:  %t\n", got.BluetoothAdminOrScan)
	fmt.Printf("bluetooth connect:     %t\n", got.BluetoothConnect)
	return nil
}
