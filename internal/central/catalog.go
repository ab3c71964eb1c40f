package central

// Characteristic is one entry of the service catalog.
type Characteristic struct {
	ID         string
	Properties Property
	Notifying  bool
}

// Service is a discovered service with its characteristics in report order.
type Service struct {
	ID              string
	Characteristics []*Characteristic
}

// ServiceResult is the serialized form of a discovered service.
type ServiceResult struct {
	UUID            string
	Characteristics []CharacteristicResult
}

// CharacteristicResult is the serialized form of a discovered characteristic.
type CharacteristicResult struct {
	UUID       string
	Properties []string
}

// Catalog accumulates the services and characteristics of the connected
// peripheral across the two-level discovery fan-out. Completion is tracked
// by counting one characteristic report per service, so services without
// characteristics do not stall discovery.
type Catalog struct {
	services []*Service
	index    map[string]*Service
	reported map[string]bool
	started  bool
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.Reset()
	return c
}

// Reset clears all services and ends any discovery session.
func (c *Catalog) Reset() {
	c.services = nil
	c.index = make(map[string]*Service)
	c.reported = make(map[string]bool)
	c.started = false
}

// Begin starts a discovery session with the reported service list.
// Duplicate identifiers are tracked once.
func (c *Catalog) Begin(serviceIDs []string) {
	c.Reset()
	c.started = true
	for _, id := range serviceIDs {
		if _, ok := c.index[id]; ok {
			continue
		}
		s := &Service{ID: id}
		c.services = append(c.services, s)
		c.index[id] = s
	}
}

// Pending returns the identifiers of services still awaiting their
// characteristic report.
func (c *Catalog) Pending() []string {
	var ids []string
	for _, s := range c.services {
		if !c.reported[s.ID] {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// AddCharacteristics records the characteristic report for a service. It
// returns false when the service is not part of the current session.
func (c *Catalog) AddCharacteristics(serviceID string, chars []CharacteristicInfo) bool {
	s, ok := c.index[serviceID]
	if !ok {
		return false
	}
	for _, info := range chars {
		if s.find(info.ID) != nil {
			continue
		}
		s.Characteristics = append(s.Characteristics, &Characteristic{
			ID:         info.ID,
			Properties: info.Properties,
		})
	}
	c.reported[serviceID] = true
	return true
}

// Complete reports whether every service of the session has been reported.
func (c *Catalog) Complete() bool {
	return c.started && len(c.reported) == len(c.services)
}

// Lookup resolves a characteristic, distinguishing a missing service from
// a missing characteristic.
func (c *Catalog) Lookup(serviceID, charID string) (*Characteristic, error) {
	s, ok := c.index[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	ch := s.find(charID)
	if ch == nil {
		return nil, ErrCharacteristicNotFound
	}
	return ch, nil
}

// Services returns the catalog's services in discovery order.
func (c *Catalog) Services() []*Service {
	return c.services
}

// Snapshot serializes the catalog into its caller-facing form.
func (c *Catalog) Snapshot() []ServiceResult {
	out := make([]ServiceResult, 0, len(c.services))
	for _, s := range c.services {
		sr := ServiceResult{UUID: s.ID, Characteristics: make([]CharacteristicResult, 0, len(s.Characteristics))}
		for _, ch := range s.Characteristics {
			sr.Characteristics = append(sr.Characteristics, CharacteristicResult{
				UUID:       ch.ID,
				Properties: ch.Properties.Labels(),
			})
		}
		out = append(out, sr)
	}
	return out
}

func (s *Service) find(id string) *Characteristic {
	for _, ch := range s.Characteristics {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}
