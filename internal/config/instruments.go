package config

import "fmt"

// InstrumentsConfig holds the instrument universe plus the paired-metric
// wiring (perp/spot basis pairs and cross-venue divergence pairs).
type InstrumentsConfig struct {
	Instruments     []InstrumentConfig `yaml:"instruments"`
	BasisPairs      []BasisPair        `yaml:"basis_pairs"`
	DivergencePairs []DivergencePair   `yaml:"divergence_pairs"`
}

// InstrumentConfig describes one normalized instrument and its per-venue
// native symbols.
type InstrumentConfig struct {
	ID      string                           `yaml:"id"`
	Type    string                           `yaml:"type"`
	Base    string                           `yaml:"base"`
	Quote   string                           `yaml:"quote"`
	Enabled bool                             `yaml:"enabled"`
	Venues  map[string]InstrumentVenueConfig `yaml:"venues"`
}

// InstrumentVenueConfig maps the normalized id to a venue-native symbol.
type InstrumentVenueConfig struct {
	Symbol      string   `yaml:"symbol"`
	InstType    string   `yaml:"inst_type"`
	Streams     []string `yaml:"streams"`
	DepthLevels int      `yaml:"depth_levels"`
}

// BasisPair ties a perpetual to its spot leg for basis metrics.
type BasisPair struct {
	Perpetual string `yaml:"perpetual"`
	Spot      string `yaml:"spot"`
}

// DivergencePair names one instrument quoted on two venues for cross-venue
// price divergence.
type DivergencePair struct {
	Instrument string   `yaml:"instrument"`
	Venues     []string `yaml:"venues"`
}

// LoadInstrumentsConfig loads the instruments document from path.
func LoadInstrumentsConfig(path string) (*InstrumentsConfig, error) {
	var cfg InstrumentsConfig
	if err := loadYAML(path, "instruments", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ids are unique, types are known, and every pair references
// instruments that exist.
func (c *InstrumentsConfig) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	seen := make(map[string]string, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.ID == "" {
			return fmt.Errorf("instrument with empty id")
		}
		if _, dup := seen[inst.ID]; dup {
			return fmt.Errorf("duplicate instrument id %q", inst.ID)
		}
		if inst.Type != "perpetual" && inst.Type != "spot" {
			return fmt.Errorf("instrument %q: unknown type %q", inst.ID, inst.Type)
		}
		if inst.Enabled && len(inst.Venues) == 0 {
			return fmt.Errorf("instrument %q: enabled but mapped to no venue", inst.ID)
		}
		seen[inst.ID] = inst.Type
	}
	for _, p := range c.BasisPairs {
		perpType, ok := seen[p.Perpetual]
		if !ok {
			return fmt.Errorf("basis pair references unknown instrument %q", p.Perpetual)
		}
		spotType, ok := seen[p.Spot]
		if !ok {
			return fmt.Errorf("basis pair references unknown instrument %q", p.Spot)
		}
		if perpType != "perpetual" || spotType != "spot" {
			return fmt.Errorf("basis pair %s/%s: legs must be perpetual and spot", p.Perpetual, p.Spot)
		}
	}
	for _, p := range c.DivergencePairs {
		if _, ok := seen[p.Instrument]; !ok {
			return fmt.Errorf("divergence pair references unknown instrument %q", p.Instrument)
		}
		if len(p.Venues) != 2 {
			return fmt.Errorf("divergence pair %q: exactly two venues required", p.Instrument)
		}
	}
	return nil
}

// Lookup returns the instrument config for a normalized id.
func (c *InstrumentsConfig) Lookup(id string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

// EnabledForVenue returns all enabled instruments carrying a mapping for the
// given venue.
func (c *InstrumentsConfig) EnabledForVenue(venue string) []InstrumentConfig {
	var out []InstrumentConfig
	for _, inst := range c.Instruments {
		if !inst.Enabled {
			continue
		}
		if _, ok := inst.Venues[venue]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// SpotForPerpetual returns the spot leg paired with a perpetual, if any.
func (c *InstrumentsConfig) SpotForPerpetual(perp string) (string, bool) {
	for _, p := range c.BasisPairs {
		if p.Perpetual == perp {
			return p.Spot, true
		}
	}
	return "", false
}

// NativeSymbol resolves the venue-native symbol for a normalized id.
func (c *InstrumentsConfig) NativeSymbol(venue, id string) (string, bool) {
	inst, ok := c.Lookup(id)
	if !ok {
		return "", false
	}
	vc, ok := inst.Venues[venue]
	if !ok {
		return "", false
	}
	return vc.Symbol, true
}

// InstrumentForSymbol resolves a venue-native symbol back to the normalized
// id. Adapters use it when demultiplexing stream messages.
func (c *InstrumentsConfig) InstrumentForSymbol(venue, symbol string) (string, bool) {
	for _, inst := range c.Instruments {
		if vc, ok := inst.Venues[venue]; ok && vc.Symbol == symbol {
			return inst.ID, true
		}
	}
	return "", false
}

func (c *InstrumentsConfig) venueReferences() map[string]struct{} {
	refs := make(map[string]struct{})
	for _, inst := range c.Instruments {
		if !inst.Enabled {
			continue
		}
		for venue := range inst.Venues {
			refs[venue] = struct{}{}
		}
	}
	return refs
}
