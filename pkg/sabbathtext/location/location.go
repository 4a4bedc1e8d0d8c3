// Package location resolves ZIP codes to the place data used for sunset
// scheduling.
package location

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info describes a ZIP code's location.
type Info struct {
	ZipCode   string  `json:"zip_code" yaml:"zip_code"`
	City      string  `json:"city" yaml:"city"`
	State     string  `json:"state" yaml:"state"`
	TimeZone  string  `json:"time_zone" yaml:"time_zone"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Lookup resolves ZIP codes. Implementations must be safe for concurrent use.
type Lookup interface {
	GetLocationInfo(zipCode string) (Info, bool)
}

// StaticLookup is a fixed ZIP code table.
type StaticLookup map[string]Info

// GetLocationInfo implements Lookup. Surrounding whitespace and a ZIP+4
// suffix are ignored.
func (s StaticLookup) GetLocationInfo(zipCode string) (Info, bool) {
	zip := strings.TrimSpace(zipCode)
	if i := strings.IndexByte(zip, '-'); i >= 0 {
		zip = zip[:i]
	}
	info, ok := s[zip]
	return info, ok
}

// DefaultLookup returns a small built-in table for development.
func DefaultLookup() StaticLookup {
	return StaticLookup{
		"10001": {ZipCode: "10001", City: "New York", State: "NY", TimeZone: "America/New_York", Latitude: 40.7506, Longitude: -73.9972},
		"60601": {ZipCode: "60601", City: "Chicago", State: "IL", TimeZone: "America/Chicago", Latitude: 41.8858, Longitude: -87.6181},
		"80202": {ZipCode: "80202", City: "Denver", State: "CO", TimeZone: "America/Denver", Latitude: 39.7530, Longitude: -104.9990},
		"94103": {ZipCode: "94103", City: "San Francisco", State: "CA", TimeZone: "America/Los_Angeles", Latitude: 37.7725, Longitude: -122.4147},
		"98101": {ZipCode: "98101", City: "Seattle", State: "WA", TimeZone: "America/Los_Angeles", Latitude: 47.6114, Longitude: -122.3305},
	}
}

// Load reads a YAML list of Info entries.
//
//	- zip_code: "10001"
//	  city: New York
//	  state: NY
//	  time_zone: America/New_York
func Load(r io.Reader) (StaticLookup, error) {
	var entries []Info
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		if err == io.EOF {
			return StaticLookup{}, nil
		}
		return nil, fmt.Errorf("decode locations: %w", err)
	}
	table := make(StaticLookup, len(entries))
	for i, e := range entries {
		if e.ZipCode == "" {
			return nil, fmt.Errorf("location %d: zip_code is required", i)
		}
		if _, dup := table[e.ZipCode]; dup {
			return nil, fmt.Errorf("location %d: duplicate zip_code %s", i, e.ZipCode)
		}
		table[e.ZipCode] = e
	}
	return table, nil
}

// LoadFile reads a YAML location table from path.
func LoadFile(path string) (StaticLookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open locations: %w", err)
	}
	defer f.Close()
	return Load(f)
}
