// Package geoip looks up the country of an IP address in a MaxMind
// GeoLite2/GeoIP2 Country database.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// ErrDatabaseUnavailable is returned when the database was requested but
// cannot be opened. Callers treat it as "no region", never as fatal.
var ErrDatabaseUnavailable = errors.New("geoip database unavailable")

var ErrNotFound = errors.New("address not in geoip database")

type Country struct {
	ISOCode string `json:"iso_code"`
	Name    string `json:"name,omitempty"`
}

// DB is safe for concurrent lookups.
type DB struct {
	reader *geoip2.Reader
	path   string
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrDatabaseUnavailable)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, path, err)
	}
	return &DB{reader: reader, path: path}, nil
}

func (d *DB) Path() string { return d.path }

// Country returns the country of addr. Private, loopback and unspecified
// addresses are never in the database.
func (d *DB) Country(addr netip.Addr) (Country, error) {
	if d == nil || d.reader == nil {
		return Country{}, ErrDatabaseUnavailable
	}
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return Country{}, ErrNotFound
	}
	rec, err := d.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return Country{}, fmt.Errorf("geoip lookup %s: %w", addr, err)
	}
	if rec.Country.IsoCode == "" {
		if rec.RegisteredCountry.IsoCode == "" {
			return Country{}, ErrNotFound
		}
		return Country{ISOCode: rec.RegisteredCountry.IsoCode, Name: rec.RegisteredCountry.Names["en"]}, nil
	}
	return Country{ISOCode: rec.Country.IsoCode, Name: rec.Country.Names["en"]}, nil
}

func (d *DB) Close() error {
	if d == nil || d.reader == nil {
		return nil
	}
	return d.reader.Close()
}
