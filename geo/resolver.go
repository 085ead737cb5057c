// Package geo resolves client IPs into coarse locations for event
// enrichment. Lookups run against a local MaxMind city database; every
// failure mode collapses into the canonical empty location so callers can
// never distinguish "disabled" from "unknown".
package geo

import (
	"errors"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"sitepulse/api/models"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheTTL bounds how long a raw lookup is reused for one IP.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize caps the raw-lookup cache. Eviction is oldest
	// insertion first; repeated lookups for the same IP inside a short
	// window dominate, so insertion recency is proxy enough.
	DefaultCacheSize = 10000
)

// cityReader is the slice of geoip2.Reader the resolver uses.
type cityReader interface {
	City(net.IP) (*geoip2.City, error)
	Close() error
}

// rawLocation is the uncut lookup result cached per IP. Workspace settings
// (redaction, coordinate precision) are applied after the cache read so one
// cached lookup serves tenants with different privacy settings.
type rawLocation struct {
	country   string
	region    string
	city      string
	latitude  float64
	longitude float64
	found     bool
}

type cacheEntry struct {
	raw       rawLocation
	expiresAt time.Time
}

// Resolver performs privacy-filtered IP geolocation with a bounded,
// TTL-expiring result cache. Safe for concurrent use.
type Resolver struct {
	dbPath    string
	cacheTTL  time.Duration
	cacheSize int
	log       zerolog.Logger

	mu      sync.Mutex
	reader  cityReader
	entries map[string]cacheEntry
	order   []string

	now      func() time.Time
	openFile func(path string) (cityReader, error)
}

// NewResolver builds a resolver over the mmdb file at dbPath. A missing
// database is tolerated: the resolver stays up and returns empty locations
// until Reload finds one.
func NewResolver(dbPath string, cacheTTL time.Duration, cacheSize int, log zerolog.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	r := &Resolver{
		dbPath:    dbPath,
		cacheTTL:  cacheTTL,
		cacheSize: cacheSize,
		log:       log,
		entries:   make(map[string]cacheEntry),
		now:       time.Now,
		openFile: func(path string) (cityReader, error) {
			return geoip2.Open(path)
		},
	}
	if err := r.Reload(); err != nil {
		log.Error().Err(err).Msg("initial geo database load failed")
	}
	return r
}

// Ready reports whether a geo database is currently loaded.
func (r *Resolver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader != nil
}

// Close releases the underlying database reader.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		_ = r.reader.Close()
		r.reader = nil
	}
}

// Reload clears the lookup cache and reopens the database file, picking up
// an operator-replaced mmdb. A missing file is logged and leaves the
// resolver returning empty locations; it is not an error.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]cacheEntry)
	r.order = r.order[:0]

	if r.reader != nil {
		_ = r.reader.Close()
		r.reader = nil
	}

	if r.dbPath == "" {
		r.log.Warn().Msg("no geo database path configured, geo lookups disabled")
		return nil
	}

	reader, err := r.openFile(r.dbPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Str("path", r.dbPath).Msg("geo database file missing, geo lookups disabled")
			return nil
		}
		return err
	}

	r.reader = reader
	r.log.Info().Str("path", r.dbPath).Msg("geo database loaded")
	return nil
}

// Resolve maps an IP to a location under the workspace's geo settings.
// Disabled lookup, absent or unroutable addresses, a missing database, and
// lookup failures all return the canonical empty location.
func (r *Resolver) Resolve(ipStr string, settings models.GeoSettings) models.GeoLocation {
	if !settings.Enabled || ipStr == "" {
		return models.GeoLocation{}
	}

	ip := net.ParseIP(ipStr)
	if ip == nil || isNonPublic(ip) {
		return models.GeoLocation{}
	}

	raw, ok := r.lookup(ipStr, ip)
	if !ok {
		return models.GeoLocation{}
	}

	return applySettings(raw, settings)
}

// isNonPublic filters loopback, RFC1918 private, and link-local ranges.
// net.IP predicates unmap IPv4-mapped IPv6 forms before matching.
func isNonPublic(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func (r *Resolver) lookup(key string, ip net.IP) (rawLocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && r.now().Before(e.expiresAt) {
		return e.raw, e.raw.found
	}

	if r.reader == nil {
		return rawLocation{}, false
	}

	record, err := r.reader.City(ip)
	if err != nil {
		// Lookup failures are absorbed; the empty location is the answer.
		r.log.Debug().Err(err).Msg("geo lookup failed")
		return rawLocation{}, false
	}

	raw := rawLocation{
		country:   record.Country.IsoCode,
		city:      record.City.Names["en"],
		latitude:  record.Location.Latitude,
		longitude: record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		raw.region = record.Subdivisions[0].Names["en"]
	}
	raw.found = raw.country != "" || raw.city != "" || raw.region != ""

	r.store(key, raw)
	return raw, raw.found
}

// store inserts under the FIFO size bound; callers hold r.mu.
func (r *Resolver) store(key string, raw rawLocation) {
	if _, exists := r.entries[key]; !exists {
		if len(r.entries) >= r.cacheSize {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.entries, oldest)
		}
		r.order = append(r.order, key)
	}
	r.entries[key] = cacheEntry{raw: raw, expiresAt: r.now().Add(r.cacheTTL)}
}

func applySettings(raw rawLocation, settings models.GeoSettings) models.GeoLocation {
	loc := models.GeoLocation{Country: raw.country}
	if settings.StoreRegion {
		loc.Region = raw.region
	}
	if settings.StoreCity {
		loc.City = raw.city
	}

	// A record with no coordinates reads back as (0,0); keep those nil rather
	// than storing a fake point in the Gulf of Guinea.
	if raw.latitude != 0 || raw.longitude != 0 {
		lat := roundTo(raw.latitude, settings.CoordinatePrecision)
		lon := roundTo(raw.longitude, settings.CoordinatePrecision)
		loc.Latitude = &lat
		loc.Longitude = &lon
	}

	return loc
}

// roundTo rounds half away from zero to 0-2 decimal places.
func roundTo(v float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	if places > 2 {
		places = 2
	}
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
