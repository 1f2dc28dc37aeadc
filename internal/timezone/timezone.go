package timezone

import (
	"fmt"
	"time"
)

// Zone is one entry of the deployment's fixed zone catalog. Label
// carries a fixed UTC offset for operator simplicity; conversions
// always go through the IANA zone's real calendar rules.
type Zone struct {
	ID    string // IANA identifier, e.g. "Europe/Moscow"
	Label string // display label, e.g. "Moscow (UTC+3)"
}

// Catalog lists the Russian timezones sorted by UTC offset.
var Catalog = []Zone{
	{ID: "Europe/Kaliningrad", Label: "Kaliningrad (UTC+2)"},
	{ID: "Europe/Moscow", Label: "Moscow (UTC+3)"},
	{ID: "Europe/Samara", Label: "Samara (UTC+4)"},
	{ID: "Asia/Yekaterinburg", Label: "Yekaterinburg (UTC+5)"},
	{ID: "Asia/Omsk", Label: "Omsk (UTC+6)"},
	{ID: "Asia/Krasnoyarsk", Label: "Krasnoyarsk (UTC+7)"},
	{ID: "Asia/Irkutsk", Label: "Irkutsk (UTC+8)"},
	{ID: "Asia/Yakutsk", Label: "Yakutsk (UTC+9)"},
	{ID: "Asia/Vladivostok", Label: "Vladivostok (UTC+10)"},
	{ID: "Asia/Magadan", Label: "Magadan (UTC+11)"},
	{ID: "Asia/Kamchatka", Label: "Kamchatka (UTC+12)"},
}

// DefaultZone is used when the user has not picked anything yet.
const DefaultZone = "Europe/Moscow"

// Lookup returns the catalog entry for an IANA zone ID.
func Lookup(id string) (Zone, bool) {
	for _, z := range Catalog {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// Resolver converts between UTC instants and local wall-clock time for
// zones in the catalog. Locations are resolved once and reused.
type Resolver struct {
	locations map[string]*time.Location
}

func NewResolver() (*Resolver, error) {
	locs := make(map[string]*time.Location, len(Catalog))
	for _, z := range Catalog {
		loc, err := time.LoadLocation(z.ID)
		if err != nil {
			return nil, fmt.Errorf("load zone %s: %w", z.ID, err)
		}
		locs[z.ID] = loc
	}
	return &Resolver{locations: locs}, nil
}

func (r *Resolver) location(zone string) (*time.Location, error) {
	loc, ok := r.locations[zone]
	if !ok {
		return nil, fmt.Errorf("zone %q is not in the catalog", zone)
	}
	return loc, nil
}

// ToUTC converts a local date and wall-clock time in the given zone to
// the UTC instant, applying the zone's calendar rules for that date.
func (r *Resolver) ToUTC(localDate, localTime string, zone string) (time.Time, error) {
	loc, err := r.location(zone)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", localDate+" "+localTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse local time: %w", err)
	}
	return t.UTC(), nil
}

// ToLocal converts a UTC instant to the (date, time) pair in the given
// zone.
func (r *Resolver) ToLocal(utc time.Time, zone string) (date, clock string, err error) {
	loc, err := r.location(zone)
	if err != nil {
		return "", "", err
	}
	local := utc.In(loc)
	return local.Format("2006-01-02"), local.Format("15:04"), nil
}
