package config

import (
	"fmt"
	"time"
)

// windowsZones maps the Windows zone names RJN accepts to IANA locations
var windowsZones = map[string]string{
	"UTC":                        "UTC",
	"Coordinated Universal Time": "UTC",
	"Eastern Standard Time":      "America/New_York",
	"Central Standard Time":      "America/Chicago",
	"Mountain Standard Time":     "America/Denver",
	"US Mountain Standard Time":  "America/Phoenix",
	"Pacific Standard Time":      "America/Los_Angeles",
	"Alaskan Standard Time":      "America/Anchorage",
	"Hawaiian Standard Time":     "Pacific/Honolulu",
}

// offsets are compared in winter and in summer
var zoneCheckDates = []time.Time{
	time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
	time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC),
}

// ZoneLocation returns the IANA location of a Windows zone name, or UTC when
// the name is unknown.
func ZoneLocation(timeZone string) string {
	if loc, ok := windowsZones[timeZone]; ok {
		return loc
	}
	return "UTC"
}

// CheckTimeZone fails when timestamps written in location would be read at a
// different UTC offset under timeZone. Unknown zone names are not checked.
func CheckTimeZone(timeZone, location string) error {
	name, ok := windowsZones[timeZone]
	if !ok {
		return nil
	}
	want, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("%w: time zone %q: %w", ErrConfiguration, timeZone, err)
	}
	got, err := time.LoadLocation(location)
	if err != nil {
		return fmt.Errorf("%w: location %q: %w", ErrConfiguration, location, err)
	}

	for _, at := range zoneCheckDates {
		_, wantOffset := at.In(want).Zone()
		_, gotOffset := at.In(got).Zone()
		if wantOffset != gotOffset {
			return fmt.Errorf("%w: location %q does not match destination time zone %q",
				ErrConfiguration, location, timeZone)
		}
	}
	return nil
}
