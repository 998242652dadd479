package raid

import (
	"fmt"
	"strings"
	"time"
)

const localLayout = "02/01/2006 15:04"

// ParseLocalDate turns a "dd/mm/yyyy hh:mm" string in the group's timezone
// into a UTC instant. The zone name falls back to Europe/Paris when empty
// or unknown.
func ParseLocalDate(s, tzName string) (time.Time, error) {
	loc := loadZone(tzName)
	t, err := time.ParseInLocation(localLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
	}
	return t.UTC(), nil
}

// FormatLocal renders a UTC instant back in the group's timezone.
func FormatLocal(t time.Time, tzName string) string {
	return t.In(loadZone(tzName)).Format(localLayout)
}

func loadZone(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.UTC
	}
	return loc
}
