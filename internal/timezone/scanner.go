package timezone

import (
	"sort"
	"time"
)

const DateLayout = "2006-01-02"

// Windows splits the catalog at one instant. Active and CatchUp are disjoint.
type Windows struct {
	Active  []Zone
	CatchUp []Zone
}

func (w Windows) Empty() bool {
	return len(w.Active) == 0 && len(w.CatchUp) == 0
}

type Scanner struct {
	catalog      Catalog
	catchUpHours int
}

// NewScanner builds a scanner whose catch-up window covers local hours in
// (H, H+catchUpHours). catchUpHours <= 1 disables catch-up.
func NewScanner(catalog Catalog, catchUpHours int) *Scanner {
	return &Scanner{catalog: catalog, catchUpHours: catchUpHours}
}

// Windows classifies every catalog zone by its local hour at now.
// Hours are compared modulo 24, so a target of 23 has catch-up hour 0.
func (s *Scanner) Windows(now time.Time, targetHour int) Windows {
	var w Windows
	for _, z := range s.catalog.Zones() {
		lag := (now.In(z.Location).Hour() - targetHour + 24) % 24
		switch {
		case lag == 0:
			z.Lag = 0
			w.Active = append(w.Active, z)
		case lag < s.catchUpHours:
			z.Lag = lag
			w.CatchUp = append(w.CatchUp, z)
		}
	}
	return w
}

// Bucketize groups zones by their local calendar date at instant. A zone with
// a lag is dated at instant minus its lag, the moment it was at the target
// hour. Zone names inside a bucket are sorted.
func Bucketize(instant time.Time, zones []Zone) map[string][]string {
	buckets := make(map[string][]string)
	for _, z := range zones {
		at := instant.Add(-time.Duration(z.Lag) * time.Hour)
		date := at.In(z.Location).Format(DateLayout)
		buckets[date] = append(buckets[date], z.Name)
	}
	for _, names := range buckets {
		sort.Strings(names)
	}
	return buckets
}

// SortedDates returns the bucket keys in ascending order.
func SortedDates(buckets map[string][]string) []string {
	dates := make([]string, 0, len(buckets))
	for d := range buckets {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}
