package timezone

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mustCatalog(t *testing.T, names ...string) *StaticCatalog {
	t.Helper()
	c, err := NewStaticCatalog(names...)
	require.NoError(t, err)
	return c
}

func zoneNames(zones []Zone) []string {
	out := make([]string, 0, len(zones))
	for _, z := range zones {
		out = append(out, z.Name)
	}
	return out
}

func TestWindowsActiveAndCatchUp(t *testing.T) {
	catalog := mustCatalog(t, "Asia/Jakarta", "Asia/Tokyo", "Asia/Bangkok", "Europe/London", "UTC")
	scanner := NewScanner(catalog, 2)

	// 02:00Z: Jakarta/Bangkok 09:00, Tokyo 11:00, London/UTC 02:00.
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	w := scanner.Windows(now, 9)

	require.Equal(t, []string{"Asia/Bangkok", "Asia/Jakarta"}, zoneNames(w.Active))
	require.Empty(t, w.CatchUp)

	// 03:00Z: Jakarta is at H+1, Tokyo at H+3.
	w = scanner.Windows(now.Add(time.Hour), 9)
	require.Empty(t, w.Active)
	require.Equal(t, []string{"Asia/Bangkok", "Asia/Jakarta"}, zoneNames(w.CatchUp))
	require.Equal(t, 1, w.CatchUp[0].Lag)
}

func TestWindowsCatchUpBoundaries(t *testing.T) {
	catalog := mustCatalog(t, "Etc/GMT-7", "Etc/GMT-8", "Etc/GMT-10")
	// 01:00Z -> GMT-7 08:00, GMT-8 09:00, GMT-10 11:00
	now := time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC)

	w := NewScanner(catalog, 2).Windows(now, 8)
	require.Equal(t, []string{"Etc/GMT-7"}, zoneNames(w.Active))
	require.Equal(t, []string{"Etc/GMT-8"}, zoneNames(w.CatchUp))

	w = NewScanner(catalog, 4).Windows(now, 8)
	require.Equal(t, []string{"Etc/GMT-10", "Etc/GMT-8"}, zoneNames(w.CatchUp))
}

func TestWindowsWrapsAroundMidnight(t *testing.T) {
	catalog := mustCatalog(t, "UTC", "Etc/GMT-1")
	now := time.Date(2026, 6, 1, 23, 30, 0, 0, time.UTC)

	w := NewScanner(catalog, 2).Windows(now, 23)
	require.Equal(t, []string{"UTC"}, zoneNames(w.Active))
	require.Equal(t, []string{"Etc/GMT-1"}, zoneNames(w.CatchUp))
}

func TestWindowsEmpty(t *testing.T) {
	catalog := mustCatalog(t, "UTC")
	w := NewScanner(catalog, 2).Windows(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC), 9)
	require.True(t, w.Empty())
}

func TestBucketizeAcrossDateLine(t *testing.T) {
	// 2026-03-01T19:00Z: Honolulu is 09:00 on Mar 1, Kiritimati 09:00 on Mar 2.
	catalog := mustCatalog(t, "Pacific/Honolulu", "Pacific/Kiritimati")
	now := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

	w := NewScanner(catalog, 2).Windows(now, 9)
	require.Len(t, w.Active, 2)

	buckets := Bucketize(now, w.Active)
	require.Equal(t, map[string][]string{
		"2026-03-01": {"Pacific/Honolulu"},
		"2026-03-02": {"Pacific/Kiritimati"},
	}, buckets)
	require.Equal(t, []string{"2026-03-01", "2026-03-02"}, SortedDates(buckets))
}

func TestBucketizeCatchUpUsesTargetHourDate(t *testing.T) {
	// Target 23, UTC at 00:30 next day is lag 1: its bucket is the previous date.
	loc := time.UTC
	zones := []Zone{{Name: "UTC", Location: loc, Lag: 1}}
	now := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)

	require.Equal(t, map[string][]string{"2026-03-01": {"UTC"}}, Bucketize(now, zones))
}

func TestStaticCatalogRejectsUnknownZone(t *testing.T) {
	_, err := NewStaticCatalog("Mars/Olympus_Mons")
	require.Error(t, err)

	c := mustCatalog(t, "UTC", "UTC", "Asia/Jakarta")
	require.Equal(t, []string{"Asia/Jakarta", "UTC"}, c.Names())
	_, ok := c.Lookup("Asia/Jakarta")
	require.True(t, ok)
}

func TestLoadSystemCatalogFiltersDirectory(t *testing.T) {
	dir := t.TempDir()
	tzif := []byte("TZif2 fake body")
	write := func(rel string, body []byte) {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, body, 0o644))
	}
	write("Asia/Jakarta", tzif)
	write("UTC", tzif)
	write("posix/Asia/Jakarta", tzif)
	write("right/UTC", tzif)
	write("zone.tab", []byte("# table"))
	write("posixrules", tzif)
	write("Europe/NotAZone", []byte("garbage"))

	t.Setenv("ZONEINFO", "")
	c, err := LoadSystemCatalog([]string{filepath.Join(dir, "missing"), dir}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []string{"Asia/Jakarta", "UTC"}, c.Names())
}

func TestLoadSystemCatalogNothingFound(t *testing.T) {
	t.Setenv("ZONEINFO", "")
	_, err := LoadSystemCatalog([]string{t.TempDir()}, zap.NewNop())
	require.ErrorIs(t, err, ErrEmptyCatalog)
}
