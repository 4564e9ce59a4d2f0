package timezone

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
)

// DefaultZoneinfoDirs are searched when no directory is configured.
var DefaultZoneinfoDirs = []string{
	"/usr/share/zoneinfo",
	"/usr/lib/zoneinfo",
	"/usr/share/lib/zoneinfo",
	"/etc/zoneinfo",
}

var ErrEmptyCatalog = errors.New("no timezones found")

// Zone is a loaded IANA location. Lag is the number of whole hours the zone is
// past the target hour; it is zero outside of catch-up windows.
type Zone struct {
	Name     string
	Location *time.Location
	Lag      int
}

// Catalog is the read-only set of timezones the scanner iterates.
type Catalog interface {
	Zones() []Zone
	Lookup(name string) (*time.Location, bool)
}

type StaticCatalog struct {
	zones  []Zone
	byName map[string]*time.Location
}

func NewStaticCatalog(names ...string) (*StaticCatalog, error) {
	c := &StaticCatalog{byName: make(map[string]*time.Location, len(names))}
	for _, name := range names {
		if _, dup := c.byName[name]; dup {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load location %q: %w", name, err)
		}
		c.byName[name] = loc
		c.zones = append(c.zones, Zone{Name: name, Location: loc})
	}
	sort.Slice(c.zones, func(i, j int) bool { return c.zones[i].Name < c.zones[j].Name })
	return c, nil
}

func (c *StaticCatalog) Zones() []Zone {
	out := make([]Zone, len(c.zones))
	copy(out, c.zones)
	return out
}

func (c *StaticCatalog) Lookup(name string) (*time.Location, bool) {
	loc, ok := c.byName[name]
	return loc, ok
}

func (c *StaticCatalog) Names() []string {
	names := make([]string, 0, len(c.zones))
	for _, z := range c.zones {
		names = append(names, z.Name)
	}
	return names
}

func (c *StaticCatalog) Len() int { return len(c.zones) }

// LoadSystemCatalog walks the first zoneinfo directory that yields zones.
// $ZONEINFO is tried before dirs.
func LoadSystemCatalog(dirs []string, logger *zap.Logger) (*StaticCatalog, error) {
	if len(dirs) == 0 {
		dirs = DefaultZoneinfoDirs
	}
	if env := os.Getenv("ZONEINFO"); env != "" {
		dirs = append([]string{env}, dirs...)
	}

	for _, dir := range dirs {
		names, err := scanZoneinfoDir(dir)
		if err != nil {
			logger.Debug("Skipping zoneinfo dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if len(names) == 0 {
			continue
		}

		valid := names[:0]
		for _, name := range names {
			if _, err := time.LoadLocation(name); err != nil {
				logger.Debug("Skipping unloadable zone", zap.String("zone", name), zap.Error(err))
				continue
			}
			valid = append(valid, name)
		}

		catalog, err := NewStaticCatalog(valid...)
		if err != nil {
			return nil, err
		}
		logger.Info("Timezone catalog loaded",
			zap.String("dir", dir),
			zap.Int("zones", catalog.Len()),
		)
		return catalog, nil
	}

	return nil, fmt.Errorf("%w in %s", ErrEmptyCatalog, strings.Join(dirs, ", "))
}

var tzifMagic = []byte("TZif")

func scanZoneinfoDir(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var names []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "posix" || rel == "right" {
				return fs.SkipDir
			}
			return nil
		}
		if skipZoneFile(rel) {
			return nil
		}
		if !isTZif(path) {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	return names, err
}

func skipZoneFile(rel string) bool {
	base := filepath.Base(rel)
	if strings.Contains(base, ".") {
		// zone.tab, tzdata.zi, leap-seconds.list ...
		return true
	}
	switch base {
	case "posixrules", "localtime", "Factory", "leapseconds", "SECURITY":
		return true
	}
	return base[0] < 'A' || base[0] > 'Z'
}

func isTZif(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, len(tzifMagic))
	if _, err := f.Read(head); err != nil {
		return false
	}
	return bytes.Equal(head, tzifMagic)
}
