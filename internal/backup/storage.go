package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// LocationType classifies where artifacts land.
type LocationType string

// Location types. Network and cloud locations must be mounted into the
// filesystem (NFS, FUSE) so free-space checks and writes work uniformly.
const (
	LocationLocal   LocationType = "local"
	LocationNetwork LocationType = "network"
	LocationCloud   LocationType = "cloud"
)

// ParseLocationType validates a location type from config.
func ParseLocationType(s string) (LocationType, error) {
	switch lt := LocationType(s); lt {
	case LocationLocal, LocationNetwork, LocationCloud:
		return lt, nil
	}
	return "", fmt.Errorf("unknown location type %q", s)
}

// Location is one configured artifact destination.
type Location struct {
	Name     string
	Type     LocationType
	Path     string
	Priority int
	Default  bool
}

// headroomFactor is the free-space margin required over the estimated
// artifact input size.
const headroomFactor = 1.2

// dbSizeEstimate stands in for engines whose dump size cannot be known
// before running the dump.
const dbSizeEstimate = 256 << 20

// diskFree returns the free bytes on the filesystem holding path.
func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// chooseLocation picks the lowest-priority location with enough headroom for
// size. When none qualifies it falls back to the default location, reported
// through fellBack so the caller can warn.
func (o *Orchestrator) chooseLocation(size uint64) (loc Location, fellBack bool, err error) {
	need := uint64(headroomFactor * float64(size))
	for _, l := range o.locations {
		free, err := o.free(l.Path)
		if err != nil {
			o.logger.Warn("location unavailable", "location", l.Name, "error", err)
			continue
		}
		if free >= need {
			return l, false, nil
		}
	}
	for _, l := range o.locations {
		if l.Default {
			return l, true, nil
		}
	}
	return Location{}, false, errors.New("no storage location with enough free space and no default")
}

// estimateSize returns the expected artifact input size in bytes: the tree
// size for directories, the database file size for sqlite, and a fixed
// estimate for engines that cannot be sized without dumping. Incremental and
// differential runs capture less; the full size is kept as the upper bound.
func estimateSize(t Target) uint64 {
	if t.Type == TargetDatabase {
		if t.Engine == EngineSQLite {
			if info, err := os.Stat(t.Paths[0]); err == nil {
				return uint64(info.Size())
			}
		}
		return dbSizeEstimate
	}
	var total uint64
	for _, p := range t.Paths {
		total += treeSize(p, t.Excludes)
	}
	return total
}

// treeSize sums regular file sizes under root, honoring excludes.
func treeSize(root string, excludes []string) uint64 {
	var total uint64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}

// excluded checks a slash-separated relative path against exclude patterns.
// Patterns match the whole relative path or its base name.
func excluded(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// artifactPath builds the date-partitioned artifact path for a target. The
// name carries the backup type so operators can tell captures apart.
func artifactPath(loc Location, t Target, now time.Time) string {
	ext := ".tar.gz"
	if !t.Compress {
		ext = ".tar"
	}
	name := fmt.Sprintf("%s_%s_%s%s", t.ID, t.BackupType, now.Format("20060102_150405"), ext)
	return filepath.Join(loc.Path, t.ID,
		now.Format("2006"), now.Format("01"), now.Format("02"), name)
}
