package storage

import (
	"fmt"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
)

// Kind selects the backing used by OpenUnits.
type Kind int

const (
	KindFile Kind = iota
	KindMMap
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindMMap:
		return "mmap"
	case KindMemory:
		return "memory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindFile, KindMMap, KindMemory} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown storage kind %q", s)
}

// FilePath returns where the file at index i of the info is stored beneath dir. Single file
// torrents are stored directly at dir/name.
func FilePath(dir string, info *metainfo.Info, fi metainfo.FileInfo) string {
	if len(info.Files) == 0 {
		return filepath.Join(dir, info.Name)
	}
	return filepath.Join(append([]string{dir, info.Name}, fi.Path...)...)
}

// OpenUnits returns one unit per file in the info, in torrent order.
func OpenUnits(dir string, info *metainfo.Info, kind Kind) (units []Unit, err error) {
	defer func() {
		if err != nil {
			Close(units...)
			units = nil
		}
	}()
	for _, fi := range info.UpvertedFiles() {
		p := FilePath(dir, info, fi)
		var u Unit
		switch kind {
		case KindFile:
			u = NewFileUnit(p, fi.Length)
		case KindMMap:
			if u, err = NewMMapUnit(p, fi.Length); err != nil {
				return units, fmt.Errorf("file %q: %w", p, err)
			}
		case KindMemory:
			u = NewMemoryUnit(p, fi.Length)
		default:
			return units, fmt.Errorf("unhandled storage kind %v", kind)
		}
		units = append(units, u)
	}
	return units, nil
}
