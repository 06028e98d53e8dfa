package transform

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ChangeDetector skips inputs whose output is at least as new as the input.
type ChangeDetector struct {
	dest string
	name func(rel string) string
}

// NewChangeDetector compares inputs against outputs under dest. name maps an
// input path to its output path; nil means identical names.
func NewChangeDetector(dest string, name func(rel string) string) *ChangeDetector {
	if name == nil {
		name = func(rel string) string { return rel }
	}
	return &ChangeDetector{dest: dest, name: name}
}

// Changed reports whether f needs to be processed again.
func (d *ChangeDetector) Changed(f File) (bool, error) {
	out := filepath.Join(d.dest, filepath.FromSlash(d.name(f.Path)))
	info, err := os.Stat(out)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, IOError(out, err)
	}
	return info.ModTime().Before(f.ModTime), nil
}

// Filter splits files into those needing work and the paths of those that
// are up to date.
func (d *ChangeDetector) Filter(files []File) (changed []File, unchanged []string, err error) {
	for _, f := range files {
		ok, err := d.Changed(f)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			changed = append(changed, f)
		} else {
			unchanged = append(unchanged, f.Path)
		}
	}
	return changed, unchanged, nil
}
