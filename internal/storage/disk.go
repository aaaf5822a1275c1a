package storage

import (
	"os"
	"path/filepath"
	"sort"
)

// Footprint is the on-disk size of each persisted artifact, keyed by a caller-chosen label.
type Footprint struct {
	Parts map[string]int64 `json:"parts"`
	Total int64            `json:"total_bytes"`
}

// Labels returns the part labels in sorted order.
func (f *Footprint) Labels() []string {
	labels := make([]string, 0, len(f.Parts))
	for k := range f.Parts {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// MeasureFootprint sizes each labelled path. A path may be a file or a directory (summed recursively).
// Missing paths count as 0 (the database, index or sidecar may not exist yet).
func MeasureFootprint(paths map[string]string) (*Footprint, error) {
	fp := &Footprint{Parts: make(map[string]int64, len(paths))}
	for label, p := range paths {
		n, err := pathSize(p)
		if err != nil {
			return nil, err
		}
		fp.Parts[label] = n
		fp.Total += n
	}
	return fp, nil
}

func pathSize(p string) (int64, error) {
	if p == "" {
		return 0, nil
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi != nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
