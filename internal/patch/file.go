package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/cairn/internal/graph"
)

// ReadFile loads, validates and decodes a patch file.
func ReadFile(path string) (*Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch: %w", err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// WriteFile writes the canonical form of a patch. Writes go through a
// temp file and rename so a crashed export never leaves a half-written
// document.
func WriteFile(path string, p *Patch) error {
	doc, err := p.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	doc = append(doc, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write patch: %w", err)
	}
	return nil
}

// FileStatus pairs a patch file with its applied marker.
type FileStatus struct {
	File    string `json:"file"`
	Applied bool   `json:"applied"`
}

// Status scans dir for *.json patch files and reports which have been
// applied to the store, by filename marker. Content is not re-inspected:
// a renamed file shows as pending even if its content already merged,
// and re-applying it is harmless by construction.
func Status(ctx context.Context, st *graph.Store, dir string) ([]FileStatus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("patch status: %w", err)
	}
	names, err := st.AppliedPatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("patch status: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, name := range names {
		applied[name] = true
	}

	var out []FileStatus
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, FileStatus{File: e.Name(), Applied: applied[e.Name()]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}
