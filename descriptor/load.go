package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Parse parses a single descriptor from YAML and validates it.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadFile loads one descriptor from a YAML file.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file: %w", err)
	}

	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, one descriptor per
// file, keyed by source_id. Duplicate source IDs are a configuration
// error.
func LoadDir(dir string) (map[string]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	descriptors := make(map[string]*Descriptor)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		d, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		if _, exists := descriptors[d.SourceID]; exists {
			return nil, &ConfigurationError{
				SourceID: d.SourceID,
				Field:    "source_id",
				Reason:   "duplicate source_id across descriptor files",
			}
		}
		descriptors[d.SourceID] = d
	}

	return descriptors, nil
}

// SourceIDs returns the sorted IDs of a loaded descriptor set.
func SourceIDs(descriptors map[string]*Descriptor) []string {
	ids := make([]string, 0, len(descriptors))
	for id := range descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
