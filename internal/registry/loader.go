package registry

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadCatalogFromFile reads a YAML domain catalog from disk.
func LoadCatalogFromFile(path string) (*DomainCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	cat, err := decodeCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return cat, nil
}

// LoadCatalog parses a catalog from the provided reader.
func LoadCatalog(r io.Reader) (*DomainCatalog, error) {
	cat, err := decodeCatalog(r)
	if err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return cat, nil
}

func decodeCatalog(r io.Reader) (*DomainCatalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cat DomainCatalog
	if err := dec.Decode(&cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
