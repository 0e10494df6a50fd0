package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect metadata that does not
// match the feature's schema.
var ErrValidation = errors.New("validation failed")

// Catalog is the set of metered features. Each feature has a JSON schema for
// the external_call_metadata reported at settle time.
type Catalog struct {
	schemas map[string]*jsonschema.Schema
}

// NewCatalog compiles the embedded feature schemas.
func NewCatalog() (*Catalog, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		feature := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://credits.phorium.dev/schemas/" + feature + ".metadata"
		schemas[feature], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile metadata schema %q: %w", feature, err)
		}
	}
	if len(schemas) == 0 {
		return nil, errors.New("no feature schemas found")
	}
	return &Catalog{schemas: schemas}, nil
}

// Known reports whether feature is metered.
func (c *Catalog) Known(feature string) bool {
	_, ok := c.schemas[feature]
	return ok
}

// Features returns the metered feature names, sorted.
func (c *Catalog) Features() []string {
	out := make([]string, 0, len(c.schemas))
	for f := range c.schemas {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ValidateMetadata checks external call metadata against the feature schema.
// Empty metadata is always accepted.
func (c *Catalog) ValidateMetadata(feature string, meta json.RawMessage) error {
	if len(meta) == 0 {
		return nil
	}
	schema, ok := c.schemas[feature]
	if !ok {
		return fmt.Errorf("unknown feature %q", feature)
	}
	var doc interface{}
	if err := json.Unmarshal(meta, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
