// Package recipe holds the OpenRewrite recipe catalog and the rules that shape recipe requests
// before they reach the mod CLI.
package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"fixline/internal/domain"
)

// DefaultListLimit bounds an unfiltered listing.
const DefaultListLimit = 50

// Exporter writes the catalog JSON to a path. modcli.Client satisfies it.
type Exporter interface {
	ExportRecipes(ctx context.Context, path string) (string, error)
}

type Catalog struct {
	Recipes []domain.Recipe
}

// ParseCatalog decodes the exported catalog JSON.
func ParseCatalog(data []byte) (Catalog, error) {
	var recipes []domain.Recipe
	if err := json.Unmarshal(data, &recipes); err != nil {
		return Catalog{}, fmt.Errorf("decode recipe catalog: %w", err)
	}
	return Catalog{Recipes: recipes}, nil
}

// LoadCatalog reads the catalog at path, exporting it first when the file is missing.
func LoadCatalog(ctx context.Context, path string, exp Exporter) (Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && exp != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Catalog{}, fmt.Errorf("create catalog directory: %w", err)
		}
		if _, err := exp.ExportRecipes(ctx, path); err != nil {
			return Catalog{}, fmt.Errorf("export recipe catalog: %w", err)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("read recipe catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Filter matches query case-insensitively against id and description. An empty query returns
// the first DefaultListLimit recipes.
func (c Catalog) Filter(query string) []domain.Recipe {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		if len(c.Recipes) > DefaultListLimit {
			return append([]domain.Recipe(nil), c.Recipes[:DefaultListLimit]...)
		}
		return append([]domain.Recipe(nil), c.Recipes...)
	}
	var res []domain.Recipe
	for _, r := range c.Recipes {
		if strings.Contains(strings.ToLower(r.ID), q) || strings.Contains(strings.ToLower(r.Description), q) {
			res = append(res, r)
		}
	}
	return res
}

// IDs returns up to n recipe ids in catalog order.
func (c Catalog) IDs(n int) []string {
	if n <= 0 || n > len(c.Recipes) {
		n = len(c.Recipes)
	}
	ids := make([]string, 0, n)
	for _, r := range c.Recipes[:n] {
		ids = append(ids, r.ID)
	}
	return ids
}
