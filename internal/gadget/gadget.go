// Package gadget holds the static catalog of exported library functions that
// generated programs may call.
package gadget

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIGadget describes one exported library function. It is immutable once
// loaded into a Catalog.
type APIGadget struct {
	Name      string `json:"name" yaml:"name"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// String renders the gadget as it appears in a prompt line.
func (g APIGadget) String() string {
	if g.Signature != "" {
		return g.Signature
	}
	return g.Name
}

// Catalog is an ordered, duplicate-free set of gadgets with name lookup.
type Catalog struct {
	gadgets []APIGadget
	index   map[string]int
}

// NewCatalog builds a catalog, dropping banned names and later duplicates.
// Order of first appearance is preserved.
func NewCatalog(gadgets []APIGadget, ban ...string) (*Catalog, error) {
	banned := make(map[string]bool, len(ban))
	for _, b := range ban {
		banned[b] = true
	}
	c := &Catalog{index: make(map[string]int, len(gadgets))}
	for _, g := range gadgets {
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" || banned[g.Name] {
			continue
		}
		if _, dup := c.index[g.Name]; dup {
			continue
		}
		c.index[g.Name] = len(c.gadgets)
		c.gadgets = append(c.gadgets, g)
	}
	if len(c.gadgets) == 0 {
		return nil, fmt.Errorf("gadget catalog is empty")
	}
	return c, nil
}

// Len returns the number of gadgets.
func (c *Catalog) Len() int { return len(c.gadgets) }

// All returns the gadgets in catalog order. The slice must not be modified.
func (c *Catalog) All() []APIGadget { return c.gadgets }

// Names returns every gadget name in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.gadgets))
	for i, g := range c.gadgets {
		names[i] = g.Name
	}
	return names
}

// Lookup returns the gadget with the given name.
func (c *Catalog) Lookup(name string) (APIGadget, bool) {
	i, ok := c.index[name]
	if !ok {
		return APIGadget{}, false
	}
	return c.gadgets[i], true
}

// Has reports whether name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// At returns the i-th gadget.
func (c *Catalog) At(i int) APIGadget { return c.gadgets[i] }

// Sorted returns the names sorted lexically. Useful for stable output.
func (c *Catalog) Sorted() []string {
	names := c.Names()
	sort.Strings(names)
	return names
}

// LoadFromPath reads a catalog file. Supported formats, detected by extension:
// .yaml/.yml and .json hold a list of gadgets (or a list of plain names);
// anything else is read as one name per line, '#' starting a comment.
func LoadFromPath(path string, ban ...string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gadget catalog: %w", err)
	}
	gadgets, err := parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("parse gadget catalog %s: %w", path, err)
	}
	return NewCatalog(gadgets, ban...)
}

func parse(data []byte, ext string) ([]APIGadget, error) {
	switch ext {
	case ".yaml", ".yml":
		return decodeList(data, yaml.Unmarshal)
	case ".json":
		return decodeList(data, json.Unmarshal)
	}
	var gadgets []APIGadget
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		gadgets = append(gadgets, APIGadget{Name: line})
	}
	return gadgets, sc.Err()
}

// decodeList accepts either [{name, signature}] or [name, ...].
func decodeList(data []byte, unmarshal func([]byte, any) error) ([]APIGadget, error) {
	var structured []APIGadget
	if err := unmarshal(data, &structured); err == nil {
		return structured, nil
	}
	var names []string
	if err := unmarshal(data, &names); err != nil {
		return nil, err
	}
	gadgets := make([]APIGadget, len(names))
	for i, n := range names {
		gadgets[i] = APIGadget{Name: n}
	}
	return gadgets, nil
}
