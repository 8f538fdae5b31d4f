package toolservers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/armon/go-radix"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// CatalogEntry is one exposed tool of a turn catalog.
type CatalogEntry struct {
	ExposedName string
	ServerID    string
	ServerName  string
	Tool        ports.ToolSpec // as advertised by the server
}

// Catalog is an immutable snapshot of the tools of all connected servers,
// indexed by exposed name. A tool whose name was already taken by an earlier
// server is exposed as "<server>__<tool>", then "<server id>__<tool>", then
// with a numeric suffix until the name is free.
type Catalog struct {
	tree    *radix.Tree
	entries []CatalogEntry
}

type catalogSource struct {
	id, name string
	tools    []ports.ToolSpec
}

func newCatalog(sources []catalogSource) *Catalog {
	c := &Catalog{tree: radix.New()}
	for _, src := range sources {
		for _, t := range src.tools {
			name := t.Name
			if _, taken := c.tree.Get(name); taken {
				name = sanitizeName(src.name) + "__" + t.Name
			}
			if _, taken := c.tree.Get(name); taken {
				name = sanitizeName(src.id) + "__" + t.Name
			}
			for base, n := name, 2; ; n++ {
				if _, taken := c.tree.Get(name); !taken {
					break
				}
				name = fmt.Sprintf("%s_%d", base, n)
			}
			e := CatalogEntry{ExposedName: name, ServerID: src.id, ServerName: src.name, Tool: t}
			c.tree.Insert(name, len(c.entries))
			c.entries = append(c.entries, e)
		}
	}
	return c
}

// Len returns the number of exposed tools.
func (c *Catalog) Len() int { return len(c.entries) }

// Entries returns the catalog in server then tool order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Specs implements ports.ToolCatalog.
func (c *Catalog) Specs() []ports.ToolSpec {
	out := make([]ports.ToolSpec, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, ports.ToolSpec{
			Name:        e.ExposedName,
			Description: e.Tool.Description,
			JSONSchema:  e.Tool.JSONSchema,
		})
	}
	return out
}

// Resolve implements ports.ToolCatalog.
func (c *Catalog) Resolve(name string) (ports.ToolRoute, bool) {
	v, ok := c.tree.Get(name)
	if !ok {
		return ports.ToolRoute{}, false
	}
	e := c.entries[v.(int)]
	return ports.ToolRoute{ServerID: e.ServerID, Tool: e.Tool.Name}, true
}

// WithPrefix returns the entries whose exposed name starts with prefix.
func (c *Catalog) WithPrefix(prefix string) []CatalogEntry {
	var out []CatalogEntry
	c.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, c.entries[v.(int)])
		return false
	})
	return out
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeName(s string) string {
	s = strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if s == "" {
		return "server"
	}
	return s
}

var _ ports.ToolCatalog = (*Catalog)(nil)
