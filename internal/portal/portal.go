// Package portal maps the deployment's portal kind to its display metadata.
package portal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects which portal an instance serves. It is fixed at deploy time.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
	KindAdmin    Kind = "admin"
)

// Portal describes a portal's branding and where its assets live.
type Portal struct {
	Kind        Kind   `yaml:"-"`
	Name        string `yaml:"name"`
	Icon        string `yaml:"icon"`
	Description string `yaml:"description"`
	AssetRoot   string `yaml:"asset_root"`
}

// IsAdmin reports whether the admin routes are served.
func (p Portal) IsAdmin() bool {
	return p.Kind == KindAdmin
}

var defaultPortal = Portal{
	Name:        "Default Portal",
	Icon:        "🌐",
	Description: "A generic portal.",
	AssetRoot:   "static",
}

// Catalog resolves portal kinds. The zero value resolves the built-in entries.
type Catalog struct {
	entries map[Kind]Portal
}

func builtin() map[Kind]Portal {
	return map[Kind]Portal{
		KindAdmin: {
			Kind:        KindAdmin,
			Name:        "Admin Dashboard",
			Icon:        "👑",
			Description: "Centralized administration and SSO management interface.",
			AssetRoot:   "admin-dashboard",
		},
	}
}

// Resolve returns the built-in metadata for kind.
func Resolve(kind Kind) Portal {
	var c Catalog
	return c.Resolve(kind)
}

// Resolve returns the metadata for kind. Unknown kinds get the generic default
// portal, still tagged with the requested kind.
func (c *Catalog) Resolve(kind Kind) Portal {
	entries := c.entries
	if entries == nil {
		entries = builtin()
	}

	kind = Kind(strings.ToLower(strings.TrimSpace(string(kind))))
	if p, ok := entries[kind]; ok {
		return p
	}

	p := defaultPortal
	p.Kind = kind
	return p
}

// LoadCatalog reads portal overrides from a YAML file keyed by kind:
//
//	admin:
//	  name: Operations Console
//	  icon: "🛠"
//
// Fields left empty keep their built-in values.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read portal catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a catalog document, see LoadCatalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var overrides map[Kind]Portal
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse portal catalog: %w", err)
	}

	entries := builtin()
	for kind, o := range overrides {
		kind = Kind(strings.ToLower(string(kind)))
		p, ok := entries[kind]
		if !ok {
			p = defaultPortal
		}
		p.Kind = kind
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.Icon != "" {
			p.Icon = o.Icon
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.AssetRoot != "" {
			if strings.Contains(o.AssetRoot, "..") {
				return nil, fmt.Errorf("portal %s: asset_root must not contain ..", kind)
			}
			p.AssetRoot = o.AssetRoot
		}
		entries[kind] = p
	}

	return &Catalog{entries: entries}, nil
}
