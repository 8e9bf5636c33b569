package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/alecgard/peage/internal/auth"
)

var (
	// ErrNotFound means no descriptor exists under the requested name.
	ErrNotFound = errors.New("tool not found")

	errDuplicateName = errors.New("duplicate tool name")
	errNegativeCost  = errors.New("tool cost must be non-negative")
	errBadSchema     = errors.New("tool input schema must be an object")
)

// Property describes a single input parameter in a tool's schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is the JSON Schema fragment advertised for a tool's arguments.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Descriptor is an immutable description of one tool. Descriptors are
// assembled once at process start and never mutated afterwards.
type Descriptor struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Cost          int64  `json:"credits"`
	GuestEligible bool   `json:"guest_eligible"`
	Category      string `json:"category"`
	InputSchema   Schema `json:"input_schema"`
}

// Catalog is the fixed table of tool descriptors. It is safe for
// unsynchronized concurrent reads.
type Catalog struct {
	byName  map[string]Descriptor
	ordered []Descriptor
}

// Options controls which descriptor groups are included at build time,
// resolved once at process start.
type Options struct {
	EnableKYC bool
}

// Build validates the descriptor list and assembles the catalog. Duplicate
// names, negative costs, and non-object schemas are rejected so a bad table
// fails at startup rather than at call time.
func Build(descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{
		byName:  make(map[string]Descriptor, len(descriptors)),
		ordered: make([]Descriptor, 0, len(descriptors)),
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("validating catalog: empty tool name")
		}
		if _, exists := c.byName[d.Name]; exists {
			return nil, fmt.Errorf("validating catalog: %w: %q", errDuplicateName, d.Name)
		}
		if d.Cost < 0 {
			return nil, fmt.Errorf("validating tool %q: %w", d.Name, errNegativeCost)
		}
		if d.InputSchema.Type != "object" {
			return nil, fmt.Errorf("validating tool %q: %w", d.Name, errBadSchema)
		}
		c.byName[d.Name] = d
		c.ordered = append(c.ordered, d)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].Name < c.ordered[j].Name
	})

	return c, nil
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// ListEligible returns the descriptors visible to the given principal, in
// name order. Guests see only guest-eligible tools; authenticated principals
// see the full catalog.
func (c *Catalog) ListEligible(p auth.Principal) []Descriptor {
	if !auth.IsGuest(p) {
		out := make([]Descriptor, len(c.ordered))
		copy(out, c.ordered)
		return out
	}

	var out []Descriptor
	for _, d := range c.ordered {
		if d.GuestEligible {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor in name order, for the public discovery
// endpoint.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Size returns the number of registered tools.
func (c *Catalog) Size() int {
	return len(c.ordered)
}
