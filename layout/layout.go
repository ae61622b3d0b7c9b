// Package layout models named display layouts: an ordered condition
// list, a match policy, and the two branches a decision can select.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vitrinelabs/vitrine/condition"
)

// Branch names the content slot a decision selects. The engine never
// interprets Ref; it is an opaque pointer for the rendering side.
type Branch struct {
	Name string `json:"name" yaml:"name"`
	Ref  string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Layout is one authored decision unit.
type Layout struct {
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	MatchPolicy condition.MatchPolicy `json:"matchPolicy,omitempty" yaml:"matchPolicy,omitempty"`
	Conditions  []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Then        Branch                `json:"then" yaml:"then"`
	Else        *Branch               `json:"else,omitempty" yaml:"else,omitempty"`
}

// Policy returns the effective match policy, defaulting to all.
func (l *Layout) Policy() condition.MatchPolicy {
	if l.MatchPolicy == "" {
		return condition.MatchAll
	}
	return l.MatchPolicy
}

// Fingerprint returns a stable hex digest of the layout contents,
// suitable as a cache key. Any change to the conditions, policy, or
// branches changes the digest.
func (l *Layout) Fingerprint() string {
	data, err := json.Marshal(l)
	if err != nil {
		// Layout contains only marshalable types; keep a distinct key anyway.
		return fmt.Sprintf("unmarshalable:%p", l)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Document is the on-disk shape of a layout file: either a single
// layout object or a {layouts: [...]} collection.
type Document struct {
	Layouts []Layout `json:"layouts" yaml:"layouts"`
}

func (l *Layout) String() string {
	return fmt.Sprintf("layout %q (%d conditions, policy %s)", l.Name, len(l.Conditions), l.Policy())
}
