// Package facts holds the immutable snapshot of product context that
// condition handlers evaluate against. A Bag is built once, from a raw
// catalog document or an explicit map, and never mutated afterwards.
package facts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ClusterRef identifies a product cluster or cluster highlight.
type ClusterRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// CategoryRef is one node of the category tree, ordered root first.
type CategoryRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// SpecificationProperty is a named product property with its values.
type SpecificationProperty struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// CommertialOffer carries the pricing facts of a seller. The field name
// keeps the upstream catalog spelling so documents round-trip unchanged.
type CommertialOffer struct {
	ListPrice         float64 `json:"ListPrice" yaml:"ListPrice"`
	Price             float64 `json:"Price" yaml:"Price"`
	AvailableQuantity float64 `json:"AvailableQuantity" yaml:"AvailableQuantity"`
}

// Seller is one seller of the selected item.
type Seller struct {
	SellerID        string          `json:"sellerId" yaml:"sellerId"`
	SellerDefault   bool            `json:"sellerDefault" yaml:"sellerDefault"`
	CommertialOffer CommertialOffer `json:"commertialOffer" yaml:"commertialOffer"`
}

// Bag is the full set of facts a decision runs against. Identifier
// fields are always strings; numeric identifiers in source documents
// are coerced during normalization so comparisons never depend on the
// wire representation.
type Bag struct {
	ProductID                string                  `json:"productId" yaml:"productId"`
	CategoryID               string                  `json:"categoryId" yaml:"categoryId"`
	BrandID                  string                  `json:"brandId" yaml:"brandId"`
	SelectedItemID           string                  `json:"selectedItemId" yaml:"selectedItemId"`
	ProductClusters          []ClusterRef            `json:"productClusters,omitempty" yaml:"productClusters,omitempty"`
	ClusterHighlights        []ClusterRef            `json:"clusterHighlights,omitempty" yaml:"clusterHighlights,omitempty"`
	CategoryTree             []CategoryRef           `json:"categoryTree,omitempty" yaml:"categoryTree,omitempty"`
	SpecificationProperties  []SpecificationProperty `json:"specificationProperties,omitempty" yaml:"specificationProperties,omitempty"`
	AreAllVariationsSelected bool                    `json:"areAllVariationsSelected" yaml:"areAllVariationsSelected"`
	Sellers                  []Seller                `json:"sellers,omitempty" yaml:"sellers,omitempty"`
}

// Ready reports whether the bag carries enough context for a decision.
// A bag without a product or a selected item is still loading and must
// not produce a branch.
func (b *Bag) Ready() bool {
	if b == nil {
		return false
	}
	return b.ProductID != "" && b.SelectedItemID != ""
}

// Fingerprint returns a stable hex digest of the bag contents, suitable
// as a cache key. Equal bags always produce equal fingerprints.
func (b *Bag) Fingerprint() string {
	data, err := json.Marshal(b)
	if err != nil {
		// Bag contains only marshalable types; keep a distinct key anyway.
		return fmt.Sprintf("unmarshalable:%p", b)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the bag. Callers that need to derive a
// modified bag copy first so the original stays immutable.
func (b *Bag) Clone() *Bag {
	if b == nil {
		return nil
	}
	out := *b
	out.ProductClusters = append([]ClusterRef(nil), b.ProductClusters...)
	out.ClusterHighlights = append([]ClusterRef(nil), b.ClusterHighlights...)
	out.CategoryTree = append([]CategoryRef(nil), b.CategoryTree...)
	out.Sellers = append([]Seller(nil), b.Sellers...)
	out.SpecificationProperties = make([]SpecificationProperty, len(b.SpecificationProperties))
	for i, p := range b.SpecificationProperties {
		cp := p
		cp.Values = append([]string(nil), p.Values...)
		out.SpecificationProperties[i] = cp
	}
	return &out
}

// HasCluster reports whether any cluster in the slice carries the id.
func HasCluster(clusters []ClusterRef, id string) bool {
	for _, c := range clusters {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Property returns the specification property with the given name.
func (b *Bag) Property(name string) (SpecificationProperty, bool) {
	for _, p := range b.SpecificationProperties {
		if p.Name == name {
			return p, true
		}
	}
	return SpecificationProperty{}, false
}

// DefaultSeller returns the seller flagged as default, falling back to
// the first seller when none is flagged.
func (b *Bag) DefaultSeller() (Seller, bool) {
	if len(b.Sellers) == 0 {
		return Seller{}, false
	}
	for _, s := range b.Sellers {
		if s.SellerDefault {
			return s, true
		}
	}
	return b.Sellers[0], true
}
