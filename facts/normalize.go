package facts

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Normalize builds a Bag from a raw catalog document. The document may
// be a full product-context payload (product plus selectedItem plus
// skuSelector) or an already flattened object; for each field the first
// matching path wins. Identifier fields are read through gjson so both
// numeric and string representations land as strings.
func Normalize(raw []byte) (*Bag, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("facts: invalid JSON document")
	}
	doc := gjson.ParseBytes(raw)

	bag := &Bag{
		ProductID:                firstString(doc, "product.productId", "productId"),
		CategoryID:               firstString(doc, "product.categoryId", "categoryId"),
		BrandID:                  firstString(doc, "product.brandId", "brandId"),
		SelectedItemID:           firstString(doc, "selectedItem.itemId", "selectedItemId"),
		AreAllVariationsSelected: firstBool(doc, "skuSelector.areAllVariationsSelected", "areAllVariationsSelected"),
	}

	bag.ProductClusters = clusterRefs(first(doc, "product.productClusters", "productClusters"))
	bag.ClusterHighlights = clusterRefs(first(doc, "product.clusterHighlights", "clusterHighlights"))
	bag.CategoryTree = categoryRefs(first(doc, "product.categoryTree", "categoryTree"))
	bag.SpecificationProperties = properties(first(doc, "product.properties", "product.specificationProperties", "specificationProperties"))
	bag.Sellers = sellers(first(doc, "selectedItem.sellers", "sellers"))

	return bag, nil
}

// FromMap builds a Bag from an in-memory document, typically a decoded
// message body or a test fixture.
func FromMap(doc map[string]interface{}) (*Bag, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("facts: marshal document: %w", err)
	}
	return Normalize(raw)
}

func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// firstString coerces whatever gjson finds into its string form, so a
// numeric productId of 123 and the string "123" normalize identically.
func firstString(doc gjson.Result, paths ...string) string {
	r := first(doc, paths...)
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

func firstBool(doc gjson.Result, paths ...string) bool {
	r := first(doc, paths...)
	if !r.Exists() {
		return false
	}
	return r.Bool()
}

func clusterRefs(r gjson.Result) []ClusterRef {
	if !r.IsArray() {
		return nil
	}
	var out []ClusterRef
	r.ForEach(func(_, item gjson.Result) bool {
		out = append(out, ClusterRef{
			ID:   item.Get("id").String(),
			Name: item.Get("name").String(),
		})
		return true
	})
	return out
}

func categoryRefs(r gjson.Result) []CategoryRef {
	if !r.IsArray() {
		return nil
	}
	var out []CategoryRef
	r.ForEach(func(_, item gjson.Result) bool {
		out = append(out, CategoryRef{
			ID:   item.Get("id").String(),
			Name: item.Get("name").String(),
		})
		return true
	})
	return out
}

func properties(r gjson.Result) []SpecificationProperty {
	if !r.IsArray() {
		return nil
	}
	var out []SpecificationProperty
	r.ForEach(func(_, item gjson.Result) bool {
		prop := SpecificationProperty{Name: item.Get("name").String()}
		values := item.Get("values")
		if values.IsArray() {
			values.ForEach(func(_, v gjson.Result) bool {
				prop.Values = append(prop.Values, v.String())
				return true
			})
		} else if values.Exists() {
			prop.Values = append(prop.Values, values.String())
		}
		out = append(out, prop)
		return true
	})
	return out
}

func sellers(r gjson.Result) []Seller {
	if !r.IsArray() {
		return nil
	}
	var out []Seller
	r.ForEach(func(_, item gjson.Result) bool {
		out = append(out, Seller{
			SellerID:      item.Get("sellerId").String(),
			SellerDefault: item.Get("sellerDefault").Bool(),
			CommertialOffer: CommertialOffer{
				ListPrice:         item.Get("commertialOffer.ListPrice").Float(),
				Price:             item.Get("commertialOffer.Price").Float(),
				AvailableQuantity: item.Get("commertialOffer.AvailableQuantity").Float(),
			},
		})
		return true
	})
	return out
}
