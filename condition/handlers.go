package condition

import (
	"github.com/vitrinelabs/vitrine/facts"
)

// Handler is one predicate of the registry. Handlers are pure and
// total: absent optional facts yield false, never a panic.
type Handler func(bag *facts.Bag, args Args) bool

// handlers is the closed registry. Dispatch happens through typed
// argument payloads, so a decoded condition always carries the right
// shape for its handler.
var handlers = map[Key]Handler{
	KeyProductID: func(bag *facts.Bag, args Args) bool {
		return bag.ProductID == args.(IDArgs).ID
	},
	KeyCategoryID: func(bag *facts.Bag, args Args) bool {
		return bag.CategoryID == args.(IDArgs).ID
	},
	KeyBrandID: func(bag *facts.Bag, args Args) bool {
		return bag.BrandID == args.(IDArgs).ID
	},
	KeySelectedItemID: func(bag *facts.Bag, args Args) bool {
		return bag.SelectedItemID == args.(IDArgs).ID
	},
	KeyAreAllVariationsSelected: func(bag *facts.Bag, _ Args) bool {
		return bag.AreAllVariationsSelected
	},
	KeyProductClusters: func(bag *facts.Bag, args Args) bool {
		return facts.HasCluster(bag.ProductClusters, args.(IDArgs).ID)
	},
	KeyProductClusterHighlights: func(bag *facts.Bag, args Args) bool {
		return facts.HasCluster(bag.ClusterHighlights, args.(IDArgs).ID)
	},
	KeyCategoryTree: func(bag *facts.Bag, args Args) bool {
		id := args.(IDArgs).ID
		for _, c := range bag.CategoryTree {
			if c.ID == id {
				return true
			}
		}
		return false
	},
	KeySpecificationProperties: func(bag *facts.Bag, args Args) bool {
		a := args.(SpecificationArgs)
		prop, ok := bag.Property(a.Name)
		if !ok {
			return false
		}
		if a.Value == nil {
			return true
		}
		for _, v := range prop.Values {
			if v == *a.Value {
				return true
			}
		}
		return false
	},
	KeyIsProductAvailable: func(bag *facts.Bag, _ Args) bool {
		return availableSellers(bag) > 0
	},
	KeyHasMoreSellersThan: func(bag *facts.Bag, args Args) bool {
		return availableSellers(bag) > args.(QuantityArgs).Quantity
	},
	KeyHasBestPrice: func(bag *facts.Bag, args Args) bool {
		// With no seller at all there is no offer to inspect; the
		// predicate is false regardless of the expected value.
		seller, ok := bag.DefaultSeller()
		if !ok {
			return false
		}
		expected := true
		if v := args.(BestPriceArgs).Value; v != nil {
			expected = *v
		}
		hasDiscount := seller.CommertialOffer.ListPrice != seller.CommertialOffer.Price
		return hasDiscount == expected
	},
	KeySellerID: func(bag *facts.Bag, args Args) bool {
		ids := args.(SellerArgs).IDs
		for _, s := range bag.Sellers {
			if s.CommertialOffer.AvailableQuantity <= 0 {
				continue
			}
			for _, id := range ids {
				if s.SellerID == id {
					return true
				}
			}
		}
		return false
	},
}

func availableSellers(bag *facts.Bag) int {
	n := 0
	for _, s := range bag.Sellers {
		if s.CommertialOffer.AvailableQuantity > 0 {
			n++
		}
	}
	return n
}
