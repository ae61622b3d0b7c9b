package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productContextJSON = `{
	"product": {
		"productId": 2001,
		"categoryId": "16",
		"brandId": "2000023",
		"productClusters": [{"id": 140, "name": "Sale"}, {"id": "141", "name": "New"}],
		"clusterHighlights": [{"id": "140", "name": "Sale"}],
		"categoryTree": [{"id": "1", "name": "Apparel"}, {"id": "16", "name": "Shoes"}],
		"properties": [{"name": "Material", "values": ["Leather", "Suede"]}]
	},
	"selectedItem": {
		"itemId": "310118449",
		"sellers": [
			{"sellerId": "1", "sellerDefault": true, "commertialOffer": {"ListPrice": 500, "Price": 400, "AvailableQuantity": 2}},
			{"sellerId": "partner", "sellerDefault": false, "commertialOffer": {"ListPrice": 450, "Price": 450, "AvailableQuantity": 0}}
		]
	},
	"skuSelector": {"areAllVariationsSelected": true}
}`

func TestNormalizeProductContext(t *testing.T) {
	bag, err := Normalize([]byte(productContextJSON))
	require.NoError(t, err)

	assert.Equal(t, "2001", bag.ProductID, "numeric productId should normalize to its string form")
	assert.Equal(t, "16", bag.CategoryID)
	assert.Equal(t, "2000023", bag.BrandID)
	assert.Equal(t, "310118449", bag.SelectedItemID)
	assert.True(t, bag.AreAllVariationsSelected)

	require.Len(t, bag.ProductClusters, 2)
	assert.Equal(t, "140", bag.ProductClusters[0].ID)
	assert.Equal(t, "141", bag.ProductClusters[1].ID)
	require.Len(t, bag.CategoryTree, 2)
	assert.Equal(t, "Shoes", bag.CategoryTree[1].Name)
	require.Len(t, bag.SpecificationProperties, 1)
	assert.Equal(t, []string{"Leather", "Suede"}, bag.SpecificationProperties[0].Values)
	require.Len(t, bag.Sellers, 2)
	assert.True(t, bag.Sellers[0].SellerDefault)
	assert.Equal(t, 400.0, bag.Sellers[0].CommertialOffer.Price)
}

func TestNormalizeFlatDocument(t *testing.T) {
	raw := []byte(`{"productId": "42", "selectedItemId": 7, "areAllVariationsSelected": false}`)
	bag, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "42", bag.ProductID)
	assert.Equal(t, "7", bag.SelectedItemID)
	assert.False(t, bag.AreAllVariationsSelected)
	assert.Empty(t, bag.Sellers)
}

func TestNormalizeInvalidJSON(t *testing.T) {
	_, err := Normalize([]byte(`{"productId":`))
	assert.Error(t, err)
}

func TestNormalizeNullIdentifiers(t *testing.T) {
	bag, err := Normalize([]byte(`{"productId": null, "selectedItemId": "1"}`))
	require.NoError(t, err)
	assert.Equal(t, "", bag.ProductID)
	assert.False(t, bag.Ready())
}

func TestFromMap(t *testing.T) {
	bag, err := FromMap(map[string]interface{}{
		"productId":      123,
		"selectedItemId": "9",
		"sellers": []interface{}{
			map[string]interface{}{"sellerId": 1, "commertialOffer": map[string]interface{}{"ListPrice": 10.0, "Price": 8.0}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "123", bag.ProductID)
	require.Len(t, bag.Sellers, 1)
	assert.Equal(t, "1", bag.Sellers[0].SellerID)
	assert.Equal(t, 8.0, bag.Sellers[0].CommertialOffer.Price)
}

func TestReady(t *testing.T) {
	assert.False(t, (*Bag)(nil).Ready())
	assert.False(t, (&Bag{ProductID: "1"}).Ready())
	assert.False(t, (&Bag{SelectedItemID: "1"}).Ready())
	assert.True(t, (&Bag{ProductID: "1", SelectedItemID: "2"}).Ready())
}

func TestFingerprintStable(t *testing.T) {
	a := &Bag{ProductID: "1", SelectedItemID: "2", BrandID: "b"}
	b := &Bag{ProductID: "1", SelectedItemID: "2", BrandID: "b"}
	c := &Bag{ProductID: "1", SelectedItemID: "2", BrandID: "other"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCloneIsDeep(t *testing.T) {
	orig, err := Normalize([]byte(productContextJSON))
	require.NoError(t, err)

	cp := orig.Clone()
	cp.ProductClusters[0].ID = "mutated"
	cp.SpecificationProperties[0].Values[0] = "mutated"
	cp.Sellers[0].SellerID = "mutated"

	assert.Equal(t, "140", orig.ProductClusters[0].ID)
	assert.Equal(t, "Leather", orig.SpecificationProperties[0].Values[0])
	assert.Equal(t, "1", orig.Sellers[0].SellerID)
}

func TestDefaultSeller(t *testing.T) {
	bag := &Bag{Sellers: []Seller{
		{SellerID: "a"},
		{SellerID: "b", SellerDefault: true},
	}}
	s, ok := bag.DefaultSeller()
	assert.True(t, ok)
	assert.Equal(t, "b", s.SellerID)

	bag = &Bag{Sellers: []Seller{{SellerID: "only"}}}
	s, ok = bag.DefaultSeller()
	assert.True(t, ok)
	assert.Equal(t, "only", s.SellerID)

	_, ok = (&Bag{}).DefaultSeller()
	assert.False(t, ok)
}
