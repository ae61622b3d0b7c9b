package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConditionUnmarshalJSON(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "productId", "args": {"id": "123"}}`), &c)
	require.NoError(t, err)
	assert.Equal(t, KeyProductID, c.Key)
	assert.Equal(t, IDArgs{ID: "123"}, c.Args)
}

func TestConditionUnmarshalNumericID(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "productId", "args": {"id": 123}}`), &c)
	require.NoError(t, err)
	assert.Equal(t, IDArgs{ID: "123"}, c.Args, "numeric ids must decode to string form")
}

func TestConditionUnmarshalUnknownKey(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "priceTable", "args": {"id": "x"}}`), &c)
	require.Error(t, err)
	var unknown *UnknownKeyError
	assert.ErrorAs(t, err, &unknown)
}

func TestConditionUnmarshalMissingRequiredArg(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "productId"}`), &c)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"key": "hasMoreSellersThan", "args": {}}`), &c)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"key": "sellerId", "args": {}}`), &c)
	assert.Error(t, err)
}

func TestConditionUnmarshalSpecificationVariants(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "specificationProperties", "args": {"name": "color"}}`), &c)
	require.NoError(t, err)
	args := c.Args.(SpecificationArgs)
	assert.Equal(t, "color", args.Name)
	assert.Nil(t, args.Value)

	err = json.Unmarshal([]byte(`{"key": "specificationProperties", "args": {"name": "color", "value": "red"}}`), &c)
	require.NoError(t, err)
	args = c.Args.(SpecificationArgs)
	require.NotNil(t, args.Value)
	assert.Equal(t, "red", *args.Value)
}

func TestConditionUnmarshalBestPrice(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "hasBestPrice"}`), &c)
	require.NoError(t, err)
	assert.Nil(t, c.Args.(BestPriceArgs).Value)

	err = json.Unmarshal([]byte(`{"key": "hasBestPrice", "args": {"value": false}}`), &c)
	require.NoError(t, err)
	require.NotNil(t, c.Args.(BestPriceArgs).Value)
	assert.False(t, *c.Args.(BestPriceArgs).Value)

	err = json.Unmarshal([]byte(`{"key": "hasBestPrice", "args": {"value": "yes"}}`), &c)
	assert.Error(t, err, "value must be a boolean")
}

func TestConditionUnmarshalSellerIDs(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"key": "sellerId", "args": {"ids": ["1", 2]}}`), &c)
	require.NoError(t, err)
	assert.Equal(t, SellerArgs{IDs: []string{"1", "2"}}, c.Args)

	err = json.Unmarshal([]byte(`{"key": "sellerId", "args": {"ids": "solo"}}`), &c)
	require.NoError(t, err)
	assert.Equal(t, SellerArgs{IDs: []string{"solo"}}, c.Args, "single id reads as a one-element set")
}

func TestConditionUnmarshalYAML(t *testing.T) {
	doc := `
key: hasMoreSellersThan
args:
  quantity: 2
`
	var c Condition
	err := yaml.Unmarshal([]byte(doc), &c)
	require.NoError(t, err)
	assert.Equal(t, KeyHasMoreSellersThan, c.Key)
	assert.Equal(t, QuantityArgs{Quantity: 2}, c.Args)
}

func TestConditionUnmarshalYAMLNumericID(t *testing.T) {
	doc := `
key: categoryId
args:
  id: 16
`
	var c Condition
	err := yaml.Unmarshal([]byte(doc), &c)
	require.NoError(t, err)
	assert.Equal(t, IDArgs{ID: "16"}, c.Args)
}

func TestConditionMarshalRoundTrip(t *testing.T) {
	orig := Condition{Key: KeySpecificationProperties, Args: SpecificationArgs{Name: "color", Value: strPtr("red")}}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Condition
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig, back)
}

func TestConditionMarshalNoArgsOmitted(t *testing.T) {
	data, err := json.Marshal(Condition{Key: KeyIsProductAvailable, Args: NoArgs{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key": "isProductAvailable"}`, string(data))
}

func TestKnownKeyAndKeys(t *testing.T) {
	assert.True(t, KnownKey(KeyHasBestPrice))
	assert.False(t, KnownKey("notAKey"))
	assert.Len(t, Keys(), 13)
}
