package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelabs/vitrine/condition"
	"github.com/vitrinelabs/vitrine/facts"
)

func readyBag() *facts.Bag {
	return &facts.Bag{
		ProductID:      "2001",
		CategoryID:     "16",
		SelectedItemID: "310118449",
		Sellers: []facts.Seller{
			{SellerID: "1", SellerDefault: true, CommertialOffer: facts.CommertialOffer{ListPrice: 100, Price: 80, AvailableQuantity: 2}},
		},
	}
}

func saleLayout() *Layout {
	return &Layout{
		Name: "sale-banner",
		Conditions: []condition.Condition{
			{Key: condition.KeyCategoryID, Args: condition.IDArgs{ID: "16"}},
			{Key: condition.KeyHasBestPrice, Args: condition.BestPriceArgs{}},
		},
		Then: Branch{Name: "sale"},
		Else: &Branch{Name: "regular"},
	}
}

func TestFingerprintTracksContent(t *testing.T) {
	a := saleLayout()
	b := saleLayout()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Conditions[0].Args = condition.IDArgs{ID: "999"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestDecideSelectsThen(t *testing.T) {
	branch, err := Decide(saleLayout(), readyBag())
	require.NoError(t, err)
	require.NotNil(t, branch)
	assert.Equal(t, "sale", branch.Name)
}

func TestDecideSelectsElse(t *testing.T) {
	bag := readyBag()
	bag.CategoryID = "999"
	branch, err := Decide(saleLayout(), bag)
	require.NoError(t, err)
	require.NotNil(t, branch)
	assert.Equal(t, "regular", branch.Name)
}

func TestDecideNoElseMeansNothing(t *testing.T) {
	l := saleLayout()
	l.Else = nil
	bag := readyBag()
	bag.CategoryID = "999"

	branch, err := Decide(l, bag)
	require.NoError(t, err)
	assert.Nil(t, branch)
}

func TestDecideNotReadyRendersNothing(t *testing.T) {
	// Conditions would match, but readiness gates evaluation entirely.
	bag := readyBag()
	bag.SelectedItemID = ""

	branch, err := Decide(saleLayout(), bag)
	require.NoError(t, err)
	assert.Nil(t, branch)

	branch, err = Decide(saleLayout(), nil)
	require.NoError(t, err)
	assert.Nil(t, branch)
}

func TestDecideUnknownKeySurfaces(t *testing.T) {
	l := &Layout{
		Name:       "broken",
		Conditions: []condition.Condition{{Key: "mystery", Args: condition.NoArgs{}}},
		Then:       Branch{Name: "x"},
	}
	_, err := Decide(l, readyBag())
	require.Error(t, err)
	var unknown *condition.UnknownKeyError
	assert.ErrorAs(t, err, &unknown)
}

func TestDecideEmptyConditionList(t *testing.T) {
	l := &Layout{Name: "always", Then: Branch{Name: "content"}}
	branch, err := Decide(l, readyBag())
	require.NoError(t, err)
	require.NotNil(t, branch)
	assert.Equal(t, "content", branch.Name)

	l.MatchPolicy = condition.MatchAny
	l.Else = &Branch{Name: "fallback"}
	branch, err = Decide(l, readyBag())
	require.NoError(t, err)
	require.NotNil(t, branch)
	assert.Equal(t, "fallback", branch.Name, "any over empty conditions is false")
}

func TestDecideReturnsBranchCopy(t *testing.T) {
	l := saleLayout()
	branch, err := Decide(l, readyBag())
	require.NoError(t, err)
	branch.Name = "mutated"
	assert.Equal(t, "sale", l.Then.Name)
}

func TestExplain(t *testing.T) {
	bag := readyBag()
	bag.CategoryID = "999"
	ex := Explain(saleLayout(), bag)

	assert.True(t, ex.Ready)
	assert.False(t, ex.Matched)
	require.Len(t, ex.Conditions, 2)
	assert.False(t, ex.Conditions[0].Matched)
	assert.True(t, ex.Conditions[1].Matched, "dry run evaluates past the first failure")
	require.NotNil(t, ex.Branch)
	assert.Equal(t, "regular", ex.Branch.Name)
}

func TestExplainNotReady(t *testing.T) {
	ex := Explain(saleLayout(), &facts.Bag{CategoryID: "16"})
	assert.False(t, ex.Ready)
	assert.Nil(t, ex.Branch, "no branch is selected while facts are loading")
	assert.Len(t, ex.Conditions, 2, "per-condition detail is still reported")
}
