package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idCondition(key Key, id string) Condition {
	return Condition{Key: key, Args: IDArgs{ID: id}}
}

func TestEvaluateEmptyList(t *testing.T) {
	bag := testBag()

	ok, err := Evaluate(nil, bag, MatchAll)
	require.NoError(t, err)
	assert.True(t, ok, "all over an empty list is vacuously true")

	ok, err = Evaluate(nil, bag, MatchAny)
	require.NoError(t, err)
	assert.False(t, ok, "any over an empty list is false")
}

func TestEvaluateMixedResults(t *testing.T) {
	bag := testBag()
	conds := []Condition{
		idCondition(KeyProductID, "2001"),  // true
		idCondition(KeyCategoryID, "999"),  // false
		idCondition(KeyBrandID, "2000023"), // true
	}

	ok, err := Evaluate(conds, bag, MatchAll)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Evaluate(conds, bag, MatchAny)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateOrderIndependent(t *testing.T) {
	bag := testBag()
	forward := []Condition{
		idCondition(KeyProductID, "2001"),
		idCondition(KeyCategoryID, "999"),
		idCondition(KeyBrandID, "2000023"),
	}
	reversed := []Condition{forward[2], forward[1], forward[0]}

	for _, policy := range []MatchPolicy{MatchAll, MatchAny} {
		a, err := Evaluate(forward, bag, policy)
		require.NoError(t, err)
		b, err := Evaluate(reversed, bag, policy)
		require.NoError(t, err)
		assert.Equal(t, a, b, "policy %s must be order independent", policy)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	bag := testBag()
	conds := []Condition{
		idCondition(KeyProductID, "2001"),
		{Key: KeyIsProductAvailable, Args: NoArgs{}},
	}
	first, err := Evaluate(conds, bag, MatchAll)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(conds, bag, MatchAll)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateUnknownKeyFailsLoudly(t *testing.T) {
	bag := testBag()
	conds := []Condition{{Key: "bogusKey", Args: NoArgs{}}}

	_, err := Evaluate(conds, bag, MatchAll)
	require.Error(t, err)
	var unknown *UnknownKeyError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, Key("bogusKey"), unknown.Key)

	_, err = Evaluate(conds, bag, MatchAny)
	assert.Error(t, err, "any policy must not swallow unknown keys either")
}

func TestEvaluateDefaultPolicyIsAll(t *testing.T) {
	bag := testBag()
	conds := []Condition{idCondition(KeyCategoryID, "999")}
	ok, err := Evaluate(conds, bag, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateEach(t *testing.T) {
	bag := testBag()
	conds := []Condition{
		idCondition(KeyProductID, "2001"),
		idCondition(KeyCategoryID, "999"),
		{Key: "mystery", Args: NoArgs{}},
	}

	results, ok := EvaluateEach(conds, bag, MatchAll)
	require.Len(t, results, 3)
	assert.False(t, ok)
	assert.True(t, results[0].Matched)
	assert.False(t, results[1].Matched)
	assert.NotEmpty(t, results[2].Error)

	_, ok = EvaluateEach(conds, bag, MatchAny)
	assert.True(t, ok, "one matching condition satisfies any")
}

func TestEvaluateEachEmpty(t *testing.T) {
	results, ok := EvaluateEach(nil, testBag(), MatchAll)
	assert.Empty(t, results)
	assert.True(t, ok)

	_, ok = EvaluateEach(nil, testBag(), MatchAny)
	assert.False(t, ok)
}

func TestParseMatchPolicy(t *testing.T) {
	p, err := ParseMatchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MatchAll, p)

	p, err = ParseMatchPolicy("any")
	require.NoError(t, err)
	assert.Equal(t, MatchAny, p)

	_, err = ParseMatchPolicy("some")
	assert.Error(t, err)
}
