// Package condition implements the predicate layer of the decision
// engine: a closed registry of named handlers, typed argument payloads
// for each handler, and the evaluator that folds a condition list into
// a single boolean under a match policy.
package condition

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Key names a handler in the registry. The set of keys is closed;
// decoding a condition with a key outside this set fails.
type Key string

const (
	KeyProductID                Key = "productId"
	KeyCategoryID               Key = "categoryId"
	KeyBrandID                  Key = "brandId"
	KeySelectedItemID           Key = "selectedItemId"
	KeyAreAllVariationsSelected Key = "areAllVariationsSelected"
	KeyProductClusters          Key = "productClusters"
	KeyProductClusterHighlights Key = "productClusterHighlights"
	KeyCategoryTree             Key = "categoryTree"
	KeySpecificationProperties  Key = "specificationProperties"
	KeyIsProductAvailable       Key = "isProductAvailable"
	KeyHasMoreSellersThan       Key = "hasMoreSellersThan"
	KeyHasBestPrice             Key = "hasBestPrice"
	KeySellerID                 Key = "sellerId"
)

// MatchPolicy controls how per-condition results combine.
type MatchPolicy string

const (
	// MatchAll requires every condition to hold; an empty list holds.
	MatchAll MatchPolicy = "all"
	// MatchAny requires at least one condition to hold; an empty list
	// does not hold.
	MatchAny MatchPolicy = "any"
)

// ParseMatchPolicy validates a policy string, defaulting empty to all.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(s) {
	case "":
		return MatchAll, nil
	case MatchAll, MatchAny:
		return MatchPolicy(s), nil
	default:
		return "", fmt.Errorf("condition: unknown match policy %q", s)
	}
}

// Args is the argument payload of a condition. Each handler key has
// exactly one concrete argument type.
type Args interface {
	argsKey() Key
}

// IDArgs carries a single identifier to compare against a fact field.
type IDArgs struct {
	ID string `json:"id" yaml:"id"`
}

// SpecificationArgs selects a property by name and optionally one of
// its values. A nil Value means "property exists".
type SpecificationArgs struct {
	Name  string  `json:"name" yaml:"name"`
	Value *string `json:"value,omitempty" yaml:"value,omitempty"`
}

// QuantityArgs carries the threshold for seller-count comparisons.
type QuantityArgs struct {
	Quantity int `json:"quantity" yaml:"quantity"`
}

// BestPriceArgs carries the expected discount state. A nil Value
// defaults to true.
type BestPriceArgs struct {
	Value *bool `json:"value,omitempty" yaml:"value,omitempty"`
}

// SellerArgs carries the seller id set to match against.
type SellerArgs struct {
	IDs []string `json:"ids" yaml:"ids"`
}

// NoArgs is the payload of handlers that take no arguments.
type NoArgs struct{}

func (IDArgs) argsKey() Key            { return "" }
func (SpecificationArgs) argsKey() Key { return "" }
func (QuantityArgs) argsKey() Key      { return "" }
func (BestPriceArgs) argsKey() Key     { return "" }
func (SellerArgs) argsKey() Key        { return "" }
func (NoArgs) argsKey() Key            { return "" }

// Condition pairs a handler key with its decoded argument payload.
// Conditions are immutable once decoded.
type Condition struct {
	Key  Key
	Args Args
}

type rawCondition struct {
	Key  string                 `json:"key" yaml:"key"`
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

// UnmarshalJSON decodes {key, args} and resolves args to the concrete
// payload type for the key. Unknown keys fail here, at configuration
// load, not at evaluation time.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw rawCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("condition: decode: %w", err)
	}
	return c.fromRaw(raw)
}

// MarshalJSON renders the condition back into its {key, args} form.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key  Key  `json:"key"`
		Args Args `json:"args,omitempty"`
	}{Key: c.Key, Args: marshalableArgs(c.Args)})
}

// UnmarshalYAML mirrors UnmarshalJSON for layout files.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	var raw rawCondition
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("condition: decode: %w", err)
	}
	return c.fromRaw(raw)
}

// MarshalYAML mirrors MarshalJSON.
func (c Condition) MarshalYAML() (interface{}, error) {
	return struct {
		Key  Key  `yaml:"key"`
		Args Args `yaml:"args,omitempty"`
	}{Key: c.Key, Args: marshalableArgs(c.Args)}, nil
}

func (c *Condition) fromRaw(raw rawCondition) error {
	args, err := DecodeArgs(Key(raw.Key), raw.Args)
	if err != nil {
		return err
	}
	c.Key = Key(raw.Key)
	c.Args = args
	return nil
}

func marshalableArgs(a Args) Args {
	if _, ok := a.(NoArgs); ok {
		return nil
	}
	return a
}

// DecodeArgs resolves a loose argument map into the typed payload for
// key. Numeric identifiers are coerced to strings so configuration can
// carry ids either way.
func DecodeArgs(key Key, args map[string]interface{}) (Args, error) {
	switch key {
	case KeyProductID, KeyCategoryID, KeyBrandID, KeySelectedItemID,
		KeyProductClusters, KeyProductClusterHighlights, KeyCategoryTree:
		id, err := stringField(args, "id", true)
		if err != nil {
			return nil, fmt.Errorf("condition: %s: %w", key, err)
		}
		return IDArgs{ID: id}, nil

	case KeySpecificationProperties:
		name, err := stringField(args, "name", true)
		if err != nil {
			return nil, fmt.Errorf("condition: %s: %w", key, err)
		}
		out := SpecificationArgs{Name: name}
		if _, present := args["value"]; present {
			value, err := stringField(args, "value", false)
			if err != nil {
				return nil, fmt.Errorf("condition: %s: %w", key, err)
			}
			out.Value = &value
		}
		return out, nil

	case KeyHasMoreSellersThan:
		qty, err := intField(args, "quantity")
		if err != nil {
			return nil, fmt.Errorf("condition: %s: %w", key, err)
		}
		return QuantityArgs{Quantity: qty}, nil

	case KeyHasBestPrice:
		out := BestPriceArgs{}
		if v, present := args["value"]; present {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("condition: %s: value must be a boolean, got %T", key, v)
			}
			out.Value = &b
		}
		return out, nil

	case KeySellerID:
		ids, err := stringListField(args, "ids")
		if err != nil {
			return nil, fmt.Errorf("condition: %s: %w", key, err)
		}
		return SellerArgs{IDs: ids}, nil

	case KeyAreAllVariationsSelected, KeyIsProductAvailable:
		return NoArgs{}, nil

	default:
		return nil, &UnknownKeyError{Key: key}
	}
}

// UnknownKeyError reports a condition key outside the registry. It is
// a configuration error: decoding and validation fail loudly instead
// of treating the condition as false.
type UnknownKeyError struct {
	Key Key
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("condition: unknown condition key %q (known keys: %s)", e.Key, knownKeyList())
}

// KnownKey reports whether key is part of the registry.
func KnownKey(key Key) bool {
	_, ok := handlers[key]
	return ok
}

// Keys returns all registry keys sorted, for error messages and docs.
func Keys() []Key {
	out := make([]Key, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func knownKeyList() string {
	keys := Keys()
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += string(k)
	}
	return s
}

// stringField extracts a string-ish value, coercing numbers so ids can
// be written bare in YAML or JSON.
func stringField(args map[string]interface{}, name string, required bool) (string, error) {
	v, ok := args[name]
	if !ok {
		if required {
			return "", fmt.Errorf("missing required argument %q", name)
		}
		return "", nil
	}
	s, err := asString(v)
	if err != nil {
		return "", fmt.Errorf("argument %q: %w", name, err)
	}
	return s, nil
}

func stringListField(args map[string]interface{}, name string) ([]string, error) {
	v, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("missing required argument %q", name)
	}
	list, ok := v.([]interface{})
	if !ok {
		// A single id is accepted as a one-element set.
		s, err := asString(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		return []string{s}, nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := asString(item)
		if err != nil {
			return nil, fmt.Errorf("argument %q[%d]: %w", name, i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func intField(args map[string]interface{}, name string) (int, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing required argument %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", name, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("argument %q: expected a number, got %T", name, v)
	}
}

func asString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		return "", fmt.Errorf("expected a string or number, got %T", v)
	}
}
