// Package source defines the ingestion contract for product snapshot
// feeds. A Source consumes an external system (message broker, object
// store, database changelog) and emits envelopes carrying raw product
// documents for the daemon to normalize into fact bags.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope is one product document received from a source. RawData is
// the original payload; Data carries the decoded structure when the
// source could parse it.
type Envelope struct {
	ProductID string            `json:"product_id,omitempty"`
	Data      *structpb.Struct  `json:"data,omitempty"`
	RawData   []byte            `json:"raw_data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	SourceID  string            `json:"source_id"`
	TraceID   string            `json:"trace_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Source is a feed of product snapshots.
type Source interface {
	// Subscribe returns the envelope channel. Must be called before
	// Start; the channel closes when the source stops.
	Subscribe(ctx context.Context) (<-chan *Envelope, error)

	// Start begins consuming. Non-blocking; consumption runs until the
	// context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop shuts the source down and closes the envelope channel.
	Stop(ctx context.Context) error

	// HealthCheck verifies connectivity to the external system.
	HealthCheck(ctx context.Context) error

	// Metadata describes the source instance.
	Metadata() Metadata
}

// Metadata identifies a source instance for status surfaces.
type Metadata struct {
	SourceID    string            `json:"source_id"`
	SourceType  string            `json:"source_type"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Config is the declarative configuration of one source instance, as
// it appears in the daemon config file.
type Config struct {
	SourceID string                 `yaml:"source_id" json:"source_id"`
	Type     string                 `yaml:"type" json:"type"`
	Enabled  *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Config   map[string]interface{} `yaml:"config" json:"config"`
}

// IsEnabled treats a missing enabled flag as on.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Factory builds sources of one type from loose configuration.
type Factory interface {
	Type() string
	Create(config *Config) (Source, error)
	ValidateConfig(config *Config) error
}

// Error wraps a source failure with its origin.
type Error struct {
	SourceID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a source error.
func NewError(sourceID, op string, err error) *Error {
	return &Error{SourceID: sourceID, Op: op, Err: err}
}

// ExtractProductID pulls the product identifier out of a raw document,
// tolerating both nested product-context and flat payload shapes plus
// numeric identifiers.
func ExtractProductID(raw []byte) string {
	for _, path := range []string{"product.productId", "productId"} {
		if r := gjson.GetBytes(raw, path); r.Exists() && r.Type != gjson.Null {
			return r.String()
		}
	}
	return ""
}

// DecodeEnvelope builds an envelope from a raw JSON document. The
// structured Data field is populated when the payload is a JSON
// object; non-object payloads keep only RawData.
func DecodeEnvelope(sourceID string, raw []byte) *Envelope {
	env := &Envelope{
		ProductID: ExtractProductID(raw),
		RawData:   raw,
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err == nil {
		if data, err := structpb.NewStruct(doc); err == nil {
			env.Data = data
		}
	}
	return env
}
