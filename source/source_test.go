package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ id string }

func (f *fakeSource) Subscribe(context.Context) (<-chan *Envelope, error) { return nil, nil }
func (f *fakeSource) Start(context.Context) error                         { return nil }
func (f *fakeSource) Stop(context.Context) error                          { return nil }
func (f *fakeSource) HealthCheck(context.Context) error                   { return nil }
func (f *fakeSource) Metadata() Metadata {
	return Metadata{SourceID: f.id, SourceType: "fake"}
}

type fakeFactory struct{ failValidation bool }

func (fakeFactory) Type() string { return "fake" }
func (f fakeFactory) ValidateConfig(config *Config) error {
	if f.failValidation {
		return fmt.Errorf("bad config")
	}
	return nil
}
func (fakeFactory) Create(config *Config) (Source, error) {
	return &fakeSource{id: config.SourceID}, nil
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeFactory{})

	src, err := r.Create(&Config{SourceID: "s1", Type: "fake"})
	require.NoError(t, err)
	assert.Equal(t, "s1", src.Metadata().SourceID)
	assert.Equal(t, []string{"fake"}, r.Types())
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Config{SourceID: "s1", Type: "nats"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "nats")
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeFactory{failValidation: true})
	_, err := r.Create(&Config{SourceID: "s1", Type: "fake"})
	assert.Error(t, err)
}

func TestConfigIsEnabled(t *testing.T) {
	enabled := true
	disabled := false
	assert.True(t, (&Config{}).IsEnabled())
	assert.True(t, (&Config{Enabled: &enabled}).IsEnabled())
	assert.False(t, (&Config{Enabled: &disabled}).IsEnabled())
}

func TestSourceErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewError("s1", "dial", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "s1")
	assert.Contains(t, err.Error(), "dial")
}

func TestExtractProductID(t *testing.T) {
	assert.Equal(t, "123", ExtractProductID([]byte(`{"product": {"productId": 123}}`)))
	assert.Equal(t, "42", ExtractProductID([]byte(`{"productId": "42"}`)))
	assert.Equal(t, "", ExtractProductID([]byte(`{"sku": "42"}`)))
	assert.Equal(t, "", ExtractProductID([]byte(`{"productId": null}`)))
}

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"productId": 7, "brandId": "b"}`)
	env := DecodeEnvelope("s1", raw)

	assert.Equal(t, "7", env.ProductID)
	assert.Equal(t, "s1", env.SourceID)
	assert.Equal(t, raw, env.RawData)
	require.NotNil(t, env.Data)
	assert.Equal(t, "b", env.Data.Fields["brandId"].GetStringValue())
	assert.False(t, env.Timestamp.IsZero())
}

func TestDecodeEnvelopeNonObject(t *testing.T) {
	env := DecodeEnvelope("s1", []byte(`not json`))
	assert.Nil(t, env.Data)
	assert.Equal(t, []byte(`not json`), env.RawData)
}

func TestOptionHelpers(t *testing.T) {
	config := map[string]interface{}{
		"name":    "value",
		"count":   float64(3),
		"flag":    true,
		"brokers": []interface{}{"a", "b"},
	}
	assert.Equal(t, "value", StringOption(config, "name", "x"))
	assert.Equal(t, "x", StringOption(config, "missing", "x"))
	assert.Equal(t, 3, IntOption(config, "count", 0))
	assert.Equal(t, 9, IntOption(config, "missing", 9))
	assert.True(t, BoolOption(config, "flag", false))
	assert.False(t, BoolOption(config, "missing", false))
	assert.Equal(t, []string{"a", "b"}, StringsOption(config, "brokers", nil))
	assert.Nil(t, StringsOption(config, "missing", nil))
}
