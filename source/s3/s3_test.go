package s3

import (
	"bytes"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelabs/vitrine/source"
)

func listFixture() []types.Object {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return []types.Object{
		{Key: aws.String("snapshots/a.json"), LastModified: aws.Time(base)},
		{Key: aws.String("snapshots/b.json"), LastModified: aws.Time(base)},
		{Key: aws.String("snapshots/c.json"), LastModified: aws.Time(base.Add(time.Minute))},
	}
}

func TestDecodePayloadJSONObject(t *testing.T) {
	records, err := DecodePayload([]byte(`{"productId": "1"}`), "json")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1", records[0]["productId"])
}

func TestDecodePayloadJSONArray(t *testing.T) {
	records, err := DecodePayload([]byte(`[{"productId": "1"}, {"productId": "2"}]`), "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2", records[1]["productId"])
}

func TestDecodePayloadJSONScalarFails(t *testing.T) {
	_, err := DecodePayload([]byte(`42`), "json")
	assert.Error(t, err)
}

func TestDecodePayloadNDJSON(t *testing.T) {
	payload := []byte("{\"productId\": \"1\"}\n\n{\"productId\": \"2\"}\n")
	records, err := DecodePayload(payload, "ndjson")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["productId"])

	_, err = DecodePayload([]byte("{\"ok\": true}\nnot json\n"), "jsonl")
	assert.Error(t, err)
}

func TestDecodePayloadParquet(t *testing.T) {
	type row struct {
		ProductID string `parquet:"productId"`
		BrandID   string `parquet:"brandId"`
	}
	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[row](&buf)
	_, err := writer.Write([]row{
		{ProductID: "1", BrandID: "b1"},
		{ProductID: "2", BrandID: "b2"},
	})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	records, err := DecodePayload(buf.Bytes(), "parquet")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["productId"])
	assert.Equal(t, "b2", records[1]["brandId"])
}

func TestDecodePayloadUnknownFormat(t *testing.T) {
	_, err := DecodePayload([]byte(`{}`), "csv")
	assert.Error(t, err)
}

func TestFactoryValidateConfig(t *testing.T) {
	factory := Factory{}

	err := factory.ValidateConfig(&source.Config{SourceID: "s1", Config: map[string]interface{}{
		"bucket": "catalog",
	}})
	assert.NoError(t, err)

	err = factory.ValidateConfig(&source.Config{SourceID: "s1", Config: map[string]interface{}{}})
	assert.Error(t, err, "bucket is required")

	err = factory.ValidateConfig(&source.Config{SourceID: "s1", Config: map[string]interface{}{
		"bucket": "catalog",
		"format": "csv",
	}})
	assert.Error(t, err, "format must be known")
}

func TestFactoryCreateDefaults(t *testing.T) {
	src, err := Factory{}.Create(&source.Config{SourceID: "s1", Config: map[string]interface{}{
		"bucket": "catalog",
	}})
	require.NoError(t, err)

	typed := src.(*Source)
	assert.Equal(t, "json", typed.opts.Format)
	assert.Equal(t, "us-east-1", typed.opts.Region)
	assert.Equal(t, int64(10*1024*1024), typed.opts.MaxObjectBytes)
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, source.Types(), SourceType)
}

func TestFilterNewObjectsUsesCursor(t *testing.T) {
	src := New("s1", Options{Bucket: "catalog"})
	objects := listFixture()

	fresh := src.filterNewObjects(objects)
	assert.Len(t, fresh, 3, "everything is new at first")

	src.updateCursor(fresh)
	assert.Empty(t, src.filterNewObjects(objects), "seen objects are skipped")
}
