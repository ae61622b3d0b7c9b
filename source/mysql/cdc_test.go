package mysql

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrinelabs/vitrine/source"
)

func TestRowToMap(t *testing.T) {
	record := RowToMap([]string{"product_id", "name"}, []interface{}{int64(7), []byte("Shoe")})
	assert.Equal(t, int64(7), record["product_id"])
	assert.Equal(t, "Shoe", record["name"], "byte columns decode to strings")

	// More values than columns falls back to positional names.
	record = RowToMap([]string{"product_id"}, []interface{}{1, 2})
	assert.Equal(t, 2, record["col_1"])
}

func TestOperationForEvent(t *testing.T) {
	header := func(et replication.EventType) *replication.EventHeader {
		return &replication.EventHeader{EventType: et}
	}
	assert.Equal(t, "insert", operationForEvent(header(replication.WRITE_ROWS_EVENTv2)))
	assert.Equal(t, "update", operationForEvent(header(replication.UPDATE_ROWS_EVENTv1)))
	assert.Equal(t, "delete", operationForEvent(header(replication.DELETE_ROWS_EVENTv2)))
	assert.Equal(t, "", operationForEvent(header(replication.QUERY_EVENT)))
}

func TestWatchesTable(t *testing.T) {
	all := New("m1", Options{Host: "db"})
	assert.True(t, all.watchesTable("catalog", "products"))

	filtered := New("m1", Options{Host: "db", Tables: []string{"catalog.products", "skus"}})
	assert.True(t, filtered.watchesTable("catalog", "products"))
	assert.True(t, filtered.watchesTable("other", "skus"), "bare table names match any schema")
	assert.False(t, filtered.watchesTable("catalog", "orders"))
}

func TestProductIDFrom(t *testing.T) {
	assert.Equal(t, "7", productIDFrom(map[string]interface{}{"product_id": int64(7)}, "product_id"))
	assert.Equal(t, "abc", productIDFrom(map[string]interface{}{"product_id": "abc"}, "product_id"))
	assert.Equal(t, "", productIDFrom(map[string]interface{}{}, "product_id"))
	assert.Equal(t, "", productIDFrom(map[string]interface{}{"product_id": nil}, "product_id"))
}

func TestFactoryValidateConfig(t *testing.T) {
	factory := Factory{}

	err := factory.ValidateConfig(&source.Config{SourceID: "m1", Config: map[string]interface{}{
		"host": "db", "user": "repl",
	}})
	assert.NoError(t, err)

	err = factory.ValidateConfig(&source.Config{SourceID: "m1", Config: map[string]interface{}{"user": "repl"}})
	assert.Error(t, err, "host is required")

	err = factory.ValidateConfig(&source.Config{SourceID: "m1", Config: map[string]interface{}{"host": "db"}})
	assert.Error(t, err, "user is required")
}

func TestFactoryCreateDefaults(t *testing.T) {
	src, err := Factory{}.Create(&source.Config{SourceID: "m1", Config: map[string]interface{}{
		"host": "db", "user": "repl",
	}})
	require.NoError(t, err)

	typed := src.(*Source)
	assert.Equal(t, 3306, typed.opts.Port)
	assert.Equal(t, "mysql", typed.opts.Flavor)
	assert.Equal(t, "product_id", typed.opts.ProductIDColumn)
	assert.Equal(t, uint32(1001), typed.opts.ServerID)
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, source.Types(), SourceType)
}
