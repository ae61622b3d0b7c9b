// Package mysql tails a catalog database binlog and emits an envelope
// per changed product row, so layout decisions track catalog edits
// without polling.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql" // column metadata lookups

	"github.com/vitrinelabs/vitrine/source"
)

// SourceType is the registry name of this adapter.
const SourceType = "mysql-cdc"

// Options configures the binlog tail.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string
	// Tables filters changes to schema.table names; empty means all.
	Tables []string
	// ProductIDColumn names the column carrying the product id.
	ProductIDColumn string
}

// Source consumes row events from the binlog.
type Source struct {
	sourceID string
	opts     Options

	mu           sync.Mutex
	db           *sql.DB
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	envChan      chan *source.Envelope
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
	tableColumns map[string][]string
}

// New builds a CDC source.
func New(sourceID string, opts Options) *Source {
	if opts.Port == 0 {
		opts.Port = 3306
	}
	if opts.Flavor == "" {
		opts.Flavor = "mysql"
	}
	if opts.ServerID == 0 {
		opts.ServerID = 1001
	}
	if opts.ProductIDColumn == "" {
		opts.ProductIDColumn = "product_id"
	}
	return &Source{
		sourceID:     sourceID,
		opts:         opts,
		tableColumns: make(map[string][]string),
	}
}

// Subscribe returns the envelope channel.
func (s *Source) Subscribe(context.Context) (<-chan *source.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}
	return s.envChan, nil
}

// Start connects to the server, resolves the current binlog position
// and begins streaming.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return source.NewError(s.sourceID, "start", fmt.Errorf("already started"))
	}
	if s.envChan == nil {
		s.envChan = make(chan *source.Envelope, 100)
	}

	db, err := sql.Open("mysql", s.schemaDSN())
	if err != nil {
		return source.NewError(s.sourceID, "open schema connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return source.NewError(s.sourceID, "ping", err)
	}
	s.db = db

	s.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.opts.ServerID,
		Flavor:   s.opts.Flavor,
		Host:     s.opts.Host,
		Port:     uint16(s.opts.Port),
		User:     s.opts.User,
		Password: s.opts.Password,
	})

	pos, err := s.masterPosition(ctx)
	if err != nil {
		s.syncer.Close()
		db.Close()
		return source.NewError(s.sourceID, "resolve binlog position", err)
	}
	streamer, err := s.syncer.StartSync(pos)
	if err != nil {
		s.syncer.Close()
		db.Close()
		return source.NewError(s.sourceID, "start sync", err)
	}
	s.streamer = streamer

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.consume(streamCtx)
	log.Printf("mysql-cdc source %s started at %s (pos %d)", s.sourceID, pos.Name, pos.Pos)
	return nil
}

func (s *Source) masterPosition(ctx context.Context) (mysql.Position, error) {
	row := s.db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	var file string
	var position uint32
	var ignored sql.RawBytes
	if err := row.Scan(&file, &position, &ignored, &ignored, &ignored); err != nil {
		return mysql.Position{}, err
	}
	return mysql.Position{Name: file, Pos: position}, nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.envChan)
	for {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("mysql-cdc source %s: get event: %v", s.sourceID, err)
			return
		}
		rowsEvent, ok := ev.Event.(*replication.RowsEvent)
		if !ok {
			continue
		}
		s.handleRows(ctx, rowsEvent, ev.Header)
	}
}

func (s *Source) handleRows(ctx context.Context, event *replication.RowsEvent, header *replication.EventHeader) {
	schemaName := string(event.Table.Schema)
	tableName := string(event.Table.Table)
	if !s.watchesTable(schemaName, tableName) {
		return
	}

	operation := operationForEvent(header)
	if operation == "" {
		return
	}
	columns := s.columnsFor(ctx, event.Table, schemaName, tableName)

	rows := event.Rows
	// Updates arrive as before/after pairs; only the after image
	// matters for snapshot purposes.
	step := 1
	start := 0
	if operation == "update" {
		step = 2
		start = 1
	}
	for i := start; i < len(rows); i += step {
		record := RowToMap(columns, rows[i])
		raw, err := json.Marshal(record)
		if err != nil {
			continue
		}
		env := source.DecodeEnvelope(s.sourceID, raw)
		if env.ProductID == "" {
			env.ProductID = productIDFrom(record, s.opts.ProductIDColumn)
		}
		env.Metadata = map[string]string{
			"operation": operation,
			"schema":    schemaName,
			"table":     tableName,
			"log_pos":   fmt.Sprintf("%d", header.LogPos),
		}
		select {
		case s.envChan <- env:
		default:
			log.Printf("mysql-cdc source %s: envelope channel full, dropping %s on %s.%s", s.sourceID, operation, schemaName, tableName)
		}
	}
}

func (s *Source) watchesTable(schemaName, tableName string) bool {
	if len(s.opts.Tables) == 0 {
		return true
	}
	full := schemaName + "." + tableName
	for _, t := range s.opts.Tables {
		if t == full || t == tableName {
			return true
		}
	}
	return false
}

func (s *Source) columnsFor(ctx context.Context, table *replication.TableMapEvent, schemaName, tableName string) []string {
	key := schemaName + "." + tableName
	s.mu.Lock()
	if cols, ok := s.tableColumns[key]; ok {
		s.mu.Unlock()
		return cols
	}
	s.mu.Unlock()

	var columns []string
	for _, name := range table.ColumnName {
		columns = append(columns, string(name))
	}
	if len(columns) == 0 {
		if cols, err := s.fetchColumns(ctx, schemaName, tableName); err == nil {
			columns = cols
		}
	}
	if len(columns) == 0 {
		columns = make([]string, table.ColumnCount)
		for i := range columns {
			columns[i] = fmt.Sprintf("col_%d", i)
		}
	}

	s.mu.Lock()
	s.tableColumns[key] = columns
	s.mu.Unlock()
	return columns
}

func (s *Source) fetchColumns(ctx context.Context, schemaName, tableName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// Stop tears down the syncer and waits for the consume loop.
func (s *Source) Stop(context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	syncer := s.syncer
	db := s.db
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if syncer != nil {
		syncer.Close()
	}
	s.wg.Wait()
	if db != nil {
		return db.Close()
	}
	return nil
}

// HealthCheck pings the schema connection.
func (s *Source) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return source.NewError(s.sourceID, "health", fmt.Errorf("not started"))
	}
	check, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(check); err != nil {
		return source.NewError(s.sourceID, "health", err)
	}
	return nil
}

// Metadata describes this source instance.
func (s *Source) Metadata() source.Metadata {
	return source.Metadata{
		SourceID:    s.sourceID,
		SourceType:  SourceType,
		Description: "MySQL binlog product change tail",
		Labels: map[string]string{
			"host":   fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
			"tables": strings.Join(s.opts.Tables, ","),
		},
	}
}

func (s *Source) schemaDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/information_schema?parseTime=true",
		s.opts.User, s.opts.Password, s.opts.Host, s.opts.Port)
}

func operationForEvent(header *replication.EventHeader) string {
	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return "insert"
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return "update"
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return "delete"
	default:
		return ""
	}
}

// RowToMap pairs binlog row values with their column names. Byte
// slices become strings so the record marshals as readable JSON.
func RowToMap(columns []string, row []interface{}) map[string]interface{} {
	record := make(map[string]interface{}, len(row))
	for i, value := range row {
		name := fmt.Sprintf("col_%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		record[name] = value
	}
	return record
}

func productIDFrom(record map[string]interface{}, column string) string {
	v, ok := record[column]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Factory builds CDC sources from configuration.
type Factory struct{}

func (Factory) Type() string { return SourceType }

func (Factory) ValidateConfig(config *source.Config) error {
	if source.StringOption(config.Config, "host", "") == "" {
		return fmt.Errorf("mysql-cdc source %s: host is required", config.SourceID)
	}
	if source.StringOption(config.Config, "user", "") == "" {
		return fmt.Errorf("mysql-cdc source %s: user is required", config.SourceID)
	}
	return nil
}

func (f Factory) Create(config *source.Config) (source.Source, error) {
	return New(config.SourceID, Options{
		Host:            source.StringOption(config.Config, "host", ""),
		Port:            source.IntOption(config.Config, "port", 3306),
		User:            source.StringOption(config.Config, "user", ""),
		Password:        source.StringOption(config.Config, "password", ""),
		ServerID:        uint32(source.IntOption(config.Config, "server_id", 1001)),
		Flavor:          source.StringOption(config.Config, "flavor", "mysql"),
		Tables:          source.StringsOption(config.Config, "tables", nil),
		ProductIDColumn: source.StringOption(config.Config, "product_id_column", "product_id"),
	}), nil
}

func init() {
	source.RegisterFactory(Factory{})
}
