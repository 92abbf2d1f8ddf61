// Package sqlite provides the SQLite-backed local store, change log
// and sync state used by the sync engine. The three concerns live in
// separate tables and never share a transaction: a failed sync pass
// can be retried without touching entity data.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	stdSync "sync"
	"time"

	"github.com/zonekit/zonekit/changelog"
	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/localstore"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/record"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opBegin       = "sqlite.Begin"
	opGet         = "sqlite.Get"
	opList        = "sqlite.ListByType"
	opUpsert      = "sqlite.Upsert"
	opDelete      = "sqlite.DeleteByRecordID"
	opEntityTypes = "sqlite.EntityTypes"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrTxDone      = errors.New("transaction already finished")
)

// CommitHook is invoked synchronously after each tracked commit, on
// the committing goroutine.
type CommitHook func(ctx context.Context, ev changelog.CommitEvent)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including
// WAL mode and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better
	// concurrency. When true, "?_journal_mode=WAL" is appended to
	// DataSourceName automatically.
	EnableWAL bool

	// EntityTypes declares the entity types the store knows about,
	// normally the schema's type names. EntityTypes() reports these
	// even when no entity of the type exists yet.
	EntityTypes []string

	// Logger is optional; nil disables logging.
	Logger *logging.Logger

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements localstore.Store over SQLite and hands out views
// of the change log and sync state tables.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
	types  []string
	hook   CommitHook
}

// Compile-time check that Store satisfies the local store contract.
var _ localstore.Store = (*Store)(nil)

// New creates a Store from a Config and migrates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger.WithComponent("sqlite-store")

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	logger.Info("sqlite store initialized",
		slog.String("data_source", config.DataSourceName),
		slog.Int("declared_types", len(config.EntityTypes)),
	)

	return &Store{
		db:     db,
		logger: logger,
		types:  append([]string(nil), config.EntityTypes...),
	}, nil
}

// SetCommitHook wires the change tracker. Only commits made through
// Begin fire the hook; the engine's private views (BeginSync) never
// do, so pulled changes are not pushed back.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ChangeLog returns the change log view. Its operations run in their
// own transactions, never inside an entity transaction.
func (s *Store) ChangeLog() *ChangeLog {
	return &ChangeLog{store: s}
}

// SyncState returns the sync state view holding the pull cursor and
// the zone provisioning flag.
func (s *Store) SyncState() *SyncState {
	return &SyncState{store: s}
}

// Begin opens a caller-facing transactional view; its commit fires
// the commit hook.
func (s *Store) Begin(ctx context.Context) (localstore.Tx, error) {
	return s.begin(ctx, true)
}

// BeginSync opens the engine's private transactional view.
func (s *Store) BeginSync(ctx context.Context) (localstore.Tx, error) {
	return s.begin(ctx, false)
}

func (s *Store) begin(ctx context.Context, tracked bool) (localstore.Tx, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	hook := s.hook
	s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opBegin, "storage/sqlite")
	}
	return &tx{ctx: ctx, tx: sqlTx, tracked: tracked, hook: hook}, nil
}

// EntityTypes lists every known entity type: the declared set plus
// any type with at least one stored entity.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.types))
	for _, t := range s.types {
		seen[t] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type_name FROM entities`)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opEntityTypes, "storage/sqlite")
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opEntityTypes, "storage/sqlite")
		}
		seen[t] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opEntityTypes, "storage/sqlite")
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// tx implements localstore.Tx. Tracked transactions accumulate the
// commit event delivered to the hook after a successful commit.
type tx struct {
	ctx     context.Context
	tx      *sql.Tx
	tracked bool
	hook    CommitHook
	ev      changelog.CommitEvent
	done    bool
}

func (t *tx) Get(ctx context.Context, typeName, recordID string) (*record.Entity, error) {
	if t.done {
		return nil, ErrTxDone
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT modified_at, system_metadata, fields FROM entities WHERE type_name = ? AND record_id = ?`,
		typeName, recordID)

	e := &record.Entity{TypeName: typeName, RecordID: recordID}
	var modifiedAt string
	var metadata []byte
	var fields string
	if err := row.Scan(&modifiedAt, &metadata, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, syncErrors.WrapOpComponent(err, opGet, "storage/sqlite")
	}
	if err := hydrate(e, modifiedAt, metadata, fields); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGet, "storage/sqlite")
	}
	return e, nil
}

func (t *tx) ListByType(ctx context.Context, typeName string) ([]record.Entity, error) {
	if t.done {
		return nil, ErrTxDone
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT record_id, modified_at, system_metadata, fields FROM entities WHERE type_name = ? ORDER BY record_id`,
		typeName)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opList, "storage/sqlite")
	}
	defer rows.Close()

	var out []record.Entity
	for rows.Next() {
		e := record.Entity{TypeName: typeName}
		var modifiedAt string
		var metadata []byte
		var fields string
		if err := rows.Scan(&e.RecordID, &modifiedAt, &metadata, &fields); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opList, "storage/sqlite")
		}
		if err := hydrate(&e, modifiedAt, metadata, fields); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opList, "storage/sqlite")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opList, "storage/sqlite")
	}
	return out, nil
}

func (t *tx) Upsert(ctx context.Context, e *record.Entity) error {
	if t.done {
		return ErrTxDone
	}
	if e.TypeName == "" {
		return syncErrors.WrapOpComponent(fmt.Errorf("entity has no type"), opUpsert, "storage/sqlite")
	}

	inserted := false
	if e.RecordID == "" {
		// First commit: the record ID is minted here and never
		// changes afterwards.
		e.RecordID = record.MintRecordID()
		inserted = true
	} else {
		var one int
		err := t.tx.QueryRowContext(ctx,
			`SELECT 1 FROM entities WHERE type_name = ? AND record_id = ?`,
			e.TypeName, e.RecordID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			inserted = true
		case err != nil:
			return syncErrors.WrapOpComponent(err, opUpsert, "storage/sqlite")
		}
	}

	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = time.Now().UTC()
	}

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opUpsert, "storage/sqlite")
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO entities (type_name, record_id, modified_at, system_metadata, fields)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (type_name, record_id) DO UPDATE SET
		   modified_at = excluded.modified_at,
		   system_metadata = excluded.system_metadata,
		   fields = excluded.fields`,
		e.TypeName, e.RecordID, e.ModifiedAt.UTC().Format(time.RFC3339Nano), e.SystemMetadata, string(fields))
	if err != nil {
		return syncErrors.WrapOpComponent(err, opUpsert, "storage/sqlite")
	}

	if t.tracked {
		if inserted {
			t.ev.Inserted = append(t.ev.Inserted, e.Ref())
		} else {
			t.ev.Updated = append(t.ev.Updated, e.Ref())
		}
	}
	return nil
}

func (t *tx) DeleteByRecordID(ctx context.Context, typeName, recordID string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}

	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM entities WHERE type_name = ? AND record_id = ?`,
		typeName, recordID)
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}
	if n == 0 {
		return false, nil
	}

	if t.tracked {
		t.ev.Deleted = append(t.ev.Deleted, record.Ref{TypeName: typeName, RecordID: recordID})
	}
	return true, nil
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if err := t.tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, "sqlite.Commit", "storage/sqlite")
	}

	// After-commit delivery, same goroutine, same logical transaction
	// boundary.
	if t.tracked && t.hook != nil && !t.ev.Empty() {
		t.hook(t.ctx, t.ev)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func hydrate(e *record.Entity, modifiedAt string, metadata []byte, fields string) error {
	ts, err := time.Parse(time.RFC3339Nano, modifiedAt)
	if err != nil {
		return fmt.Errorf("malformed modified_at %q: %w", modifiedAt, err)
	}
	e.ModifiedAt = ts
	if len(metadata) > 0 {
		e.SystemMetadata = append([]byte(nil), metadata...)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return fmt.Errorf("malformed fields payload: %w", err)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return nil
}
