package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/fluxfn/fluxfn/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store on a single entities table keyed by
// (account_id, subscription_id, entity_type, id). Every kind shares the
// envelope; kind-specific payloads live in the data column as JSON.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	path string
	cfg  Config
}

// querier is satisfied by both *sql.DB and *sql.Tx so the same statement
// code serves direct calls and transaction scopes.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.q = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const entityColumns = "db_id, account_id, subscription_id, entity_type, id, data, tags, state, operation_state, expires, version"

// Get loads an entity row. Expired rows are treated as absent.
func (s *SQLiteStore) Get(ctx context.Context, entityType engine.EntityType, key engine.EntityKey) (*engine.Entity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE account_id = ? AND subscription_id = ? AND entity_type = ? AND id = ?
		  AND (expires IS NULL OR expires > ?)
	`
	row := s.q.QueryRowContext(ctx, query,
		key.AccountID, key.SubscriptionID, string(entityType), key.ID, time.Now().UTC())
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("%s '%s' not found", entityType, key.ID).
			WithResource(key.ID)
	}
	if err != nil {
		return nil, engine.NewInternalError(err, "failed to load %s '%s'", entityType, key.ID)
	}
	return entity, nil
}

// Create inserts a new entity row. A duplicate key fails with a conflict.
func (s *SQLiteStore) Create(ctx context.Context, entity *engine.Entity) (*engine.Entity, error) {
	data, tags, opState, err := encodeEntity(entity)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO entities (account_id, subscription_id, entity_type, id, data, tags, state, operation_state, expires, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`
	result, err := s.q.ExecContext(ctx, query,
		entity.AccountID, entity.SubscriptionID, string(entity.EntityType), entity.ID,
		data, tags, nullString(string(entity.State)), opState, nullTime(entity.Expires), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, engine.NewConflictError("duplicate key: %s '%s' already exists",
				entity.EntityType, entity.ID).WithResource(entity.ID)
		}
		return nil, engine.NewInternalError(err, "failed to create %s '%s'", entity.EntityType, entity.ID)
	}

	dbID, err := result.LastInsertId()
	if err != nil {
		return nil, engine.NewInternalError(err, "failed to read created row id")
	}
	created := *entity
	created.DatabaseID = strconv.FormatInt(dbID, 10)
	created.Version = 1
	return &created, nil
}

// Update overwrites an existing entity row. A non-zero version on the given
// entity must match the stored row or the update fails with a conflict.
func (s *SQLiteStore) Update(ctx context.Context, entity *engine.Entity) (*engine.Entity, error) {
	data, tags, opState, err := encodeEntity(entity)
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE entities
		SET data = ?, tags = ?, state = ?, operation_state = ?, expires = ?, version = version + 1, updated_at = ?
		WHERE account_id = ? AND subscription_id = ? AND entity_type = ? AND id = ?
	`
	args := []interface{}{
		data, tags, nullString(string(entity.State)), opState, nullTime(entity.Expires), time.Now().UTC(),
		entity.AccountID, entity.SubscriptionID, string(entity.EntityType), entity.ID,
	}
	if entity.Version != 0 {
		query += " AND version = ?"
		args = append(args, entity.Version)
	}

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewInternalError(err, "failed to update %s '%s'", entity.EntityType, entity.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, engine.NewInternalError(err, "failed to read rows affected")
	}
	if rows == 0 {
		// Either the row is gone or the version no longer matches.
		if _, getErr := s.Get(ctx, entity.EntityType, entity.Key()); getErr != nil {
			return nil, getErr
		}
		return nil, engine.NewConflictError(
			"%s '%s' was modified concurrently", entity.EntityType, entity.ID).WithResource(entity.ID)
	}
	return s.Get(ctx, entity.EntityType, entity.Key())
}

// Delete removes an entity row.
func (s *SQLiteStore) Delete(ctx context.Context, entityType engine.EntityType, key engine.EntityKey) error {
	query := `
		DELETE FROM entities
		WHERE account_id = ? AND subscription_id = ? AND entity_type = ? AND id = ?
	`
	result, err := s.q.ExecContext(ctx, query,
		key.AccountID, key.SubscriptionID, string(entityType), key.ID)
	if err != nil {
		return engine.NewInternalError(err, "failed to delete %s '%s'", entityType, key.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError(err, "failed to read rows affected")
	}
	if rows == 0 {
		return engine.NewNotFoundError("%s '%s' not found", entityType, key.ID).
			WithResource(key.ID)
	}
	return nil
}

// GetTags returns the tag set of an entity row.
func (s *SQLiteStore) GetTags(ctx context.Context, entityType engine.EntityType, key engine.EntityKey) (engine.Tags, error) {
	entity, err := s.Get(ctx, entityType, key)
	if err != nil {
		return nil, err
	}
	return entity.Tags, nil
}

// SetTag sets a single tag on an entity row.
func (s *SQLiteStore) SetTag(ctx context.Context, entityType engine.EntityType, key engine.EntityKey, tagKey, tagValue string) error {
	return s.mutateTags(ctx, entityType, key, func(tags engine.Tags) {
		tags[tagKey] = tagValue
	})
}

// DeleteTag removes a single tag from an entity row.
func (s *SQLiteStore) DeleteTag(ctx context.Context, entityType engine.EntityType, key engine.EntityKey, tagKey string) error {
	return s.mutateTags(ctx, entityType, key, func(tags engine.Tags) {
		delete(tags, tagKey)
	})
}

func (s *SQLiteStore) mutateTags(ctx context.Context, entityType engine.EntityType, key engine.EntityKey, mutate func(engine.Tags)) error {
	entity, err := s.Get(ctx, entityType, key)
	if err != nil {
		return err
	}
	if entity.Tags == nil {
		entity.Tags = engine.Tags{}
	}
	mutate(entity.Tags)
	tags, err := json.Marshal(entity.Tags)
	if err != nil {
		return engine.NewInternalError(err, "failed to encode tags")
	}
	query := `
		UPDATE entities
		SET tags = ?, version = version + 1, updated_at = ?
		WHERE account_id = ? AND subscription_id = ? AND entity_type = ? AND id = ?
	`
	_, err = s.q.ExecContext(ctx, query,
		string(tags), time.Now().UTC(),
		key.AccountID, key.SubscriptionID, string(entityType), key.ID)
	if err != nil {
		return engine.NewInternalError(err, "failed to update tags on %s '%s'", entityType, key.ID)
	}
	return nil
}

// InTransaction runs fn against a store bound to one serializable
// transaction. All writes commit together when fn returns nil and roll back
// entirely otherwise.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(tx engine.Store) error) error {
	if _, isTx := s.q.(*sql.Tx); isTx {
		// Already inside a transaction; SQLite has no nesting, so reuse it.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return engine.NewInternalError(err, "failed to begin transaction")
	}
	txStore := &SQLiteStore{db: s.db, q: tx, path: s.path, cfg: s.cfg}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return engine.NewInternalError(err, "failed to commit transaction")
	}
	return nil
}

// DeleteExpired removes entity rows whose expires timestamp has passed.
// Returns the number of rows swept.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM entities WHERE expires IS NOT NULL AND expires <= ?`, time.Now().UTC())
	if err != nil {
		return 0, engine.NewInternalError(err, "failed to sweep expired entities")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, engine.NewInternalError(err, "failed to read rows affected")
	}
	return rows, nil
}

func encodeEntity(entity *engine.Entity) (data, tags string, opState interface{}, err error) {
	d := entity.Data
	if d == nil {
		d = engine.Data{}
	}
	rawData, err := json.Marshal(d)
	if err != nil {
		return "", "", nil, engine.NewInternalError(err, "failed to encode entity data")
	}
	t := entity.Tags
	if t == nil {
		t = engine.Tags{}
	}
	rawTags, err := json.Marshal(t)
	if err != nil {
		return "", "", nil, engine.NewInternalError(err, "failed to encode entity tags")
	}
	if entity.OperationState == nil {
		return string(rawData), string(rawTags), nil, nil
	}
	rawOp, err := json.Marshal(entity.OperationState)
	if err != nil {
		return "", "", nil, engine.NewInternalError(err, "failed to encode operation state")
	}
	return string(rawData), string(rawTags), string(rawOp), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*engine.Entity, error) {
	var (
		dbID    int64
		entity  engine.Entity
		kind    string
		data    string
		tags    string
		state   sql.NullString
		opState sql.NullString
		expires sql.NullTime
	)
	err := row.Scan(&dbID, &entity.AccountID, &entity.SubscriptionID, &kind, &entity.ID,
		&data, &tags, &state, &opState, &expires, &entity.Version)
	if err != nil {
		return nil, err
	}
	entity.EntityType = engine.EntityType(kind)
	entity.DatabaseID = strconv.FormatInt(dbID, 10)
	if err := json.Unmarshal([]byte(data), &entity.Data); err != nil {
		return nil, fmt.Errorf("corrupt data column: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &entity.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags column: %w", err)
	}
	if state.Valid {
		entity.State = engine.EntityState(state.String)
	}
	if opState.Valid && opState.String != "" {
		var op engine.OperationState
		if err := json.Unmarshal([]byte(opState.String), &op); err != nil {
			return nil, fmt.Errorf("corrupt operation_state column: %w", err)
		}
		entity.OperationState = &op
	}
	if expires.Valid {
		t := expires.Time.UTC()
		entity.Expires = &t
	}
	return &entity, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
