package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/murmur3"
	_ "modernc.org/sqlite"

	"github.com/maxpoletaev/vstore/storage"
)

type migration struct {
	name string
	sql  string
}

// migrations are applied in order, each at most once per database file.
var migrations = []migration{
	{
		name: "0001_records",
		sql: `
CREATE TABLE IF NOT EXISTS records (
	namespace  TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	checksum   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, name)
);
`,
	},
	{
		name: "0002_records_synced",
		sql:  `ALTER TABLE records ADD COLUMN synced INTEGER NOT NULL DEFAULT 0;`,
	},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}

		if applied > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, m.name, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}

	return nil
}

// Store is a local-disk versioned store backed by SQLite. Every conditional
// write is a single statement, so the version check and the update are atomic
// even when several processes share the same database file.
type Store struct {
	db     *sql.DB
	logger log.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = log.With(logger, "component", "sqlite")
	}
}

// Open opens the database at path, creating it and its schema when needed.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// A single connection serializes in-process writers; other processes are
	// handled by the busy timeout.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: log.NewNopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func checksum(payload []byte) int64 {
	return int64(murmur3.Sum64(payload))
}

// dbError classifies a failed query: a query cut short by the context is
// safe to retry, anything else is unexpected.
func dbError(ctx context.Context, err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)

	if ctx.Err() != nil {
		return storage.ErrUnavailable.Describef("%s: %v", msg, err)
	}

	return storage.ErrInternal.Describef("%s: %v", msg, err)
}

func (s *Store) Get(ctx context.Context, key storage.Key) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, storage.ErrUnavailable.Describef("get record %s: %v", key, err)
	}

	var (
		version   int64
		payload   []byte
		sum       int64
		synced    int64
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx, `
SELECT version, payload, checksum, synced, updated_at
FROM records
WHERE namespace = ? AND name = ?
`, key.Namespace, key.Name).Scan(&version, &payload, &sum, &synced, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	} else if err != nil {
		return storage.Record{}, dbError(ctx, err, "get record %s", key)
	}

	if checksum(payload) != sum {
		level.Error(s.logger).Log("msg", "checksum mismatch", "key", key, "version", version)
		return storage.Record{}, storage.ErrInternal.Describef("record %s version %d is corrupted", key, version)
	}

	return storage.Record{
		Key:       key,
		Version:   uint64(version),
		Payload:   payload,
		Synced:    uint64(synced),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func (s *Store) Put(ctx context.Context, key storage.Key, expected uint64, payload []byte) (uint64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, storage.ErrUnavailable.Describef("write record %s: %v", key, err)
	}

	if payload == nil {
		payload = []byte{}
	}

	var (
		res sql.Result
		err error
		now = s.now().UTC().UnixMilli()
	)

	if expected == storage.NoVersion {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO records (namespace, name, version, payload, checksum, updated_at)
VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT (namespace, name) DO NOTHING
`, key.Namespace, key.Name, payload, checksum(payload), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE records
SET version = version + 1, payload = ?, checksum = ?, updated_at = ?
WHERE namespace = ? AND name = ? AND version = ?
`, payload, checksum(payload), now, key.Namespace, key.Name, int64(expected))
	}

	if err != nil {
		return 0, dbError(ctx, err, "write record %s", key)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(ctx, err, "write record %s", key)
	}

	if affected == 0 {
		actual, err := storage.CurrentVersion(ctx, s, key)
		if err != nil {
			return 0, err
		}

		return 0, &storage.VersionConflictError{
			Key:      key,
			Expected: expected,
			Actual:   actual,
		}
	}

	return expected + 1, nil
}

func (s *Store) Repair(ctx context.Context, rec storage.Record) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return storage.ErrUnavailable.Describef("repair record %s: %v", rec.Key, err)
	}

	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO records (namespace, name, version, payload, checksum, synced, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (namespace, name) DO UPDATE SET
	version = excluded.version,
	payload = excluded.payload,
	checksum = excluded.checksum,
	synced = excluded.synced,
	updated_at = excluded.updated_at
WHERE excluded.version >= records.version
`, rec.Key.Namespace, rec.Key.Name, int64(rec.Version), payload, checksum(payload), int64(rec.Synced), updatedAt.UTC().UnixMilli())
	if err != nil {
		return dbError(ctx, err, "repair record %s", rec.Key)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return dbError(ctx, err, "repair record %s", rec.Key)
	}

	if affected == 0 {
		return storage.ErrObsoleteWrite
	}

	return nil
}

func (s *Store) SetSynced(ctx context.Context, key storage.Key, version uint64) error {
	if err := ctx.Err(); err != nil {
		return storage.ErrUnavailable.Describef("set synced %s: %v", key, err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE records SET synced = ? WHERE namespace = ? AND name = ?
`, int64(version), key.Namespace, key.Name)
	if err != nil {
		return dbError(ctx, err, "set synced %s", key)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return dbError(ctx, err, "set synced %s", key)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Keys lists the keys stored under the namespace.
func (s *Store) Keys(ctx context.Context, namespace string) ([]storage.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name FROM records WHERE namespace = ? ORDER BY name
`, namespace)
	if err != nil {
		return nil, dbError(ctx, err, "list keys")
	}
	defer rows.Close()

	keys := make([]storage.Key, 0)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storage.ErrInternal.Describef("scan key: %v", err)
		}

		keys = append(keys, storage.Key{Namespace: namespace, Name: name})
	}

	if err := rows.Err(); err != nil {
		return nil, storage.ErrInternal.Describef("iterate keys: %v", err)
	}

	return keys, nil
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.Repairer    = (*Store)(nil)
	_ storage.SyncTracker = (*Store)(nil)
)
