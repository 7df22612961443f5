// Package sqlite provides a SQLite-backed persistent store for single-node
// deployments, mirroring the in-memory semantics.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

const (
	defaultDriver = "sqlite"
	defaultDSN    = "file:facilityapi.db?_pragma=busy_timeout(5000)"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to SQLite while reusing the in-memory implementation
// for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a SQLite-backed store at the provided DSN (falls back to
// defaultDSN) and hydrates the in-memory store from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn via the in-memory store, then snapshots the
// committed state to SQLite.
func (s *Store) RunInTransaction(ctx context.Context, fn func(store.Tx) error) error {
	if err := s.Store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	return s.persist(ctx)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

var buckets = []string{
	"facilities",
	"cycles",
	"proposal_types",
	"beamlines",
	"proposals",
	"api_users",
	"api_keys",
	"jobs",
	"current_cycles",
}

func bucketTargets(snapshot *memory.Snapshot) map[string]any {
	return map[string]any{
		"facilities":     &snapshot.Facilities,
		"cycles":         &snapshot.Cycles,
		"proposal_types": &snapshot.ProposalTypes,
		"beamlines":      &snapshot.Beamlines,
		"proposals":      &snapshot.Proposals,
		"api_users":      &snapshot.APIUsers,
		"api_keys":       &snapshot.APIKeys,
		"jobs":           &snapshot.Jobs,
		"current_cycles": &snapshot.CurrentCycles,
	}
}

func bucketPayloads(snapshot memory.Snapshot) map[string]any {
	return map[string]any{
		"facilities":     snapshot.Facilities,
		"cycles":         snapshot.Cycles,
		"proposal_types": snapshot.ProposalTypes,
		"beamlines":      snapshot.Beamlines,
		"proposals":      snapshot.Proposals,
		"api_users":      snapshot.APIUsers,
		"api_keys":       snapshot.APIKeys,
		"jobs":           snapshot.Jobs,
		"current_cycles": snapshot.CurrentCycles,
	}
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := bucketTargets(&snapshot)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	payloads := bucketPayloads(snapshot)
	for _, bucket := range buckets {
		data, err := json.Marshal(payloads[bucket])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driver, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
