package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Each operation is one row
// holding the encoded state document.
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		document BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_updated_at ON operations(updated_at);

	CREATE TABLE IF NOT EXISTS leases (
		operation_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		owner BLOB NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new operation row
func (s *SQLiteStore) Create(ctx context.Context, kind string, params map[string]any, items []ItemSeed) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	state, err := NewOperationState(uuid.NewString(), kind, params, items, s.now().UTC())
	if err != nil {
		return "", err
	}
	doc, err := Encode(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, status, version, sequence, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			state.ID, state.Kind, string(state.Status), state.Version, state.Sequence, doc,
			state.CreatedAt.UnixNano(), state.UpdatedAt.UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert operation: %w", err)
	}
	return state.ID, nil
}

// Load reads and decodes one operation
func (s *SQLiteStore) Load(ctx context.Context, id string) (*OperationState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var state *OperationState
	err := s.retryOnBusy(ctx, func() error {
		var err error
		state, err = s.load(ctx, s.db, id)
		return err
	})
	return state, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, id string) (*OperationState, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT document FROM operations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return Decode(doc)
}

// Apply loads, mutates and rewrites one operation inside a transaction
func (s *SQLiteStore) Apply(ctx context.Context, id string, u Update) (*OperationState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result *OperationState
	err := s.retryOnBusy(ctx, func() error {
		var err error
		result, err = s.applyWithTransaction(ctx, id, u)
		return err
	})
	return result, err
}

func (s *SQLiteStore) applyWithTransaction(ctx context.Context, id string, u Update) (*OperationState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // ignored after Commit

	state, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	prev := state.Sequence
	if err := Apply(state, u, s.now().UTC()); err != nil {
		return nil, err
	}
	doc, err := Encode(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE operations
	SET status = ?, version = ?, sequence = ?, document = ?, updated_at = ?
	WHERE id = ? AND sequence = ?`,
		string(state.Status), state.Version, state.Sequence, doc, state.UpdatedAt.UnixNano(),
		id, prev,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("concurrent update of operation %s", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return state, nil
}

// List returns operation summaries, most recently updated first
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Summary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT document FROM operations
	WHERE (? = '' OR status = ?) AND (? = '' OR kind = ?)
	ORDER BY updated_at DESC`,
		string(filter.Status), string(filter.Status), filter.Kind, filter.Kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		state, err := Decode(doc)
		if err != nil {
			// unreadable rows are skipped in listings
			continue
		}
		out = append(out, state.Summarize())
	}
	return out, rows.Err()
}

// Delete removes an operation row
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
		return err
	})
}

// Lock inserts the lease row of an operation. A row whose owner process
// is gone is deleted and the lease taken over.
func (s *SQLiteStore) Lock(ctx context.Context, id string) (ReleaseFunc, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	owner := newLeaseOwner(s.now().UTC())
	doc, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		var inserted bool
		err := s.retryOnBusy(ctx, func() error {
			res, err := s.db.ExecContext(ctx, `
			INSERT INTO leases (operation_id, token, owner) VALUES (?, ?, ?)
			ON CONFLICT(operation_id) DO NOTHING`, id, owner.Token, doc)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			inserted = n == 1
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to insert lease: %w", err)
		}
		if inserted {
			var once sync.Once
			var rerr error
			return func() error {
				once.Do(func() { rerr = s.release(id, owner.Token) })
				return rerr
			}, nil
		}

		var token string
		var heldDoc []byte
		err = s.db.QueryRowContext(ctx, `SELECT token, owner FROM leases WHERE operation_id = ?`, id).Scan(&token, &heldDoc)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read lease: %w", err)
		}
		var held leaseOwner
		if json.Unmarshal(heldDoc, &held) == nil && !held.stale() {
			return nil, held.lockedError(id)
		}
		// only the stale row is removed, a fresh owner keeps its lease
		err = s.retryOnBusy(ctx, func() error {
			_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE operation_id = ? AND token = ?`, id, token)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to remove stale lease: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, id)
}

func (s *SQLiteStore) release(id, token string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx := context.Background()
	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE operation_id = ? AND token = ?`, id, token)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || attempt == maxRetries-1 {
			return err
		}

		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
