// Package localstore is the per-machine key-value store used for draft
// autosave and UI preferences. Nothing in it is shared with other users.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Namespaces in use.
const (
	NamespaceDrafts = "drafts"
	NamespacePrefs  = "prefs"
)

// Preference keys.
const (
	PrefSelectedBoard = "selected_board"
	PrefDismissed     = "dismissed_warning:" // followed by the warning id
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("local value not found")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

// Entry is one stored value.
type Entry struct {
	Namespace string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store wraps a SQLite database holding namespaced key-value pairs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dataSourceName.
// Use ":memory:" for a throwaway store.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// Each connection to :memory: is its own database
	if dataSourceName == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create local store schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under namespace/key, replacing any previous value.
func (s *Store) Put(ctx context.Context, namespace, key, value string) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("namespace and key cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the value under namespace/key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns every entry in a namespace, most recently updated first.
func (s *Store) List(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM kv WHERE namespace = ?
		ORDER BY updated_at DESC, key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updatedAt int64
		if err := rows.Scan(&e.Key, &e.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s entry: %w", namespace, err)
		}
		e.Namespace = namespace
		e.UpdatedAt = time.UnixMilli(updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveDraft autosaves the draft text for a demand.
func (s *Store) SaveDraft(ctx context.Context, demandID, text string) error {
	return s.Put(ctx, NamespaceDrafts, demandID, text)
}

// Draft returns the saved draft for a demand, or "" if there is none.
func (s *Store) Draft(ctx context.Context, demandID string) (string, error) {
	text, err := s.Get(ctx, NamespaceDrafts, demandID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return text, err
}

// DiscardDraft removes the draft for a demand once it was submitted.
func (s *Store) DiscardDraft(ctx context.Context, demandID string) error {
	return s.Delete(ctx, NamespaceDrafts, demandID)
}

// SetSelectedBoard remembers the board shown by default.
func (s *Store) SetSelectedBoard(ctx context.Context, boardID string) error {
	return s.Put(ctx, NamespacePrefs, PrefSelectedBoard, boardID)
}

// SelectedBoard returns the remembered board, or "" if none was chosen.
func (s *Store) SelectedBoard(ctx context.Context) (string, error) {
	board, err := s.Get(ctx, NamespacePrefs, PrefSelectedBoard)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return board, err
}

// DismissWarning records that the user dismissed a warning.
func (s *Store) DismissWarning(ctx context.Context, warningID string) error {
	return s.Put(ctx, NamespacePrefs, PrefDismissed+warningID, "true")
}

// WarningDismissed reports whether the user dismissed a warning.
func (s *Store) WarningDismissed(ctx context.Context, warningID string) (bool, error) {
	_, err := s.Get(ctx, NamespacePrefs, PrefDismissed+warningID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
