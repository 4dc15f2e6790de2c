package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Schema creates the instances table.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
	uri TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	receive_key TEXT NOT NULL DEFAULT '',
	properties TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
`

// Store persists instances.
type Store interface {
	LoadAll(ctx context.Context) ([]*Instance, error)
	Save(ctx context.Context, inst *Instance) error
	Delete(ctx context.Context, uri string) error
}

// SQLStore keeps instances in the SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database that already carries Schema.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// LoadAll returns every persisted instance.
func (s *SQLStore) LoadAll(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, name, status, receive_key, properties, updated_at FROM instances ORDER BY uri`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		var (
			inst   Instance
			status string
			props  string
		)
		if err := rows.Scan(&inst.URI, &inst.Name, &status, &inst.ReceiveKey, &props, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if inst.Status, err = ParseStatus(status); err != nil {
			return nil, fmt.Errorf("instance %s: %w", inst.URI, err)
		}
		if err := json.Unmarshal([]byte(props), &inst.Properties); err != nil {
			inst.Properties = map[string]string{}
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// Save inserts or replaces an instance.
func (s *SQLStore) Save(ctx context.Context, inst *Instance) error {
	props, err := json.Marshal(inst.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (uri, name, status, receive_key, properties, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			receive_key = excluded.receive_key,
			properties = excluded.properties,
			updated_at = excluded.updated_at`,
		inst.URI, inst.Name, string(inst.Status), inst.ReceiveKey, string(props), inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.URI, err)
	}
	return nil
}

// Delete removes an instance. Deleting an unknown URI is not an error.
func (s *SQLStore) Delete(ctx context.Context, uri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete instance %s: %w", uri, err)
	}
	return nil
}

// MemoryStore is a Store that keeps nothing beyond the process. Used in tests.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	failSave  error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

// FailSaves makes every subsequent Save return err (nil restores normal behavior).
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

func (m *MemoryStore) LoadAll(context.Context) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	if inst.URI == "" {
		return errors.New("instance without uri")
	}
	m.instances[inst.URI] = inst.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, uri)
	return nil
}
