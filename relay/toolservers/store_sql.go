package toolservers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLDescriptorStore persists descriptors in the tool_servers table created by
// the relay/db migrations.
type SQLDescriptorStore struct {
	db *sql.DB
}

// NewSQLDescriptorStore creates a store over an already migrated database.
func NewSQLDescriptorStore(db *sql.DB) *SQLDescriptorStore {
	return &SQLDescriptorStore{db: db}
}

func (s *SQLDescriptorStore) List(ctx context.Context) ([]Descriptor, error) {
	const query = `
		SELECT id, name, transport, command, args, env, endpoint, created_at, updated_at
		FROM tool_servers
		ORDER BY position ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool servers: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var (
			d                    Descriptor
			transport            string
			args, env            string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &transport, &d.Command, &args, &env, &d.Endpoint, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool server: %w", err)
		}
		d.Transport = TransportKind(transport)
		if err := json.Unmarshal([]byte(args), &d.Args); err != nil {
			return nil, fmt.Errorf("tool server %s: bad args column: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(env), &d.Env); err != nil {
			return nil, fmt.Errorf("tool server %s: bad env column: %w", d.ID, err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool servers: %w", err)
	}
	return out, nil
}

func (s *SQLDescriptorStore) Put(ctx context.Context, d Descriptor) error {
	args, err := json.Marshal(nonNilArgs(d.Args))
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	env, err := json.Marshal(nonNilEnv(d.Env))
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	const query = `
		INSERT INTO tool_servers (id, position, name, transport, command, args, env, endpoint, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tool_servers), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			endpoint = excluded.endpoint,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Name, string(d.Transport), d.Command, string(args), string(env), d.Endpoint,
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save tool server %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLDescriptorStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tool server %s: %w", id, err)
	}
	return nil
}

func nonNilArgs(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

func nonNilEnv(e map[string]string) map[string]string {
	if e == nil {
		return map[string]string{}
	}
	return e
}

var _ DescriptorStore = (*SQLDescriptorStore)(nil)
