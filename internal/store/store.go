// Package store persists pipe definitions in SQLite so pipes survive a
// process restart. Parameters are stored as JSON columns; lifecycle state
// is updated in place as the orchestrator moves pipes through transitions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/model"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the pipe table. The returned *sql.DB is shared with the connection store.
func Open(path string) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, errors.InternalError("failed to open database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, nil, errors.InternalError("failed to ping database", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// NewStore wraps an already open database handle, migrating the pipe table.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS pipes (
		name TEXT PRIMARY KEY,
		arn TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		desired_state TEXT NOT NULL,
		current_state TEXT NOT NULL,
		state_reason TEXT DEFAULT '',
		source_arn TEXT NOT NULL,
		source_parameters TEXT NOT NULL DEFAULT '{}',
		target_arn TEXT NOT NULL,
		target_parameters TEXT NOT NULL DEFAULT '{}',
		role_arn TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return errors.InternalError("failed to migrate pipes table", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pipe definition. A name collision is a conflict.
func (s *Store) Create(ctx context.Context, pipe *model.Pipe) error {
	sourceParams, err := json.Marshal(pipe.SourceParameters)
	if err != nil {
		return errors.InternalError("failed to encode source parameters", err)
	}
	targetParams, err := json.Marshal(pipe.TargetParameters)
	if err != nil {
		return errors.InternalError("failed to encode target parameters", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipes (name, arn, description, desired_state, current_state, state_reason,
			source_arn, source_parameters, target_arn, target_parameters, role_arn, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pipe.Name, pipe.ARN, pipe.Description, string(pipe.DesiredState), string(pipe.CurrentState),
		pipe.StateReason, pipe.SourceARN, string(sourceParams), pipe.TargetARN, string(targetParams),
		pipe.RoleARN, pipe.CreationTime, pipe.LastModifiedTime)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.ConflictError("pipe " + pipe.Name + " already exists")
		}
		return errors.InternalError("failed to store pipe", err)
	}
	return nil
}

// Get returns the pipe with the given name.
func (s *Store) Get(ctx context.Context, name string) (*model.Pipe, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM pipes WHERE name = ?`, name)
	pipe, err := scanPipe(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("pipe " + name)
	}
	return pipe, err
}

// List returns pipes ordered by name, optionally filtered by a name prefix
// and/or current state.
func (s *Store) List(ctx context.Context, namePrefix string, state model.PipeState) ([]*model.Pipe, error) {
	query := selectColumns + ` FROM pipes WHERE 1=1`
	var args []interface{}
	if namePrefix != "" {
		query += ` AND name LIKE ?`
		args = append(args, namePrefix+"%")
	}
	if state != "" {
		query += ` AND current_state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.InternalError("failed to list pipes", err)
	}
	defer rows.Close()

	var out []*model.Pipe
	for rows.Next() {
		pipe, err := scanPipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pipe)
	}
	return out, rows.Err()
}

// Update rewrites a pipe's definition and bumps its modification time.
func (s *Store) Update(ctx context.Context, pipe *model.Pipe) error {
	sourceParams, err := json.Marshal(pipe.SourceParameters)
	if err != nil {
		return errors.InternalError("failed to encode source parameters", err)
	}
	targetParams, err := json.Marshal(pipe.TargetParameters)
	if err != nil {
		return errors.InternalError("failed to encode target parameters", err)
	}

	pipe.LastModifiedTime = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipes SET description = ?, desired_state = ?, current_state = ?, state_reason = ?,
			source_parameters = ?, target_arn = ?, target_parameters = ?, role_arn = ?, updated_at = ?
		 WHERE name = ?`,
		pipe.Description, string(pipe.DesiredState), string(pipe.CurrentState), pipe.StateReason,
		string(sourceParams), pipe.TargetARN, string(targetParams), pipe.RoleARN,
		pipe.LastModifiedTime, pipe.Name)
	if err != nil {
		return errors.InternalError("failed to update pipe", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("pipe " + pipe.Name)
	}
	return nil
}

// UpdateState records a lifecycle transition without touching the
// definition.
func (s *Store) UpdateState(ctx context.Context, name string, state model.PipeState, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipes SET current_state = ?, state_reason = ?, updated_at = ? WHERE name = ?`,
		string(state), reason, time.Now().UTC(), name)
	if err != nil {
		return errors.InternalError("failed to update pipe state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("pipe " + name)
	}
	return nil
}

// Delete removes a pipe definition.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipes WHERE name = ?`, name)
	if err != nil {
		return errors.InternalError("failed to delete pipe", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("pipe " + name)
	}
	return nil
}

const selectColumns = `SELECT name, arn, description, desired_state, current_state, state_reason,
	source_arn, source_parameters, target_arn, target_parameters, role_arn, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPipe(row scanner) (*model.Pipe, error) {
	var pipe model.Pipe
	var desiredState, currentState, sourceParams, targetParams string

	err := row.Scan(&pipe.Name, &pipe.ARN, &pipe.Description, &desiredState, &currentState,
		&pipe.StateReason, &pipe.SourceARN, &sourceParams, &pipe.TargetARN, &targetParams,
		&pipe.RoleARN, &pipe.CreationTime, &pipe.LastModifiedTime)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.InternalError("failed to scan pipe", err)
	}

	pipe.DesiredState = model.RequestedState(desiredState)
	pipe.CurrentState = model.PipeState(currentState)
	if err := json.Unmarshal([]byte(sourceParams), &pipe.SourceParameters); err != nil {
		return nil, errors.InternalError("corrupt source parameters for "+pipe.Name, err)
	}
	if err := json.Unmarshal([]byte(targetParams), &pipe.TargetParameters); err != nil {
		return nil, errors.InternalError("corrupt target parameters for "+pipe.Name, err)
	}
	return &pipe, nil
}
