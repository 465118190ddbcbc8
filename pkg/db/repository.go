package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/motion-ctl/fwinstall/pkg/errors"
	_ "modernc.org/sqlite"
)

const installColumns = `id, run_id, source, version, device, status, state,
	bytes_written, total_bytes, error_message, transcript, created_at, updated_at`

// Repository provides database operations for installation history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new install record
func (r *Repository) Create(in *Install) error {
	slog.Info("database_create_install", "run_id", in.RunID, "status", in.Status)

	query := `
		INSERT INTO installs (run_id, source, version, device, status, state,
			bytes_written, total_bytes, error_message, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		in.RunID, in.Source, in.Version, in.Device, in.Status, in.State,
		in.BytesWritten, in.TotalBytes, in.ErrorMessage, in.Transcript)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", in.RunID, "error", err)
		return errors.Wrap(err, "failed to insert install")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", in.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	in.ID = id

	slog.Info("database_install_created", "run_id", in.RunID, "install_id", in.ID)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(s scanner) (*Install, error) {
	var in Install
	var version, state, errorMessage, transcript sql.NullString

	err := s.Scan(
		&in.ID, &in.RunID, &in.Source, &version, &in.Device, &in.Status, &state,
		&in.BytesWritten, &in.TotalBytes, &errorMessage, &transcript,
		&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	in.Version = version.String
	in.State = state.String
	in.ErrorMessage = errorMessage.String
	in.Transcript = transcript.String
	return &in, nil
}

// GetByRunID retrieves an install by run ID. It returns nil, nil when the
// run is unknown.
func (r *Repository) GetByRunID(runID string) (*Install, error) {
	slog.Debug("database_query_install", "run_id", runID)

	row := r.db.QueryRow(`SELECT `+installColumns+` FROM installs WHERE run_id = ?`, runID)
	in, err := scanInstall(row)
	if err == sql.ErrNoRows {
		slog.Debug("database_install_not_found", "run_id", runID)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query install")
	}
	return in, nil
}

// Update updates an existing install record
func (r *Repository) Update(in *Install) error {
	slog.Debug("database_update_install", "install_id", in.ID, "run_id", in.RunID, "status", in.Status, "state", in.State)

	query := `
		UPDATE installs
		SET version = ?, status = ?, state = ?, bytes_written = ?, total_bytes = ?,
		    error_message = ?, transcript = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		in.Version, in.Status, in.State, in.BytesWritten, in.TotalBytes,
		in.ErrorMessage, in.Transcript, in.ID)
	if err != nil {
		slog.Error("database_update_failed", "install_id", in.ID, "run_id", in.RunID, "error", err)
		return errors.Wrap(err, "failed to update install")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "install_id", in.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_install_not_found_for_update", "install_id", in.ID)
		return fmt.Errorf("install not found: id=%d", in.ID)
	}
	return nil
}

// UpdateStatus updates only the status and error message
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "install_id", id, "status", status)

	query := `UPDATE installs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "install_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves installs, newest first. A non-positive limit returns all.
func (r *Repository) List(limit int) ([]*Install, error) {
	slog.Debug("database_list_installs", "limit", limit)

	query := `SELECT ` + installColumns + ` FROM installs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list installs")
	}
	defer rows.Close()

	var installs []*Install
	for rows.Next() {
		in, err := scanInstall(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		installs = append(installs, in)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "install_count", len(installs))
	return installs, nil
}

// FailOrphaned marks runs left pending or running by a process that died
// as failed. It returns the number of rows changed.
func (r *Repository) FailOrphaned(message string) (int64, error) {
	query := `
		UPDATE installs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?)
	`
	result, err := r.db.Exec(query, StatusFailed, message, StatusPending, StatusRunning)
	if err != nil {
		slog.Error("database_fail_orphaned_failed", "error", err)
		return 0, errors.Wrap(err, "failed to mark orphaned installs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_orphaned_failed", "count", n)
	return n, nil
}

// Delete deletes an install by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_install", "install_id", id)

	_, err := r.db.Exec(`DELETE FROM installs WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_delete_failed", "install_id", id, "error", err)
		return errors.Wrap(err, "failed to delete install")
	}
	return nil
}
