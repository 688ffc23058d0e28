// Package snapshotstore is the durable system of record for snapshot
// manifests (§4.F domain-stack addition). Redis is explicitly best-effort
// for the rest of the fabric; this is the one piece of state that must
// survive a crash between "snapshot taken" and "approval recorded", so it
// lives in Postgres instead.
package snapshotstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/pkg/task"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open establishes a PostgreSQL connection and verifies it with a ping,
// mirroring the teacher pack's own Open(ctx, dsn) *sql.DB shape
// (r3e-network-service_layer/internal/platform/database), adapted to
// return an *sqlx.DB for the named-query convenience the manifest queries
// below use.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "open postgres")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "ping postgres")
	}
	return db, nil
}

// Migrate applies every embedded goose migration, up to the latest version.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "set goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "apply snapshot manifest migrations")
	}
	return nil
}

// Store is the durable snapshot manifest store, satisfying
// pkg/consensus.SnapshotRecorder.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// RecordSnapshot durably persists a manifest and its entries in a single
// transaction (§4.F: the snapshot row must exist before the approval
// request referencing it becomes visible).
func (s *Store) RecordSnapshot(ctx context.Context, snap task.Snapshot, requestID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "begin snapshot tx")
	}
	defer func() { _ = tx.Rollback() }()

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_manifests (snapshot_id, request_id, created_at, size_bytes)
		VALUES ($1, $2, $3, $4)
	`, snap.SnapshotID, requestID, snap.CreatedAt, snap.SizeBytes)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert snapshot manifest")
	}

	for _, e := range snap.Manifest {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshot_manifest_entries (snapshot_id, path, content_hash, size_bytes)
			VALUES ($1, $2, $3, $4)
		`, snap.SnapshotID, e.Path, e.ContentHash, e.SizeBytes)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert snapshot manifest entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "commit snapshot tx")
	}
	return nil
}

// Get loads a manifest and its entries by snapshot id.
func (s *Store) Get(ctx context.Context, snapshotID string) (*task.Snapshot, error) {
	var row struct {
		SnapshotID string    `db:"snapshot_id"`
		RequestID  string    `db:"request_id"`
		CreatedAt  time.Time `db:"created_at"`
		SizeBytes  int64     `db:"size_bytes"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT snapshot_id, request_id, created_at, size_bytes
		FROM snapshot_manifests WHERE snapshot_id = $1
	`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("snapshot manifest", snapshotID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "load snapshot manifest")
	}

	var entries []struct {
		Path        string `db:"path"`
		ContentHash string `db:"content_hash"`
		SizeBytes   int64  `db:"size_bytes"`
	}
	if err := s.db.SelectContext(ctx, &entries, `
		SELECT path, content_hash, size_bytes
		FROM snapshot_manifest_entries WHERE snapshot_id = $1
	`, snapshotID); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "load snapshot manifest entries")
	}

	snap := &task.Snapshot{
		SnapshotID: row.SnapshotID,
		CreatedAt:  row.CreatedAt,
		SizeBytes:  row.SizeBytes,
	}
	for _, e := range entries {
		snap.Manifest = append(snap.Manifest, task.ManifestEntry{
			Path: e.Path, ContentHash: e.ContentHash, SizeBytes: e.SizeBytes,
		})
		snap.Targets = append(snap.Targets, e.Path)
	}
	return snap, nil
}

// ByRequest returns the snapshot id recorded for an approval request, if
// any, used to verify property 10 independently of the Redis-side record.
func (s *Store) ByRequest(ctx context.Context, requestID string) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT snapshot_id FROM snapshot_manifests WHERE request_id = $1 LIMIT 1
	`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, fmt.Sprintf("load snapshot for request %s", requestID))
	}
	return id, true, nil
}
