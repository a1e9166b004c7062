package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// dbBackup snapshots the database with VACUUM INTO
func (b *Builtins) dbBackup(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	if b.db == nil {
		return nil, errors.Fatal(errors.New("DB_BACKUP has no database configured"))
	}
	dir := b.config().BackupDir
	if dir == "" {
		return nil, errors.Fatal(errors.New("handlers.backup_dir is not set"))
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create backup directory %s", dir)
	}

	name := fmt.Sprintf("cadence-%s.db", b.now().UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(dir, name)
	if _, err := b.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "backup failed"), "Path: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat backup")
	}
	b.logger.Infow("Database backup written",
		logger.FieldJobID, inv.JobID,
		"path", path,
		"bytes", info.Size(),
	)
	return dispatch.Result{"path": path, "bytes": info.Size()}, nil
}

type cleanupPayload struct {
	Days int `json:"days"`
}

// cleanupLogs deletes the owner's execution logs older than the retention window
func (b *Builtins) cleanupLogs(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	var p cleanupPayload
	if err := inv.Decode(&p); err != nil {
		return nil, errors.Permanent(errors.Wrap(err, "invalid CLEANUP_LOGS payload"))
	}
	if p.Days < 0 {
		return nil, errors.Permanent(errors.Newf("days must be non-negative, got %d", p.Days))
	}
	days := p.Days
	if days == 0 {
		days = b.config().LogRetentionDays
	}
	if days == 0 {
		days = DefaultLogRetentionDays
	}

	cutoff := b.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := b.logs.DeleteOlderThan(ctx, inv.OwnerID, cutoff)
	if err != nil {
		return nil, err
	}
	return dispatch.Result{"deleted": deleted, "days": days, "cutoff": cutoff.UTC()}, nil
}

// sendReports summarises the owner's jobs
func (b *Builtins) sendReports(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	stats, err := b.stats.Stats(ctx, inv.OwnerID)
	if err != nil {
		return nil, err
	}
	return dispatch.Result{"stats": stats, "generatedAt": b.now().UTC()}, nil
}
