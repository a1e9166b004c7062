// Package handlers provides the built-in reference command handlers.
//
// Each handler is small and swappable: the engine registers them through
// RegisterBuiltins, and a deployment can register its own implementation
// for any command instead.
package handlers

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/job"
)

// DefaultLogRetentionDays applies when neither the payload nor config sets a retention
const DefaultLogRetentionDays = 30

// LogPruner deletes old execution logs
type LogPruner interface {
	DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error)
}

// StatsSource reports per-owner job counts
type StatsSource interface {
	Stats(ctx context.Context, ownerID string) (job.Stats, error)
}

// Deps are the collaborators the built-ins need
type Deps struct {
	DB     *sql.DB
	Logs   LogPruner
	Stats  StatsSource
	Config am.HandlersConfig
	Logger *zap.SugaredLogger

	// HTTP overrides the outbound client, for tests
	HTTP *httpclient.SaferClient
	Now  func() time.Time
}

// Builtins holds the shared state of the built-in handlers.
// Reconfigure applies hot-reloaded handler settings.
type Builtins struct {
	db     *sql.DB
	logs   LogPruner
	stats  StatsSource
	http   *httpclient.SaferClient
	logger *zap.SugaredLogger
	now    func() time.Time

	mu  sync.RWMutex
	cfg am.HandlersConfig
}

// NewBuiltins creates the built-in handler set
func NewBuiltins(deps Deps) *Builtins {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	b := &Builtins{
		db:     deps.DB,
		logs:   deps.Logs,
		stats:  deps.Stats,
		http:   deps.HTTP,
		logger: deps.Logger.Named("handlers"),
		now:    deps.Now,
		cfg:    deps.Config,
	}
	if b.http == nil {
		b.http = httpclient.New(httpclient.Options{
			Timeout:           time.Duration(deps.Config.HTTPTimeoutSeconds) * time.Second,
			RequestsPerSecond: deps.Config.HTTPRequestsPerSecond,
			AllowPrivateHosts: deps.Config.AllowPrivateHosts,
		})
	}
	return b
}

// Reconfigure swaps in new handler settings. The HTTP rate applies to the next request.
func (b *Builtins) Reconfigure(cfg am.HandlersConfig) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	b.http.SetRate(cfg.HTTPRequestsPerSecond)
	b.logger.Infow("Handler settings reloaded",
		"backup_dir", cfg.BackupDir,
		"http_requests_per_second", cfg.HTTPRequestsPerSecond,
		"log_retention_days", cfg.LogRetentionDays,
	)
}

func (b *Builtins) config() am.HandlersConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Handlers returns one handler per built-in command
func (b *Builtins) Handlers() []dispatch.Handler {
	return []dispatch.Handler{
		dispatch.HandlerFunc{Cmd: job.CommandDBBackup, Fn: b.dbBackup},
		dispatch.HandlerFunc{Cmd: job.CommandCleanupLogs, Fn: b.cleanupLogs},
		dispatch.HandlerFunc{Cmd: job.CommandSendEmail, Fn: b.sendEmail},
		dispatch.HandlerFunc{Cmd: job.CommandHTTPRequest, Fn: b.httpRequest},
		dispatch.HandlerFunc{Cmd: job.CommandDataSync, Fn: b.dataSync},
		dispatch.HandlerFunc{Cmd: job.CommandSendReports, Fn: b.sendReports},
		dispatch.HandlerFunc{Cmd: job.CommandSystemUpdate, Fn: b.systemUpdate},
	}
}

// RegisterBuiltins registers every built-in handler with r and returns the set
// so callers can reconfigure it later.
func RegisterBuiltins(r *dispatch.Registry, deps Deps) *Builtins {
	b := NewBuiltins(deps)
	for _, h := range b.Handlers() {
		r.Register(h)
	}
	return b
}
