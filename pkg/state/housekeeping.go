package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/taskstore"
)

// PruneStageLogs deletes stage log rows older than the retention window.
func (m *Manager) PruneStageLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := m.client.DB().ExecContext(ctx,
		`DELETE FROM task_stage_logs WHERE created_at < now() - $1::interval`,
		durationToInterval(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune stage logs: %w", err)
	}
	return res.RowsAffected()
}

// PruneAgentPerformance deletes performance samples older than the window.
func (m *Manager) PruneAgentPerformance(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := m.client.DB().ExecContext(ctx,
		`DELETE FROM agent_performance WHERE created_at < now() - $1::interval`,
		durationToInterval(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune agent performance: %w", err)
	}
	return res.RowsAffected()
}

// StaleInProgressTaskIDs lists tasks the durable store still believes are
// running but that have not been touched recently. Candidates for
// reconciliation against the TaskStore.
func (m *Manager) StaleInProgressTaskIDs(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT id FROM task_histories
		WHERE status = 'in_progress' AND updated_at < now() - $1::interval`,
		durationToInterval(staleAfter))
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return ids, nil
}

// CloseExpiredTask marks a stale in_progress row failed because its live
// record expired from the TaskStore before reaching a terminal state.
func (m *Manager) CloseExpiredTask(ctx context.Context, taskID string) error {
	_, err := m.client.DB().ExecContext(ctx, `
		UPDATE task_histories
		SET status = 'failed', error = 'task record expired',
		    current_stage = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, taskID)
	if err != nil {
		return fmt.Errorf("close expired task %s: %w", taskID, err)
	}
	return nil
}

func durationToInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// TaskReader is the slice of the TaskStore the reconciler needs.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
}

// HousekeeperConfig tunes the background loops.
type HousekeeperConfig struct {
	Interval       time.Duration
	RetentionDays  int
	ReconcileAfter time.Duration
}

func (c *HousekeeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = 15 * time.Minute
	}
}

// Housekeeper periodically enforces the retention policy and reconciles
// drift between the TaskStore and the durable store. All operations are
// idempotent and safe to run from multiple replicas.
type Housekeeper struct {
	manager *Manager
	tasks   TaskReader
	config  HousekeeperConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHousekeeper wires the loops. tasks may be nil to disable reconciliation
// (retention still runs).
func NewHousekeeper(manager *Manager, tasks TaskReader, cfg HousekeeperConfig) *Housekeeper {
	cfg.applyDefaults()
	return &Housekeeper{
		manager: manager,
		tasks:   tasks,
		config:  cfg,
		logger:  slog.With("component", "housekeeper"),
	}
}

// Start launches the background loop.
func (h *Housekeeper) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	go h.run(ctx)

	h.logger.Info("Housekeeper started",
		"interval", h.config.Interval,
		"retention_days", h.config.RetentionDays,
		"reconcile_after", h.config.ReconcileAfter)
}

// Stop signals the loop to exit and waits for it to finish.
func (h *Housekeeper) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.logger.Info("Housekeeper stopped")
}

func (h *Housekeeper) run(ctx context.Context) {
	defer close(h.done)

	h.RunOnce(ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce executes one retention plus reconcile pass. Exported so tests and
// admin tooling can trigger a pass deterministically.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	h.prune(ctx)
	h.reconcile(ctx)
}

func (h *Housekeeper) prune(ctx context.Context) {
	retention := time.Duration(h.config.RetentionDays) * 24 * time.Hour

	logs, err := h.manager.PruneStageLogs(ctx, retention)
	if err != nil {
		h.logger.Error("Retention: prune stage logs failed", "error", err)
	} else if logs > 0 {
		h.logger.Info("Retention: pruned stage logs", "count", logs)
	}

	samples, err := h.manager.PruneAgentPerformance(ctx, retention)
	if err != nil {
		h.logger.Error("Retention: prune agent performance failed", "error", err)
	} else if samples > 0 {
		h.logger.Info("Retention: pruned agent performance samples", "count", samples)
	}
}

// reconcile re-projects live records over stale in_progress rows and closes
// rows whose live record expired before finishing.
func (h *Housekeeper) reconcile(ctx context.Context) {
	if h.tasks == nil {
		return
	}

	ids, err := h.manager.StaleInProgressTaskIDs(ctx, h.config.ReconcileAfter)
	if err != nil {
		h.logger.Error("Reconcile: listing stale tasks failed", "error", err)
		return
	}

	for _, id := range ids {
		record, err := h.tasks.GetTask(ctx, id)
		switch {
		case errors.Is(err, taskstore.ErrTaskNotFound):
			if err := h.manager.CloseExpiredTask(ctx, id); err != nil {
				h.logger.Error("Reconcile: closing expired task failed", "task_id", id, "error", err)
				continue
			}
			h.logger.Warn("Reconcile: closed task whose record expired", "task_id", id)
		case err != nil:
			h.logger.Error("Reconcile: reading task record failed", "task_id", id, "error", err)
		default:
			if err := h.manager.UpdateTaskState(ctx, record); err != nil {
				h.logger.Error("Reconcile: re-projecting task failed", "task_id", id, "error", err)
				continue
			}
			h.logger.Info("Reconcile: re-projected live task", "task_id", id, "status", record.Status)
		}
	}
}
