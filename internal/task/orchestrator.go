// Package task orchestrates research runs: build the query, submit to
// the provider, relay progress to the caller, and keep the local
// ledger in step with what the provider reports.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/metrics"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/provider"
	"github.com/chronomap/chronomap/internal/store"
	"github.com/chronomap/chronomap/internal/streaming"
)

// consecutive poll failures tolerated before the stream gives up
const maxPollFailures = 3

// Provider is the slice of the research client the orchestrator needs.
type Provider interface {
	Submit(ctx context.Context, req provider.SubmitRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*provider.TaskSnapshot, error)
}

// Orchestrator drives the submit/poll lifecycle of research tasks.
type Orchestrator struct {
	provider Provider
	tasks    store.TaskStore
	streams  *streaming.Manager
	logger   *zap.Logger

	pollInterval time.Duration
	maxPolls     int
}

func NewOrchestrator(p Provider, tasks store.TaskStore, streams *streaming.Manager, pollInterval time.Duration, maxPolls int, logger *zap.Logger) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 840
	}
	return &Orchestrator{
		provider:     p,
		tasks:        tasks,
		streams:      streams,
		logger:       logger,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
	}
}

// SubmitParams describes one research request.
type SubmitParams struct {
	Location           string
	Latitude           float64
	Longitude          float64
	CustomInstructions string
	OwnerID            *uuid.UUID
	AnonymousID        string
}

// Submit builds the research query, starts the provider task, and
// persists the queued ledger row. Provider sentinel errors (credit,
// rate limit) pass through unwrapped so the API layer can map them.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (*models.Task, error) {
	query := buildQuery(p.Location, p.CustomInstructions)

	providerTaskID, err := o.provider.Submit(ctx, provider.SubmitRequest{Query: query})
	if err != nil {
		return nil, err
	}
	metrics.TasksSubmitted.Inc()

	task := &models.Task{
		ProviderTaskID: providerTaskID,
		OwnerID:        p.OwnerID,
		Location:       p.Location,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		Query:          query,
	}
	if p.OwnerID == nil && p.AnonymousID != "" {
		anonID := p.AnonymousID
		task.AnonymousID = &anonID
	}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		// The provider run is already in flight; the poll endpoint can
		// still serve it by provider id even without a ledger row.
		o.logger.Error("Failed to persist task",
			zap.String("provider_task_id", providerTaskID),
			zap.Error(err),
		)
		metrics.LedgerWriteFailures.Inc()
		return nil, fmt.Errorf("persist task: %w", err)
	}

	o.logger.Info("Task submitted",
		zap.String("task_id", task.ID.String()),
		zap.String("provider_task_id", providerTaskID),
		zap.String("location", p.Location),
	)
	return task, nil
}

// StreamProgress polls the provider until the task finishes, the poll
// budget runs out, or ctx is canceled, delivering each frame through
// emit and to WebSocket subscribers. Every transcript message is
// delivered exactly once, in provider order; `done` is always the last
// frame of a successful run.
func (o *Orchestrator) StreamProgress(ctx context.Context, providerTaskID string, emit func(models.ProgressEvent) error) error {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	send := func(ev models.ProgressEvent) error {
		o.streams.Publish(providerTaskID, ev)
		return emit(ev)
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	lastStatus := models.TaskStatusQueued
	var lastProgress models.Progress
	watermark := 0
	failures := 0

	for polls := 0; polls < o.maxPolls; polls++ {
		snap, err := o.provider.GetTask(ctx, providerTaskID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			o.logger.Warn("Poll failed",
				zap.String("provider_task_id", providerTaskID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= maxPollFailures {
				_ = send(models.ErrorEvent(providerTaskID, "lost contact with the research provider"))
				return fmt.Errorf("poll task %s: %w", providerTaskID, err)
			}
		} else {
			failures = 0

			// Forward-only status: a provider glitch reporting an earlier
			// state after a later one is ignored.
			if lastStatus.CanTransitionTo(snap.Status) {
				lastStatus = snap.Status
				if err := send(models.StatusEvent(providerTaskID, snap.Status)); err != nil {
					return err
				}
				if snap.Status == models.TaskStatusRunning {
					o.writeStatus(ctx, providerTaskID, models.TaskStatusRunning)
				}
			}

			if snap.Progress != lastProgress && snap.Progress.TotalSteps > 0 {
				lastProgress = snap.Progress
				if err := send(models.ProgressUpdateEvent(providerTaskID, lastStatus, snap.Progress)); err != nil {
					return err
				}
			}

			// New transcript messages since the watermark, oldest first.
			for ; watermark < len(snap.Messages); watermark++ {
				if err := send(models.MessageUpdateEvent(providerTaskID, snap.Messages[watermark])); err != nil {
					return err
				}
			}

			if snap.Status.Terminal() {
				return o.finishStream(ctx, providerTaskID, snap, send)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	// Budget exhausted: the task is still running. Hand the client off
	// to the poll endpoint instead of failing the task.
	metrics.StreamHandoffs.Inc()
	return send(models.ContinuePollingEvent(providerTaskID))
}

func (o *Orchestrator) finishStream(ctx context.Context, providerTaskID string, snap *provider.TaskSnapshot, send func(models.ProgressEvent) error) error {
	o.recordTerminal(ctx, providerTaskID, snap)

	if snap.Status == models.TaskStatusFailed {
		msg := snap.Error
		if msg == "" {
			msg = "research task failed"
		}
		return send(models.ErrorEvent(providerTaskID, msg))
	}

	if snap.Output != "" {
		if err := send(models.ContentEvent(providerTaskID, snap.Output)); err != nil {
			return err
		}
	}
	if len(snap.Sources) > 0 {
		if err := send(models.SourcesEvent(providerTaskID, snap.Sources)); err != nil {
			return err
		}
	}
	if len(snap.Images) > 0 {
		if err := send(models.ImagesEvent(providerTaskID, snap.Images)); err != nil {
			return err
		}
	}
	return send(models.DoneEvent(providerTaskID))
}

// Snapshot serves the poll endpoint: one provider observation with the
// same ledger write-back rules as the stream. Terminal observations
// write at most once; repeats are no-ops.
func (o *Orchestrator) Snapshot(ctx context.Context, providerTaskID string) (*provider.TaskSnapshot, error) {
	snap, err := o.provider.GetTask(ctx, providerTaskID)
	if err != nil {
		return nil, err
	}

	if snap.Status.Terminal() {
		o.recordTerminal(ctx, providerTaskID, snap)
	} else if snap.Status == models.TaskStatusRunning {
		o.writeStatus(ctx, providerTaskID, models.TaskStatusRunning)
	}
	return snap, nil
}

// writeStatus mirrors a non-terminal status into the ledger. Failures
// are logged and swallowed: the stream serves the caller regardless.
func (o *Orchestrator) writeStatus(ctx context.Context, providerTaskID string, status models.TaskStatus) {
	if _, err := o.tasks.UpdateTaskStatus(ctx, providerTaskID, status); err != nil {
		o.logger.Error("Ledger status write failed",
			zap.String("provider_task_id", providerTaskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		metrics.LedgerWriteFailures.Inc()
	}
}

func (o *Orchestrator) recordTerminal(ctx context.Context, providerTaskID string, snap *provider.TaskSnapshot) {
	changed, err := o.tasks.CompleteTask(ctx, providerTaskID, snap.Status, snap.Output, snap.Error)
	if err != nil {
		o.logger.Error("Ledger completion write failed",
			zap.String("provider_task_id", providerTaskID),
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
		metrics.LedgerWriteFailures.Inc()
		return
	}
	if !changed {
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(snap.Status)).Inc()
	if t, err := o.tasks.GetTaskByProviderID(ctx, providerTaskID); err == nil {
		metrics.TaskDuration.Observe(time.Since(t.CreatedAt).Seconds())
	}
}

// buildQuery decides between the caller's own instructions and the
// default historical-overview prompt. Custom text is kept verbatim
// unless it is indistinguishable from a bare mention of the location,
// so real user intent is never discarded.
func buildQuery(location, customInstructions string) string {
	custom := strings.TrimSpace(customInstructions)
	if custom != "" && !isBareLocationMention(custom, location) {
		return custom
	}
	return defaultPrompt(location)
}

func isBareLocationMention(text, location string) bool {
	t := strings.ToLower(strings.Trim(text, " \t.,!?"))
	l := strings.ToLower(strings.TrimSpace(location))
	if l == "" {
		return false
	}
	if t == l {
		return true
	}
	// Short fragments that merely name the place ("about Lisbon",
	// "Lisbon?") carry no extra intent.
	return strings.Contains(t, l) && len(t) <= len(l)+12
}

func defaultPrompt(location string) string {
	return fmt.Sprintf(
		"Write an engaging, well-structured overview of the history of %s. "+
			"Cover its origins, the key events and eras that shaped it, notable people, "+
			"and its role in the wider region. Cite reliable sources and include "+
			"relevant dates.",
		location,
	)
}
