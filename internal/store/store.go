// Package store implements the durable trial ledger: the single
// synchronization point of a run. All status transitions happen here,
// guarded by conditional updates so that concurrent workers — or concurrent
// scheduler processes sharing one database file — can never double-execute
// a trial. Layer records and evaluations are append-only metadata rows
// pointing at externally stored raw artifacts.
package store

import (
	"context"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// TrialStore is the ledger contract the pipeline and scheduler depend on.
type TrialStore interface {
	// Register idempotently inserts pending rows for unseen trial IDs.
	// Already-registered IDs are left untouched, whatever their status.
	Register(ctx context.Context, specs []domain.TrialSpec) error

	// Claim atomically transitions one trial from pending to in_progress.
	// Exactly one concurrent caller wins; the rest get ErrNotClaimable.
	Claim(ctx context.Context, id int64) (*domain.Trial, error)

	// Heartbeat refreshes claim liveness for a trial held in_progress.
	Heartbeat(ctx context.Context, id int64) error

	// Complete transitions in_progress to terminal completed.
	Complete(ctx context.Context, id int64) error

	// Fail records a transient stage failure: the stage retry counter is
	// incremented and, while the counter stays within maxRetries, the trial
	// returns to pending with a not-before delay. Past the budget it goes
	// terminal failed. Reports whether the trial was requeued.
	Fail(ctx context.Context, id int64, stage domain.Stage, cause string, maxRetries int, delay time.Duration) (bool, error)

	// FailTerminal moves a trial straight to terminal failed without retry
	// accounting — used for malformed output held for manual review.
	FailTerminal(ctx context.Context, id int64, stage domain.Stage, cause string) error

	// Requeue forces terminal-failed trials back to pending with fresh
	// retry budgets. Historical artifacts are untouched; IDs are preserved.
	Requeue(ctx context.Context, ids []int64) error

	// RequeueStale conservatively returns to pending any in_progress trial
	// whose heartbeat is older than olderThan. Safe because stages that
	// already produced artifacts are skipped on re-execution.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// PendingAndRetryable returns pending trials whose backoff window has
	// passed, in ID order.
	PendingAndRetryable(ctx context.Context, now time.Time) ([]domain.Trial, error)

	// Get returns one trial by ID.
	Get(ctx context.Context, id int64) (*domain.Trial, error)

	// Trials returns every ledger row in ID order.
	Trials(ctx context.Context) ([]domain.Trial, error)

	// FailedIDs returns the IDs of terminal-failed trials, for forced-retry
	// matrix subsets.
	FailedIDs(ctx context.Context) ([]int64, error)

	// RecordLayer appends one stage output record. Write-once: records are
	// never updated in place.
	RecordLayer(ctx context.Context, rec *domain.LayerRecord) error

	// RecordEvaluation appends one evaluation record. Write-once.
	RecordEvaluation(ctx context.Context, ev *domain.Evaluation) error

	// LayersFor returns a trial's layer records, oldest first.
	LayersFor(ctx context.Context, trialID int64) ([]domain.LayerRecord, error)

	// EvaluationsFor returns a trial's evaluations, oldest first.
	EvaluationsFor(ctx context.Context, trialID int64) ([]domain.Evaluation, error)

	// ReviewRecords returns pointers to every layer record and evaluation
	// whose parse status needs manual review.
	ReviewRecords(ctx context.Context) ([]domain.ReviewPointer, error)

	// Close releases the underlying database handle.
	Close() error
}
