package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// SQLiteStore is the TrialStore implementation backing a run. SQLite in WAL
// mode gives crash-safe durability for a single-host batch run, and the
// conditional-UPDATE claim makes it safe to point two scheduler processes
// at the same file.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ TrialStore = (*SQLiteStore)(nil)

// Open opens (or creates) the ledger database and migrates its schema.
// The DSN is a file path; ":memory:" is accepted for tests.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trial ledger %s: %w", path, err)
	}
	if path == ":memory:" {
		// A pooled in-memory database would give every connection its own
		// empty database; pin the pool to one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&trialRow{}, &layerRow{}, &evalRow{}); err != nil {
		return nil, fmt.Errorf("migrate trial ledger: %w", err)
	}

	logger.Info("trial ledger opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger.With(zap.String("component", "trial_store"))}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Register inserts pending rows for unseen IDs; existing rows are left
// untouched so reruns never clobber history.
func (s *SQLiteStore) Register(ctx context.Context, specs []domain.TrialSpec) error {
	if len(specs) == 0 {
		return domain.ErrEmptyMatrix
	}

	now := time.Now().UTC()
	rows := make([]trialRow, 0, len(specs))
	for _, spec := range specs {
		if err := domain.Validate(spec); err != nil {
			return err
		}
		rows = append(rows, trialRow{
			ID:             spec.ID,
			ScenarioID:     spec.ScenarioID,
			ConstitutionID: spec.ConstitutionID,
			ModelID:        spec.ModelID,
			Status:         string(domain.TrialPending),
			CreatedAt:      now,
		})
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return fmt.Errorf("register trials: %w", res.Error)
	}
	s.logger.Info("trials registered",
		zap.Int("requested", len(specs)),
		zap.Int64("inserted", res.RowsAffected),
	)
	return nil
}

// Claim performs the atomic pending→in_progress transition. The conditional
// UPDATE is the whole concurrency story: whoever flips the row owns the
// trial, everyone else is told to move on.
func (s *SQLiteStore) Claim(ctx context.Context, id int64) (*domain.Trial, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("id = ? AND status = ?", id, string(domain.TrialPending)).
		Updates(map[string]any{
			"status":       string(domain.TrialInProgress),
			"claimed_at":   now,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim trial %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("trial %d: %w", id, domain.ErrNotClaimable)
	}
	return s.Get(ctx, id)
}

// Heartbeat refreshes claim liveness.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("id = ? AND status = ?", id, string(domain.TrialInProgress)).
		Update("heartbeat_at", now)
	if res.Error != nil {
		return fmt.Errorf("heartbeat trial %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trial %d: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// Complete moves in_progress to terminal completed.
func (s *SQLiteStore) Complete(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("id = ? AND status = ?", id, string(domain.TrialInProgress)).
		Updates(map[string]any{
			"status":       string(domain.TrialCompleted),
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete trial %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trial %d: %w", id, domain.ErrInvalidTransition)
	}
	s.logger.Info("trial completed", zap.Int64("trial_id", id))
	return nil
}

// Fail increments the stage retry counter and either requeues or goes
// terminal, in one transaction so a crash cannot split the accounting from
// the transition.
func (s *SQLiteStore) Fail(ctx context.Context, id int64, stage domain.Stage, cause string, maxRetries int, delay time.Duration) (bool, error) {
	column, err := retryColumn(stage)
	if err != nil {
		return false, err
	}

	requeued := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row trialRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("trial %d: %w", id, domain.ErrTrialNotFound)
			}
			return err
		}
		if row.Status != string(domain.TrialInProgress) {
			return fmt.Errorf("trial %d in status %s: %w", id, row.Status, domain.ErrInvalidTransition)
		}

		var retries int
		switch stage {
		case domain.StageFacts:
			retries = row.FactsRetries + 1
		case domain.StageReasoning:
			retries = row.ReasoningRetries + 1
		case domain.StageEvaluation:
			retries = row.EvaluationRetries + 1
		}

		updates := map[string]any{column: retries}
		if retries > maxRetries {
			updates["status"] = string(domain.TrialFailed)
			updates["failure_stage"] = string(stage)
			updates["failure_reason"] = cause
		} else {
			notBefore := time.Now().UTC().Add(delay)
			updates["status"] = string(domain.TrialPending)
			updates["not_before"] = notBefore
			requeued = true
		}
		return tx.Model(&trialRow{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("fail trial %d: %w", id, err)
	}

	if requeued {
		s.logger.Warn("trial requeued after transient failure",
			zap.Int64("trial_id", id),
			zap.String("stage", string(stage)),
			zap.Duration("backoff", delay),
			zap.String("cause", cause),
		)
	} else {
		s.logger.Error("trial failed terminally",
			zap.Int64("trial_id", id),
			zap.String("stage", string(stage)),
			zap.String("cause", cause),
		)
	}
	return requeued, nil
}

// FailTerminal moves a trial straight to failed, bypassing retry
// accounting. Used when output is held for manual review.
func (s *SQLiteStore) FailTerminal(ctx context.Context, id int64, stage domain.Stage, cause string) error {
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("id = ? AND status = ?", id, string(domain.TrialInProgress)).
		Updates(map[string]any{
			"status":         string(domain.TrialFailed),
			"failure_stage":  string(stage),
			"failure_reason": cause,
		})
	if res.Error != nil {
		return fmt.Errorf("fail trial %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trial %d: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// Requeue forces terminal-failed trials back to pending with fresh budgets.
func (s *SQLiteStore) Requeue(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("id IN ? AND status = ?", ids, string(domain.TrialFailed)).
		Updates(map[string]any{
			"status":             string(domain.TrialPending),
			"facts_retries":      0,
			"reasoning_retries":  0,
			"evaluation_retries": 0,
			"failure_stage":      "",
			"failure_reason":     "",
			"not_before":         nil,
			"claimed_at":         nil,
			"heartbeat_at":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("requeue trials: %w", res.Error)
	}
	s.logger.Info("failed trials requeued", zap.Int64("count", res.RowsAffected))
	return nil
}

// RequeueStale returns orphaned in_progress trials to pending. A trial is
// stale when its heartbeat is older than olderThan; duplicate stage
// execution is prevented by stage-level artifact checks, not here.
func (s *SQLiteStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", string(domain.TrialInProgress), cutoff).
		Updates(map[string]any{
			"status":       string(domain.TrialPending),
			"claimed_at":   nil,
			"heartbeat_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue stale trials: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("stale claims requeued", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// PendingAndRetryable returns the next pass's work queue in ID order.
func (s *SQLiteStore) PendingAndRetryable(ctx context.Context, now time.Time) ([]domain.Trial, error) {
	var rows []trialRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND (not_before IS NULL OR not_before <= ?)", string(domain.TrialPending), now.UTC()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending trials: %w", err)
	}

	trials := make([]domain.Trial, 0, len(rows))
	for i := range rows {
		trials = append(trials, *rows[i].toDomain())
	}
	return trials, nil
}

// Get returns one trial by ID.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.Trial, error) {
	var row trialRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trial %d: %w", id, domain.ErrTrialNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trial %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// Trials returns every ledger row in ID order.
func (s *SQLiteStore) Trials(ctx context.Context) ([]domain.Trial, error) {
	var rows []trialRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	trials := make([]domain.Trial, 0, len(rows))
	for i := range rows {
		trials = append(trials, *rows[i].toDomain())
	}
	return trials, nil
}

// FailedIDs returns terminal-failed trial IDs in ID order.
func (s *SQLiteStore) FailedIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&trialRow{}).
		Where("status = ?", string(domain.TrialFailed)).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list failed trials: %w", err)
	}
	return ids, nil
}

// RecordLayer appends one stage output record.
func (s *SQLiteStore) RecordLayer(ctx context.Context, rec *domain.LayerRecord) error {
	if err := domain.Validate(rec); err != nil {
		return err
	}
	row, err := layerRowFrom(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record layer for trial %d: %w", rec.TrialID, err)
	}
	return nil
}

// RecordEvaluation appends one evaluation record.
func (s *SQLiteStore) RecordEvaluation(ctx context.Context, ev *domain.Evaluation) error {
	if err := domain.Validate(ev); err != nil {
		return err
	}
	row, err := evalRowFrom(ev)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record evaluation for trial %d: %w", ev.TrialID, err)
	}
	return nil
}

// LayersFor returns a trial's layer records, oldest first.
func (s *SQLiteStore) LayersFor(ctx context.Context, trialID int64) ([]domain.LayerRecord, error) {
	var rows []layerRow
	err := s.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("created_at, attempt").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list layers for trial %d: %w", trialID, err)
	}

	recs := make([]domain.LayerRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// EvaluationsFor returns a trial's evaluations, oldest first.
func (s *SQLiteStore) EvaluationsFor(ctx context.Context, trialID int64) ([]domain.Evaluation, error) {
	var rows []evalRow
	err := s.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("created_at, attempt").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list evaluations for trial %d: %w", trialID, err)
	}

	evs := make([]domain.Evaluation, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		evs = append(evs, *ev)
	}
	return evs, nil
}

// ReviewRecords returns manual-review pointers across layers and
// evaluations, ordered by trial.
func (s *SQLiteStore) ReviewRecords(ctx context.Context) ([]domain.ReviewPointer, error) {
	statuses := []string{
		string(domain.ParsePartial),
		string(domain.ParseManualReview),
		string(domain.ParseFailure),
	}

	var layers []layerRow
	if err := s.db.WithContext(ctx).Where("parse_status IN ?", statuses).Order("trial_id, created_at").Find(&layers).Error; err != nil {
		return nil, fmt.Errorf("list review layers: %w", err)
	}
	var evals []evalRow
	if err := s.db.WithContext(ctx).Where("parse_status IN ?", statuses).Order("trial_id, created_at").Find(&evals).Error; err != nil {
		return nil, fmt.Errorf("list review evaluations: %w", err)
	}

	pointers := make([]domain.ReviewPointer, 0, len(layers)+len(evals))
	for i := range layers {
		r := &layers[i]
		pointers = append(pointers, domain.ReviewPointer{
			TrialID:     r.TrialID,
			Stage:       domain.Stage(r.Stage),
			Attempt:     r.Attempt,
			ParseStatus: domain.ParseStatus(r.ParseStatus),
			RawRef:      domain.ArtifactRef{Key: r.RawKey, Size: r.RawSize, Kind: domain.ArtifactRawResponse},
		})
	}
	for i := range evals {
		r := &evals[i]
		pointers = append(pointers, domain.ReviewPointer{
			TrialID:          r.TrialID,
			Stage:            domain.StageEvaluation,
			StrategyID:       r.StrategyID,
			EvaluatorModelID: r.EvaluatorModelID,
			Attempt:          r.Attempt,
			ParseStatus:      domain.ParseStatus(r.ParseStatus),
			RawRef:           domain.ArtifactRef{Key: r.RawKey, Size: r.RawSize, Kind: domain.ArtifactRawResponse},
			Note:             r.Note,
		})
	}
	return pointers, nil
}
