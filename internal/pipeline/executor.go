package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/artifact"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm"
	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/metrics"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/retry"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/strategy"
)

// Executor runs one claimed trial through facts, reasoning, and evaluation.
// It owns raw-response capture and failure classification; all status
// transitions go through the trial store. Safe for concurrent use: one
// Execute call per claimed trial.
type Executor struct {
	cfg        *config.Config
	store      store.TrialStore
	artifacts  artifact.Store
	client     llm.Client
	strategies []strategy.Strategy
	metrics    *metrics.Collector
	log        *zap.Logger
}

// NewExecutor wires an executor. client routes requests by model ID; a
// Catalog is the usual implementation. collector may be nil.
func NewExecutor(
	cfg *config.Config,
	st store.TrialStore,
	artifacts artifact.Store,
	client llm.Client,
	strategies []strategy.Strategy,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		cfg:        cfg,
		store:      st,
		artifacts:  artifacts,
		client:     client,
		strategies: strategies,
		metrics:    collector,
		log:        logger,
	}
}

// Execute runs a trial the caller has already claimed. Stage outputs that
// already exist in the ledger are reused, which makes re-execution after a
// crash or requeue idempotent: no stage is re-invoked once it has a usable
// record.
//
// A non-nil error means the whole run must abort; every per-trial outcome,
// including terminal failure, is settled in the ledger and returns nil.
func (e *Executor) Execute(ctx context.Context, trial *domain.Trial) error {
	log := e.log.With(
		zap.Int64("trial_id", trial.ID),
		zap.String("scenario", trial.ScenarioID),
		zap.String("constitution", trial.ConstitutionID),
		zap.String("model", trial.ModelID),
	)

	e.metrics.ClaimStarted()
	defer e.metrics.ClaimFinished()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx, trial.ID)

	scenario, ok := e.cfg.ScenarioByID(trial.ScenarioID)
	if !ok {
		return &llmerrors.ConfigError{Field: "scenarios",
			Message: fmt.Sprintf("trial %d references unknown scenario %q", trial.ID, trial.ScenarioID)}
	}
	constitution, ok := e.cfg.ConstitutionByID(trial.ConstitutionID)
	if !ok {
		return &llmerrors.ConfigError{Field: "constitutions",
			Message: fmt.Sprintf("trial %d references unknown constitution %q", trial.ID, trial.ConstitutionID)}
	}

	facts, err := e.ensureFacts(ctx, trial, scenario)
	if err != nil {
		return e.settleFailure(ctx, trial, domain.StageFacts, err, log)
	}

	reasoning, err := e.ensureReasoning(ctx, trial, scenario, constitution, facts)
	if err != nil {
		return e.settleFailure(ctx, trial, domain.StageReasoning, err, log)
	}

	if err := e.runEvaluations(ctx, trial, scenario, facts, reasoning); err != nil {
		return e.settleFailure(ctx, trial, domain.StageEvaluation, err, log)
	}

	return e.settleCompletion(ctx, trial, log)
}

// ensureFacts returns the trial's fact extraction, reusing an existing
// usable record, loading the scenario baseline, or calling the model.
func (e *Executor) ensureFacts(ctx context.Context, trial *domain.Trial, scenario config.Scenario) (*domain.FactsExtract, error) {
	if facts := e.existingLayer(ctx, trial.ID, domain.StageFacts); facts != nil {
		return facts.Facts, nil
	}

	if scenario.BaselineFacts != nil {
		return e.recordBaseline(ctx, trial, scenario.BaselineFacts)
	}

	model, ok := e.cfg.ModelByID(trial.ModelID)
	if !ok {
		return nil, &llmerrors.ConfigError{Field: "models",
			Message: fmt.Sprintf("trial %d references unknown model %q", trial.ID, trial.ModelID)}
	}

	attempt := trial.RetriesFor(domain.StageFacts)
	keyFn := func(suffix string) string {
		return artifact.Key(e.cfg.RunID, trial.ID, domain.StageFacts, attempt, suffix)
	}

	call, err := e.invokeCaptured(ctx, model, renderFactsPrompt(scenario), keyFn)
	if err != nil {
		return nil, err
	}

	parsed := parseFactsResponse(call.resp.RawText)
	rec := &domain.LayerRecord{
		ID:          uuid.NewString(),
		TrialID:     trial.ID,
		Stage:       domain.StageFacts,
		Attempt:     attempt,
		ModelID:     trial.ModelID,
		RawRef:      call.rawRef,
		PromptRef:   call.promptRef,
		ParseStatus: parsed.Status,
		Facts:       parsed.Facts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.RecordLayer(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	if parsed.Status.NeedsReview() {
		e.metrics.ManualReviewFlagged()
	}
	if !parsed.Status.Usable() {
		return nil, &llmerrors.MalformedOutputError{
			TrialID:     trial.ID,
			Stage:       domain.StageFacts,
			ParseStatus: parsed.Status,
			RawRef:      call.rawRef,
			Note:        parsed.Note,
		}
	}
	return parsed.Facts, nil
}

// recordBaseline materializes a scenario's pre-authored facts as a normal
// layer record so downstream stages and audits see a uniform ledger.
func (e *Executor) recordBaseline(ctx context.Context, trial *domain.Trial, baseline *config.BaselineFacts) (*domain.FactsExtract, error) {
	facts := &domain.FactsExtract{
		EstablishedFacts:  baseline.EstablishedFacts,
		AmbiguousElements: baseline.AmbiguousElements,
		KeyQuestions:      baseline.KeyQuestions,
	}

	content := fmt.Sprintf("FACTS:\n%s\n\nAMBIGUITIES:\n%s\n\nKEY QUESTIONS:\n%s\n",
		promptList(facts.EstablishedFacts),
		promptList(facts.AmbiguousElements),
		promptList(facts.KeyQuestions),
	)
	persistCtx := context.WithoutCancel(ctx)
	key := artifact.Key(e.cfg.RunID, trial.ID, domain.StageFacts, 0, "-baseline.txt")
	rawRef, err := e.artifacts.Put(persistCtx, key, domain.ArtifactRawResponse, content)
	if err != nil {
		return nil, err
	}

	rec := &domain.LayerRecord{
		ID:          uuid.NewString(),
		TrialID:     trial.ID,
		Stage:       domain.StageFacts,
		Attempt:     0,
		ModelID:     "baseline",
		RawRef:      rawRef,
		ParseStatus: domain.ParseSuccess,
		Facts:       facts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.RecordLayer(persistCtx, rec); err != nil {
		return nil, err
	}
	return facts, nil
}

// ensureReasoning returns the trial's reasoning output, reusing an existing
// usable record or calling the model under the trial's constitution.
func (e *Executor) ensureReasoning(
	ctx context.Context,
	trial *domain.Trial,
	scenario config.Scenario,
	constitution config.Constitution,
	facts *domain.FactsExtract,
) (*domain.ReasoningOutput, error) {
	if rec := e.existingLayer(ctx, trial.ID, domain.StageReasoning); rec != nil {
		return rec.Reasoning, nil
	}

	model, ok := e.cfg.ModelByID(trial.ModelID)
	if !ok {
		return nil, &llmerrors.ConfigError{Field: "models",
			Message: fmt.Sprintf("trial %d references unknown model %q", trial.ID, trial.ModelID)}
	}

	attempt := trial.RetriesFor(domain.StageReasoning)
	keyFn := func(suffix string) string {
		return artifact.Key(e.cfg.RunID, trial.ID, domain.StageReasoning, attempt, suffix)
	}

	call, err := e.invokeCaptured(ctx, model, renderReasoningPrompt(constitution, scenario, facts), keyFn)
	if err != nil {
		return nil, err
	}

	parsed := parseReasoningResponse(call.resp.RawText)
	rec := &domain.LayerRecord{
		ID:          uuid.NewString(),
		TrialID:     trial.ID,
		Stage:       domain.StageReasoning,
		Attempt:     attempt,
		ModelID:     trial.ModelID,
		RawRef:      call.rawRef,
		PromptRef:   call.promptRef,
		ParseStatus: parsed.Status,
		Reasoning:   parsed.Reasoning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.RecordLayer(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	if parsed.Status.NeedsReview() {
		e.metrics.ManualReviewFlagged()
	}
	if !parsed.Status.Usable() {
		return nil, &llmerrors.MalformedOutputError{
			TrialID:     trial.ID,
			Stage:       domain.StageReasoning,
			ParseStatus: parsed.Status,
			RawRef:      call.rawRef,
			Note:        parsed.Note,
		}
	}
	return parsed.Reasoning, nil
}

// runEvaluations applies every (evaluator, strategy) pair to the trial's
// reasoning. Pairs that already have a record are skipped, so a requeued
// evaluation stage resumes where it stopped. Parse outcomes never fail the
// stage: each pair's record stands on its own. Only transport failures
// propagate, requeuing the stage.
func (e *Executor) runEvaluations(
	ctx context.Context,
	trial *domain.Trial,
	scenario config.Scenario,
	facts *domain.FactsExtract,
	reasoning *domain.ReasoningOutput,
) error {
	existing, err := e.store.EvaluationsFor(ctx, trial.ID)
	if err != nil {
		return err
	}
	done := make(map[string]struct{}, len(existing))
	for _, ev := range existing {
		done[ev.EvaluatorModelID+"/"+ev.StrategyID] = struct{}{}
	}

	ec := strategy.EvalContext{
		ScenarioDescription: scenario.Description,
		DecisionPoint:       scenario.DecisionPoint,
		Facts:               *facts,
		Reasoning:           *reasoning,
	}
	attempt := trial.RetriesFor(domain.StageEvaluation)

	for _, evaluatorID := range e.cfg.Evaluators {
		model, ok := e.cfg.ModelByID(evaluatorID)
		if !ok {
			return &llmerrors.ConfigError{Field: "evaluators",
				Message: fmt.Sprintf("evaluator %q is not a configured model", evaluatorID)}
		}
		for _, strat := range e.strategies {
			if _, skip := done[evaluatorID+"/"+strat.ID()]; skip {
				continue
			}

			keyFn := func(suffix string) string {
				return artifact.EvalKey(e.cfg.RunID, trial.ID, evaluatorID, strat.ID(), attempt, suffix)
			}
			call, err := e.invokeCaptured(ctx, model, strat.RenderPrompt(ec), keyFn)
			if err != nil {
				return err
			}

			set := strat.Parse(call.resp.RawText)
			ev := &domain.Evaluation{
				ID:               uuid.NewString(),
				TrialID:          trial.ID,
				StrategyID:       strat.ID(),
				EvaluatorModelID: evaluatorID,
				Attempt:          attempt,
				RawRef:           call.rawRef,
				ParseStatus:      set.Status,
				Dimensions:       set.Dimensions,
				Note:             set.Note,
				CreatedAt:        time.Now().UTC(),
			}
			if err := e.store.RecordEvaluation(context.WithoutCancel(ctx), ev); err != nil {
				return err
			}
			if set.Status.NeedsReview() {
				e.metrics.ManualReviewFlagged()
			}
		}
	}
	return nil
}

// settleCompletion closes out a trial whose evaluation loop finished: it
// completes when at least one evaluation produced usable scores, and goes
// terminal failed otherwise.
func (e *Executor) settleCompletion(ctx context.Context, trial *domain.Trial, log *zap.Logger) error {
	persistCtx := context.WithoutCancel(ctx)
	evals, err := e.store.EvaluationsFor(persistCtx, trial.ID)
	if err != nil {
		return e.settleFailure(ctx, trial, domain.StageEvaluation, err, log)
	}

	usable := 0
	for _, ev := range evals {
		if ev.ParseStatus.Usable() {
			usable++
		}
	}
	if usable == 0 {
		cause := fmt.Sprintf("all %d evaluations need manual review", len(evals))
		if err := e.store.FailTerminal(persistCtx, trial.ID, domain.StageEvaluation, cause); err != nil {
			return err
		}
		e.metrics.TrialTerminal(domain.TrialFailed)
		log.Warn("trial failed: no usable evaluation", zap.Int("evaluations", len(evals)))
		return nil
	}

	if err := e.store.Complete(persistCtx, trial.ID); err != nil {
		return err
	}
	e.metrics.TrialTerminal(domain.TrialCompleted)
	log.Info("trial completed",
		zap.Int("evaluations", len(evals)),
		zap.Int("usable", usable),
	)
	return nil
}

// settleFailure converts a classified stage failure into a ledger
// transition. Returns non-nil only for run-aborting failures.
func (e *Executor) settleFailure(ctx context.Context, trial *domain.Trial, stage domain.Stage, cause error, log *zap.Logger) error {
	persistCtx := context.WithoutCancel(ctx)
	attempt := trial.RetriesFor(stage)
	decision := retry.Decide(cause, attempt, e.cfg.Retry.MaxRetries)

	log = log.With(
		zap.String("stage", string(stage)),
		zap.Int("attempt", attempt),
		zap.String("decision", decision.String()),
		zap.Error(cause),
	)

	switch decision {
	case retry.AbortRun:
		// The claim stays in_progress; stale-claim recovery returns the
		// trial to pending once the run is restarted with fixed config.
		log.Error("aborting run")
		return cause

	case retry.ManualReview:
		if err := e.store.FailTerminal(persistCtx, trial.ID, stage, cause.Error()); err != nil {
			return err
		}
		e.metrics.TrialTerminal(domain.TrialFailed)
		log.Warn("trial held for manual review")
		return nil

	default: // Requeue and FailTrial share the store's retry accounting.
		delay := retry.Backoff(cause, attempt, e.cfg.Retry)
		requeued, err := e.store.Fail(persistCtx, trial.ID, stage, cause.Error(), e.cfg.Retry.MaxRetries, delay)
		if err != nil {
			return err
		}
		if requeued {
			e.metrics.StageRetry(stage)
			log.Info("trial requeued", zap.Duration("delay", delay))
		} else {
			e.metrics.TrialTerminal(domain.TrialFailed)
			log.Warn("trial failed: retry budget exhausted")
		}
		return nil
	}
}

// existingLayer returns the newest usable record for a stage, or nil.
// Ledger read errors fall through to re-execution: producing a duplicate
// attempt is safe, losing one is not.
func (e *Executor) existingLayer(ctx context.Context, trialID int64, stage domain.Stage) *domain.LayerRecord {
	layers, err := e.store.LayersFor(ctx, trialID)
	if err != nil {
		e.log.Warn("layer lookup failed, re-executing stage",
			zap.Int64("trial_id", trialID), zap.String("stage", string(stage)), zap.Error(err))
		return nil
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].Stage == stage && layers[i].ParseStatus.Usable() {
			return &layers[i]
		}
	}
	return nil
}

// capturedCall is one fully captured model exchange: the rendered prompt
// and verbatim response are on disk before the caller sees the text.
type capturedCall struct {
	resp      *llm.Response
	rawRef    domain.ArtifactRef
	promptRef domain.ArtifactRef
}

// invokeCaptured performs one model call with the capture-before-parse
// discipline: the prompt is persisted before the call, the raw response
// immediately after, both on a context that survives cancellation. A
// response that looks truncated gets exactly one follow-up with a doubled
// output budget.
func (e *Executor) invokeCaptured(ctx context.Context, model config.Model, prompt string, keyFn func(suffix string) string) (capturedCall, error) {
	var out capturedCall
	persistCtx := context.WithoutCancel(ctx)

	promptRef, err := e.artifacts.Put(persistCtx, keyFn("-prompt.txt"), domain.ArtifactRenderedPrompt, prompt)
	if err != nil {
		return out, err
	}
	out.promptRef = promptRef

	req := llm.Request{Model: model.ID, Prompt: prompt, MaxTokens: model.MaxTokens}
	resp, err := e.call(ctx, req)
	if err != nil {
		return out, err
	}
	rawRef, err := e.artifacts.Put(persistCtx, keyFn(".txt"), domain.ArtifactRawResponse, resp.RawText)
	if err != nil {
		return out, err
	}
	out.resp, out.rawRef = resp, rawRef

	if !looksTruncated(resp) {
		return out, nil
	}

	req.MaxTokens = model.MaxTokens * 2
	resp, err = e.call(ctx, req)
	if err != nil {
		// Keep the truncated capture; the parser decides what it is worth.
		return out, nil
	}
	rawRef, err = e.artifacts.Put(persistCtx, keyFn("-expanded.txt"), domain.ArtifactRawResponse, resp.RawText)
	if err != nil {
		return out, err
	}
	out.resp, out.rawRef = resp, rawRef
	return out, nil
}

// call performs one bounded model invocation and records its metrics.
func (e *Executor) call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Invoke(cctx, req)
	e.metrics.ModelCall(req.Model, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.RawText) == "" {
		return nil, fmt.Errorf("%w: model %s", llmerrors.ErrEmptyResponse, req.Model)
	}
	return resp, nil
}

// heartbeatLoop refreshes the claim until the trial settles, so crashed
// workers are distinguishable from slow ones.
func (e *Executor) heartbeatLoop(ctx context.Context, trialID int64) {
	interval := e.cfg.Liveness.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(ctx, trialID); err != nil {
				e.log.Warn("heartbeat failed", zap.Int64("trial_id", trialID), zap.Error(err))
			}
		}
	}
}
