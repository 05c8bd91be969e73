package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/core"
)

// ErrStepNotFound is returned for an unregistered step id.
var ErrStepNotFound = errors.New("step not found")

// Registry holds the available steps.
type Registry struct {
	mu     sync.RWMutex
	steps  map[string]Step
	logger zerolog.Logger
}

// NewRegistry creates an empty step registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{steps: make(map[string]Step), logger: logger}
}

// Register adds a step.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta := step.Meta()
	r.steps[meta.ID] = step
	r.logger.Debug().Str("step", meta.ID).Str("version", meta.Version).Msg("step registered")
}

// Get returns a step by id.
func (r *Registry) Get(id string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[id]
	return step, ok
}

// List returns the metadata of every registered step, sorted by id.
func (r *Registry) List() []StepMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]StepMeta, 0, len(r.steps))
	for _, step := range r.steps {
		metas = append(metas, step.Meta())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas
}

// Runner executes steps and records every execution in step_runs.
type Runner struct {
	registry   *Registry
	db         *sql.DB
	audit      *audit.Logger
	ledgerUUID string
	logger     zerolog.Logger
}

// NewRunner creates a step runner.
func NewRunner(reg *Registry, db *sql.DB, al *audit.Logger, ledgerUUID string, logger zerolog.Logger) *Runner {
	return &Runner{registry: reg, db: db, audit: al, ledgerUUID: ledgerUUID, logger: logger}
}

// Registry returns the registry the runner draws steps from.
func (r *Runner) Registry() *Registry { return r.registry }

// RunConfig holds configuration for a step execution.
type RunConfig struct {
	StepID       string
	Inputs       map[string]any
	DryRun       bool
	Operator     string
	ChainRunUUID string

	onPhase func(core.Phase)
}

// Preflight reports missing required inputs and the planned API calls.
func (r *Runner) Preflight(cfg RunConfig) (*PreflightResult, error) {
	step, ok := r.registry.Get(cfg.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, cfg.StepID)
	}
	meta := step.Meta()
	inputs := withDefaults(meta, cfg.Inputs)
	res := &PreflightResult{
		MissingInputs:   missingInputs(meta, inputs),
		PlannedAPICalls: meta.RequiredActions,
	}
	if meta.RiskClass == core.RiskDestructive {
		res.Warnings = append(res.Warnings, "destructive step: provider state is replaced, not appended")
	}
	return res, nil
}

// Execute runs a step and records the result. The returned run is non-nil
// whenever a record was written; the error is the step's own failure.
func (r *Runner) Execute(ctx context.Context, cfg RunConfig) (*core.StepRun, error) {
	step, ok := r.registry.Get(cfg.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, cfg.StepID)
	}
	if cfg.Operator == "" {
		cfg.Operator = audit.OperatorFromContext(ctx)
	}

	meta := step.Meta()
	runID := uuid.New().String()
	inputs := withDefaults(meta, cfg.Inputs)

	run := &core.StepRun{
		UUID:        runID,
		StepID:      meta.ID,
		StepVersion: meta.Version,
		Inputs:      inputs,
		Status:      core.RunPending,
		StartedAt:   time.Now().UTC(),
		LedgerUUID:  r.ledgerUUID,
		CreatedBy:   cfg.Operator,
	}
	if cfg.ChainRunUUID != "" {
		chain := cfg.ChainRunUUID
		run.ChainRunUUID = &chain
	}
	if err := r.saveRun(run); err != nil {
		return nil, fmt.Errorf("saving run record: %w", err)
	}

	ctx = audit.WithOperator(audit.WithRun(ctx, runID), cfg.Operator)
	rc := RunContext{Inputs: inputs, RunID: runID, DryRun: cfg.DryRun, onPhase: cfg.onPhase}

	if missing := missingInputs(meta, inputs); len(missing) > 0 {
		err := core.MissingInput(meta.ID, missing...)
		r.finish(run, Result{Error: err})
		return run, err
	}

	if meta.RiskClass == core.RiskWrite || meta.RiskClass == core.RiskDestructive {
		plan := step.DryRun(rc)
		r.audit.LogContext(ctx, audit.EventStepRun, map[string]string{
			"step_id":    meta.ID,
			"risk_class": string(meta.RiskClass),
			"action":     "mandatory_dry_run",
			"plan":       plan.Description,
		})
	}

	if cfg.DryRun {
		plan := step.DryRun(rc)
		run.Status = core.RunDryRun
		completedAt := time.Now().UTC()
		run.CompletedAt = &completedAt
		run.Outputs = map[string]any{
			"dry_run_description": plan.Description,
			"would_mutate":        plan.WouldMutate,
			"planned_api_calls":   plan.APICalls,
		}
		r.updateRun(run)
		return run, nil
	}

	run.Status = core.RunRunning
	r.updateRun(run)
	r.audit.LogContext(ctx, audit.EventStepRun, map[string]string{
		"step_id":    meta.ID,
		"risk_class": string(meta.RiskClass),
		"action":     "started",
	})
	r.logger.Info().Str("step", meta.ID).Str("run", runID).Msg("step started")

	result := step.Run(ctx, rc)
	r.finish(run, result)

	r.audit.LogContext(ctx, audit.EventStepRun, map[string]string{
		"step_id":    meta.ID,
		"risk_class": string(meta.RiskClass),
		"action":     "completed",
		"status":     string(run.Status),
		"error_kind": string(run.ErrorKind),
	})
	if result.Error != nil {
		r.logger.Error().Err(result.Error).Str("step", meta.ID).Str("run", runID).Msg("step failed")
	} else {
		r.logger.Info().Str("step", meta.ID).Str("run", runID).Msg("step completed")
	}
	return run, result.Error
}

func (r *Runner) finish(run *core.StepRun, result Result) {
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.Outputs = result.Outputs
	if result.Error != nil {
		run.Status = core.RunError
		run.ErrorKind = core.KindOf(result.Error)
		msg := result.Error.Error()
		run.ErrorDetail = &msg
	} else {
		run.Status = core.RunSuccess
	}
	r.updateRun(run)
}

func withDefaults(meta StepMeta, given map[string]any) map[string]any {
	inputs := make(map[string]any)
	for _, in := range meta.Inputs {
		if v, ok := given[in.Name]; ok && v != "" && v != nil {
			inputs[in.Name] = v
		} else if in.Default != nil {
			inputs[in.Name] = in.Default
		}
	}
	return inputs
}

func missingInputs(meta StepMeta, inputs map[string]any) []string {
	var missing []string
	for _, in := range meta.Inputs {
		if !in.Required {
			continue
		}
		if v, ok := inputs[in.Name]; !ok || v == "" || v == nil {
			missing = append(missing, in.Name)
		}
	}
	return missing
}

// ListRuns returns step runs, newest first.
func (r *Runner) ListRuns(stepFilter, statusFilter string) ([]core.StepRun, error) {
	query := `SELECT uuid, chain_run_uuid, step_id, step_version, inputs, status,
	           started_at, completed_at, outputs, error_kind, error_detail, ledger_uuid, created_by
	           FROM step_runs WHERE ledger_uuid = ?`
	args := []any{r.ledgerUUID}

	if stepFilter != "" {
		query += " AND step_id = ?"
		args = append(args, stepFilter)
	}
	if statusFilter != "" {
		query += " AND status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY started_at DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	return scanStepRuns(rows)
}

// GetRun returns a single step run by UUID.
func (r *Runner) GetRun(runUUID string) (*core.StepRun, error) {
	rows, err := r.db.Query(
		`SELECT uuid, chain_run_uuid, step_id, step_version, inputs, status,
		 started_at, completed_at, outputs, error_kind, error_detail, ledger_uuid, created_by
		 FROM step_runs WHERE uuid = ? AND ledger_uuid = ?`,
		runUUID, r.ledgerUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanStepRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", runUUID)
	}
	return &runs[0], nil
}

// StepsForChain returns the step runs of a chain run in execution order.
func (r *Runner) StepsForChain(chainUUID string) ([]core.StepRun, error) {
	rows, err := r.db.Query(
		`SELECT uuid, chain_run_uuid, step_id, step_version, inputs, status,
		 started_at, completed_at, outputs, error_kind, error_detail, ledger_uuid, created_by
		 FROM step_runs WHERE chain_run_uuid = ? ORDER BY rowid`,
		chainUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chain steps: %w", err)
	}
	defer rows.Close()
	return scanStepRuns(rows)
}

func (r *Runner) saveRun(run *core.StepRun) error {
	inputsJSON, _ := json.Marshal(run.Inputs)
	outputsJSON, _ := json.Marshal(run.Outputs)

	_, err := r.db.Exec(
		`INSERT INTO step_runs (uuid, chain_run_uuid, step_id, step_version, inputs, status,
		 started_at, completed_at, outputs, error_kind, error_detail, ledger_uuid, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.UUID, run.ChainRunUUID, run.StepID, run.StepVersion,
		string(inputsJSON), string(run.Status),
		run.StartedAt.Format(time.RFC3339Nano), nil,
		string(outputsJSON), "", nil,
		run.LedgerUUID, run.CreatedBy,
	)
	return err
}

func (r *Runner) updateRun(run *core.StepRun) {
	outputsJSON, _ := json.Marshal(run.Outputs)

	var completedStr *string
	if run.CompletedAt != nil {
		s := run.CompletedAt.Format(time.RFC3339Nano)
		completedStr = &s
	}

	_, err := r.db.Exec(
		`UPDATE step_runs SET status = ?, completed_at = ?, outputs = ?, error_kind = ?, error_detail = ?
		 WHERE uuid = ?`,
		string(run.Status), completedStr, string(outputsJSON), string(run.ErrorKind), run.ErrorDetail, run.UUID,
	)
	if err != nil {
		r.logger.Warn().Err(err).Str("run", run.UUID).Msg("failed to update run record")
	}
}

func scanStepRuns(rows *sql.Rows) ([]core.StepRun, error) {
	var runs []core.StepRun
	for rows.Next() {
		var run core.StepRun
		var inputsJSON, outputsJSON, startedAt, errorKind string
		var chainUUID, completedAt, errorDetail sql.NullString

		err := rows.Scan(
			&run.UUID, &chainUUID, &run.StepID, &run.StepVersion,
			&inputsJSON, &run.Status, &startedAt, &completedAt,
			&outputsJSON, &errorKind, &errorDetail, &run.LedgerUUID, &run.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			run.CompletedAt = &t
		}
		if chainUUID.Valid {
			run.ChainRunUUID = &chainUUID.String
		}
		if errorDetail.Valid {
			run.ErrorDetail = &errorDetail.String
		}
		run.ErrorKind = core.ErrorKind(errorKind)
		json.Unmarshal([]byte(inputsJSON), &run.Inputs)
		json.Unmarshal([]byte(outputsJSON), &run.Outputs)

		runs = append(runs, run)
	}
	return runs, rows.Err()
}
