package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/notify"
)

// ForensicChain is the step order of a full forensic collection.
var ForensicChain = []string{StepSnapshot, StepMaterialize, StepAttach, StepExtract, StepUpload}

// ChainRequest starts a forensic chain run.
type ChainRequest struct {
	SourceInstanceID string
	TargetInstanceID string
	Device           string
	Bucket           string
	KeyPrefix        string
	// From resumes at a later step; its inputs must be supplied in Inputs.
	From     string
	Inputs   map[string]any
	Trigger  string
	Operator string
	DryRun   bool
}

// Chain sequences steps, passing each step's outputs to the next.
type Chain struct {
	runner   *Runner
	steps    []string
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewChain creates a chain over steps. notifier may be nil.
func NewChain(runner *Runner, steps []string, notifier notify.Notifier, logger zerolog.Logger) *Chain {
	return &Chain{runner: runner, steps: steps, notifier: notifier, logger: logger}
}

// Run executes the chain. No step is retried and nothing is rolled back: on
// failure the returned run's outputs name every resource created so far.
func (c *Chain) Run(ctx context.Context, req ChainRequest) (*core.ChainRun, error) {
	steps := c.steps
	if req.From != "" {
		i := slices.Index(steps, req.From)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s is not part of the chain", ErrStepNotFound, req.From)
		}
		steps = steps[i:]
	}
	if req.Operator == "" {
		req.Operator = audit.OperatorFromContext(ctx)
	}

	inputs := map[string]any{}
	maps.Copy(inputs, req.Inputs)
	setIf(inputs, KeyInstanceID, req.SourceInstanceID)
	setIf(inputs, KeyTargetInstanceID, req.TargetInstanceID)
	setIf(inputs, KeyDevice, req.Device)
	setIf(inputs, KeyBucket, req.Bucket)
	setIf(inputs, KeyKeyPrefix, req.KeyPrefix)

	run := &core.ChainRun{
		UUID:             uuid.New().String(),
		SourceInstanceID: req.SourceInstanceID,
		TargetInstanceID: req.TargetInstanceID,
		Phase:            core.PhaseNotStarted,
		Status:           core.RunRunning,
		Trigger:          req.Trigger,
		Inputs:           maps.Clone(inputs),
		Outputs:          map[string]any{},
		StartedAt:        time.Now().UTC(),
		LedgerUUID:       c.runner.ledgerUUID,
		CreatedBy:        req.Operator,
	}
	if req.DryRun {
		run.Status = core.RunDryRun
	}
	if err := c.saveChain(run); err != nil {
		return nil, fmt.Errorf("saving chain run: %w", err)
	}
	ctx = audit.WithOperator(audit.WithRun(ctx, run.UUID), req.Operator)

	setPhase := func(p core.Phase) {
		if run.Phase == p || run.Phase.Terminal() {
			return
		}
		c.logger.Info().Str("chain", run.UUID).Str("from", string(run.Phase)).Str("to", string(p)).Msg("chain phase")
		c.runner.audit.LogContext(ctx, audit.EventChainPhase, map[string]string{
			"chain_run": run.UUID,
			"from":      string(run.Phase),
			"to":        string(p),
		})
		run.Phase = p
		c.updateChain(run)
	}

	if err := c.preflight(steps, inputs); err != nil {
		return c.fail(ctx, run, setPhase, err)
	}

	for _, id := range steps {
		step, ok := c.runner.registry.Get(id)
		if !ok {
			return c.fail(ctx, run, setPhase, fmt.Errorf("%w: %s", ErrStepNotFound, id))
		}
		if p := step.Meta().Phase; p != "" {
			setPhase(p)
		}

		stepRun, err := c.runner.Execute(ctx, RunConfig{
			StepID:       id,
			Inputs:       inputs,
			DryRun:       req.DryRun,
			Operator:     req.Operator,
			ChainRunUUID: run.UUID,
			onPhase:      setPhase,
		})
		if stepRun != nil && !req.DryRun {
			for k, v := range stepRun.Outputs {
				inputs[k] = v
				run.Outputs[k] = v
			}
		}
		if err != nil {
			return c.fail(ctx, run, setPhase, err)
		}
		if req.DryRun {
			run.Outputs[id] = stepRun.Outputs["dry_run_description"]
			for _, out := range step.Meta().Outputs {
				if _, ok := inputs[out.Name]; !ok {
					inputs[out.Name] = fmt.Sprintf("<%s from %s>", out.Name, id)
				}
			}
		}
		c.updateChain(run)
	}

	setPhase(core.PhaseDone)
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	if !req.DryRun {
		run.Status = core.RunSuccess
	}
	c.updateChain(run)

	if !req.DryRun {
		c.notify(ctx, notify.Summary{
			Title:    fmt.Sprintf("Forensic artifacts collected from %s", run.SourceInstanceID),
			Severity: notify.SeverityInfo,
			Body:     fmt.Sprintf("Chain run %s completed.", run.UUID),
			Fields:   summaryFields(run.Outputs),
		})
	}
	return run, nil
}

// preflight checks every step's required inputs against what the request
// supplies plus what earlier steps will output, before any step runs.
func (c *Chain) preflight(steps []string, inputs map[string]any) error {
	avail := maps.Clone(inputs)
	var missing []string
	for _, id := range steps {
		step, ok := c.runner.registry.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		res, err := c.runner.Preflight(RunConfig{StepID: id, Inputs: avail})
		if err != nil {
			return err
		}
		for _, name := range res.MissingInputs {
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
		}
		for _, out := range step.Meta().Outputs {
			if _, ok := avail[out.Name]; !ok {
				avail[out.Name] = id
			}
		}
	}
	if len(missing) > 0 {
		return core.MissingInput("forensic chain", missing...)
	}
	return nil
}

func (c *Chain) fail(ctx context.Context, run *core.ChainRun, setPhase func(core.Phase), err error) (*core.ChainRun, error) {
	failedAt := run.Phase
	setPhase(core.PhaseFailed)
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.Status = core.RunError
	run.ErrorKind = core.KindOf(err)
	msg := err.Error()
	run.ErrorDetail = &msg
	c.updateChain(run)

	fields := summaryFields(run.Outputs)
	fields["failed_phase"] = string(failedAt)
	fields["error_kind"] = string(run.ErrorKind)
	c.notify(ctx, notify.Summary{
		Title:    fmt.Sprintf("Forensic chain failed for %s", run.SourceInstanceID),
		Severity: notify.SeverityCritical,
		Body:     msg,
		Fields:   fields,
	})
	return run, err
}

func (c *Chain) notify(ctx context.Context, s notify.Summary) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, s); err != nil {
		c.logger.Warn().Err(err).Msg("notification failed")
	}
}

func summaryFields(outputs map[string]any) map[string]string {
	fields := map[string]string{}
	for _, k := range []string{KeyInstanceID, KeySnapshotID, KeyVolumeID, KeyTargetInstanceID, KeyDevice,
		KeyExtractCommandID, KeyUploadCommandID, KeyBucket, KeyKeyPrefix} {
		if v, ok := outputs[k]; ok {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func (c *Chain) saveChain(run *core.ChainRun) error {
	inputsJSON, _ := json.Marshal(run.Inputs)
	outputsJSON, _ := json.Marshal(run.Outputs)
	_, err := c.runner.db.Exec(
		`INSERT INTO chain_runs (uuid, source_instance_id, target_instance_id, phase, status, trigger_source,
		 inputs, outputs, started_at, ledger_uuid, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.UUID, run.SourceInstanceID, run.TargetInstanceID, string(run.Phase), string(run.Status),
		run.Trigger, string(inputsJSON), string(outputsJSON), run.StartedAt.Format(time.RFC3339Nano),
		run.LedgerUUID, run.CreatedBy,
	)
	return err
}

func (c *Chain) updateChain(run *core.ChainRun) {
	outputsJSON, _ := json.Marshal(run.Outputs)
	var completedStr *string
	if run.CompletedAt != nil {
		s := run.CompletedAt.Format(time.RFC3339Nano)
		completedStr = &s
	}
	_, err := c.runner.db.Exec(
		`UPDATE chain_runs SET phase = ?, status = ?, outputs = ?, completed_at = ?, error_kind = ?, error_detail = ?
		 WHERE uuid = ?`,
		string(run.Phase), string(run.Status), string(outputsJSON), completedStr,
		string(run.ErrorKind), run.ErrorDetail, run.UUID,
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("chain", run.UUID).Msg("failed to update chain record")
	}
}

// ListChains returns chain runs, newest first.
func (r *Runner) ListChains(instanceFilter string) ([]core.ChainRun, error) {
	query := `SELECT uuid, source_instance_id, target_instance_id, phase, status, trigger_source, inputs, outputs,
	          started_at, completed_at, error_kind, error_detail, ledger_uuid, created_by
	          FROM chain_runs WHERE ledger_uuid = ?`
	args := []any{r.ledgerUUID}
	if instanceFilter != "" {
		query += " AND source_instance_id = ?"
		args = append(args, instanceFilter)
	}
	query += " ORDER BY started_at DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chain runs: %w", err)
	}
	defer rows.Close()
	return scanChainRuns(rows)
}

// GetChain returns one chain run by UUID.
func (r *Runner) GetChain(chainUUID string) (*core.ChainRun, error) {
	rows, err := r.db.Query(
		`SELECT uuid, source_instance_id, target_instance_id, phase, status, trigger_source, inputs, outputs,
		 started_at, completed_at, error_kind, error_detail, ledger_uuid, created_by
		 FROM chain_runs WHERE uuid = ? AND ledger_uuid = ?`,
		chainUUID, r.ledgerUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanChainRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("chain run not found: %s", chainUUID)
	}
	return &runs[0], nil
}

func scanChainRuns(rows *sql.Rows) ([]core.ChainRun, error) {
	var runs []core.ChainRun
	for rows.Next() {
		var run core.ChainRun
		var inputsJSON, outputsJSON, startedAt, errorKind string
		var completedAt, errorDetail sql.NullString
		err := rows.Scan(&run.UUID, &run.SourceInstanceID, &run.TargetInstanceID, &run.Phase, &run.Status,
			&run.Trigger, &inputsJSON, &outputsJSON, &startedAt, &completedAt, &errorKind, &errorDetail,
			&run.LedgerUUID, &run.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("scanning chain run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			run.CompletedAt = &t
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
