package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/audit"
	cloudiraws "github.com/cloudir/cloudir/internal/aws"
	"github.com/cloudir/cloudir/internal/config"
	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
	"github.com/cloudir/cloudir/internal/notify"
	"github.com/cloudir/cloudir/internal/scope"
	"github.com/cloudir/cloudir/internal/workflow"
)

// Global flags.
var (
	configPath string
	flagRegion string
	flagProf   string
	flagLevel  string
	flagData   string
	flagOp     string
)

// RegisterGlobalFlags adds the persistent flags every command reads.
func RegisterGlobalFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.cloudir/config.yaml)")
	pf.StringVar(&flagRegion, "region", "", "AWS region")
	pf.StringVar(&flagProf, "profile", "", "AWS shared config profile")
	pf.StringVar(&flagLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagData, "data-dir", "", "Local ledger directory")
	pf.StringVar(&flagOp, "operator", "", "Operator name recorded in the audit log")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if flagRegion != "" {
		cfg.Region = flagRegion
	}
	if flagProf != "" {
		cfg.Profile = flagProf
	}
	if flagLevel != "" {
		cfg.LogLevel = flagLevel
	}
	if flagData != "" {
		cfg.DataDir = flagData
	}
	if flagOp != "" {
		cfg.Operator = flagOp
	}
	return cfg, nil
}

// openEngine loads config and opens the local ledger without touching AWS.
func openEngine() (config.Config, *core.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	engine, err := core.Open(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("opening data directory: %w", err)
	}
	return cfg, engine, nil
}

// runtime holds everything a provider-facing command needs.
type runtime struct {
	cfg      config.Config
	engine   *core.Engine
	aws      *cloudiraws.ClientFactory
	checker  *scope.Checker
	notifier notify.Notifier
	handlers workflow.Handlers
	runner   *workflow.Runner
	logger   zerolog.Logger
}

// loadRuntime builds the clients and handlers. It makes no provider call;
// commands that change provider state use loadMutatingRuntime.
func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, engine, err := openEngine()
	if err != nil {
		return nil, err
	}
	logger := engine.Logger

	factory, err := cloudiraws.NewClientFactory(ctx, cloudiraws.Options{
		Region:     cfg.Region,
		Profile:    cfg.Profile,
		Endpoint:   cfg.Endpoint,
		RatePerSec: cfg.RateLimitPerService,
	}, logger)
	if err != nil {
		engine.Close()
		return nil, err
	}
	factory.SetAudit(engine.AuditLogger)

	sc := cfg.Scope
	sc.ProtectedInstances = cfg.ProtectedInstances()
	checker := scope.NewChecker(sc)
	if err := checker.CheckRegion(factory.Region()); err != nil {
		engine.Close()
		return nil, err
	}

	h := buildHandlers(cfg, factory, engine, checker, logger)
	reg := workflow.NewRegistry(logger)
	workflow.RegisterBuiltins(reg, h)

	return &runtime{
		cfg:      cfg,
		engine:   engine,
		aws:      factory,
		checker:  checker,
		notifier: notify.NewFanout(logger, engine.AuditLogger, notify.NewLogNotifier(logger)),
		handlers: h,
		runner:   workflow.NewRunner(reg, engine.MetadataDB, engine.AuditLogger, engine.Ledger.UUID, logger),
		logger:   logger,
	}, nil
}

// loadMutatingRuntime is loadRuntime plus a check that the credentials belong
// to an allowed account and partition, made before anything is changed.
func loadMutatingRuntime(ctx context.Context) (*runtime, error) {
	rt, err := loadRuntime(ctx)
	if err != nil {
		return nil, err
	}
	if err := rt.verifyCaller(rt.ctx(ctx)); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) verifyCaller(ctx context.Context) error {
	id, err := rt.aws.GetCallerIdentity(ctx)
	if err != nil {
		return fmt.Errorf("resolving caller identity: %w", err)
	}
	if err := rt.checker.CheckCaller(id.ARN); err != nil {
		rt.engine.AuditLogger.LogContext(ctx, audit.EventScopeViolation, map[string]string{
			"caller":    id.ARN,
			"violation": err.Error(),
		})
		return err
	}
	rt.logger.Debug().Str("account", id.Account).Str("arn", id.ARN).Msg("caller in scope")
	return nil
}

func buildHandlers(cfg config.Config, factory *cloudiraws.ClientFactory, engine *core.Engine, checker *scope.Checker, logger zerolog.Logger) workflow.Handlers {
	fc := cfg.Forensics
	ec2c := factory.EC2Client()
	ssmc := factory.SSMClient()

	extractor := newExtractor(cfg, ssmc, logger)
	uploader := forensics.NewUploader(ssmc, extractor, logger)
	if fc.UploadTimeout > 0 {
		uploader.Timeout = fc.UploadTimeout
	}

	var keys forensics.KeyDescriber
	if fc.KMSKeyID != "" {
		keys = factory.KMSClient()
	}

	return workflow.Handlers{
		Snapshotter: forensics.NewSnapshotter(ec2c, logger),
		Materializer: forensics.NewMaterializer(ec2c, keys, forensics.MaterializeOptions{
			VolumeType:   fc.VolumeType,
			KMSKeyID:     fc.KMSKeyID,
			SnapshotWait: forensics.WaitPolicy(fc.SnapshotWait),
			VolumeWait:   forensics.WaitPolicy(fc.VolumeWait),
		}, logger),
		Attacher:  forensics.NewAttacher(ec2c, logger),
		Extractor: extractor,
		Uploader:  uploader,
		Actuator: containment.NewActuator(ec2c,
			containment.NewLedger(engine.MetadataDB, engine.Ledger.UUID),
			checker, engine.AuditLogger,
			containment.Options{QuarantineGroupID: cfg.Containment.QuarantineGroupID, TagKey: cfg.Containment.TagKey},
			logger),
		DefaultBucket: fc.ArtifactBucket,
		DefaultPrefix: fc.ArtifactPrefix,
	}
}

// newExtractor applies the forensics config to an extractor. client may be
// nil for commands that only render scripts.
func newExtractor(cfg config.Config, client forensics.CommandRunner, logger zerolog.Logger) *forensics.Extractor {
	fc := cfg.Forensics
	e := forensics.NewExtractor(client, forensics.DefaultArtifacts(), logger)
	if fc.MountPoint != "" {
		e.MountPoint = fc.MountPoint
	}
	if fc.OutputDir != "" {
		e.OutputDir = fc.OutputDir
	}
	if fc.ExtractTimeout > 0 {
		e.Timeout = fc.ExtractTimeout
	}
	e.OutputBucket = fc.CommandOutputBucket
	e.CommandWait = forensics.WaitPolicy(fc.CommandWait)
	return e
}

func (rt *runtime) Close() {
	rt.engine.Close()
}

// ctx tags ctx with the configured operator.
func (rt *runtime) ctx(ctx context.Context) context.Context {
	return audit.WithOperator(ctx, rt.cfg.Operator)
}

func (rt *runtime) chain() *workflow.Chain {
	return workflow.NewChain(rt.runner, workflow.ForensicChain, rt.notifier, rt.logger)
}

// stepConfigChecks validate the parts of the config a step depends on.
var stepConfigChecks = map[string]func(config.Config) error{
	workflow.StepMaterialize: config.Config.ValidateWaits,
	workflow.StepExtract:     config.Config.ValidateWaits,
	workflow.StepIsolate:     config.Config.ValidateContainment,
}

// applyConfigDefaults fills empty target and device inputs from the
// forensics config. Keys the caller did not pass are left alone.
func applyConfigDefaults(cfg config.Config, inputs map[string]any) {
	fill := func(key, value string) {
		if v, ok := inputs[key]; ok && v == "" && value != "" {
			inputs[key] = value
		}
	}
	fill(workflow.KeyTargetInstanceID, cfg.Forensics.AnalysisInstanceID)
	fill(workflow.KeyDevice, cfg.Forensics.Device)
}

// executeStep runs one step and prints its record. Real runs verify the
// caller's account first; dry runs make no provider call at all.
func executeStep(ctx context.Context, stepID string, inputs map[string]any, dryRun bool) error {
	load := loadMutatingRuntime
	if dryRun {
		load = loadRuntime
	}
	rt, err := load(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if check, ok := stepConfigChecks[stepID]; ok {
		if err := check(rt.cfg); err != nil {
			return err
		}
	}
	applyConfigDefaults(rt.cfg, inputs)

	run, err := rt.runner.Execute(rt.ctx(ctx), workflow.RunConfig{
		StepID:   stepID,
		Inputs:   inputs,
		DryRun:   dryRun,
		Operator: rt.cfg.Operator,
	})
	if run != nil {
		printRun(run)
	}
	return err
}

func printRun(run *core.StepRun) {
	fmt.Printf("Run:     %s\n", run.UUID)
	fmt.Printf("Step:    %s\n", run.StepID)
	fmt.Printf("Status:  %s\n", run.Status)
	if run.ErrorKind != "" {
		fmt.Printf("Error:   %s\n", run.ErrorKind)
	}
	if desc, ok := run.Outputs["dry_run_description"]; ok {
		fmt.Printf("\n%s\n", desc)
		return
	}
	if len(run.Outputs) > 0 {
		fmt.Println("Outputs:")
		printJSON(run.Outputs)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}
