package forensics

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/core"
)

const (
	opExtract = "Extract"

	// RunShellScriptDocument is the managed SSM document that runs a list
	// of shell commands as one script.
	RunShellScriptDocument = "AWS-RunShellScript"

	DefaultExtractTimeout = 180 * time.Second
)

// CommandSender dispatches SSM commands.
type CommandSender interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
}

// CommandRunner dispatches SSM commands and reads back their invocations.
type CommandRunner interface {
	CommandSender
	ssm.GetCommandInvocationAPIClient
}

// Extractor builds and dispatches the artifact extraction batch. Fields may
// be overridden after construction.
type Extractor struct {
	client    CommandRunner
	artifacts ArtifactSet
	logger    zerolog.Logger

	MountPoint string
	OutputDir  string
	Timeout    time.Duration
	// OutputBucket receives the agent's command output when set.
	OutputBucket string
	// CommandWait bounds WaitCommand.
	CommandWait WaitPolicy
}

// NewExtractor creates an extractor for artifacts with the default mount
// point, staging directory and timeout.
func NewExtractor(client CommandRunner, artifacts ArtifactSet, logger zerolog.Logger) *Extractor {
	return &Extractor{
		client:      client,
		artifacts:   artifacts,
		logger:      logger,
		MountPoint:  core.DefaultMountPoint,
		OutputDir:   core.DefaultOutputDir,
		Timeout:     DefaultExtractTimeout,
		CommandWait: defaultCommandWait,
	}
}

// Artifacts returns the set this extractor collects.
func (e *Extractor) Artifacts() ArtifactSet { return e.artifacts }

// OutputPath is where the artifact is staged on the analysis host.
func (e *Extractor) OutputPath(name string) string {
	return path.Join(e.OutputDir, name)
}

// Commands returns the extraction batch for device. The first command mounts
// the device read-only and ends the script if that fails; the last one
// unmounts. Every artifact command in between writes a placeholder when its
// source is missing or empty instead of failing the batch.
func (e *Extractor) Commands(device string) []string {
	if device == "" {
		device = core.DefaultDevice
	}
	mount := shellQuote(e.MountPoint)

	cmds := make([]string, 0, len(e.artifacts)+2)
	cmds = append(cmds, fmt.Sprintf("mkdir -p %s && mount -o ro %s %s || exit 1", mount, shellQuote(device), mount))
	for _, a := range e.artifacts {
		out := shellQuote(e.OutputPath(a.Name))
		cmds = append(cmds, fmt.Sprintf("%s > %s 2>/dev/null; [ -s %s ] || echo %s > %s",
			a.Producer(e.MountPoint), out, out, shellQuote(Placeholder(a.Name)), out))
	}
	cmds = append(cmds, "umount "+mount)
	return cmds
}

// Dispatch sends the extraction batch to the target instance and returns the
// command reference without waiting for it to finish.
func (e *Extractor) Dispatch(ctx context.Context, targetInstanceID, device string) (*core.RemoteCommand, error) {
	if targetInstanceID == "" {
		return nil, core.MissingInput(opExtract, "target_instance_id")
	}
	cmds := e.Commands(device)
	if err := ValidateMountBracket(cmds); err != nil {
		return nil, fmt.Errorf("extraction batch: %w", err)
	}
	cmd, err := sendCommands(ctx, e.client, opExtract, targetInstanceID, cmds, e.Timeout, e.OutputBucket,
		fmt.Sprintf("cloudir forensic extraction (%d artifacts)", len(e.artifacts)))
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("instance", targetInstanceID).
		Str("command_id", cmd.ID).
		Int("artifacts", len(e.artifacts)).
		Msg("extraction dispatched")
	return cmd, nil
}

// WaitCommand blocks until the extraction command has finished successfully
// on its instance. The staged files are only complete after that.
func (e *Extractor) WaitCommand(ctx context.Context, cmd *core.RemoteCommand) error {
	p := e.CommandWait.orDefault(defaultCommandWait)
	e.logger.Info().Str("command_id", cmd.ID).Dur("timeout", p.Timeout).Msg("waiting for extraction")
	if err := waitCommandSuccess(ctx, e.client, opExtract, cmd.ID, cmd.InstanceID, p); err != nil {
		return err
	}
	e.logger.Info().Str("command_id", cmd.ID).Str("instance", cmd.InstanceID).Msg("extraction finished")
	return nil
}

func sendCommands(ctx context.Context, client CommandSender, op, instanceID string, cmds []string, timeout time.Duration, outputBucket, comment string) (*core.RemoteCommand, error) {
	seconds := int32(timeout / time.Second)
	in := &ssm.SendCommandInput{
		DocumentName:   aws.String(RunShellScriptDocument),
		InstanceIds:    []string{instanceID},
		Parameters:     map[string][]string{"commands": cmds},
		TimeoutSeconds: aws.Int32(seconds),
		Comment:        aws.String(comment),
	}
	if outputBucket != "" {
		in.OutputS3BucketName = aws.String(outputBucket)
		in.OutputS3KeyPrefix = aws.String("ssm/" + instanceID)
	}

	out, err := client.SendCommand(ctx, in)
	if err != nil {
		if core.IsAPIError(err) {
			return nil, core.Rejected(op, instanceID, err)
		}
		return nil, fmt.Errorf("SendCommand(%s): %w", instanceID, err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return nil, fmt.Errorf("SendCommand(%s): response carried no command id", instanceID)
	}
	return &core.RemoteCommand{
		ID:             aws.ToString(out.Command.CommandId),
		InstanceID:     instanceID,
		Document:       RunShellScriptDocument,
		Commands:       cmds,
		TimeoutSeconds: seconds,
	}, nil
}
