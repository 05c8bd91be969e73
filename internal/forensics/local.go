package forensics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// RehearsedArtifact is the outcome of one artifact in a local rehearsal.
type RehearsedArtifact struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Placeholder bool   `json:"placeholder"`
}

// Rehearsal is the result of running the extraction batch locally.
type Rehearsal struct {
	ExitCode  int                 `json:"exit_code"`
	Artifacts []RehearsedArtifact `json:"artifacts"`
}

// Missing returns the names of artifacts that ended up as placeholders.
func (r *Rehearsal) Missing() []string {
	var names []string
	for _, a := range r.Artifacts {
		if a.Placeholder {
			names = append(names, a.Name)
		}
	}
	return names
}

// Rehearse runs the extraction batch in-process against imageDir, a
// directory holding an already mounted or unpacked filesystem image, and
// stages the artifacts under outDir. mount and umount are no-ops; every
// other command runs as it would on the analysis host.
func (e *Extractor) Rehearse(ctx context.Context, imageDir, outDir string, stdout, stderr io.Writer) (*Rehearsal, error) {
	imageDir, err := filepath.Abs(imageDir)
	if err != nil {
		return nil, err
	}
	outDir, err = filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	local := *e
	local.MountPoint = imageDir
	local.OutputDir = outDir
	cmds := local.Commands("/dev/null")

	prog, err := syntax.NewParser().Parse(strings.NewReader(JoinScript(cmds)), "extract.sh")
	if err != nil {
		return nil, fmt.Errorf("parsing extraction batch: %w", err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	runner, err := interp.New(
		interp.StdIO(nil, stdout, stderr),
		interp.ExecHandlers(skipMounts),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.Dir(outDir),
	)
	if err != nil {
		return nil, err
	}

	res := &Rehearsal{ExitCode: exitCode(runner.Run(ctx, prog))}
	for _, a := range e.artifacts {
		p := local.OutputPath(a.Name)
		ra := RehearsedArtifact{Name: a.Name, Path: p, Placeholder: true}
		if data, err := os.ReadFile(p); err == nil {
			ra.Size = int64(len(data))
			ra.Placeholder = IsPlaceholder(data)
		}
		res.Artifacts = append(res.Artifacts, ra)
	}
	return res, nil
}

func skipMounts(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return nil
		}
		switch args[0] {
		case "mount", "umount":
			return nil
		}
		return next(ctx, args)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}
