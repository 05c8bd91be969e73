package forensics

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudir/cloudir/internal/core"
)

type fakeSSM struct {
	sent []*ssm.SendCommandInput
	err  error

	// statuses are returned by successive GetCommandInvocation calls; the
	// last one repeats.
	statuses []ssmtypes.CommandInvocationStatus
	stderr   string
	polls    int
}

func (f *fakeSSM) GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	f.polls++
	status := ssmtypes.CommandInvocationStatusSuccess
	if len(f.statuses) > 0 {
		status = f.statuses[min(f.polls, len(f.statuses))-1]
	}
	return &ssm.GetCommandInvocationOutput{
		CommandId:            in.CommandId,
		InstanceId:           in.InstanceId,
		Status:               status,
		StandardErrorContent: aws.String(f.stderr),
	}, nil
}

func (f *fakeSSM) SendCommand(ctx context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	f.sent = append(f.sent, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{
		CommandId:    aws.String("cmd-" + strings.Repeat("1", len(f.sent))),
		DocumentName: in.DocumentName,
	}}, nil
}

func TestDefaultArtifactsFixedSet(t *testing.T) {
	names := DefaultArtifacts().Names()
	require.Len(t, names, 15)

	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate artifact %s", n)
		seen[n] = true
	}
	for _, want := range []string{"syslog_copy.txt", "shadow_copy.txt", "ssh_keys.txt", "usr_bin_hashes.txt", "hostname.txt"} {
		assert.Contains(t, names, want)
	}
}

func TestExtractorCommandsBracketedByMount(t *testing.T) {
	all := DefaultArtifacts()
	for _, n := range []int{0, 1, 7, len(all)} {
		e := NewExtractor(&fakeSSM{}, all[:n], zerolog.Nop())
		cmds := e.Commands("")

		require.Len(t, cmds, n+2)
		assert.Contains(t, cmds[0], "mount -o ro /dev/sdf /mnt/forensic")
		assert.Equal(t, "umount /mnt/forensic", cmds[len(cmds)-1])
		assert.NoError(t, ValidateMountBracket(cmds), "artifacts=%d", n)
	}
}

func TestExtractorCommandsCustomDevice(t *testing.T) {
	e := NewExtractor(&fakeSSM{}, DefaultArtifacts(), zerolog.Nop())
	cmds := e.Commands("/dev/xvdg")
	assert.Contains(t, cmds[0], "/dev/xvdg")
}

func TestExtractorCommandsHavePlaceholderFallback(t *testing.T) {
	e := NewExtractor(&fakeSSM{}, DefaultArtifacts(), zerolog.Nop())
	cmds := e.Commands("")
	for i, a := range e.Artifacts() {
		cmd := cmds[i+1]
		assert.Contains(t, cmd, "> /tmp/"+a.Name)
		assert.Contains(t, cmd, Placeholder(a.Name))
	}
}

var (
	stagedRe   = regexp.MustCompile(`> (\S+) 2>/dev/null`)
	uploadedRe = regexp.MustCompile(`^aws s3 cp (\S+) `)
)

func TestExtractorAndUploaderAgreeOnFileNames(t *testing.T) {
	e := NewExtractor(&fakeSSM{}, DefaultArtifacts(), zerolog.Nop())
	u := NewUploader(&fakeSSM{}, e, zerolog.Nop())

	var staged, uploaded []string
	for _, c := range e.Commands("") {
		if m := stagedRe.FindStringSubmatch(c); m != nil {
			staged = append(staged, m[1])
		}
	}
	for _, c := range u.Commands("evidence-bucket", "i-0001") {
		if m := uploadedRe.FindStringSubmatch(c); m != nil {
			uploaded = append(uploaded, m[1])
		}
	}
	sort.Strings(staged)
	sort.Strings(uploaded)

	require.Len(t, staged, 15)
	assert.Equal(t, staged, uploaded)
}

func TestExtractorDispatch(t *testing.T) {
	fake := &fakeSSM{}
	e := NewExtractor(fake, DefaultArtifacts(), zerolog.Nop())

	cmd, err := e.Dispatch(context.Background(), "i-analysis", "")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, "i-analysis", cmd.InstanceID)
	assert.Equal(t, int32(180), cmd.TimeoutSeconds)

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, RunShellScriptDocument, aws.ToString(in.DocumentName))
	assert.Equal(t, []string{"i-analysis"}, in.InstanceIds)
	assert.Equal(t, int32(180), aws.ToInt32(in.TimeoutSeconds))
	assert.Len(t, in.Parameters["commands"], 17)
	assert.Nil(t, in.OutputS3BucketName)
}

func TestExtractorDispatchErrors(t *testing.T) {
	fake := &fakeSSM{}
	e := NewExtractor(fake, DefaultArtifacts(), zerolog.Nop())
	_, err := e.Dispatch(context.Background(), "", "")
	assert.ErrorIs(t, err, core.ErrMissingRequiredInput)
	assert.Empty(t, fake.sent)

	fake.err = &smithy.GenericAPIError{Code: "InvalidInstanceId", Message: "Instances not in a valid state for account"}
	_, err = e.Dispatch(context.Background(), "i-offline", "")
	assert.ErrorIs(t, err, core.ErrProviderRejected)
}

func TestExtractorWaitCommandPollsUntilSuccess(t *testing.T) {
	fake := &fakeSSM{statuses: []ssmtypes.CommandInvocationStatus{
		ssmtypes.CommandInvocationStatusPending,
		ssmtypes.CommandInvocationStatusInProgress,
		ssmtypes.CommandInvocationStatusSuccess,
	}}
	e := NewExtractor(fake, DefaultArtifacts(), zerolog.Nop())
	e.CommandWait = fastWait

	cmd, err := e.Dispatch(context.Background(), "i-analysis", "")
	require.NoError(t, err)
	require.NoError(t, e.WaitCommand(context.Background(), cmd))
	assert.Equal(t, 3, fake.polls)
}

func TestExtractorWaitCommandFailed(t *testing.T) {
	fake := &fakeSSM{
		statuses: []ssmtypes.CommandInvocationStatus{ssmtypes.CommandInvocationStatusInProgress, ssmtypes.CommandInvocationStatusFailed},
		stderr:   "mount: /mnt/forensic: wrong fs type\n",
	}
	e := NewExtractor(fake, DefaultArtifacts(), zerolog.Nop())
	e.CommandWait = fastWait

	err := e.WaitCommand(context.Background(), &core.RemoteCommand{ID: "cmd-1", InstanceID: "i-analysis"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderRejected)
	assert.Contains(t, err.Error(), "wrong fs type")
	assert.Equal(t, 2, fake.polls)
}

func TestExtractorWaitCommandTimeout(t *testing.T) {
	fake := &fakeSSM{statuses: []ssmtypes.CommandInvocationStatus{ssmtypes.CommandInvocationStatusInProgress}}
	e := NewExtractor(fake, DefaultArtifacts(), zerolog.Nop())
	e.CommandWait = WaitPolicy{Timeout: 20 * time.Millisecond, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	err := e.WaitCommand(context.Background(), &core.RemoteCommand{ID: "cmd-1", InstanceID: "i-analysis"})
	assert.ErrorIs(t, err, core.ErrProviderTimeout)
}

func TestUploaderDispatch(t *testing.T) {
	fake := &fakeSSM{}
	e := NewExtractor(&fakeSSM{}, DefaultArtifacts(), zerolog.Nop())
	u := NewUploader(fake, e, zerolog.Nop())

	cmd, err := u.Dispatch(context.Background(), "i-analysis", "evidence-bucket", "", "i-0001")
	require.NoError(t, err)
	assert.Equal(t, "evidence-bucket", cmd.Bucket)
	assert.Equal(t, "i-0001", cmd.KeyPrefix)
	assert.Equal(t, int32(120), cmd.TimeoutSeconds)

	cmds := fake.sent[0].Parameters["commands"]
	require.Len(t, cmds, 15)
	assert.Equal(t,
		"aws s3 cp /tmp/syslog_copy.txt s3://evidence-bucket/i-0001/syslog_copy.txt || echo 'cloudir: upload of syslog_copy.txt skipped'",
		cmds[0])

	_, err = u.Dispatch(context.Background(), "i-analysis", "", "", "")
	assert.ErrorIs(t, err, core.ErrMissingRequiredInput)
}

func TestResolvePrefix(t *testing.T) {
	assert.Equal(t, "case-42", ResolvePrefix("case-42", "i-0001"))
	assert.Equal(t, "i-0001", ResolvePrefix("", "i-0001"))
	assert.Equal(t, core.DefaultArtifactPrefix, ResolvePrefix("", ""))
	assert.Equal(t, "a/b/x.txt", ObjectKey("/a/b/", "x.txt"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/tmp/hosts.txt", shellQuote("/tmp/hosts.txt"))
	assert.Equal(t, "'/mnt/my disk'", shellQuote("/mnt/my disk"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestValidateScriptRejectsBrokenShell(t *testing.T) {
	assert.Error(t, ValidateScript([]string{"cat /etc/passwd > "}))
	assert.Error(t, ValidateScript(nil))
	assert.Error(t, ValidateMountBracket([]string{"cat /etc/hosts", "umount /mnt/forensic"}))
	assert.Error(t, ValidateMountBracket([]string{"mount /dev/sdf /mnt/forensic", "cat /etc/hosts"}))
}

func TestRehearseMissingShadowWritesPlaceholder(t *testing.T) {
	for _, bin := range []string{"cat", "mkdir"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}

	image := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(image, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(image, "etc", "passwd"), []byte("root:x:0:0:root:/root:/bin/bash\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(image, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o644))
	out := t.TempDir()

	e := NewExtractor(&fakeSSM{}, DefaultArtifacts(), zerolog.Nop())
	res, err := e.Rehearse(context.Background(), image, out, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode, "batch succeeds despite missing files")
	assert.Contains(t, res.Missing(), "shadow_copy.txt")
	assert.NotContains(t, res.Missing(), "passwd_copy.txt")
	assert.NotContains(t, res.Missing(), "hosts.txt")

	shadow, err := os.ReadFile(filepath.Join(out, "shadow_copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, Placeholder("shadow_copy.txt")+"\n", string(shadow))

	passwd, err := os.ReadFile(filepath.Join(out, "passwd_copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "root:x:0:0:root:/root:/bin/bash\n", string(passwd))
}
