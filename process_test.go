//go:build unix

package subprocess

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawn_ExitCodeZero(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-return=0", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	code, err := p.Wait(-1)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	got, exited := p.ReturnCode()
	require.True(t, exited)
	require.Equal(t, 0, got)
}

func TestSpawn_CustomExitCode(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-return=42", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	code, err := p.Wait(-1)
	require.NoError(t, err)
	require.Equal(t, 42, code)
}

func TestSpawn_SignalYieldsNegativeExitCode(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-delay=5000", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	require.NoError(t, p.Terminate())

	code, err := p.Wait(5)
	require.NoError(t, err)
	require.Equal(t, -int(syscall.SIGTERM), code)
}

func TestSpawn_PollNonBlockingWhileRunning(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-delay=2000", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	_, done, err := p.Poll()
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, p.Kill())
	_, err = p.Wait(5)
	require.NoError(t, err)
}

func TestWait_TimeoutLeavesProcessRunning(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-delay=2000", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	_, err = p.Wait(0.05)
	require.Error(t, err)

	var timeout *TimeoutExpired
	require.ErrorAs(t, err, &timeout)

	_, exited := p.ReturnCode()
	require.False(t, exited)

	require.NoError(t, p.Kill())
	_, err = p.Wait(5)
	require.NoError(t, err)
}

func TestCommunicate_EchoesStdinToStdout(t *testing.T) {
	stdinEp, err := PipeEndpoint()
	require.NoError(t, err)
	stdoutEp, err := PipeEndpoint()
	require.NoError(t, err)

	cfg, err := NewConfig(
		Args(helperBin, "-io=echo"),
		Stdin(stdinEp),
		Stdout(stdoutEp),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	out, errOut, err := p.Communicate([]byte("round trip payload"), 5)
	require.NoError(t, err)
	require.Equal(t, "round trip payload", string(out))
	require.Empty(t, errOut)

	code, exited := p.ReturnCode()
	require.True(t, exited)
	require.Equal(t, 0, code)
}

func TestCommunicate_EmptyInputStillClosesStdin(t *testing.T) {
	stdinEp, err := PipeEndpoint()
	require.NoError(t, err)
	stdoutEp, err := PipeEndpoint()
	require.NoError(t, err)

	cfg, err := NewConfig(
		Args(helperBin, "-io=echo"),
		Stdin(stdinEp),
		Stdout(stdoutEp),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	out, _, err := p.Communicate(nil, 5)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCommunicate_RequiresPipeStdin(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)
	defer p.Wait(-1)

	_, _, err = p.Communicate([]byte("x"), 5)
	require.Error(t, err)

	var invalid *InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestSpawn_FilePathStdinAndStdout(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.txt")
	outPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(inPath, []byte("file-to-file payload"), 0o644))

	stdinEp, err := ReadPath(inPath)
	require.NoError(t, err)
	stdoutEp, err := WritePath(outPath)
	require.NoError(t, err)

	cfg, err := NewConfig(
		Args(helperBin, "-io=echo"),
		Stdin(stdinEp),
		Stdout(stdoutEp),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	code, err := p.Wait(5)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "file-to-file payload", string(got))
}

func TestSpawn_InProcessStreamRoundTrip(t *testing.T) {
	input := make([]byte, 256*1024)
	for i := range input {
		input[i] = byte(i % 251)
	}

	src := NewInStream(bytes.NewReader(input))
	var collected bytes.Buffer
	sink := NewOutStream(&collected)

	stdinEp, err := StreamEndpoint(src)
	require.NoError(t, err)
	stdoutEp, err := StreamEndpoint(sink)
	require.NoError(t, err)

	cfg, err := NewConfig(
		Args(helperBin, "-io=echo"),
		Stdin(stdinEp),
		Stdout(stdoutEp),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	code, err := p.Wait(10)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, input, collected.Bytes())
}

func TestSpawn_MergeStdoutWithDefaultInheritedStdout(t *testing.T) {
	// Stdout is left at its Inherit default; Stderr(MergeStdout())
	// must still resolve by falling back to the parent's own stdout
	// descriptor, rather than erroring because there's no piped
	// stdout endpoint to share.
	cfg, err := NewConfig(
		Args(helperBin, "-return=0", "-io=disable"),
		Stderr(MergeStdout()),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)
	require.Nil(t, p.StdoutPipe())
	require.Nil(t, p.StderrPipe())

	code, err := p.Wait(5)
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestSpawn_MergeStdoutIntoStderr(t *testing.T) {
	stdinEp, err := Discard()
	require.NoError(t, err)
	stdoutEp, err := PipeEndpoint()
	require.NoError(t, err)

	cfg, err := NewConfig(
		Args(helperBin, "-io=echo"),
		Stdin(stdinEp),
		Stdout(stdoutEp),
		Stderr(MergeStdout()),
	)
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)
	require.Nil(t, p.StderrPipe())

	_, _, err = p.Communicate(nil, 5)
	require.Error(t, err) // stdin was not piped here, so Communicate refuses

	_, err = p.Wait(5)
	require.NoError(t, err)
}

func TestSendSignal_NoopAfterExit(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-return=0", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	_, err = p.Wait(5)
	require.NoError(t, err)

	require.NoError(t, p.Terminate())
	require.NoError(t, p.Kill())
}

func TestUsage_PopulatedAfterReap(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-return=0", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)

	require.Nil(t, p.Usage())

	_, err = p.Wait(5)
	require.NoError(t, err)

	usage := p.Usage()
	require.NotNil(t, usage)
	require.GreaterOrEqual(t, usage.UserTime, time.Duration(0))
}

func TestListChildren_IncludesOwnPid(t *testing.T) {
	cfg, err := NewConfig(Args(helperBin, "-return=0", "-io=disable"))
	require.NoError(t, err)

	p, err := Spawn(cfg)
	require.NoError(t, err)
	defer p.Wait(5)

	children := p.ListChildren()
	require.True(t, children.Contains(p.Pid()))
}
