//go:build unix

package subprocess

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Process is the live object returned by Spawn: it owns the child
// PID, the parent-side pipe endpoints, the background transfer
// workers, and, once reaped, the exit status and resource usage.
//
// State machine: Running (pid set, exit code unset) -> Terminated
// (exit code set, usage set, workers joined) on the first successful
// reap inside Poll/Wait/Communicate. There is no Detached state;
// dropping a Process while Running does not reap it.
type Process struct {
	mu sync.Mutex

	args []string
	cmd  *exec.Cmd
	pid  int

	exited   bool
	exitCode int
	usage    *ResourceUsage

	stdinWriter  Stream
	stdoutReader Stream
	stderrReader Stream

	workers []*worker

	isolateGroup bool
	logger       hclog.Logger
}

// Args returns the argument vector the process was spawned with.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// Pid returns the child's process ID. Stable for the life of the
// handle, even after termination (the kernel may reuse the PID once
// reaped, so callers must not use it to target signals once
// Terminated — Process itself already guards against that).
func (p *Process) Pid() int { return p.pid }

// ReturnCode returns the exit code observed at the last successful
// reap, and whether the process has been observed to terminate.
// Non-negative values are normal exit codes (0-255); negative values
// are -signal_number.
func (p *Process) ReturnCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Usage returns the resource-usage snapshot captured at reap, or nil
// if the process has not yet been observed to terminate.
func (p *Process) Usage() *ResourceUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// StdinPipe returns the parent-side write stream, if and only if
// stdin was configured via PipeEndpoint with no competing in-process
// source. Otherwise it returns nil.
func (p *Process) StdinPipe() Stream { return p.stdinWriter }

// StdoutPipe returns the parent-side read stream for stdout, under
// the same condition as StdinPipe.
func (p *Process) StdoutPipe() Stream { return p.stdoutReader }

// StderrPipe returns the parent-side read stream for stderr, under
// the same condition as StdinPipe.
func (p *Process) StderrPipe() Stream { return p.stderrReader }

// Spawn validates cfg, forks and execs the child, wires its three
// standard channels per the resolved endpoints, and starts one
// transfer worker per bridged in-process stream. See spec §4.4.
//
// Go's os/exec.Cmd stands in for a hand-rolled fork/dup2/execv
// sequence (the Go runtime does not support calling fork directly
// from a multithreaded process outside of the runtime's own
// syscall.StartProcess path): every child-side *os.File assigned to
// cmd.Stdin/Stdout/Stderr here is always a real descriptor (never a
// bare io.Reader/Writer), so exec.Cmd never spawns its own internal
// copy goroutines — all bridging is this package's own workers,
// exactly as spec'd.
func Spawn(cfg *Config) (*Process, error) {
	if cfg == nil {
		return nil, &InvalidArgumentError{Field: "config", Msg: "nil"}
	}

	logger := cfg.logger.Named("subprocess")

	// stdout must resolve before stderr so MergeStdout can borrow its
	// child file.
	stdoutRes, err := resolveEndpoint(cfg.stdout, chanStdout, nil)
	if err != nil {
		return nil, err
	}
	stderrRes, err := resolveEndpoint(cfg.stderr, chanStderr, stdoutRes.childFile)
	if err != nil {
		closeResolved(stdoutRes)
		return nil, err
	}
	stdinRes, err := resolveEndpoint(cfg.stdin, chanStdin, nil)
	if err != nil {
		closeResolved(stdoutRes)
		closeResolved(stderrRes)
		return nil, err
	}

	for _, r := range []resolved{stdinRes, stdoutRes, stderrRes} {
		if r.parentStream != nil {
			if fs, ok := r.parentStream.(*fdStream); ok {
				if err := fs.SetBufSize(cfg.bufsize); err != nil {
					closeResolved(stdinRes)
					closeResolved(stdoutRes)
					closeResolved(stderrRes)
					return nil, err
				}
			}
		}
	}

	cmd := exec.Command(cfg.args[0], cfg.args[1:]...)
	cmd.Stdin = chanFile(stdinRes.childFile, os.Stdin)
	cmd.Stdout = chanFile(stdoutRes.childFile, os.Stdout)
	cmd.Stderr = chanFile(stderrRes.childFile, os.Stderr)

	if cfg.isolateGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if cfg.preExec != nil {
		if err := cfg.preExec(); err != nil {
			closeResolved(stdinRes)
			closeResolved(stdoutRes)
			closeResolved(stderrRes)
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		closeResolved(stdinRes)
		closeResolved(stdoutRes)
		closeResolved(stderrRes)
		return nil, &OsError{Op: "fork", Err: err}
	}

	// Parent path: close the child-side ends we handed to the child,
	// deduplicating the stdout/stderr merge case, which shares one
	// *os.File.
	closedMerged := false
	for _, r := range []resolved{stdinRes, stdoutRes, stderrRes} {
		if !r.closeAfterFork || r.childFile == nil {
			continue
		}
		if r.childFile == stdoutRes.childFile && r.childFile == stderrRes.childFile {
			if closedMerged {
				continue
			}
			closedMerged = true
		}
		_ = r.childFile.Close()
	}

	p := &Process{
		args:         cfg.args,
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		stdinWriter:  stdinRes.parentStream,
		stdoutReader: stdoutRes.parentStream,
		stderrReader: stderrRes.parentStream,
		isolateGroup: cfg.isolateGroup,
		logger:       logger,
	}

	for _, r := range []resolved{stdinRes, stdoutRes, stderrRes} {
		if r.worker != nil {
			p.workers = append(p.workers, r.worker)
			r.worker.start()
		}
	}

	return p, nil
}

func chanFile(f *os.File, fallback *os.File) *os.File {
	if f != nil {
		return f
	}
	return fallback
}

func closeResolved(r resolved) {
	if r.closeAfterFork && r.childFile != nil {
		_ = r.childFile.Close()
	}
	if r.parentStream != nil {
		_ = r.parentStream.Close()
	}
}

// Poll performs a non-blocking check for termination. It never blocks
// beyond the time needed to join transfer workers that are already
// draining closed descriptors, which only happens the first time
// termination is observed.
func (p *Process) Poll() (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollLocked()
}

func (p *Process) pollLocked() (int, bool, error) {
	if p.exited {
		return p.exitCode, true, nil
	}

	var status syscall.WaitStatus
	var rusage syscall.Rusage
	wpid, err := syscall.Wait4(p.pid, &status, syscall.WNOHANG, &rusage)
	if err != nil {
		return 0, false, &OsError{Op: "wait4", Err: err}
	}
	if wpid == 0 {
		return 0, false, nil
	}

	code, err := exitCodeFromStatus(status)
	if err != nil {
		return 0, false, err
	}

	p.joinWorkersLocked()
	p.exitCode = code
	p.usage = newResourceUsage(&rusage, p.pid)
	p.exited = true
	return p.exitCode, true, nil
}

func (p *Process) joinWorkersLocked() {
	var merr *multierror.Error
	for _, w := range p.workers {
		if _, err := w.join(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		p.logger.Warn("transfer worker error", "error", merr.ErrorOrNil())
	}
}

func exitCodeFromStatus(status syscall.WaitStatus) (int, error) {
	switch {
	case status.Exited():
		return status.ExitStatus(), nil
	case status.Signaled():
		return -int(status.Signal()), nil
	default:
		return 0, &BadStatusError{Status: int(status)}
	}
}

const pollInterval = 20 * time.Millisecond

// Wait blocks until the child terminates or timeoutSeconds elapses.
// A negative timeout waits forever; zero polls exactly once.
func (p *Process) Wait(timeoutSeconds float64) (int, error) {
	if timeoutSeconds < 0 {
		for {
			code, done, err := p.Poll()
			if err != nil {
				return 0, err
			}
			if done {
				return code, nil
			}
			time.Sleep(pollInterval)
		}
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeoutSeconds * float64(time.Second)))
	for {
		code, done, err := p.Poll()
		if err != nil {
			return 0, err
		}
		if done {
			return code, nil
		}
		if !time.Now().Before(deadline) {
			return 0, &TimeoutExpired{Elapsed: time.Since(start)}
		}
		time.Sleep(pollInterval)
	}
}

// Communicate writes input to stdin (if stdin is pipe-based), closes
// it to signal end-of-input, waits for termination, and reads stdout
// and stderr to end-of-input if they are pipe-based and open. This
// ordering — close stdin, then read — is mandatory: it prevents the
// canonical deadlock where both sides block on full pipe buffers.
func (p *Process) Communicate(input []byte, timeoutSeconds float64) ([]byte, []byte, error) {
	p.mu.Lock()
	stdin := p.stdinWriter
	stdout := p.stdoutReader
	stderr := p.stderrReader
	p.mu.Unlock()

	if stdin == nil {
		return nil, nil, &InvalidArgumentError{Field: "stdin", Msg: "communicate requires a pipe-based stdin endpoint"}
	}

	if _, err := stdin.Write(input); err != nil {
		if !isBrokenPipe(err) {
			return nil, nil, err
		}
	}
	if err := stdin.Close(); err != nil {
		return nil, nil, err
	}

	if _, err := p.Wait(timeoutSeconds); err != nil {
		return nil, nil, err
	}

	var outBuf, errBuf []byte
	var err error
	if stdout != nil && stdout.IsOpen() {
		outBuf, err = stdout.ReadAll()
		if err != nil {
			return nil, nil, err
		}
	}
	if stderr != nil && stderr.IsOpen() {
		errBuf, err = stderr.ReadAll()
		if err != nil {
			return outBuf, nil, err
		}
	}

	return outBuf, errBuf, nil
}

// SendSignal delivers sig to the child, or to its whole process group
// if the Process was spawned with IsolateGroup. A no-op, never an
// error, if the process has already been observed to terminate (the
// PID may have been reused by the kernel).
func (p *Process) SendSignal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}

	target := p.pid
	if p.isolateGroup {
		target = -p.pid
	}
	if err := syscall.Kill(target, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return &OsError{Op: "kill", Err: err}
	}
	return nil
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error { return p.SendSignal(syscall.SIGTERM) }

// Kill sends SIGKILL.
func (p *Process) Kill() error { return p.SendSignal(syscall.SIGKILL) }

func (p *Process) String() string {
	return fmt.Sprintf("subprocess.Process{pid=%d args=%v}", p.pid, p.args)
}
