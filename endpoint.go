//go:build unix

package subprocess

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type channelKind int

const (
	chanStdin channelKind = iota
	chanStdout
	chanStderr
)

func (c channelKind) String() string {
	switch c {
	case chanStdin:
		return "stdin"
	case chanStdout:
		return "stdout"
	case chanStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

type endpointMode int

const (
	modeInherit endpointMode = iota
	modePipe
	modeDiscard
	modeMergeStdout
	modeFD
	modeStream
)

// Endpoint describes how one of the child's standard channels is
// wired: inherited, piped, discarded, merged into stdout, a raw
// descriptor/file/path, or bridged to an in-process Stream. At most
// one wiring is active per spec; the zero value (via Inherit) leaves
// the channel attached to the parent's own descriptor.
//
// Endpoint values that allocate a resource (Pipe, Discard, ReadPath,
// WritePath, StreamEndpoint) do so at construction time, not at
// Spawn time, so construction errors surface immediately.
type Endpoint struct {
	mode   endpointMode
	fd     int
	file   *os.File // direct source/dest: raw fd/handle, discard file, or opened path
	owns   bool     // whether this Endpoint opened `file` itself
	stream Stream   // in-process stream to bridge (modeStream only)

	// pipe pair allocated for modePipe/modeStream; os.Pipe's read end
	// and write end are fixed regardless of which channel uses them,
	// so they're allocated once here and assigned to parent/child
	// roles later, based on the channel, in resolveEndpoint.
	pipeRead  *os.File
	pipeWrite *os.File
}

// Inherit leaves the channel attached to the parent's corresponding
// descriptor (os.Stdin/os.Stdout/os.Stderr).
func Inherit() *Endpoint { return &Endpoint{mode: modeInherit} }

// PipeEndpoint allocates a pipe pair; the parent keeps one end
// (exposed later via Process.Stdin/Stdout/Stderr) and the child
// receives the other.
func PipeEndpoint() (*Endpoint, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &OsError{Op: "pipe", Err: err}
	}
	return &Endpoint{mode: modePipe, pipeRead: r, pipeWrite: w}, nil
}

// Discard wires the channel to /dev/null.
func Discard() (*Endpoint, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, &OsError{Op: "open", Path1: os.DevNull, Err: err}
	}
	return &Endpoint{mode: modeDiscard, file: f, owns: true}, nil
}

// MergeStdout is valid only for the stderr channel; it makes stderr
// share stdout's underlying descriptor.
func MergeStdout() *Endpoint { return &Endpoint{mode: modeMergeStdout} }

// FD wires the channel directly to an existing descriptor. The
// descriptor is borrowed: Close on the resulting stream never closes
// it.
func FD(fd int) *Endpoint { return &Endpoint{mode: modeFD, fd: fd} }

// File wires the channel directly to an existing *os.File. Borrowed,
// like FD.
func File(f *os.File) *Endpoint { return &Endpoint{mode: modeFD, file: f} }

// ReadPath opens path for reading, for use as the stdin channel. The
// file must already exist.
func ReadPath(path string) (*Endpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &InvalidArgumentError{Field: "path", Msg: fmt.Sprintf("%s does not exist", path)}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &OsError{Op: "open", Path1: path, Err: err}
	}
	return &Endpoint{mode: modeFD, file: f, owns: true}, nil
}

// WritePath opens (creating/truncating) path for writing, for use as
// the stdout or stderr channel.
func WritePath(path string) (*Endpoint, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &OsError{Op: "open", Path1: path, Err: err}
	}
	return &Endpoint{mode: modeFD, file: f, owns: true}, nil
}

// StreamEndpoint bridges the channel to a caller-owned in-process
// Stream via an internally allocated pipe and a transfer worker. If s
// already exposes a kernel descriptor, that descriptor is duplicated
// rather than wrapped directly: os.NewFile attaches a close-on-GC
// finalizer to the *os.File it returns, and wrapping the caller's own
// fd in one would risk closing it out from under the caller once the
// wrapper is collected. The dup is ours, so it's marked owned and
// closed after fork like any other owned fd.
func StreamEndpoint(s Stream) (*Endpoint, error) {
	if fd := s.Fileno(); fd >= 0 {
		dup, err := unix.Dup(fd)
		if err != nil {
			return nil, &OsError{Op: "dup", Err: err}
		}
		return &Endpoint{mode: modeFD, file: os.NewFile(uintptr(dup), "stream"), owns: true}, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &OsError{Op: "pipe", Err: err}
	}
	return &Endpoint{mode: modeStream, stream: s, pipeRead: r, pipeWrite: w}, nil
}

// resolved is what Spawn needs for one channel: the file to give the
// child, the Stream handed back to the caller as a pipe accessor (only
// for modePipe), and the bridging worker (only for modeStream).
type resolved struct {
	childFile      *os.File
	parentStream   Stream
	worker         *worker
	closeAfterFork bool // whether Spawn should close childFile in the parent once started
}

func resolveEndpoint(e *Endpoint, ch channelKind, mergeSrc *os.File) (resolved, error) {
	if e == nil {
		e = Inherit()
	}
	switch e.mode {
	case modeInherit:
		return resolved{}, nil

	case modeFD:
		f := e.file
		if f == nil {
			f = os.NewFile(uintptr(e.fd), fmt.Sprintf("fd%d", e.fd))
		}
		return resolved{childFile: f, closeAfterFork: e.owns}, nil

	case modeDiscard:
		return resolved{childFile: e.file, closeAfterFork: true}, nil

	case modeMergeStdout:
		if ch != chanStderr {
			return resolved{}, &InvalidArgumentError{Field: ch.String(), Msg: "MergeStdout is only valid for stderr"}
		}
		if mergeSrc == nil {
			// Stdout was left at modeInherit, so there's no resolved
			// child file to share; the inherited target is the
			// parent's own stdout descriptor.
			return resolved{childFile: os.Stdout, closeAfterFork: false}, nil
		}
		return resolved{childFile: mergeSrc, closeAfterFork: false}, nil

	case modePipe:
		if ch == chanStdin {
			return resolved{childFile: e.pipeRead, parentStream: newFdStream(e.pipeWrite, true), closeAfterFork: true}, nil
		}
		return resolved{childFile: e.pipeWrite, parentStream: newFdStream(e.pipeRead, true), closeAfterFork: true}, nil

	case modeStream:
		if ch == chanStdin {
			w := newWorker(ch, e.stream, newFdStream(e.pipeWrite, true))
			return resolved{childFile: e.pipeRead, worker: w, closeAfterFork: true}, nil
		}
		w := newWorker(ch, newFdStream(e.pipeRead, true), e.stream)
		return resolved{childFile: e.pipeWrite, worker: w, closeAfterFork: true}, nil

	default:
		return resolved{}, &InvalidArgumentError{Field: ch.String(), Msg: "unknown endpoint mode"}
	}
}
