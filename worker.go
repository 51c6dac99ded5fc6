//go:build unix

package subprocess

import (
	"errors"
	"io"
	"syscall"
)

// workerResult is the outcome of a transfer worker: the byte count
// bridged and any error, captured for the caller to inspect when the
// worker is joined at reap (spec §4.5/§7 propagation policy).
type workerResult struct {
	n   int64
	err error
}

// worker bridges one non-descriptor-backed pipe channel: for stdin it
// reads from the caller's in-process source and writes to the pipe
// feeding the child; for stdout/stderr it reads from the pipe fed by
// the child and writes to the caller's in-process sink. One worker per
// endpoint; workers are not shared.
type worker struct {
	ch      channelKind
	pipeEnd Stream // our own pipe end, owned, closed once the bridge finishes
	user    Stream // caller-supplied stream, borrowed
	done    chan workerResult
}

func newWorker(ch channelKind, a, b Stream) *worker {
	w := &worker{ch: ch, done: make(chan workerResult, 1)}
	if ch == chanStdin {
		w.user, w.pipeEnd = a, b
	} else {
		w.pipeEnd, w.user = a, b
	}
	return w
}

func (w *worker) start() {
	go func() {
		var n int64
		var err error
		if w.ch == chanStdin {
			n, err = bridge(w.user, w.pipeEnd)
		} else {
			n, err = bridge(w.pipeEnd, w.user)
		}
		// Closing our own pipe end signals EOF to the child (stdin)
		// or releases the read end now that the child is done writing
		// (stdout/stderr). The user-supplied stream is borrowed and is
		// never closed here.
		_ = w.pipeEnd.Close()
		w.done <- workerResult{n: n, err: err}
	}()
}

func (w *worker) join() (int64, error) {
	res := <-w.done
	return res.n, res.err
}

const bridgeChunk = 32 * 1024

// bridge reads all bytes from src and writes them to dst, returning
// the count transferred. A broken pipe on the write side is treated
// as end-of-stream, not an error, since it only ever happens after the
// reader side (typically the child) has already gone away.
func bridge(src, dst Stream) (int64, error) {
	var total int64
	for {
		chunk, err := src.Read(bridgeChunk)
		if len(chunk) > 0 {
			if _, werr := dst.Write(chunk); werr != nil {
				if isBrokenPipe(werr) {
					return total, nil
				}
				return total, werr
			}
			total += int64(len(chunk))
		}
		if err != nil {
			return total, err
		}
		if len(chunk) < bridgeChunk {
			return total, nil
		}
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}
