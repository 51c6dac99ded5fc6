package subprocess

import (
	"github.com/hashicorp/go-hclog"
)

type configField uint16

const (
	fieldArgs configField = 1 << iota
	fieldBufsize
	fieldStdin
	fieldStdout
	fieldStderr
	fieldPreExec
	fieldLogger
	fieldIsolateGroup
)

// Config is a builder-style spawn configuration: the argument vector,
// the three channel endpoints, a buffering hint, and a pre-exec hook.
// Supplying the same field twice via Option is a hard error, enforced
// by NewConfig.
type Config struct {
	args    []string
	bufsize int
	stdin   *Endpoint
	stdout  *Endpoint
	stderr  *Endpoint
	preExec func() error
	logger  hclog.Logger

	isolateGroup bool
	set          configField
}

// Option mutates a Config under construction; see Args, Bufsize,
// Stdin, Stdout, Stderr, PreExec, Logger, IsolateGroup.
type Option func(*Config) error

func duplicate(c *Config, f configField, name string) error {
	if c.set&f != 0 {
		return &InvalidArgumentError{Field: name, Msg: "duplicate assignment"}
	}
	c.set |= f
	return nil
}

// Args sets the argument vector; argv[0] is the executable path. Must
// be non-empty.
func Args(args ...string) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldArgs, "args"); err != nil {
			return err
		}
		if len(args) == 0 {
			return &InvalidArgumentError{Field: "args", Msg: "must be non-empty"}
		}
		c.args = args
		return nil
	}
}

// Bufsize sets the buffering hint applied to parent-side pipe ends:
// BufUnbuffered, BufLine, BufDefault, or any size > 1 for a fully
// buffered pipe of that size. Defaults to BufDefault.
func Bufsize(n int) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldBufsize, "bufsize"); err != nil {
			return err
		}
		c.bufsize = n
		return nil
	}
}

// Stdin sets the stdin endpoint. Defaults to Inherit.
func Stdin(e *Endpoint) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldStdin, "stdin"); err != nil {
			return err
		}
		if e != nil && e.mode == modeMergeStdout {
			return &InvalidArgumentError{Field: "stdin", Msg: "MergeStdout is only valid for stderr"}
		}
		c.stdin = e
		return nil
	}
}

// Stdout sets the stdout endpoint. Defaults to Inherit.
func Stdout(e *Endpoint) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldStdout, "stdout"); err != nil {
			return err
		}
		if e != nil && e.mode == modeMergeStdout {
			return &InvalidArgumentError{Field: "stdout", Msg: "MergeStdout is only valid for stderr"}
		}
		c.stdout = e
		return nil
	}
}

// Stderr sets the stderr endpoint. Defaults to Inherit. Accepts
// MergeStdout in addition to every option Stdin/Stdout accept.
func Stderr(e *Endpoint) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldStderr, "stderr"); err != nil {
			return err
		}
		c.stderr = e
		return nil
	}
}

// PreExec registers a hook intended to run between fork and exec.
//
// Deviation from spec: Go's os/exec gives no child-side hook point
// between fork and exec at all (syscall.ForkExec performs the dup2 and
// execve sequence internally in the runtime, in C, with no callback).
// This hook instead runs in the parent, immediately before Start, so
// it must not assume the fork-safety guarantees spec.md documents for
// a true pre-exec hook; it's provided for API parity (e.g. last-minute
// SysProcAttr tweaks) rather than for async-signal-safety-sensitive
// work.
func PreExec(f func() error) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldPreExec, "pre_exec"); err != nil {
			return err
		}
		c.preExec = f
		return nil
	}
}

// Logger supplies an hclog.Logger for internal diagnostics. Defaults
// to a null logger.
func Logger(l hclog.Logger) Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldLogger, "logger"); err != nil {
			return err
		}
		c.logger = l
		return nil
	}
}

// IsolateGroup puts the child in its own process group (setpgid) so
// Terminate/Kill can optionally target the whole group rather than
// only the direct child. Off by default, preserving plain single-PID
// signal delivery.
func IsolateGroup() Option {
	return func(c *Config) error {
		if err := duplicate(c, fieldIsolateGroup, "isolate_group"); err != nil {
			return err
		}
		c.isolateGroup = true
		return nil
	}
}

// NewConfig builds a Config from options, applying defaults for any
// field left unset and returning InvalidArgumentError for duplicate or
// missing-required fields.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{bufsize: int(BufDefault)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.set&fieldArgs == 0 {
		return nil, &InvalidArgumentError{Field: "args", Msg: "required"}
	}
	if c.stdin == nil {
		c.stdin = Inherit()
	}
	if c.stdout == nil {
		c.stdout = Inherit()
	}
	if c.stderr == nil {
		c.stderr = Inherit()
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	return c, nil
}
