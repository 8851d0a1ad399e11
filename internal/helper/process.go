package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/pkg/log"
)

const (
	// DefaultPrefix is prepended to bare helper names before looking them up
	// on PATH, so "store" runs git-credential-store.
	DefaultPrefix = "git-credential-"
	// DefaultTimeout bounds a single helper invocation.
	DefaultTimeout = 30 * time.Second

	maxStderr = 4096
	// shellNotFound is the exit status sh uses for a command it cannot find.
	shellNotFound = 127
)

// ProcessInvoker runs helpers as child processes.
type ProcessInvoker struct {
	prefix  string
	shell   string
	timeout time.Duration
	env     []string
	logger  log.Logger
}

// ProcessOption configures a ProcessInvoker.
type ProcessOption func(*ProcessInvoker)

// WithPrefix sets the prefix used to resolve bare helper names.
func WithPrefix(prefix string) ProcessOption {
	return func(p *ProcessInvoker) { p.prefix = prefix }
}

// WithShell sets the shell used for "!" helpers.
func WithShell(shell string) ProcessOption {
	return func(p *ProcessInvoker) { p.shell = shell }
}

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(d time.Duration) ProcessOption {
	return func(p *ProcessInvoker) { p.timeout = d }
}

// WithEnv appends environment variables for every helper process.
func WithEnv(env ...string) ProcessOption {
	return func(p *ProcessInvoker) { p.env = append(p.env, env...) }
}

// NewProcessInvoker creates an invoker that spawns helper processes.
func NewProcessInvoker(logger log.Logger, opts ...ProcessOption) *ProcessInvoker {
	p := &ProcessInvoker{
		prefix:  DefaultPrefix,
		shell:   "sh",
		timeout: DefaultTimeout,
		logger:  logger.With("component", "helper"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke runs the helper described by cfg for op. The process, its pipes and
// any buffered copies of the password are released before Invoke returns.
func (p *ProcessInvoker) Invoke(ctx context.Context, cfg Config, op Operation, rec *credential.Record) (*Response, error) {
	name := cfg.DisplayName()
	if !op.Valid() {
		return nil, fmt.Errorf("invalid helper operation %q", op)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var request bytes.Buffer
	if err := Encode(&request, rec, op); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			perr.Helper = name
		}
		return nil, err
	}
	payload := request.Bytes()
	defer clear(payload)

	cmd, shellForm, err := p.command(ctx, cfg, op)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	defer func() { clear(stdout.Bytes()) }()

	cmd.Stdin = &request
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxStderr}
	cmd.WaitDelay = time.Second
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	p.logger.Debug().
		Str("helper", name).
		Str("operation", string(op)).
		Msg("Running credential helper")

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		return nil, p.classify(ctx, name, op, cmd.Path, shellForm, runErr, stderr.String())
	}

	resp := &Response{Duration: duration}
	if op != OpGet {
		return resp, nil
	}

	answer, err := Decode(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			perr.Helper = name
		}
		return nil, err
	}
	defer answer.Record.Clear()

	resp.Filled = filledBy(rec, answer.Record)
	resp.Quit = answer.Quit
	rec.Merge(answer.Record)

	if stderr.Len() > 0 {
		p.logger.Debug().Str("helper", name).Str("stderr", stderr.String()).Msg("Credential helper wrote to stderr")
	}

	return resp, nil
}

// command builds the exec.Cmd for cfg following the git helper convention.
func (p *ProcessInvoker) command(ctx context.Context, cfg Config, op Operation) (*exec.Cmd, bool, error) {
	name := cfg.DisplayName()
	line := strings.TrimSpace(cfg.Command)
	if line == "" {
		line = strings.TrimSpace(cfg.Name)
	}
	if line == "" {
		return nil, false, &NotFoundError{Helper: name, Err: errors.New("empty helper command")}
	}

	if strings.HasPrefix(line, "!") {
		script := strings.TrimSpace(line[1:])
		// "$@" carries the operation into the snippet; $0 is the snippet itself.
		cmd := exec.CommandContext(ctx, p.shell, "-c", script+` "$@"`, script, string(op))
		return cmd, true, nil
	}

	args := parseCommand(line)
	if len(args) == 0 {
		return nil, false, &NotFoundError{Helper: name, Err: errors.New("empty helper command")}
	}

	path := args[0]
	if strings.ContainsRune(path, filepath.Separator) || filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, false, &NotFoundError{Helper: name, Path: path, Err: err}
		}
	} else {
		resolved, err := exec.LookPath(p.prefix + path)
		if err != nil {
			return nil, false, &NotFoundError{Helper: name, Path: p.prefix + path, Err: err}
		}
		path = resolved
	}

	argv := append(args[1:len(args):len(args)], string(op))
	return exec.CommandContext(ctx, path, argv...), false, nil
}

// classify maps a failed run onto the helper error taxonomy.
func (p *ProcessInvoker) classify(ctx context.Context, name string, op Operation, path string, shellForm bool, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ExecutionError{Helper: name, Op: op, Err: ctxErr, Stderr: stderr}
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{Helper: name, Path: path, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if shellForm && code == shellNotFound {
			return &NotFoundError{Helper: name, Err: err}
		}
		return &ExecutionError{Helper: name, Op: op, ExitCode: code, Stderr: stderr, Err: err}
	}

	return &ExecutionError{Helper: name, Op: op, Stderr: stderr, Err: err}
}

// filledBy returns the fields answer would fill on rec.
func filledBy(rec, answer *credential.Record) []string {
	var filled []string
	if rec.Protocol == "" && answer.Protocol != "" {
		filled = append(filled, "protocol")
	}
	if rec.Host == "" && answer.Host != "" {
		filled = append(filled, "host")
	}
	if rec.Path == "" && answer.Path != "" {
		filled = append(filled, "path")
	}
	if rec.Username == "" && answer.Username != "" {
		filled = append(filled, "username")
	}
	if !rec.HasPassword() && answer.HasPassword() {
		filled = append(filled, "password")
	}
	return filled
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(b []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(b) > room {
			l.buf.Write(b[:room])
		} else {
			l.buf.Write(b)
		}
	}
	return len(b), nil
}

// parseCommand splits a command string into arguments.
// Handles basic quoting.
func parseCommand(command string) []string {
	var args []string
	var current strings.Builder
	var inQuote bool
	var quoteChar rune

	for _, r := range command {
		switch {
		case inQuote:
			if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			inQuote = true
			quoteChar = r
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	return args
}
