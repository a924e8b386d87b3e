package signer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juno-intents/signer-harness/internal/procio"
)

var ErrInvalidExecConfig = errors.New("signer: invalid exec spawner config")

const (
	defaultStopGrace    = 5 * time.Second
	defaultResultBuffer = 64
	maxResultLineBytes  = 1 << 20
)

type ExecOption func(*ExecSpawner) error

// WithArgs inserts fixed arguments between the binary and the run command.
func WithArgs(args ...string) ExecOption {
	return func(s *ExecSpawner) error {
		for i, arg := range args {
			if strings.TrimSpace(arg) == "" {
				return fmt.Errorf("%w: arg %d is blank", ErrInvalidExecConfig, i)
			}
		}
		s.args = append([]string(nil), args...)
		return nil
	}
}

// WithEnv adds KEY=VALUE pairs on top of the harness environment.
func WithEnv(env ...string) ExecOption {
	return func(s *ExecSpawner) error {
		s.env = append(s.env, env...)
		return nil
	}
}

func WithLogger(log *slog.Logger) ExecOption {
	return func(s *ExecSpawner) error {
		if log == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidExecConfig)
		}
		s.log = log
		return nil
	}
}

func WithStopGrace(d time.Duration) ExecOption {
	return func(s *ExecSpawner) error {
		if d <= 0 {
			return fmt.Errorf("%w: stop grace must be > 0", ErrInvalidExecConfig)
		}
		s.grace = d
		return nil
	}
}

func WithResultBuffer(n int) ExecOption {
	return func(s *ExecSpawner) error {
		if n <= 0 {
			return fmt.Errorf("%w: result buffer must be > 0", ErrInvalidExecConfig)
		}
		s.buffer = n
		return nil
	}
}

// ExecSpawner runs each signer as `{bin} [args...] run --config {path}`,
// reading result batches from its stdout.
type ExecSpawner struct {
	bin     string
	workDir string
	args    []string
	env     []string
	log     *slog.Logger
	grace   time.Duration
	buffer  int
}

func NewExecSpawner(bin, workDir string, opts ...ExecOption) (*ExecSpawner, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing signer binary", ErrInvalidExecConfig)
	}
	if strings.TrimSpace(workDir) == "" {
		return nil, fmt.Errorf("%w: missing work dir", ErrInvalidExecConfig)
	}
	s := &ExecSpawner{
		bin:     bin,
		workDir: workDir,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		grace:   defaultStopGrace,
		buffer:  defaultResultBuffer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ConfigPath is where the descriptor for cfg is written. Configs of one run
// share a directory named after the run stamp.
func (s *ExecSpawner) ConfigPath(cfg Config) (string, error) {
	port, err := cfg.Port()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.workDir, cfg.RunStamp, fmt.Sprintf("signer-%d.toml", port)), nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path, err := s.ConfigPath(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("signer: create config dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("signer: write config: %w", err)
	}

	args := append(append([]string(nil), s.args...), "run", "--config", path)
	// The process outlives ctx; its lifetime ends with Stop.
	cmd := exec.Command(s.bin, args...)
	cmd.Env = append(os.Environ(), s.env...)
	log := s.log.With("signer", cfg.Endpoint)
	cmd.Stderr = procio.NewLineLogger(log, "signer stderr")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("signer: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("signer: start %s: %w", cfg.Endpoint, err)
	}
	log.Info("signer started", "pid", cmd.Process.Pid, "config", path)

	h := &execHandle{
		cmd:     cmd,
		log:     log,
		grace:   s.grace,
		results: make(chan []Result, s.buffer),
		exited:  make(chan struct{}),
	}
	go h.run(stdout)
	return h, nil
}

type execHandle struct {
	cmd   *exec.Cmd
	log   *slog.Logger
	grace time.Duration

	results chan []Result
	exited  chan struct{}
	waitErr error

	stopOnce  sync.Once
	leftovers []Result
	stopErr   error
}

func (h *execHandle) Results() <-chan []Result { return h.results }

// run owns stdout until EOF, then reaps the process.
func (h *execHandle) run(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxResultLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			h.log.Debug("signer output", "line", string(line))
			continue
		}
		batch, err := DecodeResults(line)
		if err != nil {
			h.log.Warn("dropping malformed result line", "err", err)
			continue
		}
		h.results <- batch
	}
	if err := sc.Err(); err != nil {
		h.log.Warn("signer stdout read failed", "err", err)
	}
	close(h.results)
	h.waitErr = h.cmd.Wait()
	close(h.exited)
}

func (h *execHandle) Stop() ([]Result, error) {
	h.stopOnce.Do(func() {
		h.leftovers, h.stopErr = h.stop()
	})
	return h.leftovers, h.stopErr
}

func (h *execHandle) stop() ([]Result, error) {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = h.cmd.Process.Kill()
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()

	var leftovers []Result
	results := h.results
	for {
		select {
		case batch, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			leftovers = append(leftovers, batch...)
		case <-timer.C:
			h.log.Warn("signer did not exit after SIGTERM, killing", "grace", h.grace)
			_ = h.cmd.Process.Kill()
		case <-h.exited:
			if results != nil {
				for batch := range results {
					leftovers = append(leftovers, batch...)
				}
			}
			h.log.Info("signer stopped", "leftover_results", len(leftovers))
			return leftovers, exitError(h.waitErr)
		}
	}
}

// exitError treats termination by signal as a clean stop.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	if procio.Signaled(err) {
		return nil
	}
	return fmt.Errorf("signer: process exit: %w", err)
}
