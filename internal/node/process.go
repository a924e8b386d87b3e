package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juno-intents/signer-harness/internal/procio"
)

// ProcessSpec describes one backend process.
type ProcessSpec struct {
	Name string
	Bin  string
	Args []string
	Dir  string
	Env  []string
}

// Process is a launched backend process.
type Process interface {
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// Err is the exit status; valid after Exited is closed.
	Err() error
	// Stop terminates the process and waits for it. Safe to call repeatedly.
	Stop() error
}

type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher runs processes on the host, forwarding their output to the
// log line by line.
type ExecLauncher struct {
	Log       *slog.Logger
	StopGrace time.Duration
}

func (l ExecLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Bin) == "" {
		return nil, fmt.Errorf("%w: %s binary is required", ErrInvalidConfig, spec.Name)
	}
	log := l.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("process", spec.Name)
	grace := l.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	out := procio.NewLineLogger(log, "output")
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("node: start %s: %w", spec.Name, err)
	}
	log.Info("process started", "pid", cmd.Process.Pid)

	p := &execProcess{cmd: cmd, log: log, grace: grace, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	log     *slog.Logger
	grace   time.Duration
	exited  chan struct{}
	waitErr error

	once    sync.Once
	stopErr error
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Err() error {
	select {
	case <-p.exited:
		return cleanExit(p.waitErr)
	default:
		return nil
	}
}

func (p *execProcess) Stop() error {
	p.once.Do(func() {
		select {
		case <-p.exited:
			p.stopErr = cleanExit(p.waitErr)
			return
		default:
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.log.Warn("process ignored SIGTERM, killing", "grace", p.grace)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.stopErr = cleanExit(p.waitErr)
		p.log.Info("process stopped")
	})
	return p.stopErr
}

func cleanExit(err error) error {
	if err == nil {
		return nil
	}
	if procio.Signaled(err) {
		return nil
	}
	return fmt.Errorf("node: process exit: %w", err)
}
