// Package job runs a single attempt of one test at one revision: it checks
// out the leased worktree, builds the environment, launches the command in
// its own process group, captures the standard streams, and supervises the
// child until exit or cancellation.
package job

import (
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

	"github.com/oklog/ulid/v2"

	"github.com/cip999/limmat/internal/config"
	"github.com/cip999/limmat/internal/outcome"
	"github.com/cip999/limmat/internal/resource"
	"github.com/cip999/limmat/internal/worktree"
)

// Shell is the fixed shell for string commands. Non-login, non-interactive,
// so user dotfiles are never sourced into test runs.
const Shell = "bash"

type Request struct {
	Test     *config.Test
	Revision string

	// Origin is the main repository root (exported as LIMMAT_ORIGIN).
	Origin string

	// Worktree is the leased working directory, nil when the test declares
	// needs_worktree false (the job then runs in Origin). The job performs
	// the checkout; the scheduler only reserved the slot.
	Worktree *worktree.Lease

	Resources *resource.Lease

	// CaptureDir receives the stdout/stderr capture files. Ignored when
	// Stdout/Stderr are set (interactive mode, used by `limmat test`).
	CaptureDir string
	Stdout     io.Writer
	Stderr     io.Writer
}

type Result struct {
	Outcome    outcome.Outcome
	StdoutPath string
	StderrPath string
	Duration   time.Duration
}

// Job is the mutable handle for one running attempt. The supervising
// goroutine delivers exactly one Result on Done; leases are released by the
// scheduler after that delivery, never before, so a successor cannot inherit
// a worktree whose occupant is still dying.
type Job struct {
	id     string
	req    Request
	logger *slog.Logger

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan Result
}

func Start(req Request, logger *slog.Logger) *Job {
	j := &Job{
		id:  ulid.Make().String(),
		req: req,
		logger: logger.With(
			slog.String("component", "job"),
			slog.String("test", req.Test.Name),
			slog.String("revision", shortRev(req.Revision)),
		),
		cancelCh: make(chan struct{}),
		done:     make(chan Result, 1),
	}
	go j.run()
	return j
}

func (j *Job) ID() string { return j.id }

// Done delivers the single terminal result of this attempt.
func (j *Job) Done() <-chan Result { return j.done }

// Cancel requests cooperative shutdown: SIGTERM to the process group, then
// SIGKILL after the test's shutdown grace period. Idempotent.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

func (j *Job) run() {
	start := time.Now()
	res := j.execute()
	res.Duration = time.Since(start)
	j.done <- res
}

func (j *Job) execute() Result {
	dir := j.req.Origin
	if j.req.Worktree != nil {
		dir = j.req.Worktree.Dir()
		if err := j.req.Worktree.Checkout(j.req.Revision); err != nil {
			j.logger.Warn("worktree checkout failed", slog.Any("error", err))
			return Result{Outcome: outcome.Errorf("checkout %s: %v", shortRev(j.req.Revision), err)}
		}
	}

	// Cancellation may have arrived while the checkout ran.
	select {
	case <-j.cancelCh:
		return Result{Outcome: outcome.Errorf("canceled before start")}
	default:
	}

	var cmd *exec.Cmd
	if j.req.Test.Command.IsShell() {
		cmd = exec.Command(Shell, "-c", j.req.Test.Command.Shell)
	} else {
		argv := j.req.Test.Command.Argv
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = dir
	cmd.Env = j.buildEnv()
	// Tests don't get a stdin; an interactive read should fail fast rather
	// than stall the grid.
	cmd.Stdin = strings.NewReader("")
	// The whole process group is the cancellation unit, so shell-wrapped
	// commands that fork are torn down without their cooperation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutPath, stderrPath string
	if j.req.Stdout != nil {
		cmd.Stdout = j.req.Stdout
		cmd.Stderr = j.req.Stderr
	} else {
		stdoutFile, stderrFile, err := j.createCaptures()
		if err != nil {
			return Result{Outcome: outcome.Errorf("create capture files: %v", err)}
		}
		defer func() { _ = stdoutFile.Close(); _ = stderrFile.Close() }()
		cmd.Stdout = stdoutFile
		cmd.Stderr = stderrFile
		stdoutPath = stdoutFile.Name()
		stderrPath = stderrFile.Name()
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: outcome.Errorf("spawn: %v", err)}
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan struct{})
	canceled := make(chan bool, 1)
	go j.supervise(pgid, waitDone, canceled)

	err := cmd.Wait()
	close(waitDone)

	res := Result{StdoutPath: stdoutPath, StderrPath: stderrPath}
	if <-canceled {
		res.Outcome = outcome.Errorf("canceled")
		return res
	}
	res.Outcome = classify(err)
	return res
}

// supervise waits for either child exit or a cancellation request. On
// cancellation it signals the process group and escalates to SIGKILL when the
// grace period expires without an exit. Reports on canceled whether a
// cancellation was delivered.
func (j *Job) supervise(pgid int, waitDone <-chan struct{}, canceled chan<- bool) {
	select {
	case <-waitDone:
		canceled <- false
		return
	case <-j.cancelCh:
	}

	grace := j.req.Test.ShutdownGracePeriod()
	j.logger.Info("terminating job", slog.Duration("grace", grace))
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		j.logger.Warn("signal process group", slog.Any("error", err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitDone:
	case <-timer.C:
		j.logger.Warn("grace period expired, killing process group")
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			j.logger.Warn("kill process group", slog.Any("error", err))
		}
		<-waitDone
	}
	canceled <- true
}

func (j *Job) createCaptures() (*os.File, *os.File, error) {
	if err := os.MkdirAll(j.req.CaptureDir, 0o755); err != nil {
		return nil, nil, err
	}
	stdoutFile, err := os.Create(filepath.Join(j.req.CaptureDir, j.id+".stdout"))
	if err != nil {
		return nil, nil, err
	}
	stderrFile, err := os.Create(filepath.Join(j.req.CaptureDir, j.id+".stderr"))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, nil, err
	}
	return stdoutFile, stderrFile, nil
}

// buildEnv extends the inherited environment with the limmat contract:
// LIMMAT_ORIGIN, LIMMAT_COMMIT and one LIMMAT_RESOURCE_<name>_<i> per granted
// token, plus the unsuffixed alias for single grants.
func (j *Job) buildEnv() []string {
	env := os.Environ()
	env = append(env,
		"LIMMAT_ORIGIN="+j.req.Origin,
		"LIMMAT_COMMIT="+j.req.Revision,
	)
	if j.req.Resources != nil {
		for name, tokens := range j.req.Resources.Granted() {
			for i, tok := range tokens {
				env = append(env, fmt.Sprintf("LIMMAT_RESOURCE_%s_%d=%s", envName(name), i, tok))
			}
			if len(tokens) == 1 {
				env = append(env, fmt.Sprintf("LIMMAT_RESOURCE_%s=%s", envName(name), tokens[0]))
			}
		}
	}
	return env
}

// envName maps a resource name onto the environment-variable charset.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func classify(err error) outcome.Outcome {
	if err == nil {
		return outcome.Success()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return outcome.Errorf("terminated by signal %s", ws.Signal())
		}
		return outcome.Failure(exitErr.ExitCode())
	}
	return outcome.Errorf("wait: %v", err)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
