// Package pushgate decides whether a session may finish: every local commit
// on the working branch must be present on its remote tracking branch.
//
// The check is read-only and idempotent. It never pushes on its own; the
// supervisor asks the git-coordinator worker to push and re-checks.
package pushgate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
)

// CommandExecutor abstracts command execution so tests can fake git.
type CommandExecutor interface {
	// Run executes a command in dir and returns its stdout.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns stdout. On failure stderr is folded
// into the error.
func (CLICommandExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Status is the outcome of a push check.
type Status string

const (
	StatusSatisfied Status = "satisfied"
	StatusBlocked   Status = "blocked"
)

// Result describes the branch state at the time of the check.
type Result struct {
	Status   Status
	Branch   string
	Upstream string
	Ahead    int
	Reason   string
}

// Satisfied reports whether the gate passes.
func (r Result) Satisfied() bool {
	return r.Status == StatusSatisfied
}

// Err returns a *errors.PushBlockedError for a blocked result, nil otherwise.
func (r Result) Err() error {
	if r.Satisfied() {
		return nil
	}
	return errors.NewPushBlockedError(r.Reason).WithBranch(r.Branch, r.Upstream, r.Ahead)
}

// Gate checks one working directory.
type Gate struct {
	dir      string
	executor CommandExecutor
	logger   *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithExecutor replaces the command executor.
func WithExecutor(e CommandExecutor) Option {
	return func(g *Gate) {
		if e != nil {
			g.executor = e
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns a Gate for the repository at dir.
func New(dir string, opts ...Option) *Gate {
	g := &Gate{dir: dir, executor: CLICommandExecutor{}, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dir returns the repository directory.
func (g *Gate) Dir() string {
	return g.dir
}

// CheckPushed inspects the current branch. Commits ahead of the upstream
// block the gate. A branch without upstream blocks only when it has commits
// that no remote branch contains.
func (g *Gate) CheckPushed(ctx context.Context) (Result, error) {
	branch, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve current branch")
	}
	res := Result{Branch: branch}

	upstream, err := g.git(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil {
		local, cerr := g.count(ctx, "rev-list", "--count", "HEAD", "--not", "--remotes")
		if cerr != nil {
			return Result{}, errors.Wrap(cerr, "count unpushed commits")
		}
		if local == 0 {
			res.Status = StatusSatisfied
			return res, nil
		}
		res.Status = StatusBlocked
		res.Ahead = local
		res.Reason = "no upstream"
		g.logger.Info("push gate blocked", "branch", branch, "reason", res.Reason, "ahead", local)
		return res, nil
	}
	res.Upstream = upstream

	ahead, err := g.count(ctx, "rev-list", "--count", "@{u}..HEAD")
	if err != nil {
		return Result{}, errors.Wrap(err, "count commits ahead of upstream")
	}
	res.Ahead = ahead
	if ahead > 0 {
		res.Status = StatusBlocked
		res.Reason = fmt.Sprintf("%d commit(s) not pushed to %s", ahead, upstream)
		g.logger.Info("push gate blocked", "branch", branch, "upstream", upstream, "ahead", ahead)
		return res, nil
	}
	res.Status = StatusSatisfied
	return res, nil
}

// Push pushes the current branch to origin, setting the upstream. Only the
// git-coordinator role calls this.
func (g *Gate) Push(ctx context.Context) error {
	if _, err := g.git(ctx, "push", "-u", "origin", "HEAD"); err != nil {
		return errors.Wrap(err, "push")
	}
	g.logger.Info("branch pushed", "dir", g.dir)
	return nil
}

func (g *Gate) git(ctx context.Context, args ...string) (string, error) {
	out, err := g.executor.Run(ctx, g.dir, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Gate) count(ctx context.Context, args ...string) (int, error) {
	out, err := g.git(ctx, args...)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}
