package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/taskqueue"
)

// Job is one unit of work handed to an Executor. Task is nil for roles that
// run once instead of claiming tasks.
type Job struct {
	WorkerID  string          `json:"worker_id"`
	Role      Role            `json:"role"`
	Phase     phase.Phase     `json:"phase"`
	ModelTier string          `json:"model_tier,omitempty"`
	ReadOnly  bool            `json:"read_only"`
	Task      *taskqueue.Task `json:"task,omitempty"`
}

// Result is the outcome of a Job.
type Result struct {
	Success  bool
	Summary  string
	CostUSD  float64
	NumTurns int
	GapTasks []taskqueue.NewTask
	// FailureSignature identifies the failure for stuck detection. Two
	// failures with the same signature are treated as the same failure.
	FailureSignature string
}

// Executor performs jobs. A returned error means the job could not be run
// at all; a job that ran and failed returns a Result with Success false.
type Executor interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job Job) (Result, error) {
	return f(ctx, job)
}

// CommandExecutor runs an external command per job. The job is written to
// stdin as JSON and described in HIVE_* environment variables. Exit status
// 0 means success. If the last line of stdout is a JSON object it is read
// as {"cost_usd", "num_turns", "summary", "gap_tasks"}.
type CommandExecutor struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// commandResult is the optional trailing stdout line.
type commandResult struct {
	CostUSD  float64             `json:"cost_usd"`
	NumTurns int                 `json:"num_turns"`
	Summary  string              `json:"summary"`
	GapTasks []taskqueue.NewTask `json:"gap_tasks"`
}

// Execute runs the command for job.
func (e *CommandExecutor) Execute(ctx context.Context, job Job) (Result, error) {
	if len(e.Argv) == 0 || e.Argv[0] == "" {
		return Result{}, errors.NewValidationError("worker command is not configured").WithField("worker.command")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(job)
	if err != nil {
		return Result{}, fmt.Errorf("marshal job: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(append(os.Environ(), e.Env...), jobEnv(job)...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := parseStdout(stdout.Bytes())

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Success = true
	case errors.As(runErr, &exitErr):
		res.Success = false
		res.FailureSignature = Signature(stderr.String(), exitErr.ExitCode())
		if ctx.Err() == context.DeadlineExceeded {
			res.FailureSignature = "timeout"
		}
		if res.Summary == "" {
			res.Summary = lastLine(stderr.String())
		}
	default:
		return Result{}, fmt.Errorf("run %s: %w", e.Argv[0], runErr)
	}
	return res, nil
}

func jobEnv(job Job) []string {
	env := []string{
		"HIVE_WORKER_ID=" + job.WorkerID,
		"HIVE_ROLE=" + string(job.Role),
		"HIVE_PHASE=" + string(job.Phase),
		"HIVE_MODEL_TIER=" + job.ModelTier,
		"HIVE_READ_ONLY=" + boolEnv(job.ReadOnly),
	}
	if job.Task != nil {
		env = append(env,
			"HIVE_TASK_ID="+job.Task.ID,
			"HIVE_TASK_SUBJECT="+job.Task.Subject,
			"HIVE_TASK_ATTEMPTS="+strconv.Itoa(job.Task.Attempts),
		)
	}
	return env
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseStdout(out []byte) Result {
	line := lastLine(string(out))
	var res Result
	if strings.HasPrefix(line, "{") {
		var cr commandResult
		if json.Unmarshal([]byte(line), &cr) == nil {
			res.CostUSD = max(cr.CostUSD, 0)
			res.NumTurns = cr.NumTurns
			res.Summary = cr.Summary
			res.GapTasks = cr.GapTasks
			return res
		}
	}
	res.Summary = truncate(line, 200)
	return res
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

var (
	digitRun   = regexp.MustCompile(`\d+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Signature normalizes a failure into a comparable string: the last stderr
// line with numbers masked, so "foo.go:12: undefined x" and
// "foo.go:14: undefined x" count as the same failure. Empty stderr falls
// back to the exit code.
func Signature(stderr string, exitCode int) string {
	line := lastLine(stderr)
	if line == "" {
		return "exit status " + strconv.Itoa(exitCode)
	}
	line = digitRun.ReplaceAllString(line, "N")
	line = whitespace.ReplaceAllString(line, " ")
	return truncate(line, 200)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
