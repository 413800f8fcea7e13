package worker

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/phase"
	"github.com/Iron-Ham/hive/internal/taskqueue"
	"github.com/Iron-Ham/hive/internal/testutil"
)

func implJob(taskID string) Job {
	return Job{
		WorkerID: "w1",
		Role:     RoleImplementation,
		Phase:    phase.ImplActive,
		Task:     &taskqueue.Task{ID: taskID, Subject: "do " + taskID, Attempts: 1},
	}
}

func TestCommandExecutor(t *testing.T) {
	testutil.SkipIfNoShell(t)

	tests := []struct {
		name        string
		script      string
		wantSuccess bool
		wantCost    float64
		wantTurns   int
		wantSummary string
		wantSig     string
	}{
		{
			name:        "success with result line",
			script:      `cat >/dev/null; echo working; echo '{"cost_usd":0.5,"num_turns":3,"summary":"done"}'`,
			wantSuccess: true,
			wantCost:    0.5,
			wantTurns:   3,
			wantSummary: "done",
		},
		{
			name:        "success without result line",
			script:      `echo "all good"`,
			wantSuccess: true,
			wantSummary: "all good",
		},
		{
			name:        "environment",
			script:      `echo "{\"summary\":\"$HIVE_TASK_ID/$HIVE_ROLE/$HIVE_READ_ONLY\"}"`,
			wantSuccess: true,
			wantSummary: "task-7/implementation/0",
		},
		{
			name:        "failure",
			script:      `echo "main.go:12: undefined: x" >&2; exit 2`,
			wantSummary: "main.go:12: undefined: x",
			wantSig:     "main.go:N: undefined: x",
		},
		{
			name:    "failure without stderr",
			script:  `exit 3`,
			wantSig: "exit status 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &CommandExecutor{Argv: []string{testutil.WriteScript(t, "agent.sh", tt.script)}}
			res, err := e.Execute(context.Background(), implJob("task-7"))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", res.Success, tt.wantSuccess)
			}
			if res.CostUSD != tt.wantCost || res.NumTurns != tt.wantTurns {
				t.Errorf("cost/turns = %v/%d, want %v/%d", res.CostUSD, res.NumTurns, tt.wantCost, tt.wantTurns)
			}
			if res.Summary != tt.wantSummary {
				t.Errorf("Summary = %q, want %q", res.Summary, tt.wantSummary)
			}
			if res.FailureSignature != tt.wantSig {
				t.Errorf("FailureSignature = %q, want %q", res.FailureSignature, tt.wantSig)
			}
		})
	}
}

func TestCommandExecutorGapTasks(t *testing.T) {
	testutil.SkipIfNoShell(t)

	script := `echo '{"summary":"found gaps","gap_tasks":[{"id":"gap-1","subject":"add tests"}]}'`
	e := &CommandExecutor{Argv: []string{testutil.WriteScript(t, "verify.sh", script)}}
	res, err := e.Execute(context.Background(), Job{WorkerID: "v1", Role: RoleVerifyFix, Phase: phase.VerifyFix})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.GapTasks) != 1 || res.GapTasks[0].ID != "gap-1" {
		t.Errorf("GapTasks = %+v, want gap-1", res.GapTasks)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	testutil.SkipIfNoShell(t)

	e := &CommandExecutor{
		Argv:    []string{testutil.WriteScript(t, "slow.sh", "exec sleep 5")},
		Timeout: 100 * time.Millisecond,
	}
	res, err := e.Execute(context.Background(), implJob("task-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success || res.FailureSignature != "timeout" {
		t.Errorf("result = %+v, want timeout failure", res)
	}
}

func TestCommandExecutorErrors(t *testing.T) {
	_, err := (&CommandExecutor{}).Execute(context.Background(), implJob("task-1"))
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unconfigured command error = %v, want ErrInvalidInput", err)
	}

	e := &CommandExecutor{Argv: []string{"/nonexistent/hive-agent"}}
	if _, err := e.Execute(context.Background(), implJob("task-1")); err == nil {
		t.Error("missing binary should be an error, not a failed result")
	}
}

func TestSignature(t *testing.T) {
	tests := []struct {
		stderr string
		code   int
		want   string
	}{
		{"", 1, "exit status 1"},
		{"first\nlast line 42\n\n", 1, "last line N"},
		{"error:\t  too   many\tspaces", 1, "error: too many spaces"},
	}
	for _, tt := range tests {
		if got := Signature(tt.stderr, tt.code); got != tt.want {
			t.Errorf("Signature(%q) = %q, want %q", tt.stderr, got, tt.want)
		}
	}
	if Signature("a.go:1: x", 1) != Signature("a.go:99: x", 2) {
		t.Error("signatures differing only in numbers should match")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 4, "abcd"},
		{"héllo", 2, "h"}, // é is two bytes; cutting at 2 would split it
		{"日本語", 4, "日"},   // three-byte runes
		{"日本語", 6, "日本"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
		}
	}
}
