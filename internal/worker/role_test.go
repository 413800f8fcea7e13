package worker

import (
	"testing"

	"github.com/Iron-Ham/hive/internal/phase"
)

func TestRoleFor(t *testing.T) {
	tests := []struct {
		phase phase.Phase
		want  Role
		ok    bool
	}{
		{phase.ImplActive, RoleImplementation, true},
		{phase.VerifyFix, RoleVerifyFix, true},
		{phase.Review, RoleReview, true},
		{phase.Shutdown, RoleGitCoordinator, true},
		{phase.RetryCheck, "", false},
		{phase.Done, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			got, ok := RoleFor(tt.phase)
			if got != tt.want || ok != tt.ok {
				t.Errorf("RoleFor(%s) = %q, %v; want %q, %v", tt.phase, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range Roles() {
		got, err := ParseRole(r.String())
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %q, %v", r, got, err)
		}
	}
	if _, err := ParseRole("janitor"); err == nil {
		t.Error("ParseRole(janitor) should fail")
	}
}

func TestBehavior(t *testing.T) {
	if !RoleImplementation.Behavior().ClaimsTasks {
		t.Error("implementation should claim tasks")
	}
	if b := RoleReview.Behavior(); !b.ReadOnly || b.Mutating {
		t.Errorf("review behavior = %+v, want read-only", b)
	}
	if !RoleGitCoordinator.Behavior().HandlesPush {
		t.Error("git-coordinator should handle push")
	}
	if Role("nope").Behavior() != (Behavior{}) {
		t.Error("unknown role should have the zero behavior")
	}
}
