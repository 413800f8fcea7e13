// Package worker is the runtime of one worker agent: it registers with the
// registry, heartbeats, performs the work of its role through an external
// command, and reports back to the supervisor through the mailbox.
//
// The same code runs in a supervisor goroutine (in-process spawner) and in
// a `hive worker` subprocess.
package worker

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/hive/internal/phase"
)

// Role is the closed set of worker kinds.
type Role string

const (
	// RoleImplementation claims tasks from the queue and executes them.
	RoleImplementation Role = "implementation"

	// RoleVerifyFix checks the combined result and may report gap tasks.
	RoleVerifyFix Role = "verify-fix"

	// RoleReview reviews the result without changing anything.
	RoleReview Role = "review"

	// RoleGitCoordinator answers push requests during shutdown.
	RoleGitCoordinator Role = "git-coordinator"
)

// Behavior is what the runtime does differently per role.
type Behavior struct {
	// ClaimsTasks roles loop over the task queue; the others run once.
	ClaimsTasks bool
	// ReadOnly is passed to the command as HIVE_READ_ONLY=1.
	ReadOnly bool
	// Mutating roles arm the push gate when they run.
	Mutating bool
	// HandlesPush roles serve push_request messages.
	HandlesPush bool
	// Phase is the only phase in which the role is spawned.
	Phase phase.Phase
}

var behaviors = map[Role]Behavior{
	RoleImplementation: {ClaimsTasks: true, Mutating: true, Phase: phase.ImplActive},
	RoleVerifyFix:      {Mutating: true, Phase: phase.VerifyFix},
	RoleReview:         {ReadOnly: true, Phase: phase.Review},
	RoleGitCoordinator: {HandlesPush: true, Phase: phase.Shutdown},
}

// Roles returns every role in a stable order.
func Roles() []Role {
	return []Role{RoleImplementation, RoleVerifyFix, RoleReview, RoleGitCoordinator}
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if this is a recognized role value.
func (r Role) IsValid() bool {
	_, ok := behaviors[r]
	return ok
}

// Behavior returns the behavior table entry of r. Unknown roles get the
// zero Behavior.
func (r Role) Behavior() Behavior {
	return behaviors[r]
}

// ParseRole converts s to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		names := make([]string, 0, len(behaviors))
		for _, role := range Roles() {
			names = append(names, string(role))
		}
		return "", fmt.Errorf("unknown role %q (valid: %v)", s, names)
	}
	return r, nil
}

// RoleFor returns the role spawned in p, if any.
func RoleFor(p phase.Phase) (Role, bool) {
	i := slices.IndexFunc(Roles(), func(r Role) bool { return behaviors[r].Phase == p })
	if i < 0 {
		return "", false
	}
	return Roles()[i], true
}
