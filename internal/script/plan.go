package script

import (
	"fmt"
	"time"

	"github.com/harrison/actuator/internal/action"
)

// DefaultActionTimeout applies to actions whose plan sets no default and
// whose step sets no explicit timeout.
const DefaultActionTimeout = 30 * time.Second

// Plan is a parsed action script: an ordered list of stages, each holding
// the actions of one phase of a flow ("compose", "send", "verify receipt").
type Plan struct {
	// Name comes from the document title, or the file name when untitled.
	Name string

	// Platform is the UI platform every action in the plan targets.
	Platform string

	// Resource overrides the lease key for every action. Empty means each
	// action leases its platform.
	Resource string

	// Defaults apply to actions that do not set their own values.
	Defaults Defaults

	// Stages in document order.
	Stages []Stage
}

// Defaults are plan-wide fallbacks from the frontmatter.
type Defaults struct {
	// Timeout is the per-action budget.
	Timeout time.Duration

	// Mode names the preferred execution mode ("inproc", "thread",
	// "subprocess"). Empty defers to the engine's configuration.
	Mode string
}

// Stage is one named phase of a plan.
type Stage struct {
	// Number as written in the stage heading.
	Number int

	// Name is the heading text after the stage number.
	Name string

	// Actions in document order.
	Actions []*action.Request
}

// Requests flattens the plan's stages into a single ordered action list.
func (p *Plan) Requests() []*action.Request {
	var reqs []*action.Request
	for _, stage := range p.Stages {
		reqs = append(reqs, stage.Actions...)
	}
	return reqs
}

// ActionCount reports the total number of actions across all stages.
func (p *Plan) ActionCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.Actions)
	}
	return n
}

// Validate checks every action in the plan and returns one error per
// problem, each naming the stage and position of the offending action.
// An empty slice means the plan is executable.
func (p *Plan) Validate() []error {
	var errs []error
	if p.Platform == "" {
		errs = append(errs, fmt.Errorf("plan does not set a platform"))
	}
	if p.ActionCount() == 0 {
		errs = append(errs, fmt.Errorf("plan contains no actions"))
	}
	for _, stage := range p.Stages {
		for i, req := range stage.Actions {
			if err := req.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("stage %d (%s), action %d: %w", stage.Number, stage.Name, i+1, err))
			}
		}
	}
	return errs
}
