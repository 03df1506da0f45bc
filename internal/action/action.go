// Package action defines the request/result contract shared by the executor,
// the verification chain, and the learning store. Every other package speaks
// in these types, so they carry no dependencies beyond the standard library.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the category of UI interaction a request describes.
type Kind string

const (
	// KindClick activates an element (button, link, menu entry).
	KindClick Kind = "click"
	// KindType enters text into an input or editable region.
	KindType Kind = "type"
	// KindVerify observes state without mutating it.
	KindVerify Kind = "verify"
	// KindScroll scrolls the viewport.
	KindScroll Kind = "scroll"
	// KindComposite runs an ordered sequence of steps as one unit.
	KindComposite Kind = "composite"
)

// Valid reports whether k is one of the supported action kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindClick, KindType, KindVerify, KindScroll, KindComposite:
		return true
	}
	return false
}

// ParseKind converts a string into a Kind, accepting any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// ErrorKind classifies why an action did not succeed. The classification
// drives retry policy: some failures are worth retrying, some never are.
type ErrorKind string

const (
	// ErrTimeout means the action did not complete within its budget.
	ErrTimeout ErrorKind = "timeout"
	// ErrVerificationInconclusive means the action may have executed but no
	// verification tier could confirm its effect with enough confidence.
	ErrVerificationInconclusive ErrorKind = "verification_inconclusive"
	// ErrResourceUnavailable means the target resource was leased elsewhere
	// or otherwise busy.
	ErrResourceUnavailable ErrorKind = "resource_unavailable"
	// ErrDriverUnavailable means the driver process or session could not be
	// started or had already died.
	ErrDriverUnavailable ErrorKind = "driver_unavailable"
	// ErrActionInvalid means the request itself was malformed.
	ErrActionInvalid ErrorKind = "action_invalid"
)

// Retryable reports whether a failure of this kind may be retried.
// Invalid requests never become valid, and a held resource belongs to
// someone else until its lease expires, so neither is retried.
func (e ErrorKind) Retryable() bool {
	switch e {
	case ErrTimeout, ErrVerificationInconclusive, ErrDriverUnavailable:
		return true
	}
	return false
}

// Verification method labels recorded on results. "none" means no tier
// produced a conclusive verdict.
const (
	MethodStructural = "structural"
	MethodVision     = "vision"
	MethodAPI        = "api"
	MethodNone       = "none"
)

// Well-known Context keys. Context is otherwise opaque and passed through
// to the driver untouched.
const (
	// ContextResource overrides the lease key for the request.
	ContextResource = "resource"
	// ContextURL asks the driver to navigate before acting.
	ContextURL = "url"
	// ContextSteps carries the JSON-encoded step list of a composite action.
	ContextSteps = "steps"
)

// Request describes a single UI action to execute and verify.
type Request struct {
	// ID uniquely identifies the request. Assigned by the executor when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Kind is the interaction category.
	Kind Kind `json:"kind" yaml:"kind"`

	// Target is a semantic description of the element ("the Send button"),
	// not a selector. Used for vision targeting and for log lines.
	Target string `json:"target" yaml:"target"`

	// Hint is an optional CSS selector. When present it is preferred over
	// vision targeting, and verification probes it structurally first.
	Hint string `json:"hint,omitempty" yaml:"hint,omitempty"`

	// InputText is the text to enter for type actions.
	InputText string `json:"text,omitempty" yaml:"text,omitempty"`

	// Platform names the UI platform being driven ("claude-web", "gmail").
	// It is a learning dimension and the fallback lease key.
	Platform string `json:"platform" yaml:"platform"`

	// Timeout is the whole-request budget covering every attempt, backoff
	// and verification pass.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Context carries opaque key/value pairs for the driver. A few keys
	// (resource, url, steps) have meaning to the engine itself.
	Context map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Step is one entry in a composite action's sequence.
type Step struct {
	Kind Kind   `json:"kind"`
	Hint string `json:"hint,omitempty"`
	Text string `json:"text,omitempty"`
}

// Validate checks structural validity of the request. A non-nil error means
// the request must be rejected as action_invalid without touching a driver.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid action kind %q", string(r.Kind))
	}
	if strings.TrimSpace(r.Target) == "" && r.Kind != KindScroll {
		return fmt.Errorf("target description is required for %s actions", r.Kind)
	}
	if r.Kind == KindType && r.InputText == "" {
		return fmt.Errorf("type action requires input text")
	}
	if strings.TrimSpace(r.Platform) == "" {
		return fmt.Errorf("platform is required")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", r.Timeout)
	}
	if r.Kind == KindComposite {
		steps, err := r.Steps()
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return fmt.Errorf("composite action requires at least one step")
		}
	}
	return nil
}

// Resource returns the lease key for the request: the explicit resource
// from Context when set, otherwise the platform name.
func (r *Request) Resource() string {
	if r.Context != nil {
		if res, ok := r.Context[ContextResource]; ok && strings.TrimSpace(res) != "" {
			return res
		}
	}
	return r.Platform
}

// Steps decodes the step sequence of a composite action from Context.
// Returns an error for composite requests with missing or malformed steps,
// and (nil, nil) for non-composite requests.
func (r *Request) Steps() ([]Step, error) {
	if r.Kind != KindComposite {
		return nil, nil
	}
	raw, ok := r.Context[ContextSteps]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("composite action requires %q in context", ContextSteps)
	}
	var steps []Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode composite steps: %w", err)
	}
	for i, s := range steps {
		if !s.Kind.Valid() {
			return nil, fmt.Errorf("composite step %d: invalid kind %q", i, string(s.Kind))
		}
		if s.Kind == KindComposite {
			return nil, fmt.Errorf("composite step %d: steps cannot nest", i)
		}
		if s.Kind == KindType && s.Text == "" {
			return nil, fmt.Errorf("composite step %d: type step requires text", i)
		}
	}
	return steps, nil
}

// Describe returns a short human-readable label for log lines.
func (r *Request) Describe() string {
	target := r.Target
	if target == "" {
		target = "(viewport)"
	}
	return fmt.Sprintf("%s %q on %s", r.Kind, target, r.Platform)
}

// Result is the terminal outcome of executing one request.
type Result struct {
	// RequestID echoes the request's ID.
	RequestID string `json:"request_id"`

	// Success reports whether the action was executed and verified.
	Success bool `json:"success"`

	// Confidence is the verification confidence in [0,1]. On failure it is
	// the best confidence any tier produced.
	Confidence float64 `json:"confidence"`

	// Method names the verification tier that produced the verdict:
	// structural, vision, api, or none.
	Method string `json:"method"`

	// Duration is total wall time from acceptance to terminal state,
	// including retries and backoff.
	Duration time.Duration `json:"duration"`

	// ErrorKind classifies the failure. Empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Detail carries a human-readable trail of what happened on each attempt.
	Detail string `json:"detail,omitempty"`
}

// Failed is a convenience constructor for a failed result.
func Failed(requestID string, kind ErrorKind, detail string) *Result {
	return &Result{
		RequestID: requestID,
		Success:   false,
		Method:    MethodNone,
		ErrorKind: kind,
		Detail:    detail,
	}
}
