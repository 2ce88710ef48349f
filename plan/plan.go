package plan

import (
	"math"
	"time"
)

// OnError routes of an edge.
const (
	OnErrorFatal        = "fatal"
	OnErrorCompensation = "compensation"
	OnErrorAny          = "any"
)

// Plan is a DAG of tasks bound to exactly one context packet.
type Plan struct {
	ID         string     `json:"id" yaml:"id"`
	ContextRef string     `json:"contextRef,omitempty" yaml:"contextRef,omitempty"`
	Tasks      []TaskSpec `json:"tasks" yaml:"tasks"`
	Edges      []Edge     `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// TaskSpec describes one unit of work.
type TaskSpec struct {
	ID               string         `json:"id" yaml:"id"`
	CapabilityRef    string         `json:"capabilityRef" yaml:"capabilityRef"`
	Input            map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	IdemKey          string         `json:"idemKey,omitempty" yaml:"idemKey,omitempty"`
	RetryPolicy      *RetryPolicy   `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	VerificationRefs []string       `json:"verificationRefs,omitempty" yaml:"verificationRefs,omitempty"`
	NucleusRef       string         `json:"nucleusRef,omitempty" yaml:"nucleusRef,omitempty"`
}

// Edge orders two tasks. Guard must evaluate to true for To to run.
type Edge struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Guard   string `json:"guard,omitempty" yaml:"guard,omitempty"`
	OnError string `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// IsErrorRoute reports whether the edge only fires on failure.
func (e Edge) IsErrorRoute() bool { return e.OnError != "" }

// Matches reports whether an error route accepts a failure class. class is
// "fatal" or "compensation".
func (e Edge) Matches(class string) bool {
	return e.OnError == OnErrorAny || e.OnError == class
}

// RetryPolicy controls retries of RETRYABLE_ERROR failures.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Zero or one disables retries.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// BackoffSeconds[i] is the wait before attempt i+2. The last value
	// repeats for later attempts.
	BackoffSeconds []float64 `json:"backoffSeconds,omitempty" yaml:"backoffSeconds,omitempty"`

	// RetryOn restricts retries to these error codes. Empty retries every
	// retryable failure.
	RetryOn []string `json:"retryOn,omitempty" yaml:"retryOn,omitempty"`

	// Jitter adds up to 50% random delay.
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Attempts returns the effective number of attempts.
func (r *RetryPolicy) Attempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based).
func (r *RetryPolicy) Backoff(attempt int) time.Duration {
	if r == nil || len(r.BackoffSeconds) == 0 || attempt < 1 {
		return 0
	}

	i := attempt - 1
	if i >= len(r.BackoffSeconds) {
		i = len(r.BackoffSeconds) - 1
	}

	return time.Duration(math.Round(r.BackoffSeconds[i] * float64(time.Second)))
}

// Allows reports whether a failure code may be retried.
func (r *RetryPolicy) Allows(code string) bool {
	if r == nil || len(r.RetryOn) == 0 {
		return true
	}

	for _, c := range r.RetryOn {
		if c == code {
			return true
		}
	}

	return false
}

// Task returns the task with id.
func (p *Plan) Task(id string) (TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Incoming returns the edges ending at id, in plan order.
func (p *Plan) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges starting at id, in plan order.
func (p *Plan) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// IsHandler reports whether id is the target of an error route. Handlers
// run only when activated by a matching failure.
func (p *Plan) IsHandler(id string) bool {
	for _, e := range p.Edges {
		if e.To == id && e.IsErrorRoute() {
			return true
		}
	}
	return false
}

// ErrorRoutes returns the error routes leaving id that accept class.
func (p *Plan) ErrorRoutes(id, class string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.From == id && e.IsErrorRoute() && e.Matches(class) {
			out = append(out, e)
		}
	}
	return out
}
