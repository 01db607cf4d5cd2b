// Package spamcheck defines the contract between the SMTP server and
// spam filtering backends, and the policy that turns a backend verdict
// into an SMTP decision.
package spamcheck

import "context"

// Action is a checker's recommended handling for a message.
type Action string

const (
	// ActionAccept delivers the message normally.
	ActionAccept Action = "accept"
	// ActionReject refuses the message permanently (5xx).
	ActionReject Action = "reject"
	// ActionTempFail refuses the message temporarily (4xx).
	ActionTempFail Action = "tempfail"
	// ActionFlag delivers the message marked as spam.
	ActionFlag Action = "flag"
)

// Options carries the envelope and connection facts a checker may use.
type Options struct {
	From       string
	Recipients []string
	ClientIP   string
	Helo       string
	Hostname   string
	// User is the authenticated username, empty for anonymous sessions.
	User string
}

// Result is one checker's verdict on a message.
type Result struct {
	Checker string
	Score   float64
	IsSpam  bool
	Action  Action
	// RejectMessage is the text to send with a refusal, when set.
	RejectMessage string
}

// Checker is a spam filtering backend.
type Checker interface {
	Name() string
	// Check scores raw message bytes. Implementations must honor the
	// context deadline.
	Check(ctx context.Context, raw []byte, opts Options) (*Result, error)
	Close() error
}

// FailMode is the behavior when a checker is unavailable.
type FailMode string

const (
	// FailOpen accepts the message when the checker cannot be reached.
	FailOpen FailMode = "open"
	// FailTempFail defers the message when the checker cannot be reached.
	FailTempFail FailMode = "tempfail"
	// FailReject refuses the message when the checker cannot be reached.
	FailReject FailMode = "reject"
)

// Policy maps checker verdicts onto SMTP decisions.
type Policy struct {
	FailMode FailMode
	// RejectThreshold refuses at or above this score; 0 disables.
	RejectThreshold float64
	// TempFailThreshold defers at or above this score; 0 disables.
	TempFailThreshold float64
}

// Mode returns the fail mode, defaulting to tempfail.
func (p Policy) Mode() FailMode {
	switch p.FailMode {
	case FailOpen, FailTempFail, FailReject:
		return p.FailMode
	default:
		return FailTempFail
	}
}

// Decide collapses a verdict and the score thresholds into one action.
// The checker's own reject and tempfail recommendations always hold;
// the thresholds only tighten the policy further.
func (p Policy) Decide(r *Result) Action {
	if r.Action == ActionReject {
		return ActionReject
	}
	if p.RejectThreshold > 0 && r.Score >= p.RejectThreshold {
		return ActionReject
	}
	if r.Action == ActionTempFail {
		return ActionTempFail
	}
	if p.TempFailThreshold > 0 && r.Score >= p.TempFailThreshold {
		return ActionTempFail
	}
	if r.Action == ActionFlag || r.IsSpam {
		return ActionFlag
	}
	return ActionAccept
}
