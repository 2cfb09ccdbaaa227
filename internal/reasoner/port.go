// Package reasoner defines the pluggable Reasoner port that turns
// (role, prompt, context) into a structured proposal, plus the retry
// policy that wraps any adapter uniformly.
package reasoner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/apex-trading/apex-core/internal/model"
)

// ErrorKind classifies a reasoner failure.
type ErrorKind string

const (
	ErrTimeout         ErrorKind = "timeout"
	ErrSchemaViolation ErrorKind = "schema_violation"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrUpstream        ErrorKind = "upstream"
)

// ReasonerError is the typed error every adapter must return on failure.
type ReasonerError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ReasonerError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *ReasonerError) Unwrap() error { return e.Cause }

// StructuredResult is a reasoner call's validated output.
type StructuredResult struct {
	Role       model.Role
	Kind       model.ProposalKind
	Data       json.RawMessage
	RawLatency time.Duration
}

// Context is the assembled input to a reasoning call: the last-K relevant
// messages plus role-specific state, flattened to whatever an adapter
// needs to build its prompt.
type Context struct {
	Role           model.Role
	PromptTemplate string
	Messages       []model.Message
	State          map[string]interface{}
}

// Schema is an adapter-independent description of the expected output
// shape, used to validate a StructuredResult before it is accepted.
type Schema struct {
	Kind     model.ProposalKind
	Validate func(json.RawMessage) error
}

// Port is the single operation every Reasoner adapter implements.
type Port interface {
	Reason(ctx context.Context, rc Context, schema Schema) (*StructuredResult, error)
}

// RetryPolicy wraps a Port with the exponential backoff and
// repair-suffix retry rules: Timeout and RateLimited retry with backoff
// (base 500ms, factor 2, cap 8s, max 3 attempts); SchemaViolation retries
// once with a "repair" suffix appended to the prompt template id;
// Upstream is surfaced immediately.
type RetryPolicy struct {
	inner Port
}

// NewRetryPolicy wraps inner with the port's standard retry rules.
func NewRetryPolicy(inner Port) *RetryPolicy {
	return &RetryPolicy{inner: inner}
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries instead
	return backoff.WithMaxRetries(b, 2) // 3 total attempts
}

// Reason implements Port, applying the retry policy around inner.
func (p *RetryPolicy) Reason(ctx context.Context, rc Context, schema Schema) (*StructuredResult, error) {
	repaired := false
	var result *StructuredResult

	op := func() error {
		res, err := p.inner.Reason(ctx, rc, schema)
		if err == nil {
			result = res
			return nil
		}
		var rerr *ReasonerError
		if !asReasonerError(err, &rerr) {
			return backoff.Permanent(err)
		}
		switch rerr.Kind {
		case ErrTimeout, ErrRateLimited:
			return err // retryable by backoff.BackOff
		case ErrSchemaViolation:
			if repaired {
				return backoff.Permanent(err)
			}
			repaired = true
			rc.PromptTemplate = rc.PromptTemplate + ".repair"
			return err
		default: // Upstream
			return backoff.Permanent(err)
		}
	}

	boff := newBackoff()
	if err := backoff.Retry(op, backoff.WithContext(boff, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func asReasonerError(err error, target **ReasonerError) bool {
	re, ok := err.(*ReasonerError)
	if !ok {
		return false
	}
	*target = re
	return true
}
