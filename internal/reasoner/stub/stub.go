// Package stub implements a deterministic Reasoner adapter keyed by
// (role, hash(context)), used by the test harness and by the
// end-to-end scenarios in the testable properties section.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/reasoner"
)

// Responder produces canned response data for a given context. Tests
// register one per role.
type Responder func(rc reasoner.Context) (model.ProposalKind, interface{}, error)

// Reasoner is the deterministic stub adapter. It never performs I/O: the
// same (role, hash(context)) always yields the same response, recorded
// the first time it is computed so repeat calls are bit-for-bit stable
// even if Responder itself is not perfectly pure.
type Reasoner struct {
	mu         sync.Mutex
	responders map[model.Role]Responder
	cache      map[string]*reasoner.StructuredResult
	forceFail  map[model.Role]*reasoner.ReasonerError
}

// New constructs an empty stub; register responders with Register.
func New() *Reasoner {
	return &Reasoner{
		responders: make(map[model.Role]Responder),
		cache:      make(map[string]*reasoner.StructuredResult),
		forceFail:  make(map[model.Role]*reasoner.ReasonerError),
	}
}

// Register installs the canned-response function for role.
func (r *Reasoner) Register(role model.Role, fn Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[role] = fn
}

// ForceFail makes every subsequent call for role fail with err, until
// cleared by ForceFail(role, nil). Used to drive the repeated-failure and
// degraded-agent scenarios.
func (r *Reasoner) ForceFail(role model.Role, err *reasoner.ReasonerError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.forceFail, role)
		return
	}
	r.forceFail[role] = err
}

// Reason implements reasoner.Port.
func (r *Reasoner) Reason(ctx context.Context, rc reasoner.Context, schema reasoner.Schema) (*reasoner.StructuredResult, error) {
	r.mu.Lock()
	if failErr, ok := r.forceFail[rc.Role]; ok {
		r.mu.Unlock()
		return nil, failErr
	}
	key := cacheKey(rc)
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	fn, ok := r.responders[rc.Role]
	r.mu.Unlock()
	if !ok {
		return nil, &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: fmt.Sprintf("no stub responder registered for role %s", rc.Role)}
	}

	kind, data, err := fn(rc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: "marshal stub response", Cause: err}
	}
	if schema.Validate != nil {
		if err := schema.Validate(raw); err != nil {
			return nil, &reasoner.ReasonerError{Kind: reasoner.ErrSchemaViolation, Message: "stub response failed schema validation", Cause: err}
		}
	}

	result := &reasoner.StructuredResult{Role: rc.Role, Kind: kind, Data: raw}
	r.mu.Lock()
	r.cache[key] = result
	r.mu.Unlock()
	return result, nil
}

func cacheKey(rc reasoner.Context) string {
	h := sha256.New()
	h.Write([]byte(rc.Role))
	h.Write([]byte(rc.PromptTemplate))
	for _, m := range rc.Messages {
		h.Write([]byte(fmt.Sprintf("%d:%s:%s", m.ID, m.Topic, string(m.Payload))))
	}
	if len(rc.State) > 0 {
		if raw, err := json.Marshal(rc.State); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
