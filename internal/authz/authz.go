// Package authz decides which privileged callers may override the pipeline,
// using a Rego policy evaluated in process.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// DefaultQuery is the decision every policy must define.
const DefaultQuery = "data.sentinel.authz.allow"

//go:embed policy.rego
var defaultPolicy string

// Authorizer evaluates the policy against the current guardian and
// operator rosters.
type Authorizer struct {
	query rego.PreparedEvalQuery
	log   *logrus.Logger

	mu        sync.RWMutex
	guardians sets.Set[string]
	operators sets.Set[string]
}

// New compiles policy, or the built-in policy when policy is empty.
func New(ctx context.Context, policy string, log *logrus.Logger) (*Authorizer, error) {
	if policy == "" {
		policy = defaultPolicy
	}
	pq, err := rego.New(
		rego.Query(DefaultQuery),
		rego.Module("sentinel_authz.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare authorization policy: %w", err)
	}
	return &Authorizer{
		query:     pq,
		log:       log,
		guardians: sets.New[string](),
		operators: sets.New[string](),
	}, nil
}

// SetRoles replaces the rosters.
func (a *Authorizer) SetRoles(guardians, operators []string) {
	a.mu.Lock()
	a.guardians = sets.New[string](guardians...)
	a.operators = sets.New[string](operators...)
	a.mu.Unlock()
}

// Allow reports whether caller holds permission.
func (a *Authorizer) Allow(ctx context.Context, caller, permission string) (bool, error) {
	a.mu.RLock()
	input := map[string]interface{}{
		"caller":     caller,
		"permission": permission,
		"guardians":  sets.List(a.guardians),
		"operators":  sets.List(a.operators),
	}
	a.mu.RUnlock()

	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	allowed := rs.Allowed()
	a.log.WithFields(logrus.Fields{
		"caller":     caller,
		"permission": permission,
		"allowed":    allowed,
	}).Debug("Authorization decision")
	return allowed, nil
}
