// Package alerts evaluates CEL alert policies against ranked communities
// after each refresh.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Engine compiles and evaluates alert policies. Policies are CEL boolean
// expressions over community fraud statistics; a policy that evaluates to
// true for a community fires a RingAlert.
//
// Compiled programs are kept per tenant behind a RWMutex so evaluation
// after a refresh never touches the compiler.
type Engine struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	compiled map[string][]*compiledPolicy
}

type compiledPolicy struct {
	policy  *domain.AlertPolicy
	program cel.Program
}

// NewEngine creates an alert policy engine with the community statistics
// environment.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("community_id", cel.IntType),
		cel.Variable("person_count", cel.IntType),
		cel.Variable("tx_total", cel.IntType),
		cel.Variable("tx_fraud", cel.IntType),
		cel.Variable("fraud_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{
		env:      env,
		logger:   logger.With("component", "alert-engine"),
		compiled: make(map[string][]*compiledPolicy),
	}, nil
}

// Compile validates an expression and returns its program. Used both at
// policy-save time (reject bad expressions up front) and at load time.
func (e *Engine) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}
	return program, nil
}

// Load replaces a tenant's active policy set. Disabled policies are kept out
// of the hot path entirely; a policy that fails to compile is skipped and
// logged rather than blocking the rest.
func (e *Engine) Load(tenantID string, policies []*domain.AlertPolicy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		program, err := e.Compile(p.Expression)
		if err != nil {
			e.logger.Error("skipping uncompilable alert policy",
				"tenant_id", tenantID,
				"policy_id", p.ID,
				"error", err)
			continue
		}
		compiled = append(compiled, &compiledPolicy{policy: p, program: program})
	}

	e.mu.Lock()
	e.compiled[tenantID] = compiled
	e.mu.Unlock()

	e.logger.Info("alert policies loaded",
		"tenant_id", tenantID,
		"active", len(compiled),
		"total", len(policies))
	return nil
}

// PolicyCount returns the number of active policies for a tenant.
func (e *Engine) PolicyCount(tenantID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled[tenantID])
}

// Evaluate runs every active policy against every community and returns the
// alerts that fired. Evaluation errors are logged per policy and never fail
// the refresh.
func (e *Engine) Evaluate(tenantID, refreshID string, communities []domain.CommunityStats) []domain.RingAlert {
	e.mu.RLock()
	policies := e.compiled[tenantID]
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var alerts []domain.RingAlert
	for _, community := range communities {
		vars := map[string]any{
			"community_id": int64(community.CommunityID),
			"person_count": int64(community.PersonCount),
			"tx_total":     int64(community.TxTotal),
			"tx_fraud":     int64(community.TxFraud),
			"fraud_rate":   community.FraudRate,
		}
		for _, cp := range policies {
			out, _, err := cp.program.Eval(vars)
			if err != nil {
				e.logger.Error("alert policy evaluation failed",
					"tenant_id", tenantID,
					"policy_id", cp.policy.ID,
					"community_id", community.CommunityID,
					"error", err)
				continue
			}
			matched, ok := out.Value().(bool)
			if !ok || !matched {
				continue
			}
			alerts = append(alerts, domain.RingAlert{
				TenantID:   tenantID,
				RefreshID:  refreshID,
				PolicyID:   cp.policy.ID,
				PolicyName: cp.policy.Name,
				Community:  community,
				FiredAt:    now,
			})
		}
	}
	return alerts
}
