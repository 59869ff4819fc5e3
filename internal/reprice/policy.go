// Package reprice decides whether a resting maker order should be
// cancelled and replaced at a better price. The decision function is
// pure: no I/O, no suspension, identical behavior for the REST and
// WebSocket executors.
package reprice

import (
	"github.com/shopspring/decimal"
)

// Config mirrors config.RepricePolicyConfig: a fractional minimum-change
// threshold and an optional elapsed-time override.
type Config struct {
	MinChangePct          decimal.Decimal // fraction, 0.001 = 0.1%; 0 means always reprice
	ElapsedOverrideSec    float64         // 0 means no override configured
	HasElapsedOverride    bool
}

// Outcome tags a reprice decision. Exactly one of the New* fields is
// meaningful for a given Kind.
type Outcome int

const (
	KindSuppress Outcome = iota
	KindReprice
	KindElapsedOverride
)

// Decision is the result of Decide.
type Decision struct {
	Kind       Outcome
	NewPrice   decimal.Decimal // set for Reprice and ElapsedOverride
	ChangePct  decimal.Decimal // set for Suppress
}

// Policy is the composable reprice-decision interface: a yes/no verdict
// over the same rules. Decide below does not use it or Build; it
// evaluates its rules itself.
type Policy interface {
	ShouldReprice(oldPrice, newPrice decimal.Decimal, elapsedSeconds float64) bool
}

// AlwaysPolicy reprices on any change. Used when no threshold is configured.
type AlwaysPolicy struct{}

func (AlwaysPolicy) ShouldReprice(decimal.Decimal, decimal.Decimal, float64) bool { return true }

// MinChangePolicy suppresses repricing below a minimum fractional change.
type MinChangePolicy struct {
	MinChangePct decimal.Decimal
}

func (p MinChangePolicy) ShouldReprice(oldPrice, newPrice decimal.Decimal, _ float64) bool {
	if oldPrice.IsZero() {
		return !newPrice.IsZero()
	}
	changePct := newPrice.Sub(oldPrice).Abs().Div(oldPrice)
	return changePct.GreaterThanOrEqual(p.MinChangePct)
}

// ElapsedOverridePolicy delegates to Inner unless elapsed time has
// crossed OverrideAfterSeconds, in which case any non-zero price change
// is allowed through regardless of Inner's verdict.
type ElapsedOverridePolicy struct {
	OverrideAfterSeconds float64
	Inner                Policy
}

func (p ElapsedOverridePolicy) ShouldReprice(oldPrice, newPrice decimal.Decimal, elapsedSeconds float64) bool {
	if elapsedSeconds >= p.OverrideAfterSeconds {
		return !oldPrice.Equal(newPrice)
	}
	return p.Inner.ShouldReprice(oldPrice, newPrice, elapsedSeconds)
}

// CompositePolicy is the AND of all constituent policies.
type CompositePolicy struct {
	Policies []Policy
}

func (p CompositePolicy) ShouldReprice(oldPrice, newPrice decimal.Decimal, elapsedSeconds float64) bool {
	for _, inner := range p.Policies {
		if !inner.ShouldReprice(oldPrice, newPrice, elapsedSeconds) {
			return false
		}
	}
	return true
}

// Build constructs the appropriate Policy from cfg:
//   - neither threshold set   -> AlwaysPolicy
//   - only MinChangePct > 0   -> MinChangePolicy
//   - both set                -> ElapsedOverridePolicy wrapping MinChangePolicy
func Build(cfg Config) Policy {
	hasMinChange := cfg.MinChangePct.GreaterThan(decimal.Zero)
	hasElapsed := cfg.HasElapsedOverride && cfg.ElapsedOverrideSec > 0

	if !hasMinChange && !hasElapsed {
		return AlwaysPolicy{}
	}
	if hasMinChange && !hasElapsed {
		return MinChangePolicy{MinChangePct: cfg.MinChangePct}
	}
	inner := MinChangePolicy{MinChangePct: cfg.MinChangePct}
	return ElapsedOverridePolicy{OverrideAfterSeconds: cfg.ElapsedOverrideSec, Inner: inner}
}

// Decide is the pure decision function spec.md §4.2 describes. Rules,
// evaluated in order:
//  1. current == best            -> Suppress(0)
//  2. compute change_pct
//  3. elapsed_override configured and elapsed >= it -> ElapsedOverride(best)
//  4. change_pct < threshold      -> Suppress(change_pct)
//  5. otherwise                   -> Reprice(best)
func Decide(current, best decimal.Decimal, elapsedSeconds float64, cfg Config) Decision {
	if current.Equal(best) {
		return Decision{Kind: KindSuppress, ChangePct: decimal.Zero}
	}

	var changePct decimal.Decimal
	if current.IsZero() {
		changePct = decimal.NewFromInt(1) // undefined ratio; treat any change from 0 as 100%
	} else {
		changePct = best.Sub(current).Abs().Div(current)
	}

	if cfg.HasElapsedOverride && elapsedSeconds >= cfg.ElapsedOverrideSec {
		return Decision{Kind: KindElapsedOverride, NewPrice: best}
	}

	if changePct.LessThan(cfg.MinChangePct) {
		return Decision{Kind: KindSuppress, ChangePct: changePct}
	}

	return Decision{Kind: KindReprice, NewPrice: best}
}
