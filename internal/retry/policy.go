package retry

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Policy maps each failure outcome to a constant cooldown. The cooldown does
// not grow with the attempt count.
type Policy struct {
	cooldowns map[Outcome]time.Duration
}

// DefaultCooldowns returns the stock cooldown table.
func DefaultCooldowns() map[Outcome]time.Duration {
	return map[Outcome]time.Duration{
		OutcomeContentNotFound:     7 * day,
		OutcomeLowQualityMatch:     3 * day,
		OutcomeTransientFetchError: 1 * day,
		OutcomeAccessDenied:        2 * day,
		OutcomeStorageError:        1 * day,
	}
}

// DefaultPolicy builds a Policy from DefaultCooldowns.
func DefaultPolicy() Policy {
	return Policy{cooldowns: DefaultCooldowns()}
}

// NewPolicy validates overrides and layers them over the defaults. Every
// failure outcome must end up with a positive cooldown and success must have
// none.
func NewPolicy(overrides map[Outcome]time.Duration) (Policy, error) {
	table := DefaultCooldowns()
	for outcome, d := range overrides {
		if !outcome.Valid() {
			return Policy{}, fmt.Errorf("unknown outcome %q", outcome)
		}
		if outcome == OutcomeSuccess {
			return Policy{}, fmt.Errorf("success outcome cannot have a cooldown")
		}
		if d <= 0 {
			return Policy{}, fmt.Errorf("cooldown for %s must be > 0", outcome)
		}
		table[outcome] = d
	}
	return Policy{cooldowns: table}, nil
}

// Cooldown returns the wait imposed after outcome. ok is false for success.
func (p Policy) Cooldown(outcome Outcome) (time.Duration, bool) {
	d, ok := p.cooldowns[outcome]
	return d, ok
}
