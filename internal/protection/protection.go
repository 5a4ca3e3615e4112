// Package protection derives the permanent floor stop for a newly opened
// position from the realized opening-range volatility of its symbol.
package protection

import (
	"fmt"

	"breakoutBot/config"
	"breakoutBot/internal/domain"
)

// rule is one resolved tier of the protection table.
type rule struct {
	tier          domain.ProtectionTier
	minVolatility float64
	stopPercent   float64
}

// Calculator maps opening-range volatility to a protection tier and the
// corresponding floor stop price. The table is fixed for the session.
type Calculator struct {
	rules []rule
}

// New builds a calculator from the configured tier table. The table must be
// ordered from the widest volatility floor down to a terminal zero floor so
// every volatility reading lands in exactly one tier.
func New(table []config.ProtectionRule) (*Calculator, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("protection: tier table is empty")
	}
	rules := make([]rule, 0, len(table))
	for i, r := range table {
		if i > 0 && r.MinVolatility >= rules[i-1].minVolatility {
			return nil, fmt.Errorf("protection: tier %q out of order", r.Tier)
		}
		if r.StopPercent <= 0 || r.StopPercent >= 1 {
			return nil, fmt.Errorf("protection: tier %q stop percent %.4f out of range", r.Tier, r.StopPercent)
		}
		rules = append(rules, rule{
			tier:          domain.ProtectionTier(r.Tier),
			minVolatility: r.MinVolatility,
			stopPercent:   r.StopPercent,
		})
	}
	if rules[len(rules)-1].minVolatility != 0 {
		return nil, fmt.Errorf("protection: tier table must end with a zero volatility floor")
	}
	return &Calculator{rules: rules}, nil
}

// ForEntry computes the protection tier and permanent floor stop for a
// position opened at entryPrice, given the symbol's opening range. Volatility
// is (high - low) / low; a degenerate range falls into the narrowest tier.
func (c *Calculator) ForEntry(entryPrice, rangeHigh, rangeLow float64) (domain.ProtectionTier, float64, error) {
	if entryPrice <= 0 {
		return "", 0, fmt.Errorf("protection: entry price %.4f must be positive", entryPrice)
	}
	volatility := 0.0
	if rangeLow > 0 && rangeHigh > rangeLow {
		volatility = (rangeHigh - rangeLow) / rangeLow
	}
	r := c.ruleFor(volatility)
	return r.tier, entryPrice * (1 - r.stopPercent), nil
}

func (c *Calculator) ruleFor(volatility float64) rule {
	for _, r := range c.rules {
		if volatility >= r.minVolatility {
			return r
		}
	}
	return c.rules[len(c.rules)-1]
}
