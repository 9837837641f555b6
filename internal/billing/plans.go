package billing

import (
	"time"

	"github.com/inkwell-labs/creditd/internal/config"
)

// Plan is a subscription tier. Buying a plan sets the account's balance to
// Credits for Duration; a plan without a duration never expires.
type Plan struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Price    int64         `json:"price"`
	Credits  int64         `json:"credits"`
	Duration time.Duration `json:"duration"`
}

// Purchasable reports whether the plan can be bought through checkout.
func (p Plan) Purchasable() bool { return p.Price > 0 }

// PlansFromConfig converts configured plans, falling back to the defaults
// when none are configured.
func PlansFromConfig(cfgs []config.PlanConfig) []Plan {
	if len(cfgs) == 0 {
		cfgs = config.DefaultPlans()
	}
	plans := make([]Plan, 0, len(cfgs))
	for _, c := range cfgs {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		plans = append(plans, Plan{
			ID:       c.ID,
			Name:     name,
			Price:    c.Price,
			Credits:  c.Credits,
			Duration: c.Duration.Duration,
		})
	}
	return plans
}
