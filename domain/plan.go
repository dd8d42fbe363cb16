package domain

import (
	"time"

	"github.com/volatiletech/null/v8"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Subscription mirrors the payment processor's subscription for one user.
type Subscription struct {
	UserID            string    `json:"userId"`
	Plan              Plan      `json:"plan"`
	Status            string    `json:"status"`
	CustomerID        string    `json:"customerId"`
	SubscriptionID    string    `json:"subscriptionId"`
	PriceID           string    `json:"priceId"`
	CurrentPeriodEnd  null.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
	EventCreated      int64     `json:"-"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ResolvePlan returns the plan a user is entitled to at now.
func ResolvePlan(sub *Subscription, now time.Time) Plan {
	if sub == nil || sub.Plan != PlanPro {
		return PlanFree
	}
	switch sub.Status {
	case "active", "trialing", "past_due":
	default:
		return PlanFree
	}
	if sub.CurrentPeriodEnd.Valid && !sub.CurrentPeriodEnd.Time.After(now) {
		return PlanFree
	}
	return PlanPro
}

// PlanLimits caps resource counts. Zero means unlimited.
type PlanLimits struct {
	MaxBoards        int `json:"maxBoards"`
	MaxTasksPerBoard int `json:"maxTasksPerBoard"`
}

type PlanTable map[Plan]PlanLimits

func DefaultPlanTable() PlanTable {
	return PlanTable{
		PlanFree: {MaxBoards: 3, MaxTasksPerBoard: 50},
		PlanPro:  {},
	}
}

func (t PlanTable) Limits(p Plan) PlanLimits {
	if l, ok := t[p]; ok {
		return l
	}
	return t[PlanFree]
}

// CheckBoards returns a *PlanLimitError when one more board would exceed the limit.
func (t PlanTable) CheckBoards(p Plan, owned int) error {
	l := t.Limits(p)
	if l.MaxBoards > 0 && owned >= l.MaxBoards {
		return &PlanLimitError{Plan: p, Resource: "boards", Limit: l.MaxBoards}
	}
	return nil
}

// CheckTasks returns a *PlanLimitError when one more task would exceed the limit.
func (t PlanTable) CheckTasks(p Plan, count int) error {
	l := t.Limits(p)
	if l.MaxTasksPerBoard > 0 && count >= l.MaxTasksPerBoard {
		return &PlanLimitError{Plan: p, Resource: "tasks per board", Limit: l.MaxTasksPerBoard}
	}
	return nil
}
