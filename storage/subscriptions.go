package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"

	"thrilha/domain"
)

// ErrStaleEvent is returned when a billing event is older than the one
// already applied to the subscription.
var ErrStaleEvent = errors.New("stale event")

type subscriptionRow struct {
	UserID            string     `db:"user_id"`
	Plan              string     `db:"plan"`
	Status            string     `db:"status"`
	CustomerID        string     `db:"customer_id"`
	SubscriptionID    string     `db:"subscription_id"`
	PriceID           string     `db:"price_id"`
	CurrentPeriodEnd  null.Int64 `db:"current_period_end"`
	CancelAtPeriodEnd bool       `db:"cancel_at_period_end"`
	EventCreated      int64      `db:"event_created"`
	UpdatedAt         int64      `db:"updated_at"`
}

func (r subscriptionRow) toDomain() domain.Subscription {
	return domain.Subscription{
		UserID:            r.UserID,
		Plan:              domain.Plan(r.Plan),
		Status:            r.Status,
		CustomerID:        r.CustomerID,
		SubscriptionID:    r.SubscriptionID,
		PriceID:           r.PriceID,
		CurrentPeriodEnd:  nullTime(r.CurrentPeriodEnd),
		CancelAtPeriodEnd: r.CancelAtPeriodEnd,
		EventCreated:      r.EventCreated,
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

const subscriptionColumns = "user_id, plan, status, customer_id, subscription_id, price_id, current_period_end, cancel_at_period_end, event_created, updated_at"

func (s *Store) GetSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ?"), userID)
	if isNoRows(err) {
		return domain.Subscription{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return row.toDomain(), nil
}

// FindUserByCustomer maps a payment processor customer id back to a user.
func (s *Store) FindUserByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.db.GetContext(ctx, &userID, s.q("SELECT user_id FROM subscriptions WHERE customer_id = ? LIMIT 1"), customerID)
	if isNoRows(err) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find user by customer: %w", err)
	}
	return userID, nil
}

// UpsertSubscription stores sub unless an event newer than sub.EventCreated
// was already applied, in which case ErrStaleEvent is returned. Events with
// the same creation second are applied in arrival order.
func (s *Store) UpsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	sub.UpdatedAt = s.nowUTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current int64
		err := tx.GetContext(ctx, &current, tx.Rebind("SELECT event_created FROM subscriptions WHERE user_id = ?"), sub.UserID)
		switch {
		case isNoRows(err):
		case err != nil:
			return fmt.Errorf("upsert subscription: %w", err)
		case sub.EventCreated < current:
			return ErrStaleEvent
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				plan = excluded.plan,
				status = excluded.status,
				customer_id = excluded.customer_id,
				subscription_id = excluded.subscription_id,
				price_id = excluded.price_id,
				current_period_end = excluded.current_period_end,
				cancel_at_period_end = excluded.cancel_at_period_end,
				event_created = excluded.event_created,
				updated_at = excluded.updated_at`),
			sub.UserID, string(sub.Plan), sub.Status, sub.CustomerID, sub.SubscriptionID, sub.PriceID,
			nullMillis(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.EventCreated, toMillis(sub.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		return nil
	})
}
