package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/volatiletech/null/v8"

	"thrilha/domain"
	"thrilha/storage"
)

type subscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (domain.Subscription, error)
	FindUserByCustomer(ctx context.Context, customerID string) (string, error)
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) error
}

type planEvicter interface {
	Evict(ctx context.Context, userID string)
}

type changePublisher interface {
	Publish(ctx context.Context, c domain.Change) (domain.Change, error)
}

// Mirror applies subscription lifecycle events to the local subscriptions
// table.
type Mirror struct {
	store      subscriptionStore
	cache      planEvicter
	publisher  changePublisher
	proPriceID string
	logger     *log.Logger
}

func NewMirror(store subscriptionStore, cache planEvicter, publisher changePublisher, proPriceID string, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mirror{store: store, cache: cache, publisher: publisher, proPriceID: proPriceID, logger: logger}
}

// Apply processes one event. Unrelated event types, events for unknown
// customers and events older than the stored state are ignored.
func (m *Mirror) Apply(ctx context.Context, ev stripe.Event) error {
	if ev.Data == nil {
		return nil
	}
	entry := m.logger.WithField("event", ev.ID).WithField("type", string(ev.Type))
	var (
		sub *domain.Subscription
		err error
	)
	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		sub, err = m.fromCheckout(ctx, ev)
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		sub, err = m.fromSubscription(ctx, ev)
	default:
		entry.Debug("ignoring billing event")
		return nil
	}
	if err != nil {
		return err
	}
	if sub == nil {
		entry.Warn("billing event for unknown user")
		return nil
	}
	if sub.EventCreated == 0 {
		sub.EventCreated = ev.Created
	}
	if err := m.store.UpsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrStaleEvent) {
			entry.Info("skipping stale billing event")
			return nil
		}
		return err
	}
	if m.cache != nil {
		m.cache.Evict(ctx, sub.UserID)
	}
	entry.WithField("user", sub.UserID).WithField("status", sub.Status).Info("subscription updated")
	if m.publisher != nil {
		c, err := domain.NewChange(domain.TableSubscriptions, domain.ChangeUpdate, sub.UserID, sub, nil)
		if err != nil {
			return err
		}
		c.Audience = []string{sub.UserID}
		if _, err := m.publisher.Publish(ctx, c); err != nil {
			entry.WithError(err).Error("publish subscription change")
		}
	}
	return nil
}

func (m *Mirror) fromCheckout(ctx context.Context, ev stripe.Event) (*domain.Subscription, error) {
	var cs stripe.CheckoutSession
	if err := sonic.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if cs.Mode != stripe.CheckoutSessionModeSubscription {
		return nil, nil
	}
	userID := cs.ClientReferenceID
	if userID == "" {
		userID = cs.Metadata["user_id"]
	}
	if userID == "" {
		return nil, nil
	}
	current, err := m.store.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Subscription events usually follow, this only links the customer.
		current = domain.Subscription{UserID: userID, Plan: domain.PlanPro, Status: "incomplete", PriceID: m.proPriceID}
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			current.Status = "active"
		}
	case err != nil:
		return nil, err
	}
	// Checkout only links ids, so it applies even when newer subscription
	// state is already stored.
	current.EventCreated = max(current.EventCreated, ev.Created)
	if cs.Customer != nil {
		current.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		current.SubscriptionID = cs.Subscription.ID
	}
	return &current, nil
}

func (m *Mirror) fromSubscription(ctx context.Context, ev stripe.Event) (*domain.Subscription, error) {
	var s stripe.Subscription
	if err := sonic.Unmarshal(ev.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	var customerID string
	if s.Customer != nil {
		customerID = s.Customer.ID
	}
	userID := s.Metadata["user_id"]
	if userID == "" && customerID != "" {
		id, err := m.store.FindUserByCustomer(ctx, customerID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			userID = id
		}
	}
	if userID == "" {
		return nil, nil
	}
	sub := &domain.Subscription{
		UserID:            userID,
		Plan:              domain.PlanFree,
		Status:            string(s.Status),
		CustomerID:        customerID,
		SubscriptionID:    s.ID,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if sub.PriceID == "" {
				sub.PriceID = item.Price.ID
			}
			if m.proPriceID == "" || item.Price.ID == m.proPriceID {
				sub.Plan = domain.PlanPro
				sub.PriceID = item.Price.ID
			}
		}
	}
	if s.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = null.TimeFrom(time.Unix(s.CurrentPeriodEnd, 0).UTC())
	}
	if ev.Type == stripe.EventTypeCustomerSubscriptionDeleted {
		sub.Status = string(stripe.SubscriptionStatusCanceled)
	}
	return sub, nil
}
