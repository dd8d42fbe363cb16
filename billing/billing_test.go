package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"thrilha/changefeed"
	"thrilha/config"
	"thrilha/domain"
	"thrilha/storage"
	"thrilha/testutil"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func event(t *testing.T, id string, typ stripe.EventType, created int64, object string) stripe.Event {
	t.Helper()
	raw := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, typ, created, object)
	var ev stripe.Event
	if err := sonic.UnmarshalString(raw, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func subscriptionObject(status string, periodEnd int64, metaUser string) string {
	meta := "{}"
	if metaUser != "" {
		meta = fmt.Sprintf(`{"user_id":%q}`, metaUser)
	}
	return fmt.Sprintf(`{"id":"sub_1","object":"subscription","customer":"cus_1","status":%q,"current_period_end":%d,"cancel_at_period_end":false,"metadata":%s,"items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_pro"}}]}}`,
		status, periodEnd, meta)
}

type mirrorFixture struct {
	store  *storage.Store
	cache  *storage.PlanCache
	mirror *Mirror
	rc     *redis.Client
}

func newMirror(t *testing.T) mirrorFixture {
	t.Helper()
	_, rc := testutil.Redis(t)
	store := newStore(t)
	cache := storage.NewPlanCache(store, rc, time.Minute)
	feed := changefeed.NewPublisher(rc, "changes", "changes", 100)
	logger, _ := test.NewNullLogger()
	return mirrorFixture{store: store, cache: cache, rc: rc, mirror: NewMirror(store, cache, feed, "price_pro", logger)}
}

func TestMirrorSubscriptionLifecycle(t *testing.T) {
	f := newMirror(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()

	// Prime the cache with the free plan so eviction is observable.
	if plan, err := f.cache.Plan(ctx, "u1", time.Now()); err != nil || plan != domain.PlanFree {
		t.Fatalf("expected free plan, got %v %v", plan, err)
	}

	created := event(t, "evt_1", stripe.EventTypeCustomerSubscriptionCreated, 100, subscriptionObject("active", periodEnd, "u1"))
	if err := f.mirror.Apply(ctx, created); err != nil {
		t.Fatalf("apply created: %v", err)
	}
	plan, err := f.cache.Plan(ctx, "u1", time.Now())
	if err != nil || plan != domain.PlanPro {
		t.Fatalf("expected pro plan, got %v %v", plan, err)
	}

	// The customer mapping lets later events without metadata resolve the user.
	deleted := event(t, "evt_2", stripe.EventTypeCustomerSubscriptionDeleted, 200, subscriptionObject("active", periodEnd, ""))
	if err := f.mirror.Apply(ctx, deleted); err != nil {
		t.Fatalf("apply deleted: %v", err)
	}
	sub, err := f.store.GetSubscription(ctx, "u1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Status != "canceled" || sub.CustomerID != "cus_1" || sub.EventCreated != 200 {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if plan, _ := f.cache.Plan(ctx, "u1", time.Now()); plan != domain.PlanFree {
		t.Fatalf("expected free plan after cancel, got %v", plan)
	}

	if n, err := f.rc.XLen(ctx, "changes").Result(); err != nil || n != 2 {
		t.Fatalf("expected two subscription changes, got %d %v", n, err)
	}
}

func TestMirrorIgnoresStaleEvents(t *testing.T) {
	f := newMirror(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(time.Hour).Unix()

	if err := f.mirror.Apply(ctx, event(t, "evt_new", stripe.EventTypeCustomerSubscriptionUpdated, 300, subscriptionObject("past_due", periodEnd, "u1"))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := f.mirror.Apply(ctx, event(t, "evt_old", stripe.EventTypeCustomerSubscriptionUpdated, 100, subscriptionObject("active", periodEnd, "u1"))); err != nil {
		t.Fatalf("stale event should not fail: %v", err)
	}
	sub, err := f.store.GetSubscription(ctx, "u1")
	if err != nil || sub.Status != "past_due" {
		t.Fatalf("expected past_due to survive, got %+v %v", sub, err)
	}
}

func TestMirrorCheckoutLinksCustomer(t *testing.T) {
	f := newMirror(t)
	ctx := context.Background()
	cs := `{"id":"cs_1","object":"checkout.session","mode":"subscription","payment_status":"paid","client_reference_id":"u2","customer":"cus_9","subscription":"sub_9"}`
	if err := f.mirror.Apply(ctx, event(t, "evt_cs", stripe.EventTypeCheckoutSessionCompleted, 50, cs)); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}
	sub, err := f.store.GetSubscription(ctx, "u2")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.CustomerID != "cus_9" || sub.SubscriptionID != "sub_9" || sub.Status != "active" || sub.Plan != domain.PlanPro {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	user, err := f.store.FindUserByCustomer(ctx, "cus_9")
	if err != nil || user != "u2" {
		t.Fatalf("expected customer mapping, got %q %v", user, err)
	}
}

func TestMirrorLateCheckoutStillLinksIDs(t *testing.T) {
	f := newMirror(t)
	ctx := context.Background()
	periodEnd := time.Now().Add(time.Hour).Unix()
	updated := fmt.Sprintf(`{"id":"sub_7","object":"subscription","status":"past_due","current_period_end":%d,"metadata":{"user_id":"u3"},"items":{"object":"list","data":[{"id":"si_7","price":{"id":"price_pro"}}]}}`, periodEnd)
	if err := f.mirror.Apply(ctx, event(t, "evt_upd", stripe.EventTypeCustomerSubscriptionUpdated, 300, updated)); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	cs := `{"id":"cs_7","object":"checkout.session","mode":"subscription","payment_status":"paid","client_reference_id":"u3","customer":"cus_7","subscription":"sub_7"}`
	if err := f.mirror.Apply(ctx, event(t, "evt_cs", stripe.EventTypeCheckoutSessionCompleted, 200, cs)); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}

	sub, err := f.store.GetSubscription(ctx, "u3")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.CustomerID != "cus_7" || sub.SubscriptionID != "sub_7" {
		t.Fatalf("expected checkout to link ids, got %+v", sub)
	}
	if sub.Status != "past_due" || sub.EventCreated != 300 {
		t.Fatalf("newer subscription state should survive, got %+v", sub)
	}

	// An older subscription event is still stale after the checkout.
	if err := f.mirror.Apply(ctx, event(t, "evt_old", stripe.EventTypeCustomerSubscriptionUpdated, 250, subscriptionObject("active", periodEnd, "u3"))); err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if sub, _ := f.store.GetSubscription(ctx, "u3"); sub.Status != "past_due" {
		t.Fatalf("stale event applied: %+v", sub)
	}
}

func TestMirrorUnknownCustomerIsDropped(t *testing.T) {
	f := newMirror(t)
	ev := event(t, "evt_x", stripe.EventTypeCustomerSubscriptionUpdated, 10, subscriptionObject("active", 0, ""))
	if err := f.mirror.Apply(context.Background(), ev); err != nil {
		t.Fatalf("expected unknown customer to be ignored, got %v", err)
	}
}

type fakeQueue struct {
	messages []*Message
	deleted  []string
}

func (q *fakeQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Message, error) {
	if len(q.messages) == 0 {
		return nil, nil
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	return m, nil
}

func (q *fakeQueue) Delete(ctx context.Context, m *Message) error {
	q.deleted = append(q.deleted, m.ID)
	return nil
}

type fakeApplier struct {
	err     error
	applied []string
}

func (a *fakeApplier) Apply(ctx context.Context, ev stripe.Event) error {
	a.applied = append(a.applied, ev.ID)
	return a.err
}

func TestConsumerDeletesAppliedMessages(t *testing.T) {
	q := &fakeQueue{messages: []*Message{{ID: "m1", DequeueCount: 1, Text: `{"id":"evt_1","object":"event","type":"invoice.paid","created":1,"data":{"object":{}}}`}}}
	a := &fakeApplier{}
	logger, _ := test.NewNullLogger()
	c := &Consumer{Queue: q, Mirror: a, Logger: logger}

	processed, err := c.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("process: %v %v", processed, err)
	}
	if len(a.applied) != 1 || a.applied[0] != "evt_1" || len(q.deleted) != 1 {
		t.Fatalf("unexpected state applied=%v deleted=%v", a.applied, q.deleted)
	}
	if processed, err := c.ProcessOne(context.Background()); processed || err != nil {
		t.Fatalf("expected empty queue, got %v %v", processed, err)
	}
}

func TestConsumerRetriesThenDropsPoison(t *testing.T) {
	text := `{"id":"evt_2","object":"event","type":"customer.subscription.updated","created":1,"data":{"object":{}}}`
	q := &fakeQueue{messages: []*Message{
		{ID: "m1", DequeueCount: 1, Text: text},
		{ID: "m1", DequeueCount: MaxDeliveries, Text: text},
		{ID: "m1", DequeueCount: MaxDeliveries + 1, Text: text},
		{ID: "m2", DequeueCount: 1, Text: "not json"},
	}}
	a := &fakeApplier{err: errors.New("db down")}
	logger, hook := test.NewNullLogger()
	c := &Consumer{Queue: q, Mirror: a, Logger: logger}
	ctx := context.Background()

	if _, err := c.ProcessOne(ctx); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if len(q.deleted) != 0 {
		t.Fatalf("failed message should stay queued, deleted=%v", q.deleted)
	}
	if _, err := c.ProcessOne(ctx); err != nil {
		t.Fatalf("last allowed attempt: %v", err)
	}
	if len(q.deleted) != 0 {
		t.Fatalf("message on its fifth delivery should stay queued, deleted=%v", q.deleted)
	}
	if _, err := c.ProcessOne(ctx); err != nil {
		t.Fatalf("poison attempt: %v", err)
	}
	if _, err := c.ProcessOne(ctx); err != nil {
		t.Fatalf("undecodable attempt: %v", err)
	}
	if len(q.deleted) != 2 || q.deleted[0] != "m1" || q.deleted[1] != "m2" {
		t.Fatalf("unexpected deletions %v", q.deleted)
	}
	if hook.LastEntry() == nil {
		t.Fatal("expected log entries")
	}
}

type fakeQueueAPI struct {
	enqueued []string
	created  int
	exists   bool
}

func (f *fakeQueueAPI) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.enqueued = append(f.enqueued, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueueAPI) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	if len(f.enqueued) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	id, receipt, count := "m1", "r1", int64(1)
	text := f.enqueued[0]
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{
		{MessageID: &id, PopReceipt: &receipt, DequeueCount: &count, MessageText: &text},
	}}, nil
}

func (f *fakeQueueAPI) DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	if messageID == "m1" && popReceipt == "r1" {
		f.enqueued = f.enqueued[1:]
	}
	return azqueue.DeleteMessageResponse{}, nil
}

func (f *fakeQueueAPI) Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateResponse, error) {
	f.created++
	if f.exists {
		return azqueue.CreateResponse{}, &azcore.ResponseError{ErrorCode: "QueueAlreadyExists", StatusCode: http.StatusConflict}
	}
	return azqueue.CreateResponse{}, nil
}

func TestQueueRoundTrip(t *testing.T) {
	api := &fakeQueueAPI{exists: true}
	q := &Queue{client: api}
	ctx := context.Background()

	if err := q.EnsureQueue(ctx); err != nil {
		t.Fatalf("existing queue should be accepted: %v", err)
	}
	if err := q.Enqueue(ctx, []byte(`{"id":"evt_1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := q.Dequeue(ctx, 30*time.Second)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: %v %v", msg, err)
	}
	if msg.Text != `{"id":"evt_1"}` || msg.DequeueCount != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if err := q.Delete(ctx, msg); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msg, _ := q.Dequeue(ctx, time.Second); msg != nil {
		t.Fatalf("expected empty queue, got %+v", msg)
	}
}

func stripeBackend(t *testing.T, handler http.HandlerFunc) *stripe.Backends {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

func TestCheckoutCreatesSession(t *testing.T) {
	var form url.Values
	backends := stripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.example/cs_1"}`)
	})
	p := newPaymentsWithBackends(config.Stripe{SecretKey: "sk_test", ProPriceID: "price_pro", SuccessURL: "https://app/ok", CancelURL: "https://app/no"}, backends)

	got, err := p.Checkout(context.Background(), "u1", "u1@example.com", &domain.Subscription{CustomerID: "cus_1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got != "https://checkout.example/cs_1" {
		t.Fatalf("unexpected url %q", got)
	}
	if form.Get("client_reference_id") != "u1" || form.Get("customer") != "cus_1" || form.Get("line_items[0][price]") != "price_pro" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("subscription_data[metadata][user_id]") != "u1" {
		t.Fatalf("expected subscription metadata, got %v", form)
	}
}

func TestPortalRequiresCustomer(t *testing.T) {
	backends := stripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"bps_1","object":"billing_portal.session","url":"https://portal.example/bps_1"}`)
	})
	p := newPaymentsWithBackends(config.Stripe{SecretKey: "sk_test"}, backends)
	if _, err := p.Portal(context.Background(), ""); !errors.Is(err, ErrNoCustomer) {
		t.Fatalf("expected ErrNoCustomer, got %v", err)
	}
	got, err := p.Portal(context.Background(), "cus_1")
	if err != nil || got != "https://portal.example/bps_1" {
		t.Fatalf("portal: %q %v", got, err)
	}
}

func TestUnconfiguredPayments(t *testing.T) {
	p := NewPayments(config.Stripe{})
	if _, err := p.Checkout(context.Background(), "u1", "", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := p.VerifyWebhook([]byte("{}"), "sig"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestVerifyWebhook(t *testing.T) {
	p := NewPayments(config.Stripe{WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","created":10,"data":{"object":{}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test"})

	ev, err := p.VerifyWebhook(signed.Payload, signed.Header)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != stripe.EventTypeCustomerSubscriptionUpdated {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := p.VerifyWebhook(payload, "t=1,v1=deadbeef"); err == nil {
		t.Fatal("expected signature failure")
	}
}
