package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stripe/stripe-go/v76"

	"thrilha/auth"
	"thrilha/board-api/service"
	"thrilha/domain"
	"thrilha/storage"
	"thrilha/testutil"
)

type memBlobs struct {
	mu    sync.Mutex
	names []string
}

func (m *memBlobs) Upload(_ context.Context, name, _ string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return "https://blobs.test/" + name, nil
}

func (m *memBlobs) Delete(context.Context, string) error { return nil }

func (m *memBlobs) BlobName(url string) (string, bool) {
	return strings.CutPrefix(url, "https://blobs.test/")
}

type nopSink struct{}

func (nopSink) Publish(context.Context, domain.Change) error { return nil }

type testServer struct {
	e      *echo.Echo
	store  *storage.Store
	hook   *test.Hook
	blobs  *memBlobs
	checks map[string]HealthCheck
}

func newTestServer(t *testing.T, webhook *Webhook) *testServer {
	t.Helper()
	st, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "thrilha.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, rc := testutil.Redis(t)
	logger, hook := test.NewNullLogger()
	blobs := &memBlobs{}

	svc := service.New(service.Deps{
		Store:   st,
		Plans:   storage.NewPlanCache(st, rc, time.Minute),
		Blobs:   blobs,
		Changes: nopSink{},
		Logger:  logger,
	})
	s := &testServer{e: echo.New(), store: st, hook: hook, blobs: blobs}
	s.checks = map[string]HealthCheck{"database": st.Ping}
	Register(s.e, Deps{
		Service: svc,
		Auth:    auth.NewLocal(testutil.Secret, "", ""),
		Deduper: NewRedisDeduper(rc, time.Hour),
		Webhook: webhook,
		Health:  s.checks,
		Logger:  logger,
	})
	return s
}

type request struct {
	method  string
	path    string
	user    string
	body    any
	headers map[string]string
}

func (s *testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	switch b := r.body.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case []byte:
		body = bytes.NewReader(b)
	case string:
		body = bytes.NewReader([]byte(b))
	default:
		raw, err := sonic.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if r.user != "" {
		req.Header.Set(echo.HeaderAuthorization, testutil.Bearer(t, r.user))
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) createBoard(t *testing.T, user, name string) domain.Board {
	t.Helper()
	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: user, body: map[string]string{"name": name}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create board: %d %s", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.Board](t, rec)
}

func TestRequiresAuthorization(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, request{method: http.MethodGet, path: "/api/boards"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodGet, path: "/api/boards", headers: map[string]string{"Authorization": "Bearer nope"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestBoardRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	b := s.createBoard(t, "alice", "Home")
	if b.Role != domain.RoleOwner || b.Version != 1 {
		t.Fatalf("unexpected board %+v", b)
	}

	rec := s.do(t, request{method: http.MethodGet, path: "/api/boards/" + b.ID, user: "bob"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger should get 404, got %d", rec.Code)
	}

	rec = s.do(t, request{method: http.MethodPatch, path: "/api/boards/" + b.ID, user: "alice", body: map[string]any{"name": "Work", "version": 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update board: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, request{method: http.MethodPatch, path: "/api/boards/" + b.ID, user: "alice", body: map[string]any{"name": "Stale", "version": 1}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale update should conflict, got %d", rec.Code)
	}
	var conflict struct {
		Error   string       `json:"error"`
		Current domain.Board `json:"current"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict.Current.Version != 2 || conflict.Current.Name != "Work" {
		t.Fatalf("conflict should carry the current board, got %+v", conflict.Current)
	}

	rec = s.do(t, request{method: http.MethodGet, path: "/api/boards", user: "alice"})
	if boards := decodeBody[[]domain.Board](t, rec); len(boards) != 1 {
		t.Fatalf("expected one board, got %+v", boards)
	}
	rec = s.do(t, request{method: http.MethodGet, path: "/api/boards", user: "bob"})
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list should encode as [], got %s", rec.Body.String())
	}

	rec = s.do(t, request{method: http.MethodDelete, path: "/api/boards/" + b.ID, user: "alice"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete board: %d", rec.Code)
	}
}

func TestPlanLimitIsPaymentRequired(t *testing.T) {
	s := newTestServer(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		s.createBoard(t, "alice", name)
	}
	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: map[string]string{"name": "d"}})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.Limit == nil || resp.Limit.Limit != 3 || resp.Limit.Resource != "boards" {
		t.Fatalf("unexpected limit body %+v", resp)
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: map[string]string{"name": "", "color": "blue"}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if len(resp.Fields) != 2 {
		t.Fatalf("expected two field errors, got %+v", resp.Fields)
	}

	rec = s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: `{"name":"x","unknown":1}`})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields should be rejected, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodGet, path: "/api/calendar?from=yesterday", user: "alice"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad date should be rejected, got %d", rec.Code)
	}
}

func TestIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	headers := map[string]string{idempotencyHeader: "create-home"}

	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: map[string]string{"name": ""}, headers: headers})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: map[string]string{"name": "Home"}, headers: headers})
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed request should release the key, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: map[string]string{"name": "Home"}, headers: headers})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay should conflict, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "bob", body: map[string]string{"name": "Home"}, headers: headers})
	if rec.Code != http.StatusCreated {
		t.Fatalf("keys are scoped per user, got %d", rec.Code)
	}
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestGzipRequestBody(t *testing.T) {
	s := newTestServer(t, nil)
	body := gzipped(t, []byte(`{"name":"Zipped"}`))
	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: body, headers: map[string]string{echo.HeaderContentEncoding: "identity, gzip"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("gzip body: %d %s", rec.Code, rec.Body.String())
	}

	cases := []struct {
		name string
		body []byte
		want int
	}{
		{"not gzip", []byte("not gzip"), http.StatusBadRequest},
		{"truncated stream", body[:len(body)-8], http.StatusBadRequest},
		{"inflates past the cap", gzipped(t, make([]byte, maxInflatedBody+1)), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, request{method: http.MethodPost, path: "/api/boards", user: "alice", body: tc.body, headers: map[string]string{echo.HeaderContentEncoding: "gzip"}})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body.String())
			}
			if resp := decodeBody[errorResponse](t, rec); resp.Error == "" {
				t.Fatalf("expected error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestTaskRoutesAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	b := s.createBoard(t, "alice", "Home")

	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards/" + b.ID + "/tasks", user: "alice", body: map[string]any{"title": "Buy milk", "dueAt": "2026-06-01T10:00:00Z"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[domain.Task](t, rec)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/tasks/" + task.ID + "/move", user: "alice", body: map[string]any{"status": "done", "position": 0, "version": task.Version}})
	if rec.Code != http.StatusOK {
		t.Fatalf("move task: %d %s", rec.Code, rec.Body.String())
	}

	s.hook.Reset()
	rec = s.do(t, request{method: http.MethodGet, path: "/api/boards/" + b.ID + "/tasks?status=done&dueFrom=2026-05-01", user: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks: %d %s", rec.Code, rec.Body.String())
	}
	if tasks := decodeBody[[]domain.Task](t, rec); len(tasks) != 1 || tasks[0].Status != domain.StatusDone {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	entry := s.hook.LastEntry()
	if entry == nil || entry.Message != tasksEventName {
		t.Fatalf("expected metrics log line, got %+v", entry)
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok || attrs["thrilha.tasks.tasks_returned"] != 1 || attrs["thrilha.tasks.filtered"] != true {
		t.Fatalf("unexpected metrics attributes %#v", entry.Data["attributes"])
	}

	rec = s.do(t, request{method: http.MethodGet, path: "/api/boards/" + b.ID + "/tasks?status=blocked", user: "alice"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid status filter: %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodGet, path: "/api/tasks/" + task.ID, user: "bob"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stranger should get 404, got %d", rec.Code)
	}
}

func TestCollaboratorRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, request{method: http.MethodGet, path: "/api/profile", user: "bob"}); rec.Code != http.StatusOK {
		t.Fatalf("profile: %d", rec.Code)
	}
	b := s.createBoard(t, "alice", "Home")

	rec := s.do(t, request{method: http.MethodPost, path: "/api/boards/" + b.ID + "/collaborators", user: "alice", body: map[string]string{"email": "bob@example.com", "role": "viewer"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add collaborator: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, request{method: http.MethodPost, path: "/api/boards/" + b.ID + "/collaborators", user: "alice", body: map[string]string{"email": "bob@example.com", "role": "editor"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate collaborator should conflict, got %d", rec.Code)
	}

	rec = s.do(t, request{method: http.MethodPatch, path: "/api/boards/" + b.ID, user: "bob", body: map[string]any{"name": "Mine", "version": 1}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer update should be 403, got %d", rec.Code)
	}

	rec = s.do(t, request{method: http.MethodDelete, path: "/api/boards/" + b.ID + "/collaborators/bob", user: "bob"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("leave board: %d", rec.Code)
	}
}

func TestProfileEmailComesFromToken(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, request{method: http.MethodPut, path: "/api/profile", user: "carol", body: map[string]string{"displayName": "Carol", "email": "dave@example.com"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("email is not an editable field, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodPut, path: "/api/profile", user: "carol", body: map[string]string{"displayName": "Carol"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update profile: %d %s", rec.Code, rec.Body.String())
	}
	if p := decodeBody[domain.Profile](t, rec); p.Email != "carol@example.com" || p.DisplayName != "Carol" {
		t.Fatalf("unexpected profile %+v", p)
	}

	token := testutil.Token(t, "mallory", jwt.MapClaims{"email": "carol@example.com"})
	rec = s.do(t, request{method: http.MethodGet, path: "/api/profile", headers: map[string]string{echo.HeaderAuthorization: "Bearer " + token}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("claimed email should conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAvatarUpload(t *testing.T) {
	s := newTestServer(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "me.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	_ = mw.Close()

	rec := s.do(t, request{method: http.MethodPost, path: "/api/profile/avatar", user: "alice", body: buf.Bytes(), headers: map[string]string{echo.HeaderContentType: mw.FormDataContentType()}})
	if rec.Code != http.StatusOK {
		t.Fatalf("avatar upload: %d %s", rec.Code, rec.Body.String())
	}
	p := decodeBody[domain.Profile](t, rec)
	if !p.AvatarURL.Valid || !strings.HasPrefix(p.AvatarURL.String, "https://blobs.test/avatars/alice/") {
		t.Fatalf("unexpected avatar %v", p.AvatarURL)
	}

	rec = s.do(t, request{method: http.MethodPost, path: "/api/profile/avatar", user: "alice", body: "{}"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file should be 400, got %d", rec.Code)
	}
}

func TestOptionalFeaturesUnavailable(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, request{method: http.MethodGet, path: "/api/search?q=milk", user: "alice"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("search without index should be 503, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: "{}"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("webhook without billing should be 503, got %d", rec.Code)
	}
	rec = s.do(t, request{method: http.MethodGet, path: "/api/billing/subscription", user: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("subscription summary: %d", rec.Code)
	}
	if summary := decodeBody[service.BillingSummary](t, rec); summary.Plan != domain.PlanFree || summary.Limits.MaxBoards != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

type fakeVerifier struct{}

func (fakeVerifier) VerifyWebhook(payload []byte, sig string) (stripe.Event, error) {
	if sig != "valid" {
		return stripe.Event{}, errors.New("bad signature")
	}
	var ev stripe.Event
	err := sonic.Unmarshal(payload, &ev)
	return ev, err
}

type fakeEventQueue struct {
	payloads [][]byte
	err      error
}

func (q *fakeEventQueue) Enqueue(_ context.Context, payload []byte) error {
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, payload)
	return nil
}

func TestStripeWebhook(t *testing.T) {
	queue := &fakeEventQueue{}
	s := newTestServer(t, &Webhook{Verifier: fakeVerifier{}, Queue: queue})
	body := `{"id":"evt_1","type":"customer.subscription.updated","created":1700000000}`
	send := func(sig string) int {
		return s.do(t, request{method: http.MethodPost, path: "/webhooks/stripe", body: body, headers: map[string]string{"Stripe-Signature": sig}}).Code
	}

	if code := send("forged"); code != http.StatusBadRequest {
		t.Fatalf("bad signature should be 400, got %d", code)
	}

	queue.err = errors.New("queue down")
	if code := send("valid"); code != http.StatusInternalServerError {
		t.Fatalf("enqueue failure should be 500, got %d", code)
	}
	queue.err = nil
	if code := send("valid"); code != http.StatusOK {
		t.Fatalf("retry after failure should be accepted, got %d", code)
	}
	if code := send("valid"); code != http.StatusOK {
		t.Fatalf("duplicate should still answer 200, got %d", code)
	}
	if len(queue.payloads) != 1 || string(queue.payloads[0]) != body {
		t.Fatalf("expected exactly one enqueued payload, got %d", len(queue.payloads))
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, request{method: http.MethodGet, path: "/healthz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
	s.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec = s.do(t, request{method: http.MethodGet, path: "/healthz"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing dependency should be 503, got %d", rec.Code)
	}
	if resp := decodeBody[healthResponse](t, rec); resp.Checks["redis"] != "connection refused" || resp.Checks["database"] != "ok" {
		t.Fatalf("unexpected health body %+v", resp)
	}
}

func TestUnexpectedErrorsAreHidden(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := writeError(c, logger, errors.New("pq: connection reset")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "pq") {
		t.Fatalf("internal details leaked: %d %s", rec.Code, rec.Body.String())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error log, got %+v", entry)
	}
}
