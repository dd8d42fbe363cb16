package search

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/volatiletech/null/v8"

	"thrilha/domain"
)

type recorded struct {
	method, path, body string
}

func newTestIndex(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Index, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{r.Method, r.URL.Path, string(body)})
		mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	x, err := New([]string{srv.URL}, "tasks", logger)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return x, &calls
}

func TestEnsureIndexCreatesWhenMissing(t *testing.T) {
	x, calls := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	})
	if err := x.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if len(*calls) != 2 || (*calls)[1].method != http.MethodPut || !strings.Contains((*calls)[1].body, `"audience": { "type": "keyword" }`) {
		t.Fatalf("unexpected calls %+v", *calls)
	}
}

func TestIndexTaskSendsAudience(t *testing.T) {
	x, calls := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	})
	task := domain.Task{ID: "t1", BoardID: "b1", Title: "Pay rent", Status: domain.StatusTodo,
		DueAt: null.TimeFrom(time.UnixMilli(1700000000000)), UpdatedAt: time.Now()}
	if err := x.IndexTask(context.Background(), task, []string{"alice", "bob"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	c := (*calls)[0]
	if c.path != "/tasks/_doc/t1" {
		t.Fatalf("unexpected path %q", c.path)
	}
	if !strings.Contains(c.body, `"audience":["alice","bob"]`) || !strings.Contains(c.body, `"due_at":1700000000000`) {
		t.Fatalf("unexpected body %s", c.body)
	}
}

func TestDeleteTaskIgnoresMissing(t *testing.T) {
	x, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"result":"not_found"}`))
	})
	if err := x.DeleteTask(context.Background(), "t1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestSearchFiltersByAudience(t *testing.T) {
	x, calls := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_score":1.5,"_source":{"id":"t1","board_id":"b1","title":"Pay rent","status":"todo"}}]}}`))
	})
	hits, err := x.Search(context.Background(), "alice", "rent", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].TaskID != "t1" || hits[0].Score != 1.5 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	body := (*calls)[0].body
	if !strings.Contains(body, `"term":{"audience":"alice"}`) || !strings.Contains(body, `"size":20`) {
		t.Fatalf("unexpected query %s", body)
	}
}

func TestSearchReportsErrors(t *testing.T) {
	x, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	})
	if _, err := x.Search(context.Background(), "alice", "x", 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteBoardDeletesByQuery(t *testing.T) {
	x, calls := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"deleted":2}`))
	})
	if err := x.DeleteBoard(context.Background(), "b1"); err != nil {
		t.Fatalf("delete board: %v", err)
	}
	c := (*calls)[0]
	if c.method != http.MethodPost || c.path != "/tasks/_delete_by_query" {
		t.Fatalf("unexpected call %+v", c)
	}
	if !strings.Contains(c.body, `"board_id":"b1"`) {
		t.Fatalf("unexpected body %s", c.body)
	}
}
