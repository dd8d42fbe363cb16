// Package search indexes tasks in Elasticsearch and answers full text queries
// restricted to the tasks a user may read.
package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	es "github.com/elastic/go-elasticsearch/v8"
	log "github.com/sirupsen/logrus"

	"thrilha/domain"
)

type Index struct {
	es     *es.Client
	index  string
	logger *log.Logger
}

// Document is the indexed form of a task.
type Document struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"board_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	DueAt       *int64    `json:"due_at,omitempty"`
	Audience    []string  `json:"audience"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hit is one search result.
type Hit struct {
	TaskID  string  `json:"taskId"`
	BoardID string  `json:"boardId"`
	Title   string  `json:"title"`
	Status  string  `json:"status"`
	Score   float64 `json:"score"`
}

func New(addresses []string, index string, logger *log.Logger) (*Index, error) {
	c, err := es.NewClient(es.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Index{es: c, index: index, logger: logger}, nil
}

// EnsureIndex creates the index with its mapping when missing.
func (x *Index) EnsureIndex(ctx context.Context) error {
	res, err := x.es.Indices.Exists([]string{x.index}, x.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status checking index: %s", res.String())
	}

	x.logger.WithField("index", x.index).Info("creating elasticsearch index")
	mapping := `{
  "mappings": {
    "properties": {
      "id": { "type": "keyword" },
      "board_id": { "type": "keyword" },
      "title": { "type": "text" },
      "description": { "type": "text" },
      "status": { "type": "keyword" },
      "due_at": { "type": "date", "format": "epoch_millis" },
      "audience": { "type": "keyword" },
      "updated_at": { "type": "date" }
    }
  }
}`
	createRes, err := x.es.Indices.Create(x.index,
		x.es.Indices.Create.WithContext(ctx),
		x.es.Indices.Create.WithBody(bytes.NewReader([]byte(mapping))),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return fmt.Errorf("create index error: %s", createRes.String())
	}
	return nil
}

// IndexTask stores t with the users allowed to find it.
func (x *Index) IndexTask(ctx context.Context, t domain.Task, audience []string) error {
	doc := Document{
		ID:          t.ID,
		BoardID:     t.BoardID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Audience:    audience,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.DueAt.Valid {
		ms := t.DueAt.Time.UnixMilli()
		doc.DueAt = &ms
	}
	body, err := sonic.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := x.es.Index(x.index, bytes.NewReader(body),
		x.es.Index.WithContext(ctx),
		x.es.Index.WithDocumentID(t.ID),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("es index error: %s", res.String())
	}
	return nil
}

// DeleteTask removes the task document. Missing documents are ignored.
func (x *Index) DeleteTask(ctx context.Context, id string) error {
	res, err := x.es.Delete(x.index, id, x.es.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("es delete error: %s", res.String())
	}
	return nil
}

// DeleteBoard removes every task document of the board.
func (x *Index) DeleteBoard(ctx context.Context, boardID string) error {
	body, err := sonic.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"board_id": boardID}},
	})
	if err != nil {
		return err
	}
	res, err := x.es.DeleteByQuery([]string{x.index}, bytes.NewReader(body),
		x.es.DeleteByQuery.WithContext(ctx),
		x.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("es delete by query error: %s", res.String())
	}
	return nil
}

// Search matches title and description for tasks whose audience contains userID.
func (x *Index) Search(ctx context.Context, userID, query string, limit int) ([]Hit, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	body, err := sonic.Marshal(map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"multi_match": map[string]any{
						"query":  query,
						"fields": []string{"title^2", "description"},
					}},
				},
				"filter": []any{
					map[string]any{"term": map[string]any{"audience": userID}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := x.es.Search(
		x.es.Search.WithContext(ctx),
		x.es.Search.WithIndex(x.index),
		x.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("es search error: %s", res.String())
	}

	var raw struct {
		Hits struct {
			Hits []struct {
				Score  float64  `json:"_score"`
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := sonic.ConfigDefault.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(raw.Hits.Hits))
	for _, h := range raw.Hits.Hits {
		hits = append(hits, Hit{
			TaskID:  h.Source.ID,
			BoardID: h.Source.BoardID,
			Title:   h.Source.Title,
			Status:  h.Source.Status,
			Score:   h.Score,
		})
	}
	return hits, nil
}
