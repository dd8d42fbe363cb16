// Package activity keeps a per-board log of recent changes in Azure Table
// Storage. Rows are keyed so that a partition scan returns newest first.
package activity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"thrilha/domain"
)

// Entry is one row of the activity table.
type Entry struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ChangeID     string `json:"ChangeId"`
	Table        string `json:"Table"`
	Type         string `json:"Type"`
	EntityID     string `json:"EntityId"`
	ActorID      string `json:"ActorId"`
	Summary      string `json:"Summary"`
	CommitTime   int64  `json:"CommitTime"`
}

// Item is the API view of an Entry.
type Item struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	Type       string    `json:"type"`
	EntityID   string    `json:"entityId"`
	ActorID    string    `json:"actorId"`
	Summary    string    `json:"summary"`
	CommitTime time.Time `json:"commitTime"`
}

type tableAPI interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	ListEntities(ctx context.Context, filter string, top int32) ([][]byte, error)
	CreateTable(ctx context.Context) error
}

type Log struct {
	table tableAPI
}

// New connects to the activity table.
func New(connStr, tableName string) (*Log, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &Log{table: &tableClient{svc.NewClient(tableName)}}, nil
}

// EnsureTable creates the table if it does not exist.
func (l *Log) EnsureTable(ctx context.Context) error {
	return l.table.CreateTable(ctx)
}

// Record appends a board change. Changes without a board are skipped and
// re-recording the same change is a no-op.
func (l *Log) Record(ctx context.Context, c domain.Change) error {
	if c.BoardID == "" {
		return nil
	}
	e := Entry{
		PartitionKey: c.BoardID,
		RowKey:       rowKey(c.CommitTime, c.ID),
		ChangeID:     c.ID,
		Table:        c.Table,
		Type:         string(c.Type),
		EntityID:     c.EntityID,
		ActorID:      c.ActorID,
		Summary:      Summarize(c),
		CommitTime:   c.CommitTime.UnixMilli(),
	}
	payload, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.table.AddEntity(ctx, payload, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.EntityAlreadyExists) {
			return nil
		}
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// List returns up to limit entries for the board, newest first.
func (l *Log) List(ctx context.Context, boardID string, limit int) ([]Item, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	filter := fmt.Sprintf("PartitionKey eq '%s'", strings.ReplaceAll(boardID, "'", "''"))
	rows, err := l.table.ListEntities(ctx, filter, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for _, raw := range rows {
		var e Entry
		if err := sonic.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		items = append(items, Item{
			ID:         e.ChangeID,
			Table:      e.Table,
			Type:       e.Type,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Summary:    e.Summary,
			CommitTime: time.UnixMilli(e.CommitTime).UTC(),
		})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// rowKey sorts newer commits first within a partition.
func rowKey(t time.Time, changeID string) string {
	return fmt.Sprintf("%019d_%s", math.MaxInt64-t.UnixNano(), changeID)
}

// Summarize renders a short human readable description of c.
func Summarize(c domain.Change) string {
	var rec, old map[string]any
	_ = sonic.Unmarshal(c.Record, &rec)
	_ = sonic.Unmarshal(c.OldRecord, &old)
	subject := rec
	if subject == nil {
		subject = old
	}

	noun := strings.TrimSuffix(strings.ReplaceAll(c.Table, "_", " "), "s")
	if name := label(subject); name != "" {
		noun += fmt.Sprintf(" %q", name)
	}
	switch c.Type {
	case domain.ChangeInsert:
		if strings.HasSuffix(c.Table, "collaborators") {
			return noun + " added"
		}
		return noun + " created"
	case domain.ChangeDelete:
		if strings.HasSuffix(c.Table, "collaborators") {
			return noun + " removed"
		}
		return noun + " deleted"
	}
	if c.Table == domain.TableTasks && old != nil && rec != nil && old["status"] != rec["status"] {
		return fmt.Sprintf("%s moved to %v", noun, rec["status"])
	}
	return noun + " updated"
}

func label(rec map[string]any) string {
	for _, k := range []string{"title", "name", "email", "userId"} {
		if v, ok := rec[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type tableClient struct {
	*aztables.Client
}

func (t *tableClient) ListEntities(ctx context.Context, filter string, top int32) ([][]byte, error) {
	pager := t.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	var out [][]byte
	for pager.More() && int32(len(out)) < top {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entities...)
	}
	return out, nil
}

func (t *tableClient) CreateTable(ctx context.Context) error {
	_, err := t.Client.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}
