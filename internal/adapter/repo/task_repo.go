package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/sqlinline"
)

// PGTaskRepository persists tasks as a JSONB document plus a handful of
// queryable columns. Billing state lives in its own columns and table, owned
// by the ledger, and is overlaid on read.
type PGTaskRepository struct {
	sql infra.SQLExecutor
}

func NewPGTaskRepository(sql infra.SQLExecutor) *PGTaskRepository {
	return &PGTaskRepository{sql: sql}
}

func (r *PGTaskRepository) Create(ctx context.Context, t *domain.Task) error {
	doc, err := marshalTaskDoc(t)
	if err != nil {
		return err
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertTask, t.ID, t.UserID, string(t.Status), doc, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *PGTaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectTask, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadBillingEvents(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *PGTaskRepository) Update(ctx context.Context, t *domain.Task) error {
	doc, err := marshalTaskDoc(t)
	if err != nil {
		return err
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateTask, t.ID, string(t.Status), doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PGTaskRepository) CountActive(ctx context.Context, userID string) (int, error) {
	statuses := make([]string, len(domain.ActiveStatuses))
	for i, s := range domain.ActiveStatuses {
		statuses[i] = string(s)
	}
	var n int
	if err := r.sql.QueryRow(ctx, sqlinline.QCountActiveTasks, userID, statuses).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (r *PGTaskRepository) OldestQueued(ctx context.Context, userID string) (*domain.Task, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QOldestQueuedTask, userID)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadBillingEvents(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *PGTaskRepository) loadBillingEvents(ctx context.Context, t *domain.Task) error {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectBillingEvents, t.ID)
	if err != nil {
		return fmt.Errorf("load billing events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev domain.BillingEvent
		var kind string
		if err := rows.Scan(&kind, &ev.Key, &ev.Amount, &ev.Reason, &ev.CreatedAt); err != nil {
			return err
		}
		ev.Kind = domain.BillingEventKind(kind)
		t.BillingEvents = append(t.BillingEvents, ev)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		doc          []byte
		status       string
		creditsSpent int
		billingError string
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&doc, &status, &creditsSpent, &billingError, &createdAt, &updatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode task doc: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.CreditsSpent = creditsSpent
	t.BillingError = billingError
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return &t, nil
}

// marshalTaskDoc serializes the task without ledger-owned fields, so a stale
// in-flight struct can never roll billing state back through Update.
func marshalTaskDoc(t *domain.Task) ([]byte, error) {
	cp := *t
	cp.CreditsSpent = 0
	cp.BillingEvents = nil
	cp.BillingError = ""
	doc, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode task doc: %w", err)
	}
	return doc, nil
}

var _ domain.TaskRepository = (*PGTaskRepository)(nil)
