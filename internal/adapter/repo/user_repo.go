package repo

import (
	"context"
	"fmt"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/sqlinline"
)

type PGUserRepository struct {
	sql infra.SQLExecutor
}

func NewPGUserRepository(sql infra.SQLExecutor) *PGUserRepository {
	return &PGUserRepository{sql: sql}
}

func (r *PGUserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	row := r.sql.QueryRow(ctx, sqlinline.QSelectUser, id)
	if err := row.Scan(&u.ID, &u.Name, &u.Credits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

func (r *PGUserRepository) Create(ctx context.Context, u *domain.User) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertUser, u.ID, u.Name, u.Credits, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PGUserRepository) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.Query(ctx, sqlinline.QSelectCreditTransactions, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var ct domain.CreditTransaction
		if err := rows.Scan(&ct.ID, &ct.UserID, &ct.TaskID, &ct.Amount, &ct.Balance, &ct.Reason, &ct.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

var _ domain.UserRepository = (*PGUserRepository)(nil)
