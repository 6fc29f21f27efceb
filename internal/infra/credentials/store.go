package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/sqlinline"
)

const (
	ProviderPainter = "painter"
)

// Store persists provider credentials in the integration_tokens table. The
// painter entry holds the whole key pool as a comma-separated token so the
// pool can be rotated without a deploy.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// PainterKeys returns the stored painter key pool, empty when unset.
func (s *Store) PainterKeys(ctx context.Context) ([]string, error) {
	token, err := s.Token(ctx, ProviderPainter)
	if err != nil {
		return nil, err
	}
	return splitKeys(token), nil
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetPainterKeys replaces the painter key pool.
func (s *Store) SetPainterKeys(ctx context.Context, keys []string) error {
	cleaned := splitKeys(strings.Join(keys, ","))
	if len(cleaned) == 0 {
		return errors.New("at least one painter api key is required")
	}
	return s.upsert(ctx, ProviderPainter, strings.Join(cleaned, ","), map[string]any{"count": len(cleaned)})
}

// AddPainterKey appends a key to the pool unless it is already present.
func (s *Store) AddPainterKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("painter api key is required")
	}
	existing, err := s.PainterKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range existing {
		if k == key {
			return nil
		}
	}
	return s.SetPainterKeys(ctx, append(existing, key))
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}

func splitKeys(token string) []string {
	parts := strings.Split(token, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
