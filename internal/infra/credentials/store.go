package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// ProviderGPUServer names the bearer key presented to remote GPU backends.
const ProviderGPUServer = "gpu_server"

// Store reads and writes integration tokens kept in the database so keys can
// rotate without redeploying the worker.
type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

// GPUServerAPIKey prefers the configured key and falls back to the stored one.
func (s *Store) GPUServerAPIKey(ctx context.Context, configured string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	return s.Token(ctx, ProviderGPUServer)
}

// Token returns the stored token for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("select %s token: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetGPUServerAPIKey(ctx context.Context, key, setBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("gpu server api key is required")
	}
	props := map[string]any{"rotated_at": s.now().UTC().Format(time.RFC3339)}
	if setBy = strings.TrimSpace(setBy); setBy != "" {
		props["set_by"] = setBy
	}
	return s.upsert(ctx, ProviderGPUServer, key, props)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
