package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// Registry resolves the callback URL for an assessed transaction. An empty URL means
// nobody is registered.
type Registry interface {
	Resolve(ctx context.Context, event domain.AssessmentEvent) (string, error)
}

// merchantOf prefers the explicit merchant id and falls back to the payee.
func merchantOf(event domain.AssessmentEvent) string {
	if event.MerchantID != "" {
		return event.MerchantID
	}
	return event.ReceiverID
}

// StaticRegistry serves a fixed table with a default URL.
type StaticRegistry struct {
	DefaultURL string
	Merchants  map[string]string
}

func (s StaticRegistry) Resolve(_ context.Context, event domain.AssessmentEvent) (string, error) {
	if url, ok := s.Merchants[merchantOf(event)]; ok && url != "" {
		return url, nil
	}
	return s.DefaultURL, nil
}

// Querier is the part of *pgxpool.Pool the registry uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRegistry reads merchant callbacks from the merchant_webhooks table.
type PostgresRegistry struct {
	db         Querier
	defaultURL string
}

// NewPostgresRegistry builds a registry over db.
func NewPostgresRegistry(db Querier, defaultURL string) *PostgresRegistry {
	return &PostgresRegistry{db: db, defaultURL: defaultURL}
}

const resolveCallbackSQL = `
    SELECT callback_url
    FROM merchant_webhooks
    WHERE merchant_id = $1 AND active = TRUE
    LIMIT 1
`

// Schema is the DDL the registry expects.
const Schema = `
CREATE TABLE IF NOT EXISTS merchant_webhooks (
    merchant_id  TEXT PRIMARY KEY,
    callback_url TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func (r *PostgresRegistry) Resolve(ctx context.Context, event domain.AssessmentEvent) (string, error) {
	merchant := merchantOf(event)
	if merchant == "" {
		return r.defaultURL, nil
	}
	var url string
	err := r.db.QueryRow(ctx, resolveCallbackSQL, merchant).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.defaultURL, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve webhook for %s: %w", merchant, err)
	}
	return strings.TrimSpace(url), nil
}
