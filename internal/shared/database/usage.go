package database

import (
	"context"
	"fmt"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

// InsertUsageRecord appends one metered request
func (db *DB) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO proxy_requests (
			user_id, proxy_key_id, provider, model, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, estimated_cost_idr, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.UserID,
		rec.ProxyKeyID,
		rec.Provider,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.LatencyMs,
		rec.EstimatedCostIDR,
		rec.StatusCode,
		rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}
