package audit

import (
	"context"
	"time"
)

// Admin action kinds.
const (
	ActionAddTokens     = "add_tokens"
	ActionSubTokens     = "sub_tokens"
	ActionZeroBalance   = "zero_balance"
	ActionSetBalance    = "set_balance"
	ActionPaymentCredit = "payment_credit"
	ActionIssueToken    = "issue_token"
	ActionRevokeToken   = "revoke_token"
)

type GenerationRecord struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	RequestID    string    `json:"request_id,omitempty"`
	Prompt       string    `json:"prompt"`
	ImageURL     string    `json:"image_url"`
	Model        string    `json:"model"`
	TokensSpent  int64     `json:"tokens_spent"`
	AspectRatio  string    `json:"aspect_ratio,omitempty"`
	Resolution   string    `json:"resolution,omitempty"`
	OutputFormat string    `json:"output_format,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type AdminAction struct {
	ID           string    `json:"id"`
	AdminID      int64     `json:"admin_id"`
	TargetUserID int64     `json:"target_user_id"`
	Action       string    `json:"action"`
	Amount       int64     `json:"amount"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogGeneration(ctx context.Context, rec *GenerationRecord) error
	RecentGenerations(ctx context.Context, userID int64, limit int) ([]*GenerationRecord, error)
	LogAdminAction(ctx context.Context, action *AdminAction) error
}
