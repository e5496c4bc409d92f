package models

import (
	"strings"
	"time"
)

// PlanTier is the subscription tier assigned by the billing system
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanTeam    PlanTier = "team"
)

// Plan holds the limits that apply to a tier.
// MaxProxyKeys of 0 means unlimited.
type Plan struct {
	Tier            PlanTier
	MonthlyRequests int
	MaxProxyKeys    int
}

var plans = map[PlanTier]Plan{
	PlanFree:    {Tier: PlanFree, MonthlyRequests: 1000, MaxProxyKeys: 1},
	PlanStarter: {Tier: PlanStarter, MonthlyRequests: 10000, MaxProxyKeys: 5},
	PlanPro:     {Tier: PlanPro, MonthlyRequests: 50000},
	PlanTeam:    {Tier: PlanTeam, MonthlyRequests: 200000},
}

// PlanFor returns the limits for a tier. Unknown tiers get the free plan.
func PlanFor(tier PlanTier) Plan {
	if p, ok := plans[PlanTier(strings.ToLower(string(tier)))]; ok {
		return p
	}
	return plans[PlanFree]
}

// Caller is the authenticated identity behind a proxied request
type Caller struct {
	UserID     string
	ProxyKeyID string
	Plan       Plan
}

// ProviderCredential is a user's encrypted upstream API key.
// IV and AuthTag are stored alongside the ciphertext in separate columns.
type ProviderCredential struct {
	ID           string
	UserID       string
	Provider     string
	Name         string
	EncryptedKey []byte
	IV           []byte
	AuthTag      []byte
	IsActive     bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// ProxyCredential is a gateway-issued key. Only the Argon2id hash is kept.
type ProxyCredential struct {
	ID           string
	UserID       string
	Name         string
	KeyHash      string
	KeyPrefix    string
	IsActive     bool
	RequestCount int64
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UsageRecord represents one metered proxy call
type UsageRecord struct {
	ID               string
	UserID           string
	ProxyKeyID       *string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int
	EstimatedCostIDR int64
	StatusCode       int
	ErrorMessage     *string
	CreatedAt        time.Time
}
