package domain

import (
	"time"
)

// AlertPolicy is a CEL expression evaluated against every ranked community
// after a refresh. When the expression evaluates to true for a community, a
// RingAlert is published on the event bus.
//
// The expression sees these variables:
//
//	community_id  int
//	person_count  int
//	tx_total      int
//	tx_fraud      int
//	fraud_rate    double
//
// Example: "person_count >= 8 && fraud_rate > 0.5"
type AlertPolicy struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RingAlert is emitted when a community matches an alert policy.
type RingAlert struct {
	TenantID   string         `json:"tenantId"`
	RefreshID  string         `json:"refreshId"`
	PolicyID   string         `json:"policyId"`
	PolicyName string         `json:"policyName"`
	Community  CommunityStats `json:"community"`
	FiredAt    time.Time      `json:"firedAt"`
}
