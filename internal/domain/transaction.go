package domain

import (
	"time"
)

// Transaction is a normalized payment record supplied by the provider.
// Artifact fields are opaque identifiers; an empty string means the
// transaction carries no artifact for that category.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// The person who made the transaction
	PersonID string `json:"personId"`

	// Shared-infrastructure artifacts (zero-or-one each)
	DeviceID    string `json:"deviceId,omitempty"`
	IP          string `json:"ip,omitempty"`
	CardHash    string `json:"cardHash,omitempty"`
	AddressHash string `json:"addressHash,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Fraud label (ground truth or upstream scoring decision)
	IsFraud bool `json:"isFraud"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artifact returns the transaction's artifact id for a category.
// Empty string means the transaction has no artifact in that category.
func (t *Transaction) Artifact(category ArtifactCategory) string {
	switch category {
	case CategoryDevice:
		return t.DeviceID
	case CategoryIP:
		return t.IP
	case CategoryCard:
		return t.CardHash
	case CategoryAddress:
		return t.AddressHash
	default:
		return ""
	}
}

// ArtifactCategory identifies a shared-infrastructure category used for
// person-to-person linkage.
type ArtifactCategory string

const (
	CategoryDevice  ArtifactCategory = "device"
	CategoryIP      ArtifactCategory = "ip"
	CategoryCard    ArtifactCategory = "card"
	CategoryAddress ArtifactCategory = "address"
)

// Categories lists all linkage categories in canonical order.
func Categories() []ArtifactCategory {
	return []ArtifactCategory{CategoryDevice, CategoryIP, CategoryCard, CategoryAddress}
}
