package webhooks

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookSubscription is a subscriber callback registered through the API.
type WebhookSubscription struct {
	ID         uint           `gorm:"primaryKey"`
	URL        string         `gorm:"type:text;not null"`
	APIKeyHash string         `gorm:"size:64;not null;index:ix_webhook_subscriptions_api_key_hash"`
	Events     datatypes.JSON `gorm:"type:jsonb;not null"`
	Filters    datatypes.JSON `gorm:"type:jsonb"`
	Secret     *string        `gorm:"size:64"`
	Active     bool           `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (WebhookSubscription) TableName() string { return "webhook_subscriptions" }

// Subscription is the decoded form the dispatcher works with.
type Subscription struct {
	ID      uint
	URL     string
	Events  []string
	Filters *Filters
	Secret  string
	Active  bool
}

// Wants reports whether the subscription listens for event.
func (s Subscription) Wants(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Filters narrows which payloads a subscription receives.
type Filters struct {
	StateFIPS  []string             `json:"state_fips,omitempty"`
	GEOIDs     []string             `json:"geoids,omitempty"`
	Thresholds map[string]Threshold `json:"thresholds,omitempty"`
}

// Threshold is one metric condition for threshold.exceeded events.
type Threshold struct {
	Operator string   `json:"operator"`
	Value    *float64 `json:"value"`
}
