package entity

import "time"

const (
	SessionStatusPending   = "pending"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// sessionStatusRank orders statuses so transitions only move forward.
// Terminal statuses never revert to pending on replayed events.
var sessionStatusRank = map[string]int{
	SessionStatusPending:   0,
	SessionStatusCompleted: 10,
	SessionStatusFailed:    10,
}

func SessionStatusAdvances(from, to string) bool {
	return sessionStatusRank[to] > sessionStatusRank[from]
}

type CheckoutSession struct {
	ID uint64

	Provider          string
	ProviderSessionID string

	PaymentIntentID *string
	SubscriptionID  *string

	OfferID  string
	LanderID *string

	CustomerEmail *string
	CustomerName  *string
	CustomerPhone *string

	AmountTotal int64
	Currency    string

	Status        string
	PaymentStatus *string

	GHLContactID *string

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
