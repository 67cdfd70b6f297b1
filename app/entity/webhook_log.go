package entity

import "time"

const (
	WebhookLogStatusPending = "pending"
	WebhookLogStatusSuccess = "success"
	WebhookLogStatusError   = "error"
)

type WebhookLog struct {
	ID uint64

	Provider        string
	EventID         string
	EventType       string
	PaymentIntentID *string

	Status   string
	Attempts int32
	LastErr  *string

	// Details receives additive merges across attempts. A retried event
	// keeps the context recorded by earlier attempts.
	Details map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
