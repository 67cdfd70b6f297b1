package types

import "time"

const (
	EventTypeCheckoutCompleted = "checkout_completed"
	EventTypePaymentSucceeded  = "payment_succeeded"
	EventTypePaymentFailed     = "payment_failed"
	EventTypePaymentCanceled   = "payment_canceled"
	EventTypePaymentRefunded   = "payment_refunded"
	EventTypeSubscriptionEnded = "subscription_ended"
)

// PaymentEvent is the provider-neutral envelope every webhook payload is
// normalized into before it reaches the fulfillment service.
type PaymentEvent struct {
	EventID    string
	EventType  string
	Provider   string
	OccurredAt time.Time
	Livemode   bool

	SessionID       string
	PaymentIntentID string
	ChargeID        string
	SubscriptionID  string

	ClientReferenceID string
	OfferID           string
	LanderID          string

	CustomerEmail string
	CustomerName  string
	CustomerPhone string

	AmountTotal   int64
	Currency      string
	PaymentStatus string
	PaymentMethod string

	Metadata map[string]string

	LineItems []LineItem

	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

type LineItem struct {
	PriceID     string
	ProductID   string
	Description string
	Quantity    int64
	AmountTotal int64
}

func IsKnownEventType(eventType string) bool {
	switch eventType {
	case EventTypeCheckoutCompleted,
		EventTypePaymentSucceeded,
		EventTypePaymentFailed,
		EventTypePaymentCanceled,
		EventTypePaymentRefunded,
		EventTypeSubscriptionEnded:
		return true
	}
	return false
}
