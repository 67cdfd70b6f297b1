package provider

import (
	"context"
	"errors"

	"github.com/serpco/ms-go-fulfillment/app/types"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("provider webhook secret is not configured")
)

// Provider verifies a raw webhook delivery and normalizes it into a
// PaymentEvent. Event types outside the normalized set come back with an
// empty EventType so callers can acknowledge without processing.
type Provider interface {
	Name() string
	VerifyAndParse(ctx context.Context, payload []byte, signature string) (*types.PaymentEvent, error)
}
