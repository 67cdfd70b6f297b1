package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/types"
)

const ProviderNameGHL = "ghl"

type GHLConfig struct {
	WebhookSecret string
}

// GHLProvider accepts payment callbacks posted by GHL funnels. These carry
// an order snapshot rather than a provider event stream, so every delivery
// maps to checkout_completed.
type GHLProvider struct {
	cfg GHLConfig
}

func NewGHLProvider(cfg GHLConfig) *GHLProvider {
	return &GHLProvider{cfg: cfg}
}

func (p *GHLProvider) Name() string {
	return ProviderNameGHL
}

func (p *GHLProvider) VerifyAndParse(_ context.Context, payload []byte, signature string) (*types.PaymentEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, ErrNotConfigured
	}
	if !verifySharedSecretSignature(payload, signature, p.cfg.WebhookSecret) {
		return nil, ErrInvalidSignature
	}

	var event struct {
		EventID   string `json:"eventId"`
		OrderID   string `json:"orderId"`
		ContactID string `json:"contactId"`
		OfferID   string `json:"offerId"`
		LanderID  string `json:"landerId"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		Phone     string `json:"phone"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	result := &types.PaymentEvent{
		EventID:       strings.TrimSpace(event.EventID),
		EventType:     types.EventTypeCheckoutCompleted,
		Provider:      ProviderNameGHL,
		Livemode:      true,
		SessionID:     strings.TrimSpace(event.OrderID),
		OfferID:       strings.TrimSpace(event.OfferID),
		LanderID:      strings.TrimSpace(event.LanderID),
		CustomerEmail: strings.ToLower(strings.TrimSpace(event.Email)),
		CustomerName:  strings.TrimSpace(event.Name),
		CustomerPhone: strings.TrimSpace(event.Phone),
		AmountTotal:   event.Amount,
		Currency:      strings.ToLower(strings.TrimSpace(event.Currency)),
		PaymentStatus: "paid",
	}
	if result.EventID == "" {
		result.EventID = result.SessionID
	}
	if event.Status != "" && !strings.EqualFold(event.Status, "paid") && !strings.EqualFold(event.Status, "succeeded") {
		result.PaymentStatus = strings.ToLower(strings.TrimSpace(event.Status))
	}
	if event.ContactID != "" {
		result.Metadata = map[string]string{"ghlContactId": strings.TrimSpace(event.ContactID)}
	}
	if ts, err := time.Parse(time.RFC3339, event.Timestamp); err == nil {
		result.OccurredAt = ts.UTC()
	}

	return result, nil
}

func verifySharedSecretSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.TrimSpace(secret) == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)

	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(candidate, expected)
}
