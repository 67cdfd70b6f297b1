package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/types"
)

const ProviderNamePayPal = "paypal"

type PayPalConfig struct {
	WebhookSecret string
}

type PayPalProvider struct {
	cfg PayPalConfig
}

func NewPayPalProvider(cfg PayPalConfig) *PayPalProvider {
	return &PayPalProvider{cfg: cfg}
}

func (p *PayPalProvider) Name() string {
	return ProviderNamePayPal
}

func (p *PayPalProvider) VerifyAndParse(_ context.Context, payload []byte, signature string) (*types.PaymentEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, ErrNotConfigured
	}
	if !verifySharedSecretSignature(payload, signature, p.cfg.WebhookSecret) {
		return nil, ErrInvalidSignature
	}

	var event struct {
		ID         string `json:"id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		Resource   struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			CustomID      string `json:"custom_id"`
			InvoiceID     string `json:"invoice_id"`
			BillingAgreem string `json:"billing_agreement_id"`
			Amount        struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
			Payer struct {
				EmailAddress string `json:"email_address"`
				Name         struct {
					GivenName string `json:"given_name"`
					Surname   string `json:"surname"`
				} `json:"name"`
			} `json:"payer"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	result := &types.PaymentEvent{
		EventID:  strings.TrimSpace(event.ID),
		Provider: ProviderNamePayPal,
		Livemode: true,
	}
	if ts, err := time.Parse(time.RFC3339, event.CreateTime); err == nil {
		result.OccurredAt = ts.UTC()
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		result.EventType = types.EventTypeCheckoutCompleted
		result.PaymentStatus = "paid"
	case "PAYMENT.CAPTURE.COMPLETED":
		result.EventType = types.EventTypePaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		result.EventType = types.EventTypePaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED":
		result.EventType = types.EventTypePaymentRefunded
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		result.EventType = types.EventTypeSubscriptionEnded
	default:
		result.EventType = ""
	}

	result.SessionID = strings.TrimSpace(event.Resource.ID)
	result.PaymentIntentID = strings.TrimSpace(event.Resource.ID)
	result.SubscriptionID = strings.TrimSpace(event.Resource.BillingAgreem)
	result.ClientReferenceID = strings.TrimSpace(event.Resource.CustomID)
	result.OfferID = strings.TrimSpace(event.Resource.CustomID)
	result.Currency = strings.ToLower(strings.TrimSpace(event.Resource.Amount.CurrencyCode))
	result.AmountTotal = parsePayPalAmount(event.Resource.Amount.Value)
	result.CustomerEmail = strings.ToLower(strings.TrimSpace(event.Resource.Payer.EmailAddress))
	result.CustomerName = strings.TrimSpace(strings.TrimSpace(event.Resource.Payer.Name.GivenName) + " " + strings.TrimSpace(event.Resource.Payer.Name.Surname))

	return result, nil
}

// parsePayPalAmount converts a decimal amount string to minor units.
func parsePayPalAmount(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole = value[:idx]
		frac = value[idx+1:]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	frac = frac[:2]

	var total int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0
		}
		total = total*10 + int64(r-'0')
	}
	return total
}
