package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/types"
)

const ProviderNameStripe = "stripe"

type StripeConfig struct {
	WebhookSecret string
	// AccountWebhookSecrets holds additional secrets when events arrive
	// from multiple Stripe accounts. Each is tried in turn.
	AccountWebhookSecrets     []string
	SignatureToleranceSeconds int64
}

type StripeProvider struct {
	cfg StripeConfig
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}
	return &StripeProvider{cfg: cfg}
}

func (p *StripeProvider) Name() string {
	return ProviderNameStripe
}

func (p *StripeProvider) VerifyAndParse(_ context.Context, payload []byte, signature string) (*types.PaymentEvent, error) {
	secrets := p.secrets()
	if len(secrets) == 0 {
		return nil, ErrNotConfigured
	}

	verified := false
	for _, secret := range secrets {
		if verifyStripeSignature(payload, signature, secret, p.cfg.SignatureToleranceSeconds) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrInvalidSignature
	}

	var event struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Created  int64  `json:"created"`
		Livemode bool   `json:"livemode"`
		Data     struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	result := &types.PaymentEvent{
		EventID:  strings.TrimSpace(event.ID),
		Provider: ProviderNameStripe,
		Livemode: event.Livemode,
	}
	if event.Created > 0 {
		result.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		result.EventType = types.EventTypeCheckoutCompleted
		assignCheckoutSessionFields(result, event.Data.Object)
	case "payment_intent.succeeded":
		result.EventType = types.EventTypePaymentSucceeded
		assignPaymentIntentFields(result, event.Data.Object)
	case "payment_intent.payment_failed", "checkout.session.async_payment_failed":
		result.EventType = types.EventTypePaymentFailed
		assignPaymentIntentFields(result, event.Data.Object)
	case "payment_intent.canceled":
		result.EventType = types.EventTypePaymentCanceled
		assignPaymentIntentFields(result, event.Data.Object)
	case "charge.refunded":
		result.EventType = types.EventTypePaymentRefunded
		assignChargeFields(result, event.Data.Object)
	case "customer.subscription.deleted":
		result.EventType = types.EventTypeSubscriptionEnded
		assignSubscriptionFields(result, event.Data.Object)
	default:
		result.EventType = ""
	}

	return result, nil
}

func (p *StripeProvider) secrets() []string {
	secrets := make([]string, 0, 1+len(p.cfg.AccountWebhookSecrets))
	if s := strings.TrimSpace(p.cfg.WebhookSecret); s != "" {
		secrets = append(secrets, s)
	}
	for _, s := range p.cfg.AccountWebhookSecrets {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

func assignCheckoutSessionFields(event *types.PaymentEvent, payload json.RawMessage) {
	var object struct {
		ID                string      `json:"id"`
		PaymentIntent     interface{} `json:"payment_intent"`
		Subscription      interface{} `json:"subscription"`
		ClientReferenceID string      `json:"client_reference_id"`
		AmountTotal       int64       `json:"amount_total"`
		Currency          string      `json:"currency"`
		PaymentStatus     string      `json:"payment_status"`
		CustomerDetails   struct {
			Email string `json:"email"`
			Name  string `json:"name"`
			Phone string `json:"phone"`
		} `json:"customer_details"`
		CustomerEmail string            `json:"customer_email"`
		Metadata      map[string]string `json:"metadata"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}

	event.SessionID = strings.TrimSpace(object.ID)
	event.PaymentIntentID = parseStringish(object.PaymentIntent)
	event.SubscriptionID = parseStringish(object.Subscription)
	event.ClientReferenceID = strings.TrimSpace(object.ClientReferenceID)
	event.AmountTotal = object.AmountTotal
	event.Currency = strings.ToLower(strings.TrimSpace(object.Currency))
	event.PaymentStatus = strings.TrimSpace(object.PaymentStatus)

	event.CustomerEmail = strings.ToLower(strings.TrimSpace(object.CustomerDetails.Email))
	if event.CustomerEmail == "" {
		event.CustomerEmail = strings.ToLower(strings.TrimSpace(object.CustomerEmail))
	}
	event.CustomerName = strings.TrimSpace(object.CustomerDetails.Name)
	event.CustomerPhone = strings.TrimSpace(object.CustomerDetails.Phone)

	assignEventMetadata(event, object.Metadata)
}

func assignPaymentIntentFields(event *types.PaymentEvent, payload json.RawMessage) {
	var object struct {
		ID            string            `json:"id"`
		Amount        int64             `json:"amount"`
		Currency      string            `json:"currency"`
		LatestCharge  interface{}       `json:"latest_charge"`
		Metadata      map[string]string `json:"metadata"`
		ReceiptEmail  string            `json:"receipt_email"`
		PaymentMethod interface{}       `json:"payment_method"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}

	event.PaymentIntentID = strings.TrimSpace(object.ID)
	event.ChargeID = parseStringish(object.LatestCharge)
	event.AmountTotal = object.Amount
	event.Currency = strings.ToLower(strings.TrimSpace(object.Currency))
	event.CustomerEmail = strings.ToLower(strings.TrimSpace(object.ReceiptEmail))
	event.PaymentMethod = parseStringish(object.PaymentMethod)

	assignEventMetadata(event, object.Metadata)
}

func assignChargeFields(event *types.PaymentEvent, payload json.RawMessage) {
	var object struct {
		ID             string            `json:"id"`
		PaymentIntent  interface{}       `json:"payment_intent"`
		AmountRefunded int64             `json:"amount_refunded"`
		Currency       string            `json:"currency"`
		ReceiptEmail   string            `json:"receipt_email"`
		Metadata       map[string]string `json:"metadata"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}

	event.ChargeID = strings.TrimSpace(object.ID)
	event.PaymentIntentID = parseStringish(object.PaymentIntent)
	event.AmountTotal = object.AmountRefunded
	event.Currency = strings.ToLower(strings.TrimSpace(object.Currency))
	event.CustomerEmail = strings.ToLower(strings.TrimSpace(object.ReceiptEmail))

	assignEventMetadata(event, object.Metadata)
}

func assignSubscriptionFields(event *types.PaymentEvent, payload json.RawMessage) {
	var object struct {
		ID                string            `json:"id"`
		CurrentPeriodEnd  int64             `json:"current_period_end"`
		CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
		Metadata          map[string]string `json:"metadata"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}

	event.SubscriptionID = strings.TrimSpace(object.ID)
	event.CancelAtPeriodEnd = object.CancelAtPeriodEnd
	if object.CurrentPeriodEnd > 0 {
		event.CurrentPeriodEnd = time.Unix(object.CurrentPeriodEnd, 0).UTC()
	}

	assignEventMetadata(event, object.Metadata)
}

func assignEventMetadata(event *types.PaymentEvent, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	event.Metadata = metadata

	if event.OfferID == "" {
		event.OfferID = firstNonEmpty(metadata["offer_id"], metadata["offerId"])
	}
	if event.LanderID == "" {
		event.LanderID = firstNonEmpty(metadata["lander_id"], metadata["landerId"])
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func parseStringish(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		if raw, ok := t["id"]; ok {
			if s, ok := raw.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	case json.RawMessage:
		if len(t) == 0 {
			return ""
		}
		if t[0] == '"' {
			var s string
			if json.Unmarshal(t, &s) == nil {
				return strings.TrimSpace(s)
			}
		}
		var obj map[string]interface{}
		if json.Unmarshal(t, &obj) == nil {
			if raw, ok := obj["id"]; ok {
				if s, ok := raw.(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}
