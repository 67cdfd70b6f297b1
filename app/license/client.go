package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/httpclient"
)

const (
	ActionCreated  = "created"
	ActionExisting = "existing"

	logBodyLimit = 2000
)

// Config points the client at the license admin service. AdminURL is
// the purchase endpoint itself; the email fallback lookup appends
// /admin/licenses to it. An empty AdminURL or Token disables issuance
// entirely.
type Config struct {
	AdminURL string
	Token    string
}

// PurchaseInput describes one paid order for which a license should be
// issued or updated.
type PurchaseInput struct {
	EventID          string
	Provider         string
	ProviderObjectID string
	EventType        string
	Status           string
	CustomerEmail    string
	Tier             string
	Entitlements     []string
	Metadata         map[string]string
	AmountTotal      int64
	Currency         string
}

// RevocationInput marks an issued license as refunded.
type RevocationInput struct {
	EventID          string
	Provider         string
	ProviderObjectID string
	CustomerEmail    string
	Reason           string
	Entitlements     []string
	Metadata         map[string]string
}

// Result is what the admin service reported back: the action it took
// and the key the customer should receive.
type Result struct {
	Action     string
	LicenseID  string
	LicenseKey string
}

type Client struct {
	cfg    Config
	http   *httpclient.Client
	logger logrus.FieldLogger
}

func NewClient(cfg Config, http *httpclient.Client, logger logrus.FieldLogger) *Client {
	return &Client{
		cfg:    Config{AdminURL: strings.TrimRight(cfg.AdminURL, "/"), Token: cfg.Token},
		http:   http,
		logger: logger,
	}
}

func (c *Client) configured() bool {
	return c.cfg.AdminURL != "" && c.cfg.Token != ""
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.Token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

// CreateForOrder posts the purchase to the license admin service and
// returns the issued key. Returns (nil, nil) when issuance is not
// configured. When the admin call fails, or succeeds without a key, the
// client falls back to looking up an existing license by email.
func (c *Client) CreateForOrder(ctx context.Context, input PurchaseInput) (*Result, error) {
	if !c.configured() {
		c.logger.WithFields(logrus.Fields{
			"provider": input.Provider,
			"event_id": input.EventID,
		}).Debug("license.create_skipped")
		return nil, nil
	}

	eventID := normalizeEventID(input.EventID)
	providerObjectID := input.ProviderObjectID
	if providerObjectID == "" {
		providerObjectID = "order-" + eventID
	}
	eventType := input.EventType
	if eventType == "" {
		eventType = "checkout.completed"
	}
	tier := input.Tier
	if tier == "" {
		tier = input.Provider
	}

	payload := map[string]interface{}{
		"id":               eventID,
		"provider":         input.Provider,
		"providerObjectId": providerObjectID,
		"eventType":        eventType,
		"status":           normalizeStatus(input.Status),
		"userEmail":        input.CustomerEmail,
		"tier":             tier,
		"entitlements":     entitlementsOrEmpty(input.Entitlements),
		"metadata":         metadataOrEmpty(input.Metadata),
		"amount":           float64(input.AmountTotal) / 100,
		"currency":         strings.ToLower(input.Currency),
		"rawEvent":         map[string]interface{}{"source": "fulfillment", "eventId": eventID},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.AdminURL,
		Headers: c.headers(),
		Body:    body,
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"provider": input.Provider,
			"event_id": input.EventID,
			"error":    truncateForLog(err.Error()),
		}).Error("license.create_error")

		if fallback := c.lookupByEmail(ctx, input.CustomerEmail); fallback != nil {
			c.logger.WithFields(logrus.Fields{
				"provider": input.Provider,
				"event_id": input.EventID,
			}).Warn("license.fallback_existing")
			return fallback, nil
		}
		return nil, err
	}

	result := parseResult(resp.Body)
	if result.LicenseKey == "" {
		if fallback := c.lookupByEmail(ctx, input.CustomerEmail); fallback != nil && fallback.LicenseKey != "" {
			result.LicenseKey = fallback.LicenseKey
			if result.LicenseID == "" {
				result.LicenseID = fallback.LicenseID
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"provider":    input.Provider,
		"event_id":    input.EventID,
		"action":      result.Action,
		"license_id":  result.LicenseID,
		"has_license": result.LicenseKey != "",
	}).Info("license.create_success")

	return result, nil
}

// MarkRefunded reports a refund to the admin service so the license is
// deactivated. It reuses the purchase endpoint with a refunded status.
func (c *Client) MarkRefunded(ctx context.Context, input RevocationInput) (*Result, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "refund"
	}

	metadata := map[string]string{}
	for key, value := range input.Metadata {
		metadata[key] = value
	}
	metadata["revocationReason"] = reason

	return c.CreateForOrder(ctx, PurchaseInput{
		EventID:          input.EventID,
		Provider:         input.Provider,
		ProviderObjectID: input.ProviderObjectID,
		EventType:        "license.refunded",
		Status:           "refunded",
		CustomerEmail:    input.CustomerEmail,
		Entitlements:     input.Entitlements,
		Metadata:         metadata,
	})
}

// lookupByEmail asks the admin service for the customer's existing
// license. Failures are soft; the caller treats nil as "no license".
func (c *Client) lookupByEmail(ctx context.Context, email string) *Result {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !c.configured() {
		return nil
	}

	query := url.Values{}
	query.Set("email", email)

	resp, err := c.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     c.cfg.AdminURL + "/admin/licenses?" + query.Encode(),
		Headers: c.headers(),
		// A miss is an expected outcome, not worth a warning.
		QuietStatuses: []int{http.StatusNotFound},
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"email": email,
			"error": truncateForLog(err.Error()),
		}).Debug("license.lookup_failed")
		return nil
	}

	result := parseResult(resp.Body)
	if result.LicenseKey == "" {
		return nil
	}
	result.Action = ActionExisting
	return result
}

// parseResult tolerates the admin service's loose response shapes:
// licenseKey or key, top-level or wrapped in a license object.
func parseResult(body []byte) *Result {
	result := &Result{}
	if len(body) == 0 {
		return result
	}

	var raw map[string]interface{}
	if json.Unmarshal(body, &raw) != nil {
		return result
	}

	if nested, ok := raw["license"].(map[string]interface{}); ok {
		for key, value := range nested {
			if _, exists := raw[key]; !exists {
				raw[key] = value
			}
		}
	}

	if s, ok := raw["action"].(string); ok {
		result.Action = s
	}
	if s, ok := raw["licenseId"].(string); ok {
		result.LicenseID = s
	}
	for _, key := range []string{"licenseKey", "key"} {
		if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
			result.LicenseKey = strings.TrimSpace(s)
			break
		}
	}
	return result
}

func normalizeEventID(eventID string) string {
	eventID = strings.TrimSpace(eventID)
	if strings.HasPrefix(eventID, "evt") {
		return eventID
	}
	return "evt-" + eventID
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed":
		return "failed"
	case "refunded":
		return "refunded"
	case "cancelled", "canceled":
		return "cancelled"
	default:
		return "completed"
	}
}

func entitlementsOrEmpty(entitlements []string) []string {
	if entitlements == nil {
		return []string{}
	}
	return entitlements
}

func metadataOrEmpty(metadata map[string]string) map[string]string {
	if metadata == nil {
		return map[string]string{}
	}
	return metadata
}

func truncateForLog(s string) string {
	if len(s) <= logBodyLimit {
		return s
	}
	cut := logBodyLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
