package entitlements

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/httpclient"
)

const internalSecretHeader = "x-internal-secret"

// Config points the client at the entitlement gateway. An empty
// InternalSecret disables grants and revokes entirely.
type Config struct {
	BaseURL        string
	InternalSecret string
}

// Mutation is one grant or revoke request against the gateway.
type Mutation struct {
	Email        string
	Entitlements []string
	Metadata     map[string]string
}

type Client struct {
	cfg    Config
	http   *httpclient.Client
	logger logrus.FieldLogger
}

func NewClient(cfg Config, http *httpclient.Client, logger logrus.FieldLogger) *Client {
	return &Client{
		cfg:    Config{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), InternalSecret: strings.TrimSpace(cfg.InternalSecret)},
		http:   http,
		logger: logger,
	}
}

// Grant adds entitlements to the customer's account. Returns nil when
// the mutation was skipped because the gateway is not configured or the
// input is incomplete.
func (c *Client) Grant(ctx context.Context, mutation Mutation) error {
	return c.mutate(ctx, "grant", mutation)
}

// Revoke removes entitlements from the customer's account.
func (c *Client) Revoke(ctx context.Context, mutation Mutation) error {
	return c.mutate(ctx, "revoke", mutation)
}

func (c *Client) mutate(ctx context.Context, operation string, mutation Mutation) error {
	normalized := NormalizeEntitlements(mutation.Entitlements)
	fields := logrus.Fields{
		"operation":    operation,
		"email":        mutation.Email,
		"entitlements": normalized,
	}

	if c.cfg.BaseURL == "" || c.cfg.InternalSecret == "" {
		c.logger.WithFields(fields).Warn("entitlements.skipped_missing_secret")
		return nil
	}
	if mutation.Email == "" || len(normalized) == 0 {
		c.logger.WithFields(fields).Debug("entitlements.skipped_incomplete")
		return nil
	}

	payload := map[string]interface{}{
		"email":        mutation.Email,
		"entitlements": normalized,
	}
	if len(mutation.Metadata) > 0 {
		payload["metadata"] = mutation.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = c.http.Do(ctx, &httpclient.Request{
		Method: http.MethodPost,
		URL:    c.cfg.BaseURL + "/internal/entitlements/" + operation,
		Headers: map[string]string{
			"Content-Type":       "application/json",
			internalSecretHeader: c.cfg.InternalSecret,
		},
		Body: body,
	})
	if err != nil {
		c.logger.WithFields(fields).WithField("error", err.Error()).Error("entitlements.mutation_failed")
		return err
	}

	c.logger.WithFields(fields).Info("entitlements.mutation_succeeded")
	return nil
}

// NormalizeEntitlements trims, drops blanks, and deduplicates while
// preserving first-seen order.
func NormalizeEntitlements(entitlements []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(entitlements))
	for _, entitlement := range entitlements {
		trimmed := strings.ToLower(strings.TrimSpace(entitlement))
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}
