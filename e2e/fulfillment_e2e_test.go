//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

const (
	defaultFulfillmentHTTPBase = "http://localhost:48080"
	defaultStripeWebhookSecret = "whsec_e2e_secret"
)

func stripeWebhookSecret() string {
	if value := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")); value != "" {
		return value
	}
	return defaultStripeWebhookSecret
}

func stripeSignatureHeader(payload []byte, secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *httpClient) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", fmt.Sprintf("e2e-http-%d", time.Now().UnixNano()))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("http request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}

	return resp, bodyBytes
}

func waitForHTTP(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/health", nil)
		req.Header.Set("X-Request-ID", fmt.Sprintf("wait-http-%d", time.Now().UnixNano()))
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("http service not ready at %s", baseURL)
}

func checkoutSessionPayload(eventID, sessionID, intentID, email, offerID string) []byte {
	payload := map[string]any{
		"id":      eventID,
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"payment_intent": intentID,
				"amount_total":   4900,
				"currency":       "usd",
				"payment_status": "paid",
				"customer_details": map[string]any{
					"email": email,
					"name":  "E2E Buyer",
				},
				"metadata": map[string]string{
					"offer_id": offerID,
				},
			},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestFulfillmentE2E(t *testing.T) {
	httpBase := os.Getenv("FULFILLMENT_HTTP_URL")
	if httpBase == "" {
		httpBase = defaultFulfillmentHTTPBase
	}

	if err := waitForHTTP(httpBase, 30*time.Second); err != nil {
		t.Fatalf("http not ready: %v", err)
	}

	client := newHTTPClient(httpBase)
	secret := stripeWebhookSecret()

	t.Run("Health", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, httpBase+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		var health struct {
			Status  string `json:"status"`
			Service string `json:"service"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("decode health failed: %v", err)
		}
		if health.Status != "ok" {
			t.Fatalf("unexpected health status: %s", health.Status)
		}
	})

	t.Run("WebhookMissingSignature", func(t *testing.T) {
		resp, _ := client.post(t, "/webhooks/stripe", []byte(`{"id": "evt_nosig"}`), nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("WebhookBadSignature", func(t *testing.T) {
		payload := []byte(`{"id": "evt_badsig", "type": "checkout.session.completed"}`)
		resp, body := client.post(t, "/webhooks/stripe", payload, map[string]string{
			"Stripe-Signature": "t=1,v1=deadbeef",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body=%s", resp.StatusCode, body)
		}
	})

	t.Run("WebhookUnsupportedProvider", func(t *testing.T) {
		resp, _ := client.post(t, "/webhooks/square", []byte(`{"id": "evt_1"}`), map[string]string{
			"X-Provider-Signature": "deadbeef",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("UnknownEventTypeIgnored", func(t *testing.T) {
		payload := []byte(fmt.Sprintf(`{"id": "evt-e2e-ignored-%d", "type": "invoice.paid"}`, time.Now().UnixNano()))
		resp, body := client.post(t, "/webhooks/stripe", payload, map[string]string{
			"Stripe-Signature": stripeSignatureHeader(payload, secret),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, body)
		}

		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatalf("decode response failed: %v", err)
		}
		if msg.Message != "Event ignored" {
			t.Fatalf("unexpected message: %s", msg.Message)
		}
	})

	t.Run("CheckoutCompletedAndConfirm", func(t *testing.T) {
		nonce := time.Now().UnixNano()
		eventID := fmt.Sprintf("evt-e2e-%d", nonce)
		sessionID := fmt.Sprintf("cs-e2e-%d", nonce)
		intentID := fmt.Sprintf("pi-e2e-%d", nonce)
		email := fmt.Sprintf("e2e-%d@example.com", nonce)

		payload := checkoutSessionPayload(eventID, sessionID, intentID, email, "serp-scraper")
		resp, body := client.post(t, "/webhooks/stripe", payload, map[string]string{
			"Stripe-Signature": stripeSignatureHeader(payload, secret),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, body)
		}

		// Redelivery of the same event acknowledges without duplicating.
		resp, body = client.post(t, "/webhooks/stripe", payload, map[string]string{
			"Stripe-Signature": stripeSignatureHeader(payload, secret),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on redelivery, got %d body=%s", resp.StatusCode, body)
		}

		confirmBody, _ := json.Marshal(map[string]string{
			"provider":  "stripe",
			"sessionId": sessionID,
		})
		resp, body = client.post(t, "/checkout/confirm", confirmBody, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, body)
		}

		var confirm struct {
			Status      string `json:"status"`
			OrderStatus string `json:"orderStatus"`
		}
		if err := json.Unmarshal(body, &confirm); err != nil {
			t.Fatalf("decode confirm failed: %v", err)
		}
		if confirm.Status != "completed" {
			t.Fatalf("unexpected session status: %s", confirm.Status)
		}
		if confirm.OrderStatus != "paid" {
			t.Fatalf("unexpected order status: %s", confirm.OrderStatus)
		}
	})

	t.Run("ConfirmUnknownSession", func(t *testing.T) {
		confirmBody, _ := json.Marshal(map[string]string{
			"provider":  "stripe",
			"sessionId": fmt.Sprintf("cs-e2e-missing-%d", time.Now().UnixNano()),
		})
		resp, _ := client.post(t, "/checkout/confirm", confirmBody, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}
