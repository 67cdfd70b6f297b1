package ghl

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMergePurchaseMetadataHistoryAppendsPrevious(t *testing.T) {
	existing := `{"payment": {"stripePaymentIntentId": "pi_old"}, "product": {"id": "offer-old"}}`
	newJSON := `{"payment": {"stripePaymentIntentId": "pi_new"}, "product": {"id": "offer-new"}}`

	merged := mergePurchaseMetadataHistory(existing, newJSON)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(merged), &payload); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}

	previous, ok := payload["previousPurchases"].([]interface{})
	if !ok || len(previous) != 1 {
		t.Fatalf("expected one previous purchase, got %v", payload["previousPurchases"])
	}
	entry := previous[0].(map[string]interface{})
	payment := entry["payment"].(map[string]interface{})
	if payment["stripePaymentIntentId"] != "pi_old" {
		t.Fatalf("unexpected history entry: %v", entry)
	}
}

func TestMergePurchaseMetadataHistoryDedupesByIntent(t *testing.T) {
	existing := `{"payment": {"stripePaymentIntentId": "PI_1"}}`
	newJSON := `{"payment": {"stripePaymentIntentId": "pi_1"}, "product": {"id": "offer-1"}}`

	merged := mergePurchaseMetadataHistory(existing, newJSON)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(merged), &payload); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}
	if _, ok := payload["previousPurchases"]; ok {
		t.Fatalf("replayed intent should not duplicate history: %v", payload["previousPurchases"])
	}
}

func TestMergePurchaseMetadataHistoryCap(t *testing.T) {
	entries := make([]map[string]interface{}, 0, 40)
	for i := 0; i < 40; i++ {
		entries = append(entries, map[string]interface{}{
			"payment": map[string]interface{}{"stripePaymentIntentId": "pi_" + strings.Repeat("x", i+1)},
		})
	}
	existing, _ := json.Marshal(entries)

	merged := mergePurchaseMetadataHistory(string(existing), `{"payment": {"stripePaymentIntentId": "pi_new"}}`)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(merged), &payload); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}
	previous := payload["previousPurchases"].([]interface{})
	if len(previous) != maxPurchaseHistoryEntries {
		t.Fatalf("expected history capped at %d, got %d", maxPurchaseHistoryEntries, len(previous))
	}
}

func TestSyncOrderSoftFailures(t *testing.T) {
	client := NewClient(Config{}, testLogger())

	outcome, err := client.SyncOrder(context.Background(), nil, SyncContext{OfferID: "offer-1"})
	if outcome != nil || err != nil {
		t.Fatalf("nil config should soft-fail, got %v %v", outcome, err)
	}

	outcome, err = client.SyncOrder(context.Background(), &SyncConfig{}, SyncContext{OfferID: "offer-1", CustomerEmail: "b@example.com"})
	if outcome != nil || err != nil {
		t.Fatalf("missing credentials should soft-fail, got %v %v", outcome, err)
	}

	client = NewClient(Config{LocationID: "loc", AuthToken: "tok"}, testLogger())
	outcome, err = client.SyncOrder(context.Background(), &SyncConfig{}, SyncContext{OfferID: "offer-1"})
	if outcome != nil || err != nil {
		t.Fatalf("missing email should soft-fail, got %v %v", outcome, err)
	}
}

func TestSyncOrderHappyPath(t *testing.T) {
	var upsertBody map[string]interface{}
	var opportunityBody map[string]interface{}
	workflowCalls := []string{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/customFields"):
			_, _ = w.Write([]byte(`{"customFields": [
				{"id": "fld_purchase", "fieldKey": "contact.purchase_metadata"},
				{"id": "fld_license", "fieldKey": "contact.license_keys_v2"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/contacts/search"):
			_, _ = w.Write([]byte(`{"contacts": []}`))
		case strings.HasSuffix(r.URL.Path, "/contacts/upsert"):
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &upsertBody)
			_, _ = w.Write([]byte(`{"contact": {"id": "contact-1"}}`))
		case strings.HasSuffix(r.URL.Path, "/opportunities/"):
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &opportunityBody)
			_, _ = w.Write([]byte(`{}`))
		case strings.Contains(r.URL.Path, "/workflows/"):
			workflowCalls = append(workflowCalls, r.URL.Path)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:    server.URL,
		LocationID: "loc-1",
		AuthToken:  "tok",
	}, testLogger())

	cfg := &SyncConfig{
		PipelineID:              "pipe-1",
		StageID:                 "stage-1",
		TagIDs:                  []string{"tag-1"},
		WorkflowIDs:             []string{"wf-1", "wf-2"},
		OpportunityNameTemplate: "{{offerName}} - {{customerEmail}}",
		Source:                  "Test Checkout",
	}

	outcome, err := client.SyncOrder(context.Background(), cfg, SyncContext{
		Provider:        "stripe",
		OfferID:         "offer-1",
		OfferName:       "SERP Scraper",
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		CustomerEmail:   "buyer@example.com",
		CustomerName:    "Sam Buyer",
		AmountTotal:     4900,
		Currency:        "usd",
		LicenseKey:      "SERP-AAAA-BBBB",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if outcome == nil || outcome.ContactID != "contact-1" || !outcome.OpportunityCreated {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	if upsertBody["email"] != "buyer@example.com" || upsertBody["firstName"] != "Sam" || upsertBody["lastName"] != "Buyer" {
		t.Fatalf("unexpected upsert body: %v", upsertBody)
	}
	fields := upsertBody["customFields"].([]interface{})
	if len(fields) != 2 {
		t.Fatalf("expected purchase metadata and license fields, got %v", fields)
	}

	if opportunityBody["name"] != "SERP Scraper - buyer@example.com" {
		t.Fatalf("unexpected opportunity name: %v", opportunityBody["name"])
	}
	if opportunityBody["monetaryValue"].(float64) != 49 {
		t.Fatalf("unexpected monetary value: %v", opportunityBody["monetaryValue"])
	}
	if opportunityBody["pipelineStageId"] != "stage-1" {
		t.Fatalf("unexpected stage: %v", opportunityBody["pipelineStageId"])
	}

	if len(workflowCalls) != 2 {
		t.Fatalf("expected both workflows triggered, got %v", workflowCalls)
	}
}

func TestFieldCacheSingleFlightAndInvalidate(t *testing.T) {
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/customFields") {
			fetches++
			_, _ = w.Write([]byte(`{"customFields": [{"id": "fld_1", "fieldKey": "contact.purchase_metadata"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, LocationID: "loc", AuthToken: "tok"}, testLogger())
	cache := client.Fields()

	ctx := context.Background()
	if got := cache.ResolveSpecifier(ctx, "contact.purchase_metadata", ""); got != "fld_1" {
		t.Fatalf("unexpected resolution: %s", got)
	}
	if got := cache.ResolveSpecifier(ctx, "contact.purchase_metadata", ""); got != "fld_1" {
		t.Fatalf("unexpected second resolution: %s", got)
	}
	if fetches != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", fetches)
	}

	if got := cache.ResolveSpecifier(ctx, "fld_concrete", ""); got != "fld_concrete" {
		t.Fatalf("concrete ids should pass through, got %s", got)
	}
	if got := cache.ResolveSpecifier(ctx, "contact.unknown_field", ""); got != "" {
		t.Fatalf("unresolved keys should yield empty, got %s", got)
	}

	cache.Invalidate()
	if got := cache.ResolveSpecifier(ctx, "contact.purchase_metadata", ""); got != "fld_1" {
		t.Fatalf("unexpected post-invalidate resolution: %s", got)
	}
	if fetches != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", fetches)
	}
}

func TestFieldCacheMissingCredentials(t *testing.T) {
	client := NewClient(Config{}, testLogger())
	if got := client.Fields().ResolveSpecifier(context.Background(), "contact.purchase_metadata", ""); got != "" {
		t.Fatalf("expected empty resolution without credentials, got %s", got)
	}
}

func TestSelectPreferredContact(t *testing.T) {
	contacts := []contactCandidate{
		{"id": "c1", "email": "other@example.com", "dateUpdated": "2026-03-01T00:00:00Z"},
		{"id": "c2", "email": "buyer@example.com", "dateUpdated": "2026-01-01T00:00:00Z"},
		{"id": "c3", "dateUpdated": "2026-04-01T00:00:00Z"},
	}

	picked := selectPreferredContact(contacts, "buyer@example.com")
	if picked.id() != "c2" {
		t.Fatalf("expected exact email match, got %s", picked.id())
	}

	picked = selectPreferredContact(contacts, "nobody@example.com")
	if picked.id() != "c1" {
		t.Fatalf("expected newest contact with email, got %s", picked.id())
	}
}
