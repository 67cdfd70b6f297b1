package entitlements

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/entity"
	"github.com/serpco/ms-go-fulfillment/app/httpclient"
	"github.com/serpco/ms-go-fulfillment/app/types"
)

func newTestClient(t *testing.T, baseURL, secret string) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	httpClient := httpclient.New(httpclient.Options{MaxAttempts: 1, Logger: logger})
	return NewClient(Config{BaseURL: baseURL, InternalSecret: secret}, httpClient, logger)
}

func TestGrantSendsMutation(t *testing.T) {
	var payload map[string]interface{}
	var gotSecret string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/entitlements/grant" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotSecret = r.Header.Get("x-internal-secret")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newTestClient(t, server.URL, "shh").Grant(context.Background(), Mutation{
		Email:        "buyer@example.com",
		Entitlements: []string{"serp-scraper", " serp-scraper ", "Keyword-Tool"},
		Metadata:     map[string]string{"provider": "stripe"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotSecret != "shh" {
		t.Fatalf("expected internal secret header, got %q", gotSecret)
	}

	entitlements := payload["entitlements"].([]interface{})
	if len(entitlements) != 2 || entitlements[0] != "serp-scraper" || entitlements[1] != "keyword-tool" {
		t.Fatalf("unexpected entitlements: %v", entitlements)
	}
	metadata := payload["metadata"].(map[string]interface{})
	if metadata["provider"] != "stripe" {
		t.Fatalf("unexpected metadata: %v", metadata)
	}
}

func TestRevokeUsesRevokePath(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newTestClient(t, server.URL, "shh").Revoke(context.Background(), Mutation{
		Email:        "buyer@example.com",
		Entitlements: []string{"serp-scraper"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if path != "/internal/entitlements/revoke" {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestGrantSkippedWithoutSecret(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	err := newTestClient(t, server.URL, "").Grant(context.Background(), Mutation{
		Email:        "buyer@example.com",
		Entitlements: []string{"serp-scraper"},
	})
	if err != nil {
		t.Fatalf("skip should not error, got %v", err)
	}
	if called {
		t.Fatalf("gateway must not be called without a secret")
	}
}

func TestGrantSkippedWithoutEmailOrEntitlements(t *testing.T) {
	client := newTestClient(t, "http://unused.invalid", "shh")

	if err := client.Grant(context.Background(), Mutation{Entitlements: []string{"serp-scraper"}}); err != nil {
		t.Fatalf("missing email should skip, got %v", err)
	}
	if err := client.Grant(context.Background(), Mutation{Email: "buyer@example.com", Entitlements: []string{"  "}}); err != nil {
		t.Fatalf("blank entitlements should skip, got %v", err)
	}
}

func TestGrantSurfacesGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := newTestClient(t, server.URL, "shh").Grant(context.Background(), Mutation{
		Email:        "buyer@example.com",
		Entitlements: []string{"serp-scraper"},
	})
	if err == nil {
		t.Fatalf("expected error from gateway failure")
	}
}

func TestResolve(t *testing.T) {
	products := map[string][]string{
		"price_1": {"serp-scraper"},
		"prod_1":  {"keyword-tool", "serp-scraper"},
	}
	offer := &entity.OfferConfig{Entitlements: []string{"bundle-extra"}}
	lineItems := []types.LineItem{
		{PriceID: "price_1", ProductID: "prod_1"},
		{PriceID: "price_unknown"},
	}

	got := Resolve("serp-bundle", offer, lineItems, products)
	want := []string{"serp-scraper", "keyword-tool", "bundle-extra", "serp-bundle"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected resolution: %v", got)
	}
}

func TestResolveOfferIDFallbackOnly(t *testing.T) {
	got := Resolve("serp-scraper", nil, nil, nil)
	if !reflect.DeepEqual(got, []string{"serp-scraper"}) {
		t.Fatalf("unexpected resolution: %v", got)
	}
}
