package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/entitlements"
	"github.com/serpco/ms-go-fulfillment/app/entity"
	"github.com/serpco/ms-go-fulfillment/app/ghl"
	"github.com/serpco/ms-go-fulfillment/app/license"
	"github.com/serpco/ms-go-fulfillment/app/provider"
	"github.com/serpco/ms-go-fulfillment/app/service"
	"github.com/serpco/ms-go-fulfillment/app/types"
	"github.com/serpco/ms-go-fulfillment/config"
)

type controllerSessionRepo struct {
	findByProviderSessionIDFn func(ctx context.Context, provider, providerSessionID string) (*entity.CheckoutSession, error)
}

func (r *controllerSessionRepo) Create(context.Context, *entity.CheckoutSession) error { return nil }
func (r *controllerSessionRepo) Update(context.Context, *entity.CheckoutSession) error { return nil }

func (r *controllerSessionRepo) MergeMetadata(context.Context, string, string, map[string]string) (*entity.CheckoutSession, error) {
	return nil, nil
}

func (r *controllerSessionRepo) FindByProviderSessionID(ctx context.Context, providerName, providerSessionID string) (*entity.CheckoutSession, error) {
	if r.findByProviderSessionIDFn != nil {
		return r.findByProviderSessionIDFn(ctx, providerName, providerSessionID)
	}
	return nil, nil
}

func (r *controllerSessionRepo) FindByPaymentIntentID(context.Context, string, string) (*entity.CheckoutSession, error) {
	return nil, nil
}

func (r *controllerSessionRepo) FindBySubscriptionID(context.Context, string, string) (*entity.CheckoutSession, error) {
	return nil, nil
}

func (r *controllerSessionRepo) ListStalePending(context.Context, time.Time, int32) ([]*entity.CheckoutSession, error) {
	return nil, nil
}

type controllerOrderRepo struct{}

func (r *controllerOrderRepo) Create(context.Context, *entity.Order) error { return nil }
func (r *controllerOrderRepo) Update(context.Context, *entity.Order) error { return nil }

func (r *controllerOrderRepo) MergeMetadata(_ context.Context, providerName, providerOrderID string, partial map[string]string) (*entity.Order, error) {
	return &entity.Order{
		Provider:        providerName,
		ProviderOrderID: providerOrderID,
		Metadata:        partial,
	}, nil
}

func (r *controllerOrderRepo) FindByProviderOrderID(context.Context, string, string) (*entity.Order, error) {
	return nil, nil
}

func (r *controllerOrderRepo) FindByPaymentIntentID(context.Context, string, string) (*entity.Order, error) {
	return nil, nil
}

func (r *controllerOrderRepo) FindBySubscriptionID(context.Context, string, string) (*entity.Order, error) {
	return nil, nil
}

func (r *controllerOrderRepo) ListFailedEntitlementGrants(context.Context, int32) ([]*entity.Order, error) {
	return nil, nil
}

type controllerWebhookRepo struct{}

func (r *controllerWebhookRepo) Record(_ context.Context, log *entity.WebhookLog) (*entity.WebhookLog, error) {
	log.Attempts = 1
	return log, nil
}

func (r *controllerWebhookRepo) Finalize(context.Context, *entity.WebhookLog) error { return nil }

type controllerCRM struct{ syncErr error }

func (c *controllerCRM) SyncOrder(context.Context, *ghl.SyncConfig, ghl.SyncContext) (*ghl.SyncOutcome, error) {
	return nil, c.syncErr
}

func (c *controllerCRM) FetchContactLicensesByEmail(context.Context, string) []ghl.LicenseRecord {
	return nil
}

type controllerLicenses struct{}

func (c *controllerLicenses) CreateForOrder(context.Context, license.PurchaseInput) (*license.Result, error) {
	return nil, nil
}

func (c *controllerLicenses) MarkRefunded(context.Context, license.RevocationInput) (*license.Result, error) {
	return nil, nil
}

type controllerGateway struct{}

func (c *controllerGateway) Grant(context.Context, entitlements.Mutation) error  { return nil }
func (c *controllerGateway) Revoke(context.Context, entitlements.Mutation) error { return nil }

type controllerOffers struct{}

func (c *controllerOffers) Get(string) *entity.OfferConfig           { return nil }
func (c *controllerOffers) ProductEntitlements() map[string][]string { return nil }

type controllerAlerter struct{}

func (c *controllerAlerter) Alert(context.Context, string, map[string]string) {}

type stubProvider struct {
	name  string
	event *types.PaymentEvent
	err   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) VerifyAndParse(context.Context, []byte, string) (*types.PaymentEvent, error) {
	return p.event, p.err
}

func newTestController(prov provider.Provider, sessions *controllerSessionRepo) *WebhookController {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if sessions == nil {
		sessions = &controllerSessionRepo{}
	}
	svc := service.NewFulfillmentService(
		sessions,
		&controllerOrderRepo{},
		&controllerWebhookRepo{},
		&controllerCRM{},
		&controllerLicenses{},
		&controllerGateway{},
		&controllerOffers{},
		&controllerAlerter{},
		config.FulfillmentConfig{},
		logger,
	)
	return NewWebhookController(provider.NewRegistry(prov), svc, "fulfillment")
}

func performWebhook(t *testing.T, c *WebhookController, providerName, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+providerName, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set("X-Provider-Signature", signature)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetPath("/webhooks/:provider")
	ctx.SetParamNames("provider")
	ctx.SetParamValues(providerName)
	if err := c.HandleProviderWebhook(ctx); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestHandleProviderWebhookProcessed(t *testing.T) {
	prov := &stubProvider{name: "stripe", event: &types.PaymentEvent{
		EventID:       "evt_1",
		EventType:     types.EventTypeCheckoutCompleted,
		Provider:      "stripe",
		SessionID:     "cs_1",
		OfferID:       "serp-scraper",
		CustomerEmail: "buyer@example.com",
		PaymentStatus: "paid",
	}}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "stripe", `{"id": "evt_1"}`, "sig")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleProviderWebhookInvalidSignature(t *testing.T) {
	prov := &stubProvider{name: "stripe", err: provider.ErrInvalidSignature}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "stripe", `{"id": "evt_1"}`, "bad")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp.Error != "invalid signature" {
		t.Fatalf("unexpected error message: %s", resp.Error)
	}
}

func TestHandleProviderWebhookUnknownEventIgnored(t *testing.T) {
	prov := &stubProvider{name: "stripe", event: &types.PaymentEvent{EventID: "evt_1", Provider: "stripe"}}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "stripe", `{"id": "evt_1"}`, "sig")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp types.MessageResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Message != "Event ignored" {
		t.Fatalf("unexpected message: %s", resp.Message)
	}
}

func TestHandleProviderWebhookProcessingError(t *testing.T) {
	prov := &stubProvider{name: "stripe", event: &types.PaymentEvent{
		EventType: types.EventTypeCheckoutCompleted,
		Provider:  "stripe",
	}}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "stripe", `{"id": ""}`, "sig")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleProviderWebhookUnsupportedProvider(t *testing.T) {
	prov := &stubProvider{name: "stripe"}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "square", `{"id": "evt_1"}`, "sig")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleProviderWebhookMissingSignature(t *testing.T) {
	prov := &stubProvider{name: "stripe"}
	c := newTestController(prov, nil)

	rec := performWebhook(t, c, "stripe", `{"id": "evt_1"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestConfirmCheckoutNotFound(t *testing.T) {
	c := newTestController(&stubProvider{name: "stripe"}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/checkout/confirm", bytes.NewBufferString(`{"provider": "stripe", "sessionId": "cs_missing"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := c.ConfirmCheckout(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConfirmCheckoutFound(t *testing.T) {
	sessions := &controllerSessionRepo{
		findByProviderSessionIDFn: func(_ context.Context, _, providerSessionID string) (*entity.CheckoutSession, error) {
			if providerSessionID != "cs_1" {
				return nil, nil
			}
			return &entity.CheckoutSession{
				Provider:          "stripe",
				ProviderSessionID: "cs_1",
				OfferID:           "serp-scraper",
				Status:            entity.SessionStatusCompleted,
			}, nil
		},
	}
	c := newTestController(&stubProvider{name: "stripe"}, sessions)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/checkout/confirm", bytes.NewBufferString(`{"provider": "stripe", "sessionId": "cs_1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := c.ConfirmCheckout(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp types.ConfirmCheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Status != entity.SessionStatusCompleted {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.RedirectURL != "" {
		t.Fatalf("expected no redirect without offer config, got %s", resp.RedirectURL)
	}
}

func TestHealth(t *testing.T) {
	c := newTestController(&stubProvider{name: "stripe"}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := c.Health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp types.HealthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "ok" || resp.Service != "fulfillment" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}
