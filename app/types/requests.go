package types

import (
	"errors"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
)

type HandleProviderWebhookRequest struct {
	RequestID string
	Provider  string
	Signature string
	Payload   []byte
}

func NewHandleProviderWebhookRequestFromContext(ctx echo.Context) (*HandleProviderWebhookRequest, error) {
	provider := strings.TrimSpace(strings.ToLower(ctx.Param("provider")))
	requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))

	signature := strings.TrimSpace(ctx.Request().Header.Get("Stripe-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(ctx.Request().Header.Get("X-Provider-Signature"))
	}

	payload, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &HandleProviderWebhookRequest{
		RequestID: requestID,
		Provider:  provider,
		Signature: signature,
		Payload:   payload,
	}, nil
}

func (r *HandleProviderWebhookRequest) Validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(r.Signature) == "" {
		return errors.New("provider signature is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

type ConfirmCheckoutRequest struct {
	Provider  string `json:"provider"`
	SessionID string `json:"sessionId"`
}

func NewConfirmCheckoutRequestFromContext(ctx echo.Context) (*ConfirmCheckoutRequest, error) {
	var body ConfirmCheckoutRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	body.Provider = strings.TrimSpace(strings.ToLower(body.Provider))
	if body.Provider == "" {
		body.Provider = "stripe"
	}
	body.SessionID = strings.TrimSpace(body.SessionID)
	if body.SessionID == "" {
		body.SessionID = strings.TrimSpace(ctx.QueryParam("session_id"))
	}

	return &body, nil
}

func (r *ConfirmCheckoutRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	return nil
}
