package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/factory"
	"github.com/serpco/ms-go-fulfillment/app/provider"
	"github.com/serpco/ms-go-fulfillment/app/service"
	"github.com/serpco/ms-go-fulfillment/app/types"
)

type WebhookController struct {
	registry    *provider.Registry
	fulfillment *service.FulfillmentService
	serviceName string
	logger      logrus.FieldLogger
}

func NewWebhookController(registry *provider.Registry, fulfillment *service.FulfillmentService, serviceName string) *WebhookController {
	return &WebhookController{
		registry:    registry,
		fulfillment: fulfillment,
		serviceName: serviceName,
		logger:      factory.NewModuleLogger("webhook-controller"),
	}
}

func (c *WebhookController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok", Service: c.serviceName})
}

func (c *WebhookController) HandleProviderWebhook(ctx echo.Context) error {
	req, err := types.NewHandleProviderWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	logger := factory.LoggerWithContext(c.logger, ctx)

	providerClient, err := c.registry.Get(req.Provider)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotSupported) {
			return c.writeError(ctx, http.StatusBadRequest, "provider is not supported")
		}
		logger.WithError(err).Error("Provider lookup failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	event, err := providerClient.VerifyAndParse(ctx.Request().Context(), req.Payload, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			logger.WithField("provider", req.Provider).Warn("Webhook signature rejected")
			return c.writeError(ctx, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, provider.ErrNotConfigured):
			return c.writeError(ctx, http.StatusBadRequest, "provider is not configured")
		default:
			logger.WithError(err).Warn("Webhook payload rejected")
			return c.writeError(ctx, http.StatusBadRequest, "invalid payload")
		}
	}

	if event == nil || event.EventType == "" {
		return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Event ignored"})
	}

	// Fulfillment side effects finish even if the provider drops the
	// connection mid-request.
	detached := context.WithoutCancel(ctx.Request().Context())
	if err := c.fulfillment.HandleEvent(detached, event); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
		}).Error("Webhook processing failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook processed"})
}

func (c *WebhookController) ConfirmCheckout(ctx echo.Context) error {
	req, err := types.NewConfirmCheckoutRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	resp, err := c.fulfillment.ConfirmCheckout(ctx.Request().Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "checkout session not found")
		}
		c.logger.WithError(err).Error("Confirm checkout failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (c *WebhookController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
