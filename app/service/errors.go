package service

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrSessionNotFound     = errors.New("checkout session not found")
	ErrProviderUnsupported = errors.New("provider is not supported")
	ErrWebhookRejected     = errors.New("webhook rejected")
)
