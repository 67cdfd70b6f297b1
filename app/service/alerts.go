package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/httpclient"
)

// OpsAlerter posts operator alerts to a webhook (Slack-compatible
// payload). Alerts are best-effort: a failing alert channel never
// affects fulfillment.
type OpsAlerter struct {
	webhookURL string
	http       *httpclient.Client
	logger     logrus.FieldLogger
}

func NewOpsAlerter(webhookURL string, http *httpclient.Client, logger logrus.FieldLogger) *OpsAlerter {
	return &OpsAlerter{
		webhookURL: strings.TrimSpace(webhookURL),
		http:       http,
		logger:     logger,
	}
}

func (a *OpsAlerter) Alert(ctx context.Context, event string, fields map[string]string) {
	entry := a.logger.WithField("alert", event)
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	entry.Warn("ops.alert")

	if a.webhookURL == "" {
		return
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var text strings.Builder
	fmt.Fprintf(&text, ":rotating_light: %s", event)
	for _, key := range keys {
		fmt.Fprintf(&text, "\n%s: %s", key, fields[key])
	}

	body, err := json.Marshal(map[string]string{"text": text.String()})
	if err != nil {
		return
	}

	if _, err := a.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     a.webhookURL,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}); err != nil {
		a.logger.WithFields(logrus.Fields{
			"alert": event,
			"error": err.Error(),
		}).Warn("ops.alert_delivery_failed")
	}
}
