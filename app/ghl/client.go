package ghl

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/httpclient"
)

const (
	defaultBaseURL             = "https://services.leadconnectorhq.com"
	defaultAPIVersion          = "2021-07-28"
	defaultPurchaseMetadataKey = "contact.purchase_metadata"
	defaultLicenseKeysFieldKey = "contact.license_keys_v2"
)

type Config struct {
	BaseURL        string
	ContactAPIRoot string
	LocationID     string
	AuthToken      string
	APIVersion     string

	AffiliateFieldID      string
	PurchaseMetadataField string
	LicenseKeysField      string

	HTTPTimeout time.Duration
}

type Client struct {
	cfg    Config
	http   *httpclient.Client
	fields *FieldCache
	logger logrus.FieldLogger
}

func NewClient(cfg Config, logger logrus.FieldLogger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.ContactAPIRoot) == "" {
		cfg.ContactAPIRoot = cfg.BaseURL
	}
	cfg.ContactAPIRoot = strings.TrimRight(cfg.ContactAPIRoot, "/")
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if strings.TrimSpace(cfg.PurchaseMetadataField) == "" {
		cfg.PurchaseMetadataField = defaultPurchaseMetadataKey
	}
	if strings.TrimSpace(cfg.LicenseKeysField) == "" {
		cfg.LicenseKeysField = defaultLicenseKeysFieldKey
	}

	client := &Client{
		cfg: cfg,
		http: httpclient.New(httpclient.Options{
			AttemptTimeout: cfg.HTTPTimeout,
			Logger:         logger,
		}),
		logger: logger,
	}
	client.fields = newFieldCache(client)
	return client
}

func (c *Client) Fields() *FieldCache {
	return c.fields
}

func (c *Client) configured() bool {
	return strings.TrimSpace(c.cfg.AuthToken) != "" && strings.TrimSpace(c.cfg.LocationID) != ""
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.AuthToken,
		"Version":       c.cfg.APIVersion,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

// request issues an authenticated call against the API base and decodes
// the JSON response into out when out is non-nil.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = encoded
	}

	resp, err := c.http.Do(ctx, &httpclient.Request{
		Method:  method,
		URL:     c.cfg.BaseURL + path,
		Headers: c.headers(),
		Body:    payload,
	})
	if err != nil {
		return err
	}

	if out != nil && len(resp.Body) > 0 {
		return json.Unmarshal(resp.Body, out)
	}
	return nil
}

type customFieldValue struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

type upsertContactParams struct {
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	Source       string
	Tags         []string
	CustomFields []customFieldValue
}

func (c *Client) upsertContact(ctx context.Context, params upsertContactParams) (string, error) {
	body := map[string]interface{}{
		"locationId": c.cfg.LocationID,
		"email":      params.Email,
	}
	if params.FirstName != "" {
		body["firstName"] = params.FirstName
	}
	if params.LastName != "" {
		body["lastName"] = params.LastName
	}
	if params.Phone != "" {
		body["phone"] = params.Phone
	}
	if params.Source != "" {
		body["source"] = params.Source
	}
	if len(params.Tags) > 0 {
		body["tags"] = params.Tags
	}
	if len(params.CustomFields) > 0 {
		body["customFields"] = params.CustomFields
	}

	var result struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := c.request(ctx, http.MethodPost, "/contacts/upsert", body, &result); err != nil {
		c.logger.WithFields(logrus.Fields{
			"email": params.Email,
			"error": err.Error(),
		}).Error("ghl.upsert_contact_failed")
		return "", err
	}

	return strings.TrimSpace(result.Contact.ID), nil
}

type opportunityParams struct {
	ContactID     string
	PipelineID    string
	StageID       string
	Name          string
	MonetaryValue *float64
	Currency      string
	Status        string
	Source        string
	Tags          []string
}

func (c *Client) createOpportunity(ctx context.Context, params opportunityParams) error {
	body := map[string]interface{}{
		"locationId":      c.cfg.LocationID,
		"contactId":       params.ContactID,
		"pipelineId":      params.PipelineID,
		"pipelineStageId": params.StageID,
		"name":            params.Name,
	}
	if params.MonetaryValue != nil {
		body["monetaryValue"] = *params.MonetaryValue
	}
	if params.Status != "" {
		body["status"] = params.Status
	}
	if params.Source != "" {
		body["source"] = params.Source
	}
	if len(params.Tags) > 0 {
		body["tags"] = params.Tags
	}

	if err := c.request(ctx, http.MethodPost, "/opportunities/", body, nil); err != nil {
		c.logger.WithFields(logrus.Fields{
			"contact_id":  params.ContactID,
			"pipeline_id": params.PipelineID,
			"stage_id":    params.StageID,
			"error":       err.Error(),
		}).Error("ghl.create_opportunity_failed")
		return err
	}
	return nil
}

func (c *Client) triggerWorkflow(ctx context.Context, workflowID, contactID string) error {
	body := map[string]interface{}{
		"locationId": c.cfg.LocationID,
		"contactId":  contactID,
	}
	if err := c.request(ctx, http.MethodPost, "/workflows/"+workflowID+"/execute", body, nil); err != nil {
		c.logger.WithFields(logrus.Fields{
			"workflow_id": workflowID,
			"contact_id":  contactID,
			"error":       err.Error(),
		}).Error("ghl.trigger_workflow_failed")
		return err
	}
	return nil
}
