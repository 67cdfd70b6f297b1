package ghl

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxPurchaseHistoryEntries = 25

// SyncConfig is the per-offer CRM wiring: pipeline, stage, tags,
// workflows, and custom-field bindings.
type SyncConfig struct {
	PipelineID              string
	StageID                 string
	TagIDs                  []string
	WorkflowIDs             []string
	OpportunityNameTemplate string
	Source                  string
	Status                  string
	ContactCustomFieldIDs   map[string]string
}

// SyncContext carries one order's data through a sync invocation.
type SyncContext struct {
	Provider        string
	OfferID         string
	OfferName       string
	LanderID        string
	SessionID       string
	PaymentIntentID string

	CustomerEmail string
	CustomerName  string
	CustomerPhone string

	AmountTotal int64
	Currency    string

	Metadata map[string]string

	LicenseKey          string
	LicenseID           string
	LicenseAction       string
	LicenseTier         string
	LicenseEntitlements []string
}

type SyncOutcome struct {
	ContactID          string
	OpportunityCreated bool
}

// SyncOrder pushes one order into the CRM: contact upsert with purchase
// metadata and license fields, opportunity creation, workflow triggers.
// Soft-fails with (nil, nil) when the sync cannot or should not run.
func (c *Client) SyncOrder(ctx context.Context, cfg *SyncConfig, sctx SyncContext) (*SyncOutcome, error) {
	if cfg == nil {
		c.logger.WithField("offer_id", sctx.OfferID).Debug("ghl.skip_no_config")
		return nil, nil
	}
	if !c.configured() {
		c.logger.WithField("offer_id", sctx.OfferID).Warn("ghl.skip_missing_credentials")
		return nil, nil
	}
	if sctx.CustomerEmail == "" {
		c.logger.WithField("offer_id", sctx.OfferID).Warn("ghl.skip_missing_email")
		return nil, nil
	}

	firstName, lastName := splitName(sctx.CustomerName)
	baseContext := c.buildTemplateContext(sctx, firstName, lastName)

	purchaseMetadataJSON := buildPurchaseMetadata(sctx)
	licenseKeysJSON := buildLicenseKeysPayload(sctx)

	purchaseFieldID := c.fields.ResolveSpecifier(ctx, c.cfg.PurchaseMetadataField, defaultPurchaseMetadataKey)
	licenseFieldID := c.fields.ResolveSpecifier(ctx, c.cfg.LicenseKeysField, defaultLicenseKeysFieldKey)

	if purchaseMetadataJSON != "" && purchaseFieldID != "" {
		existing := c.fetchExistingPurchaseMetadata(ctx, sctx.CustomerEmail, purchaseFieldID)
		if merged := mergePurchaseMetadataHistory(existing, purchaseMetadataJSON); merged != "" {
			purchaseMetadataJSON = merged
		}
	}

	customFields := make([]customFieldValue, 0, 4)
	if purchaseFieldID != "" && purchaseMetadataJSON != "" {
		customFields = append(customFields, customFieldValue{ID: purchaseFieldID, Value: purchaseMetadataJSON})
	}
	if licenseFieldID != "" && licenseKeysJSON != "" {
		customFields = append(customFields, customFieldValue{ID: licenseFieldID, Value: licenseKeysJSON})
	}
	for contextKey, specifier := range cfg.ContactCustomFieldIDs {
		fieldID := c.fields.ResolveSpecifier(ctx, specifier, "")
		if fieldID == "" || fieldID == purchaseFieldID || fieldID == licenseFieldID {
			continue
		}
		if value, ok := baseContext[contextKey]; ok && value != nil {
			customFields = append(customFields, customFieldValue{ID: fieldID, Value: value})
		}
	}

	affiliateID := strings.TrimSpace(sctx.Metadata["affiliateId"])
	if c.cfg.AffiliateFieldID != "" && affiliateID != "" {
		customFields = append(customFields, customFieldValue{ID: c.cfg.AffiliateFieldID, Value: affiliateID})
	}

	source := cfg.Source
	if source == "" {
		source = "Stripe Checkout"
	}

	contactID, err := c.upsertContact(ctx, upsertContactParams{
		Email:        sctx.CustomerEmail,
		FirstName:    firstName,
		LastName:     lastName,
		Phone:        sctx.CustomerPhone,
		Source:       source,
		Tags:         cfg.TagIDs,
		CustomFields: customFields,
	})
	if err != nil {
		return nil, err
	}
	if contactID == "" {
		c.logger.WithFields(logrus.Fields{
			"offer_id": sctx.OfferID,
			"email":    sctx.CustomerEmail,
		}).Warn("ghl.contact_missing_id")
		return nil, nil
	}

	c.logger.WithFields(logrus.Fields{
		"offer_id":   sctx.OfferID,
		"email":      sctx.CustomerEmail,
		"contact_id": contactID,
	}).Info("ghl.contact_upserted")

	createOpportunity := cfg.PipelineID != "" && cfg.StageID != ""
	if createOpportunity {
		opportunityContext := c.buildTemplateContext(sctx, firstName, lastName)
		opportunityContext["contactFirstName"] = firstName
		opportunityContext["contactLastName"] = lastName

		name := renderTemplate(cfg.OpportunityNameTemplate, opportunityContext, sctx.OfferName+" Purchase")

		monetary := float64(sctx.AmountTotal) / 100
		if monetary < 0 {
			monetary = 0
		}

		currency := sctx.Currency
		if currency == "" {
			currency = "USD"
		}
		status := cfg.Status
		if status == "" {
			status = "open"
		}

		if err := c.createOpportunity(ctx, opportunityParams{
			ContactID:     contactID,
			PipelineID:    cfg.PipelineID,
			StageID:       cfg.StageID,
			Name:          name,
			MonetaryValue: &monetary,
			Currency:      currency,
			Status:        status,
			Source:        source,
			Tags:          cfg.TagIDs,
		}); err != nil {
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"offer_id":    sctx.OfferID,
			"contact_id":  contactID,
			"pipeline_id": cfg.PipelineID,
			"stage_id":    cfg.StageID,
		}).Info("ghl.opportunity_created")
	}

	// Workflows fire best-effort: one failing must not block the rest.
	for _, workflowID := range cfg.WorkflowIDs {
		if workflowID == "" {
			continue
		}
		_ = c.triggerWorkflow(ctx, workflowID, contactID)
	}

	return &SyncOutcome{ContactID: contactID, OpportunityCreated: createOpportunity}, nil
}

func (c *Client) buildTemplateContext(sctx SyncContext, firstName, lastName string) map[string]interface{} {
	context := map[string]interface{}{
		"provider":        sctx.Provider,
		"offerId":         sctx.OfferID,
		"offerName":       sctx.OfferName,
		"landerId":        sctx.LanderID,
		"sessionId":       sctx.SessionID,
		"paymentIntentId": sctx.PaymentIntentID,
		"customerEmail":   sctx.CustomerEmail,
		"customerName":    sctx.CustomerName,
		"customerPhone":   sctx.CustomerPhone,
		"amountTotal":     sctx.AmountTotal,
		"amountDecimal":   float64(sctx.AmountTotal) / 100,
		"currency":        sctx.Currency,
		"firstName":       firstName,
		"lastName":        lastName,
	}
	for key, value := range sctx.Metadata {
		context[key] = value
	}
	return context
}

// fetchExistingPurchaseMetadata pulls the contact's current purchase
// metadata field value so history survives the overwrite. Failures are
// soft: worst case the new snapshot replaces history.
func (c *Client) fetchExistingPurchaseMetadata(ctx context.Context, email, fieldID string) interface{} {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" || fieldID == "" {
		return nil
	}

	contacts := c.searchContactsByEmail(ctx, normalizedEmail)
	if len(contacts) == 0 {
		return nil
	}

	contact := selectPreferredContact(contacts, normalizedEmail)
	if contact == nil {
		return nil
	}

	for _, collectionKey := range []string{"customFields", "custom_fields", "fields"} {
		if value := extractFieldValue(contact[collectionKey], fieldID, c.cfg.PurchaseMetadataField); value != nil {
			return value
		}
	}
	return nil
}

// extractFieldValue digs a field value out of whichever custom-field
// collection shape the contact payload used.
func extractFieldValue(collection interface{}, fieldID, fieldKey string) interface{} {
	switch value := collection.(type) {
	case []interface{}:
		for _, entryRaw := range value {
			entry, ok := entryRaw.(map[string]interface{})
			if !ok {
				continue
			}
			if matchesFieldID(entry, fieldID) || matchesFieldKey(entry, fieldKey) {
				return fieldValueOf(entry)
			}
		}
	case string:
		var parsed interface{}
		if json.Unmarshal([]byte(value), &parsed) == nil {
			return extractFieldValue(parsed, fieldID, fieldKey)
		}
	case map[string]interface{}:
		if v, ok := value[fieldID]; ok {
			return v
		}
		if v, ok := value[fieldKey]; ok {
			return v
		}
	}
	return nil
}

func matchesFieldID(entry map[string]interface{}, fieldID string) bool {
	if fieldID == "" {
		return false
	}
	for _, key := range []string{"id", "customFieldId", "custom_field_id", "customField", "custom_field"} {
		if asString(entry[key]) == fieldID {
			return true
		}
	}
	return false
}

func matchesFieldKey(entry map[string]interface{}, fieldKey string) bool {
	if fieldKey == "" {
		return false
	}
	for _, key := range []string{"fieldKey", "field_key", "key", "customFieldKey"} {
		if asString(entry[key]) == fieldKey {
			return true
		}
	}
	return false
}

func fieldValueOf(entry map[string]interface{}) interface{} {
	for _, key := range []string{"value", "fieldValue", "field_value", "response", "values"} {
		if v, ok := entry[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// mergePurchaseMetadataHistory folds the contact's prior purchase
// entries into the new snapshot as previousPurchases, deduplicated and
// capped.
func mergePurchaseMetadataHistory(existing interface{}, newJSON string) string {
	if newJSON == "" {
		return ""
	}

	var latest map[string]interface{}
	if err := json.Unmarshal([]byte(newJSON), &latest); err != nil {
		return newJSON
	}

	history := collectPurchaseEntries(existing)

	seen := map[string]bool{}
	if key := purchaseEntryKey(latest); key != "" {
		seen[key] = true
	} else {
		seen[fallbackEntryKey(latest)] = true
	}

	deduped := make([]map[string]interface{}, 0, len(history))
	for _, entry := range history {
		key := purchaseEntryKey(entry)
		primary := key
		if primary == "" {
			primary = fallbackEntryKey(entry)
		}
		if seen[primary] {
			continue
		}
		seen[primary] = true
		if key != "" {
			seen[key] = true
		}
		deduped = append(deduped, entry)
	}

	if len(deduped) > maxPurchaseHistoryEntries {
		deduped = deduped[:maxPurchaseHistoryEntries]
	}

	if len(deduped) > 0 {
		latest["previousPurchases"] = deduped
	} else {
		delete(latest, "previousPurchases")
	}

	encoded, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return newJSON
	}
	return string(encoded)
}

// collectPurchaseEntries flattens the existing field value into a list
// of purchase records, unwrapping nested previousPurchases/history.
func collectPurchaseEntries(value interface{}) []map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		var parsed interface{}
		if json.Unmarshal([]byte(v), &parsed) != nil {
			return nil
		}
		return collectPurchaseEntries(parsed)
	case []interface{}:
		var entries []map[string]interface{}
		for _, item := range v {
			entries = append(entries, collectPurchaseEntries(item)...)
		}
		return entries
	case map[string]interface{}:
		clone := map[string]interface{}{}
		for key, item := range v {
			clone[key] = item
		}

		var nested []interface{}
		if previous, ok := clone["previousPurchases"].([]interface{}); ok {
			nested = append(nested, previous...)
			delete(clone, "previousPurchases")
		}
		if history, ok := clone["history"].([]interface{}); ok {
			nested = append(nested, history...)
			delete(clone, "history")
		}

		entries := []map[string]interface{}{clone}
		for _, item := range nested {
			entries = append(entries, collectPurchaseEntries(item)...)
		}
		return entries
	}
	return nil
}

// purchaseEntryKey identifies a purchase record for deduplication by
// payment intent, session, invoice, order, or product id.
func purchaseEntryKey(entry map[string]interface{}) string {
	if payment, ok := entry["payment"].(map[string]interface{}); ok {
		if intent := firstStringValue(payment, "stripePaymentIntentId", "paymentIntentId", "intentId"); intent != "" {
			return "intent:" + strings.ToLower(intent)
		}
		if session := firstStringValue(payment, "stripeSessionId", "sessionId", "checkoutSessionId"); session != "" {
			return "session:" + strings.ToLower(session)
		}
		if invoice := firstStringValue(payment, "invoiceId", "invoice_id"); invoice != "" {
			return "invoice:" + strings.ToLower(invoice)
		}
	}
	if metadata, ok := entry["metadata"].(map[string]interface{}); ok {
		if orderID := firstStringValue(metadata, "orderId", "order_id"); orderID != "" {
			return "metadata-order:" + strings.ToLower(orderID)
		}
	}
	if product, ok := entry["product"].(map[string]interface{}); ok {
		if id := firstStringValue(product, "id", "offerId", "offer_id"); id != "" {
			return "product:" + strings.ToLower(id)
		}
	}
	return ""
}

func fallbackEntryKey(entry map[string]interface{}) string {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "hash:unserializable"
	}
	return "hash:" + string(encoded)
}

func firstStringValue(record map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := asString(record[key]); s != "" {
			return s
		}
	}
	return ""
}
