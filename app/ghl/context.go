package ghl

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var templateKeyPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// renderTemplate substitutes {{key}} placeholders from context.
// Missing keys render as empty strings; an empty result falls back.
func renderTemplate(template string, context map[string]interface{}, fallback string) string {
	if template == "" {
		return fallback
	}

	rendered := templateKeyPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := templateKeyPattern.FindStringSubmatch(match)[1]
		value, ok := context[key]
		if !ok || value == nil {
			return ""
		}
		return stringifyValue(value)
	})

	if strings.TrimSpace(rendered) == "" {
		return fallback
	}
	return rendered
}

func stringifyValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

// compactMap drops nil values, empty strings, empty slices, and empty
// nested maps so the serialized payload carries only real data.
func compactMap(input map[string]interface{}) map[string]interface{} {
	result := map[string]interface{}{}
	for key, value := range input {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			result[key] = v
		case []string:
			if len(v) == 0 {
				continue
			}
			result[key] = v
		case map[string]interface{}:
			nested := compactMap(v)
			if len(nested) == 0 {
				continue
			}
			result[key] = nested
		case map[string]string:
			if len(v) == 0 {
				continue
			}
			result[key] = v
		default:
			result[key] = v
		}
	}
	return result
}

// buildPurchaseMetadata serializes the purchase snapshot stored on the
// contact's purchase-metadata field. Returns "" when there is nothing
// worth recording.
func buildPurchaseMetadata(sctx SyncContext) string {
	amountDecimal := float64(sctx.AmountTotal) / 100

	var license map[string]interface{}
	if sctx.LicenseKey != "" || sctx.LicenseID != "" || sctx.LicenseAction != "" || len(sctx.LicenseEntitlements) > 0 {
		license = compactMap(map[string]interface{}{
			"key":          sctx.LicenseKey,
			"id":           sctx.LicenseID,
			"action":       sctx.LicenseAction,
			"entitlements": sctx.LicenseEntitlements,
			"tier":         sctx.LicenseTier,
		})
	}

	payload := compactMap(map[string]interface{}{
		"provider": sctx.Provider,
		"product": compactMap(map[string]interface{}{
			"id":       sctx.OfferID,
			"name":     sctx.OfferName,
			"landerId": sctx.LanderID,
		}),
		"customer": compactMap(map[string]interface{}{
			"email": sctx.CustomerEmail,
			"name":  sctx.CustomerName,
			"phone": sctx.CustomerPhone,
		}),
		"payment": compactMap(map[string]interface{}{
			"amountCents":     sctx.AmountTotal,
			"amount":          amountDecimal,
			"currency":        sctx.Currency,
			"sessionId":       sctx.SessionID,
			"paymentIntentId": sctx.PaymentIntentID,
		}),
		"metadata": sctx.Metadata,
	})
	if license != nil {
		payload["license"] = license
	}

	if len(payload) == 0 {
		return ""
	}

	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ""
	}
	return string(encoded)
}

// buildLicenseKeysPayload serializes the license snapshot for the
// license-keys field; "" when the order carries no license data.
func buildLicenseKeysPayload(sctx SyncContext) string {
	if sctx.LicenseKey == "" && sctx.LicenseID == "" && sctx.LicenseAction == "" && len(sctx.LicenseEntitlements) == 0 {
		return ""
	}

	payload := compactMap(map[string]interface{}{
		"key":          sctx.LicenseKey,
		"id":           sctx.LicenseID,
		"action":       sctx.LicenseAction,
		"entitlements": sctx.LicenseEntitlements,
		"tier":         sctx.LicenseTier,
	})

	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ""
	}
	return string(encoded)
}
