package ghl

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LicenseRecord is one license recovered from a contact's custom fields.
type LicenseRecord struct {
	Key          string
	ID           string
	Action       string
	Entitlements []string
	Tier         string
	URL          string
	OfferID      string
	SourceField  string
	IssuedAt     string
}

var (
	plausibleKeyPattern  = regexp.MustCompile(`^[A-Z0-9-]{8,}$`)
	slugStripPattern     = regexp.MustCompile(`[^a-z0-9]+`)
	licenseFieldPatterns = []*regexp.Regexp{
		regexp.MustCompile(`license[_-]?keys?_v\d*[_-]?(.+)`),
		regexp.MustCompile(`license[_-]?key[_-]?(.+)`),
	}
)

// FetchContactLicensesByEmail finds the contact for an email and parses
// every license-looking custom field into records, case-insensitively
// deduplicated keeping the first occurrence. Always soft-fails to nil.
func (c *Client) FetchContactLicensesByEmail(ctx context.Context, email string) []LicenseRecord {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" || !c.configured() {
		return nil
	}

	contacts := c.searchContactsByEmail(ctx, normalizedEmail)
	if len(contacts) == 0 {
		c.logger.WithField("email", normalizedEmail).Debug("ghl.license_lookup_no_contacts")
		return nil
	}

	contact := selectPreferredContact(contacts, normalizedEmail)
	if contact == nil {
		return nil
	}

	var licenses []LicenseRecord
	for _, collectionKey := range []string{"customFields", "custom_fields", "fields"} {
		entries, ok := contact[collectionKey].([]interface{})
		if !ok {
			continue
		}
		licenses = append(licenses, c.collectLicensesFromEntries(ctx, entries)...)
	}

	meaningful := make([]LicenseRecord, 0, len(licenses))
	for _, license := range licenses {
		if isPlausibleLicense(license) {
			meaningful = append(meaningful, license)
		}
	}
	if len(meaningful) == 0 {
		c.logger.WithField("email", normalizedEmail).Debug("ghl.license_lookup_no_custom_fields")
		return nil
	}

	seen := map[string]bool{}
	deduped := make([]LicenseRecord, 0, len(meaningful))
	for _, license := range meaningful {
		key := strings.ToLower(license.Key)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, license)
	}

	return deduped
}

func (c *Client) collectLicensesFromEntries(ctx context.Context, entries []interface{}) []LicenseRecord {
	var licenses []LicenseRecord
	for _, entryRaw := range entries {
		entry, ok := entryRaw.(map[string]interface{})
		if !ok {
			continue
		}

		fieldKey := asString(entry["fieldKey"])
		if fieldKey == "" {
			fieldID := firstStringValue(entry, "customFieldId", "id")
			if fieldID != "" {
				if key := c.fields.KeyByID(ctx, fieldID); key != "" {
					fieldKey = key
				} else {
					fieldKey = fieldID
				}
			}
		}
		if fieldKey == "" {
			continue
		}

		value := fieldValueOf(entry)
		if !isPotentialLicenseField(fieldKey, value) {
			continue
		}
		licenses = append(licenses, parseLicenseField(fieldKey, value)...)
	}
	return licenses
}

// isPotentialLicenseField gates which fields the parser even looks at:
// license-ish keys, or values that look like license material.
func isPotentialLicenseField(fieldKey string, value interface{}) bool {
	normalizedKey := strings.ToLower(fieldKey)
	if strings.Contains(normalizedKey, "license") &&
		(strings.Contains(normalizedKey, "key") || strings.Contains(normalizedKey, "keys")) {
		return true
	}

	if s, ok := value.(string); ok {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return false
		}
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "serp-") || strings.Contains(lower, "serp ") || strings.Contains(lower, "serp_") ||
			strings.HasPrefix(lower, "key-") || strings.HasPrefix(lower, "key_") {
			return true
		}
		if strings.Contains(lower, `"license"`) || strings.Contains(lower, `"licensekey"`) {
			return true
		}
	}

	if record, ok := value.(map[string]interface{}); ok {
		if _, has := record["licenseKey"]; has {
			return true
		}
		if _, has := record["key"]; has {
			return true
		}
	}

	return false
}

// parseLicenseField extracts license records from a field value of any
// shape: JSON strings, newline-joined keys, arrays, nested objects.
func parseLicenseField(fieldKey string, value interface{}) []LicenseRecord {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		var records []LicenseRecord
		for _, item := range v {
			records = append(records, parseLicenseField(fieldKey, item)...)
		}
		return records
	case float64:
		return parseLicenseField(fieldKey, strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}

		if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
			(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
			var parsed interface{}
			if json.Unmarshal([]byte(trimmed), &parsed) == nil {
				return parseLicenseField(fieldKey, parsed)
			}
		}

		if strings.ContainsAny(trimmed, "\n") {
			var records []LicenseRecord
			for _, line := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == '\n' || r == '\r' }) {
				records = append(records, parseLicenseField(fieldKey, line)...)
			}
			return records
		}

		if record := buildLicenseRecord(trimmed, fieldKey, nil); record != nil {
			return []LicenseRecord{*record}
		}
		return nil
	case map[string]interface{}:
		if len(v) == 1 {
			if inner, ok := v["value"]; ok {
				return parseLicenseField(fieldKey, inner)
			}
		}

		key := firstStringValue(v, "key", "licenseKey", "license_key", "code", "value", "token")
		if key != "" {
			if record := buildLicenseRecord(key, fieldKey, v); record != nil {
				return []LicenseRecord{*record}
			}
			return nil
		}

		var records []LicenseRecord
		for _, nested := range v {
			records = append(records, parseLicenseField(fieldKey, nested)...)
		}
		return records
	}
	return nil
}

func buildLicenseRecord(key, fieldKey string, obj map[string]interface{}) *LicenseRecord {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	record := &LicenseRecord{
		Key:         key,
		SourceField: fieldKey,
	}

	if obj != nil {
		record.ID = firstStringValue(obj, "id", "licenseId", "license_id")
		record.Action = firstStringValue(obj, "action", "status", "state")
		record.Tier = firstStringValue(obj, "tier", "plan", "level", "product", "offerTier")
		record.URL = firstStringValue(obj, "url", "licenseUrl", "downloadUrl")
		record.IssuedAt = extractTemporalValue(obj["issuedAt"], obj["createdAt"], obj["updatedAt"], obj["timestamp"])

		for _, entitlementKey := range []string{"entitlements", "products", "offers"} {
			if raw, ok := obj[entitlementKey]; ok {
				record.Entitlements = toSlugSlice(raw)
				if len(record.Entitlements) > 0 {
					break
				}
			}
		}

		if hint := firstStringValue(obj, "offerId", "offer_id", "slug", "productId"); hint != "" {
			record.OfferID = sanitizeOfferIDCandidate(hint)
		}
	}

	if record.OfferID == "" && len(record.Entitlements) > 0 {
		record.OfferID = record.Entitlements[0]
	}
	if record.OfferID == "" {
		record.OfferID = inferOfferIDFromFieldKey(fieldKey)
	}

	return record
}

// isPlausibleLicense drops bare strings that don't look like keys.
// Records carrying metadata are trusted as-is.
func isPlausibleLicense(license LicenseRecord) bool {
	if license.Key == "" {
		return false
	}
	if license.ID != "" || license.Action != "" || license.URL != "" || license.OfferID != "" ||
		len(license.Entitlements) > 0 || license.Tier != "" {
		return true
	}
	return plausibleKeyPattern.MatchString(strings.TrimSpace(license.Key))
}

func sanitizeOfferIDCandidate(value string) string {
	slug := strings.ToLower(strings.TrimSpace(value))
	slug = slugStripPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" || slug == "v2" || slug == "json" || slug == "payload" {
		return ""
	}
	return slug
}

func inferOfferIDFromFieldKey(fieldKey string) string {
	normalized := strings.ToLower(strings.TrimPrefix(fieldKey, "contact."))
	for _, pattern := range licenseFieldPatterns {
		match := pattern.FindStringSubmatch(normalized)
		if len(match) > 1 {
			if slug := sanitizeOfferIDCandidate(match[1]); slug != "" {
				return slug
			}
		}
	}
	return ""
}

func toSlugSlice(value interface{}) []string {
	var items []string
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				items = append(items, entry)
			case float64:
				items = append(items, strconv.FormatFloat(entry, 'f', -1, 64))
			}
		}
	case string:
		if strings.Contains(v, ",") {
			for _, segment := range strings.Split(v, ",") {
				if trimmed := strings.TrimSpace(segment); trimmed != "" {
					items = append(items, trimmed)
				}
			}
		}
	}

	seen := map[string]bool{}
	result := make([]string, 0, len(items))
	for _, item := range items {
		slug := sanitizeOfferIDCandidate(item)
		if slug == "" {
			slug = strings.ToLower(strings.TrimSpace(item))
		}
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		result = append(result, slug)
	}
	return result
}

// extractTemporalValue normalizes assorted timestamp shapes (epoch
// seconds, epoch millis, RFC3339) to an RFC3339 string.
func extractTemporalValue(values ...interface{}) string {
	for _, value := range values {
		switch v := value.(type) {
		case float64:
			if ts := epochToTime(v); !ts.IsZero() {
				return ts.Format(time.RFC3339)
			}
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				continue
			}
			if numeric, err := strconv.ParseFloat(trimmed, 64); err == nil {
				if ts := epochToTime(numeric); !ts.IsZero() {
					return ts.Format(time.RFC3339)
				}
				continue
			}
			if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
				return ts.UTC().Format(time.RFC3339)
			}
		}
	}
	return ""
}

func epochToTime(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	ms := int64(value)
	if value < 1e12 {
		ms = int64(value * 1000)
	}
	ts := time.UnixMilli(ms).UTC()
	if ts.Year() < 1990 || ts.Year() > 2200 {
		return time.Time{}
	}
	return ts
}

func (r LicenseRecord) String() string {
	return fmt.Sprintf("license{key=%s offer=%s source=%s}", r.Key, r.OfferID, r.SourceField)
}
