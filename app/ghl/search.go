package ghl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/httpclient"
)

// contactCandidate keeps the raw shape loose: field casing and custom
// field layout differ between the v1 and v2 contact APIs.
type contactCandidate map[string]interface{}

func (c contactCandidate) id() string {
	return asString(c["id"])
}

func (c contactCandidate) email() string {
	return strings.ToLower(strings.TrimSpace(asString(c["email"])))
}

func (c contactCandidate) updatedAtValue() int64 {
	best := int64(0)
	for _, key := range []string{"dateUpdated", "updatedAt", "dateAdded", "createdAt"} {
		raw := asString(c[key])
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			if ms := ts.UnixMilli(); ms > best {
				best = ms
			}
		}
	}
	return best
}

// searchContactsByEmail POSTs the contact search API, falling back to
// the legacy GET listing when the search endpoint fails.
func (c *Client) searchContactsByEmail(ctx context.Context, normalizedEmail string) []contactCandidate {
	if !c.configured() {
		return nil
	}

	body := map[string]interface{}{
		"locationId": c.cfg.LocationID,
		"query":      normalizedEmail,
		"pageLimit":  50,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil
	}

	resp, err := c.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.ContactAPIRoot + "/contacts/search",
		Headers: c.headers(),
		Body:    payload,
	})
	if err == nil {
		return normalizeContactList(decodeJSON(resp.Body))
	}

	c.logger.WithFields(logrus.Fields{
		"email": normalizedEmail,
		"error": err.Error(),
	}).Debug("ghl.contact_search_post_failed")

	query := url.Values{}
	query.Set("locationId", c.cfg.LocationID)
	query.Set("query", normalizedEmail)
	query.Set("limit", "10")

	fallbackResp, err := c.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     c.cfg.BaseURL + "/v1/contacts/?" + query.Encode(),
		Headers: c.headers(),
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"email": normalizedEmail,
			"error": err.Error(),
		}).Debug("ghl.contact_search_get_failed")
		return nil
	}

	return normalizeContactList(decodeJSON(fallbackResp.Body))
}

func decodeJSON(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var value interface{}
	if json.Unmarshal(body, &value) != nil {
		return nil
	}
	return value
}

// normalizeContactList accepts the several envelope shapes the contact
// APIs return: bare arrays, {contacts}, {contact}, {data:{contacts}}.
func normalizeContactList(payload interface{}) []contactCandidate {
	switch value := payload.(type) {
	case []interface{}:
		return toCandidates(value)
	case map[string]interface{}:
		if contacts, ok := value["contacts"].([]interface{}); ok {
			return toCandidates(contacts)
		}
		if contact, ok := value["contact"].(map[string]interface{}); ok {
			return []contactCandidate{contact}
		}
		if data, ok := value["data"].(map[string]interface{}); ok {
			if contacts, ok := data["contacts"].([]interface{}); ok {
				return toCandidates(contacts)
			}
		}
	}
	return nil
}

func toCandidates(items []interface{}) []contactCandidate {
	candidates := make([]contactCandidate, 0, len(items))
	for _, item := range items {
		if record, ok := item.(map[string]interface{}); ok {
			candidates = append(candidates, record)
		}
	}
	return candidates
}

// selectPreferredContact prefers the exact email match with the newest
// update timestamp, then any contact carrying an email, then the newest.
func selectPreferredContact(contacts []contactCandidate, normalizedEmail string) contactCandidate {
	if len(contacts) == 0 {
		return nil
	}

	sorted := make([]contactCandidate, len(contacts))
	copy(sorted, contacts)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].updatedAtValue() > sorted[i].updatedAtValue() {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	for _, contact := range sorted {
		if contact.email() == normalizedEmail {
			return contact
		}
	}
	for _, contact := range sorted {
		if contact.email() != "" {
			return contact
		}
	}
	return sorted[0]
}

func asString(value interface{}) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
