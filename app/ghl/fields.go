package ghl

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sirupsen/logrus"
)

// FieldCache maps CRM custom-field keys to ids and back. It populates
// lazily, once per process, with concurrent callers collapsed into a
// single upstream fetch.
type FieldCache struct {
	client *Client

	mu     sync.RWMutex
	byKey  map[string]string
	byID   map[string]string
	loaded bool
	flight singleflight.Group
}

func newFieldCache(client *Client) *FieldCache {
	return &FieldCache{client: client}
}

// ResolveSpecifier maps a field specifier to a concrete field id.
// Keys prefixed "contact." resolve through the cache; anything else is
// treated as an id and passed through. An unresolved key yields "".
func (f *FieldCache) ResolveSpecifier(ctx context.Context, specifier, fallbackKey string) string {
	specifier = strings.TrimSpace(specifier)
	if specifier != "" {
		if !strings.HasPrefix(specifier, "contact.") {
			return specifier
		}
		if id := f.idByKey(ctx, specifier); id != "" {
			return id
		}
		f.client.logger.WithField("field_key", specifier).Warn("ghl.custom_field_lookup_unresolved")
		return ""
	}

	if fallbackKey != "" {
		return f.idByKey(ctx, fallbackKey)
	}
	return ""
}

func (f *FieldCache) KeyByID(ctx context.Context, fieldID string) string {
	if fieldID == "" {
		return ""
	}
	f.ensureLoaded(ctx)

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byID[fieldID]
}

func (f *FieldCache) idByKey(ctx context.Context, fieldKey string) string {
	f.ensureLoaded(ctx)

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byKey[fieldKey]
}

func (f *FieldCache) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey = nil
	f.byID = nil
	f.loaded = false
}

func (f *FieldCache) ensureLoaded(ctx context.Context) {
	f.mu.RLock()
	loaded := f.loaded
	f.mu.RUnlock()
	if loaded {
		return
	}

	_, _, _ = f.flight.Do("contact-fields", func() (interface{}, error) {
		byKey, byID := f.fetch(ctx)
		f.mu.Lock()
		f.byKey = byKey
		f.byID = byID
		f.loaded = true
		f.mu.Unlock()
		return nil, nil
	})
}

// fetch returns empty maps on any failure; a missing field is a soft
// condition, never an error surfaced to fulfillment.
func (f *FieldCache) fetch(ctx context.Context) (map[string]string, map[string]string) {
	byKey := map[string]string{}
	byID := map[string]string{}

	if !f.client.configured() {
		return byKey, byID
	}

	var response struct {
		CustomFields []struct {
			ID       string `json:"id"`
			FieldKey string `json:"fieldKey"`
		} `json:"customFields"`
	}

	path := "/locations/" + f.client.cfg.LocationID + "/customFields?model=contact"
	if err := f.client.request(ctx, http.MethodGet, path, nil, &response); err != nil {
		f.client.logger.WithFields(logrus.Fields{
			"location_id": f.client.cfg.LocationID,
			"error":       err.Error(),
		}).Warn("ghl.custom_field_fetch_failed")
		return byKey, byID
	}

	for _, field := range response.CustomFields {
		if field.FieldKey == "" || field.ID == "" {
			continue
		}
		byKey[field.FieldKey] = field.ID
		byID[field.ID] = field.FieldKey
	}

	return byKey, byID
}
