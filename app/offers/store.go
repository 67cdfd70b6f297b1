package offers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/serpco/ms-go-fulfillment/app/entity"
)

// Store holds the operator-maintained offer catalog, loaded once at
// startup from a JSON file. Lookups are read-only after load.
type Store struct {
	offers   map[string]*entity.OfferConfig
	products map[string][]string
}

type catalogFile struct {
	Offers   map[string]*entity.OfferConfig `json:"offers"`
	Products map[string][]string            `json:"products"`
}

// NewStoreFromFile reads the catalog at path. An empty path yields an
// empty store: every lookup misses and fulfillment falls back to
// offer-id defaults.
func NewStoreFromFile(path string) (*Store, error) {
	store := &Store{
		offers:   map[string]*entity.OfferConfig{},
		products: map[string][]string{},
	}
	if path == "" {
		return store, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offer catalog: %w", err)
	}

	var catalog catalogFile
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse offer catalog: %w", err)
	}

	for offerID, cfg := range catalog.Offers {
		if cfg == nil {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(offerID))
		if normalized == "" {
			continue
		}
		if cfg.OfferID == "" {
			cfg.OfferID = normalized
		}
		store.offers[normalized] = cfg
	}
	for productID, entitlements := range catalog.Products {
		productID = strings.TrimSpace(productID)
		if productID == "" || len(entitlements) == 0 {
			continue
		}
		store.products[productID] = entitlements
	}

	return store, nil
}

// Get returns the configuration for an offer, or nil when the offer is
// not in the catalog.
func (s *Store) Get(offerID string) *entity.OfferConfig {
	return s.offers[strings.ToLower(strings.TrimSpace(offerID))]
}

// ProductEntitlements maps provider price/product ids to entitlement
// slugs.
func (s *Store) ProductEntitlements() map[string][]string {
	return s.products
}

func (s *Store) Len() int {
	return len(s.offers)
}
