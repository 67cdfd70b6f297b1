package entitlements

import (
	"github.com/serpco/ms-go-fulfillment/app/entity"
	"github.com/serpco/ms-go-fulfillment/app/types"
)

// Resolve aggregates the entitlement slugs a paid order should grant.
// Line items resolve through the product table by price id then product
// id; the offer's configured entitlements follow; the offer id itself
// is always included as the fallback grant.
func Resolve(offerID string, offer *entity.OfferConfig, lineItems []types.LineItem, products map[string][]string) []string {
	collected := make([]string, 0, 4)

	for _, item := range lineItems {
		if item.PriceID != "" {
			collected = append(collected, products[item.PriceID]...)
		}
		if item.ProductID != "" {
			collected = append(collected, products[item.ProductID]...)
		}
	}

	if offer != nil {
		collected = append(collected, offer.Entitlements...)
	}

	if offerID != "" {
		collected = append(collected, offerID)
	}

	return NormalizeEntitlements(collected)
}
