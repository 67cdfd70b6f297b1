package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/entitlements"
	"github.com/serpco/ms-go-fulfillment/app/entity"
)

const defaultStaleAfter = 60 * time.Minute

// RunEntitlementsRetryBatch re-grants entitlements for paid orders
// whose original grant failed. A successful grant stamps the order so
// the next batch skips it.
func (s *FulfillmentService) RunEntitlementsRetryBatch(ctx context.Context) error {
	orders, err := s.orders.ListFailedEntitlementGrants(ctx, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range orders {
		if order == nil || order.CustomerEmail == "" {
			continue
		}

		offer := s.offers.Get(order.OfferID)
		grants := entitlements.Resolve(order.OfferID, offer, nil, s.offers.ProductEntitlements())
		if len(grants) == 0 {
			continue
		}

		mutation := entitlements.Mutation{
			Email:        order.CustomerEmail,
			Entitlements: grants,
			Metadata: map[string]string{
				"provider": order.Provider,
				"orderId":  order.ProviderOrderID,
				"retry":    "true",
			},
		}
		if err := s.gateway.Grant(ctx, mutation); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		if _, err := s.orders.MergeMetadata(ctx, order.Provider, order.ProviderOrderID, map[string]string{
			entity.MetadataKeyEntitlementAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"provider": order.Provider,
			"order_id": order.ProviderOrderID,
		}).Info("fulfillment.entitlements_regranted")
	}

	return firstErr
}

// RunExpireStaleBatch fails checkout sessions that never completed
// within the configured window.
func (s *FulfillmentService) RunExpireStaleBatch(ctx context.Context) error {
	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)
	sessions, err := s.sessions.ListStalePending(ctx, cutoff, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, session := range sessions {
		if session == nil || session.Status != entity.SessionStatusPending {
			continue
		}

		session.Status = entity.SessionStatusFailed
		session.UpdatedAt = now
		if err := s.sessions.Update(ctx, session); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"provider":   session.Provider,
			"session_id": session.ProviderSessionID,
		}).Info("fulfillment.session_expired")
	}

	return firstErr
}
