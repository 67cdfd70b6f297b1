package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/serpco/ms-go-fulfillment/app/entitlements"
	"github.com/serpco/ms-go-fulfillment/app/entity"
	"github.com/serpco/ms-go-fulfillment/app/ghl"
	"github.com/serpco/ms-go-fulfillment/app/httpclient"
	"github.com/serpco/ms-go-fulfillment/app/license"
	"github.com/serpco/ms-go-fulfillment/app/repository"
	"github.com/serpco/ms-go-fulfillment/app/types"
	"github.com/serpco/ms-go-fulfillment/config"
)

const (
	defaultSyncMaxAttempts   = 3
	defaultSyncRetryDelay    = 250 * time.Millisecond
	defaultOpsAlertThreshold = int32(3)
	defaultBatchSize         = int32(100)

	licenseSourceAdmin = "admin"
	licenseSourceCRM   = "crm"
)

type sessionRepository interface {
	Create(ctx context.Context, session *entity.CheckoutSession) error
	Update(ctx context.Context, session *entity.CheckoutSession) error
	MergeMetadata(ctx context.Context, provider, providerSessionID string, partial map[string]string) (*entity.CheckoutSession, error)
	FindByProviderSessionID(ctx context.Context, provider, providerSessionID string) (*entity.CheckoutSession, error)
	FindByPaymentIntentID(ctx context.Context, provider, paymentIntentID string) (*entity.CheckoutSession, error)
	FindBySubscriptionID(ctx context.Context, provider, subscriptionID string) (*entity.CheckoutSession, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.CheckoutSession, error)
}

type orderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	Update(ctx context.Context, order *entity.Order) error
	MergeMetadata(ctx context.Context, provider, providerOrderID string, partial map[string]string) (*entity.Order, error)
	FindByProviderOrderID(ctx context.Context, provider, providerOrderID string) (*entity.Order, error)
	FindByPaymentIntentID(ctx context.Context, provider, paymentIntentID string) (*entity.Order, error)
	FindBySubscriptionID(ctx context.Context, provider, subscriptionID string) (*entity.Order, error)
	ListFailedEntitlementGrants(ctx context.Context, limit int32) ([]*entity.Order, error)
}

type webhookLogRepository interface {
	Record(ctx context.Context, log *entity.WebhookLog) (*entity.WebhookLog, error)
	Finalize(ctx context.Context, log *entity.WebhookLog) error
}

type crmClient interface {
	SyncOrder(ctx context.Context, cfg *ghl.SyncConfig, sctx ghl.SyncContext) (*ghl.SyncOutcome, error)
	FetchContactLicensesByEmail(ctx context.Context, email string) []ghl.LicenseRecord
}

type licenseIssuer interface {
	CreateForOrder(ctx context.Context, input license.PurchaseInput) (*license.Result, error)
	MarkRefunded(ctx context.Context, input license.RevocationInput) (*license.Result, error)
}

type entitlementGateway interface {
	Grant(ctx context.Context, mutation entitlements.Mutation) error
	Revoke(ctx context.Context, mutation entitlements.Mutation) error
}

type offerCatalog interface {
	Get(offerID string) *entity.OfferConfig
	ProductEntitlements() map[string][]string
}

type alerter interface {
	Alert(ctx context.Context, event string, fields map[string]string)
}

// FulfillmentService turns verified provider events into persisted
// orders, issued licenses, CRM records, and entitlement grants. Every
// step is idempotent so replayed deliveries converge on the same state.
type FulfillmentService struct {
	sessions sessionRepository
	orders   orderRepository
	webhooks webhookLogRepository
	crm      crmClient
	licenses licenseIssuer
	gateway  entitlementGateway
	offers   offerCatalog
	alerts   alerter

	cfg    config.FulfillmentConfig
	logger logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewFulfillmentService(
	sessions sessionRepository,
	orders orderRepository,
	webhooks webhookLogRepository,
	crm crmClient,
	licenses licenseIssuer,
	gateway entitlementGateway,
	offers offerCatalog,
	alerts alerter,
	cfg config.FulfillmentConfig,
	logger logrus.FieldLogger,
) *FulfillmentService {
	return &FulfillmentService{
		sessions: sessions,
		orders:   orders,
		webhooks: webhooks,
		crm:      crm,
		licenses: licenses,
		gateway:  gateway,
		offers:   offers,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepWithContext,
	}
}

// WithSleepFunc replaces the retry delay, for tests.
func (s *FulfillmentService) WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) *FulfillmentService {
	s.sleep = sleep
	return s
}

// HandleEvent dispatches one verified provider event. Unknown event
// types are acknowledged without processing.
func (s *FulfillmentService) HandleEvent(ctx context.Context, event *types.PaymentEvent) error {
	if event == nil || strings.TrimSpace(event.EventID) == "" {
		return ErrInvalidEvent
	}

	switch event.EventType {
	case types.EventTypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case types.EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case types.EventTypePaymentFailed, types.EventTypePaymentCanceled:
		return s.handlePaymentFailure(ctx, event)
	case types.EventTypePaymentRefunded:
		return s.handleRefund(ctx, event)
	case types.EventTypeSubscriptionEnded:
		return s.handleSubscriptionEnded(ctx, event)
	default:
		s.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
		}).Debug("fulfillment.event_ignored")
		return nil
	}
}

func (s *FulfillmentService) handleCheckoutCompleted(ctx context.Context, event *types.PaymentEvent) error {
	attempt, err := s.recordAttempt(ctx, event)
	if err != nil {
		return err
	}

	email := strings.ToLower(strings.TrimSpace(event.CustomerEmail))
	offerID := strings.ToLower(strings.TrimSpace(event.OfferID))
	if offerID == "" {
		offerID = strings.ToLower(strings.TrimSpace(event.ClientReferenceID))
	}
	if email == "" || offerID == "" {
		reason := "missing offer id"
		if email == "" {
			reason = "missing customer email"
		}
		s.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"reason":   reason,
		}).Warn("fulfillment.event_unprocessable")
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, reason, nil)
		// The payload will never become processable; acknowledge so the
		// provider stops redelivering.
		return nil
	}

	session, err := s.upsertSession(ctx, event, email, offerID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}

	order, err := s.upsertOrder(ctx, event, session, email, offerID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}

	if session.Metadata[entity.MetadataKeyGHLSyncedAt] != "" && order.Metadata[entity.MetadataKeyLicenseKey] != "" {
		s.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"order_id": order.ProviderOrderID,
		}).Info("fulfillment.replay_skipped")
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"replay": "true"})
		return nil
	}

	offer := s.offers.Get(offerID)
	grants := entitlements.Resolve(offerID, offer, event.LineItems, s.offers.ProductEntitlements())

	licenseKey, licenseSource, licenseID := s.resolveLicense(ctx, event, offer, grants, email, offerID)
	if licenseKey != "" {
		order, err = s.orders.MergeMetadata(ctx, order.Provider, order.ProviderOrderID, map[string]string{
			entity.MetadataKeyLicenseKey:    licenseKey,
			entity.MetadataKeyLicenseSource: licenseSource,
		})
		if err != nil {
			s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
			return err
		}
		if order.LicenseKey == nil || *order.LicenseKey != licenseKey {
			order.LicenseKey = &licenseKey
			order.UpdatedAt = time.Now().UTC()
			if err := s.orders.Update(ctx, order); err != nil {
				s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
				return err
			}
		}
	}

	syncDetails := map[string]string{}
	outcome, syncErr := s.syncWithRetry(ctx, s.buildSyncConfig(offer), s.buildSyncContext(event, offer, email, offerID, licenseKey, licenseID, grants))
	if syncErr != nil {
		syncDetails["ghlSync"] = "failed"
		partial := map[string]string{entity.MetadataKeyGHLSyncError: truncate(syncErr.Error(), 512)}
		if merged, mergeErr := s.sessions.MergeMetadata(ctx, session.Provider, session.ProviderSessionID, partial); mergeErr == nil && merged != nil {
			session = merged
		}
		s.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"error":    syncErr.Error(),
		}).Error("fulfillment.crm_sync_failed")

		if attempt.Attempts >= s.alertThreshold() {
			s.alerts.Alert(ctx, "crm_sync_failing", map[string]string{
				"provider": event.Provider,
				"event_id": event.EventID,
				"email":    email,
				"attempts": itoa32(attempt.Attempts),
			})
		}
	} else if outcome != nil {
		partial := map[string]string{
			entity.MetadataKeyGHLSyncedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if outcome.ContactID != "" {
			partial[entity.MetadataKeyGHLContactID] = outcome.ContactID
		}
		if merged, mergeErr := s.sessions.MergeMetadata(ctx, session.Provider, session.ProviderSessionID, partial); mergeErr == nil && merged != nil {
			session = merged
		}
		if outcome.ContactID != "" && (session.GHLContactID == nil || *session.GHLContactID != outcome.ContactID) {
			contactID := outcome.ContactID
			session.GHLContactID = &contactID
			session.UpdatedAt = time.Now().UTC()
			_ = s.sessions.Update(ctx, session)
		}
	}

	if strings.EqualFold(event.PaymentStatus, entity.OrderPaymentStatusPaid) && len(grants) > 0 {
		mutation := entitlements.Mutation{
			Email:        email,
			Entitlements: grants,
			Metadata: map[string]string{
				"provider": event.Provider,
				"eventId":  event.EventID,
				"offerId":  offerID,
			},
		}
		if grantErr := s.gateway.Grant(ctx, mutation); grantErr != nil {
			_, _ = s.orders.MergeMetadata(ctx, order.Provider, order.ProviderOrderID, map[string]string{
				entity.MetadataKeyEntitlementError: truncate(grantErr.Error(), 512),
			})
		} else {
			_, _ = s.orders.MergeMetadata(ctx, order.Provider, order.ProviderOrderID, map[string]string{
				entity.MetadataKeyEntitlementAt: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}

	s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", syncDetails)
	return nil
}

func (s *FulfillmentService) handlePaymentSucceeded(ctx context.Context, event *types.PaymentEvent) error {
	attempt, err := s.recordAttempt(ctx, event)
	if err != nil {
		return err
	}

	intentID := strings.TrimSpace(event.PaymentIntentID)
	if intentID == "" {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "missing payment intent"})
		return nil
	}

	now := time.Now().UTC()
	session, err := s.sessions.FindByPaymentIntentID(ctx, event.Provider, intentID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if session != nil {
		changed := false
		if entity.SessionStatusAdvances(session.Status, entity.SessionStatusCompleted) {
			session.Status = entity.SessionStatusCompleted
			changed = true
		}
		if session.PaymentStatus == nil || *session.PaymentStatus != entity.OrderPaymentStatusPaid {
			paid := entity.OrderPaymentStatusPaid
			session.PaymentStatus = &paid
			changed = true
		}
		if changed {
			session.UpdatedAt = now
			if err := s.sessions.Update(ctx, session); err != nil {
				s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
				return err
			}
		}
	}

	order, err := s.orders.FindByPaymentIntentID(ctx, event.Provider, intentID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if order != nil && order.PaymentStatus != entity.OrderPaymentStatusPaid {
		order.PaymentStatus = entity.OrderPaymentStatusPaid
		order.UpdatedAt = now
		if err := s.orders.Update(ctx, order); err != nil {
			s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
			return err
		}
	}

	s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", nil)
	return nil
}

// handlePaymentFailure covers payment_failed and payment_canceled:
// forward the session to failed and revoke anything already granted.
// Failure paths never create CRM or license records.
func (s *FulfillmentService) handlePaymentFailure(ctx context.Context, event *types.PaymentEvent) error {
	attempt, err := s.recordAttempt(ctx, event)
	if err != nil {
		return err
	}

	intentID := strings.TrimSpace(event.PaymentIntentID)
	if intentID == "" {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "missing payment intent"})
		return nil
	}

	now := time.Now().UTC()
	session, err := s.sessions.FindByPaymentIntentID(ctx, event.Provider, intentID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if session != nil && entity.SessionStatusAdvances(session.Status, entity.SessionStatusFailed) {
		session.Status = entity.SessionStatusFailed
		failed := entity.OrderPaymentStatusFailed
		session.PaymentStatus = &failed
		session.UpdatedAt = now
		if err := s.sessions.Update(ctx, session); err != nil {
			s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
			return err
		}
	}

	order, err := s.orders.FindByPaymentIntentID(ctx, event.Provider, intentID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if order != nil {
		if order.PaymentStatus != entity.OrderPaymentStatusFailed {
			order.PaymentStatus = entity.OrderPaymentStatusFailed
			order.UpdatedAt = now
			if err := s.orders.Update(ctx, order); err != nil {
				s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
				return err
			}
		}
		s.revokeOrderEntitlements(ctx, order, event, event.EventType)
	}

	s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", nil)
	return nil
}

// handleRefund marks the order refunded, revokes entitlements, and
// flags the license at the authority. This is the only path that calls
// MarkRefunded.
func (s *FulfillmentService) handleRefund(ctx context.Context, event *types.PaymentEvent) error {
	attempt, err := s.recordAttempt(ctx, event)
	if err != nil {
		return err
	}

	intentID := strings.TrimSpace(event.PaymentIntentID)
	if intentID == "" {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "missing payment intent"})
		return nil
	}

	order, err := s.orders.FindByPaymentIntentID(ctx, event.Provider, intentID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if order == nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "unknown payment intent"})
		return nil
	}

	if order.PaymentStatus != entity.OrderPaymentStatusRefunded {
		order.PaymentStatus = entity.OrderPaymentStatusRefunded
		order.UpdatedAt = time.Now().UTC()
		if err := s.orders.Update(ctx, order); err != nil {
			s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
			return err
		}
	}

	if s.revokeOrderEntitlements(ctx, order, event, "refund") {
		offer := s.offers.Get(order.OfferID)
		grants := entitlements.Resolve(order.OfferID, offer, nil, s.offers.ProductEntitlements())
		providerObjectID := order.ProviderOrderID
		if order.SubscriptionID != nil && *order.SubscriptionID != "" {
			providerObjectID = *order.SubscriptionID
		}
		_, _ = s.licenses.MarkRefunded(ctx, license.RevocationInput{
			EventID:          event.EventID,
			Provider:         order.Provider,
			ProviderObjectID: providerObjectID,
			CustomerEmail:    order.CustomerEmail,
			Reason:           "refund",
			Entitlements:     grants,
		})
	}

	s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", nil)
	return nil
}

func (s *FulfillmentService) handleSubscriptionEnded(ctx context.Context, event *types.PaymentEvent) error {
	attempt, err := s.recordAttempt(ctx, event)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if !event.CurrentPeriodEnd.IsZero() && event.CurrentPeriodEnd.After(now) {
		// Canceled but paid through the period end: access continues
		// until then.
		s.logger.WithFields(logrus.Fields{
			"provider":           event.Provider,
			"event_id":           event.EventID,
			"current_period_end": event.CurrentPeriodEnd.Format(time.RFC3339),
		}).Info("fulfillment.subscription_grace")
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"grace": "true"})
		return nil
	}

	subscriptionID := strings.TrimSpace(event.SubscriptionID)
	if subscriptionID == "" {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "missing subscription id"})
		return nil
	}

	order, err := s.orders.FindBySubscriptionID(ctx, event.Provider, subscriptionID)
	if err != nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusError, err.Error(), nil)
		return err
	}
	if order == nil {
		s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", map[string]string{"unmatched": "unknown subscription"})
		return nil
	}

	s.revokeOrderEntitlements(ctx, order, event, "subscription_ended")

	s.finishAttempt(ctx, attempt, entity.WebhookLogStatusSuccess, "", nil)
	return nil
}

// revokeOrderEntitlements revokes at most once per order, guarded by
// the revocation timestamp in order metadata. It never touches the
// license authority; failed and canceled payments must not refund-flag
// a license the same email earned from an earlier purchase. Returns
// true when this call performed the revocation.
func (s *FulfillmentService) revokeOrderEntitlements(ctx context.Context, order *entity.Order, event *types.PaymentEvent, reason string) bool {
	if order.Metadata[entity.MetadataKeyRevokedAt] != "" {
		return false
	}

	offer := s.offers.Get(order.OfferID)
	grants := entitlements.Resolve(order.OfferID, offer, nil, s.offers.ProductEntitlements())
	if len(grants) == 0 || order.CustomerEmail == "" {
		return false
	}

	mutation := entitlements.Mutation{
		Email:        order.CustomerEmail,
		Entitlements: grants,
		Metadata: map[string]string{
			"provider": order.Provider,
			"eventId":  event.EventID,
			"reason":   reason,
		},
	}
	if err := s.gateway.Revoke(ctx, mutation); err != nil {
		s.logger.WithFields(logrus.Fields{
			"provider": order.Provider,
			"order_id": order.ProviderOrderID,
			"error":    err.Error(),
		}).Error("fulfillment.entitlement_revoke_failed")
		return false
	}

	_, _ = s.orders.MergeMetadata(ctx, order.Provider, order.ProviderOrderID, map[string]string{
		entity.MetadataKeyRevokedAt: time.Now().UTC().Format(time.RFC3339),
	})
	return true
}

// ConfirmCheckout is the success-page fallback ingress: it replays the
// same idempotent fulfillment pipeline from the stored session, so a
// buyer whose webhook delivery was lost still gets a license, CRM
// record, and entitlements. The replay guard keeps a confirm after a
// processed webhook from duplicating side effects.
func (s *FulfillmentService) ConfirmCheckout(ctx context.Context, req *types.ConfirmCheckoutRequest) (*types.ConfirmCheckoutResponse, error) {
	session, err := s.sessions.FindByProviderSessionID(ctx, req.Provider, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	if err := s.handleCheckoutCompleted(ctx, eventFromSession(session)); err != nil {
		return nil, err
	}

	// Re-read for the state the fulfillment pass left behind.
	session, err = s.sessions.FindByProviderSessionID(ctx, req.Provider, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	resp := &types.ConfirmCheckoutResponse{Status: session.Status}

	order, err := s.orders.FindByProviderOrderID(ctx, req.Provider, req.SessionID)
	if err != nil {
		return nil, err
	}
	if order != nil {
		resp.OrderStatus = order.PaymentStatus
	}

	if offer := s.offers.Get(session.OfferID); offer != nil {
		resp.RedirectURL = offer.SuccessURL
	}

	return resp, nil
}

// eventFromSession rebuilds a checkout_completed envelope from a stored
// session so the confirmation path walks the webhook pipeline.
func eventFromSession(session *entity.CheckoutSession) *types.PaymentEvent {
	return &types.PaymentEvent{
		EventID:         "confirm-" + session.ProviderSessionID,
		EventType:       types.EventTypeCheckoutCompleted,
		Provider:        session.Provider,
		SessionID:       session.ProviderSessionID,
		PaymentIntentID: derefString(session.PaymentIntentID),
		SubscriptionID:  derefString(session.SubscriptionID),
		OfferID:         session.OfferID,
		LanderID:        derefString(session.LanderID),
		CustomerEmail:   derefString(session.CustomerEmail),
		CustomerName:    derefString(session.CustomerName),
		CustomerPhone:   derefString(session.CustomerPhone),
		AmountTotal:     session.AmountTotal,
		Currency:        session.Currency,
		PaymentStatus:   derefString(session.PaymentStatus),
		Metadata:        cloneMetadata(session.Metadata),
	}
}

func (s *FulfillmentService) upsertSession(ctx context.Context, event *types.PaymentEvent, email, offerID string) (*entity.CheckoutSession, error) {
	providerSessionID := strings.TrimSpace(event.SessionID)
	if providerSessionID == "" {
		providerSessionID = event.EventID
	}

	existing, err := s.sessions.FindByProviderSessionID(ctx, event.Provider, providerSessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil {
		session := &entity.CheckoutSession{
			Provider:          event.Provider,
			ProviderSessionID: providerSessionID,
			PaymentIntentID:   optionalString(event.PaymentIntentID),
			SubscriptionID:    optionalString(event.SubscriptionID),
			OfferID:           offerID,
			LanderID:          optionalString(event.LanderID),
			CustomerEmail:     optionalString(email),
			CustomerName:      optionalString(event.CustomerName),
			CustomerPhone:     optionalString(event.CustomerPhone),
			AmountTotal:       event.AmountTotal,
			Currency:          strings.ToLower(event.Currency),
			Status:            entity.SessionStatusCompleted,
			PaymentStatus:     optionalString(event.PaymentStatus),
			Metadata:          cloneMetadata(event.Metadata),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			if errors.Is(err, repository.ErrSessionAlreadyExists) {
				// Concurrent duplicate delivery won the insert.
				return s.sessions.FindByProviderSessionID(ctx, event.Provider, providerSessionID)
			}
			return nil, err
		}
		return session, nil
	}

	changed := false
	if entity.SessionStatusAdvances(existing.Status, entity.SessionStatusCompleted) {
		existing.Status = entity.SessionStatusCompleted
		changed = true
	}
	if existing.PaymentIntentID == nil && event.PaymentIntentID != "" {
		existing.PaymentIntentID = optionalString(event.PaymentIntentID)
		changed = true
	}
	if existing.SubscriptionID == nil && event.SubscriptionID != "" {
		existing.SubscriptionID = optionalString(event.SubscriptionID)
		changed = true
	}
	if event.PaymentStatus != "" && (existing.PaymentStatus == nil || *existing.PaymentStatus != event.PaymentStatus) {
		existing.PaymentStatus = optionalString(event.PaymentStatus)
		changed = true
	}
	if changed {
		existing.UpdatedAt = now
		if err := s.sessions.Update(ctx, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *FulfillmentService) upsertOrder(ctx context.Context, event *types.PaymentEvent, session *entity.CheckoutSession, email, offerID string) (*entity.Order, error) {
	providerOrderID := firstNonEmpty(event.SessionID, event.PaymentIntentID, event.EventID)

	existing, err := s.orders.FindByProviderOrderID(ctx, event.Provider, providerOrderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil {
		order := &entity.Order{
			Provider:        event.Provider,
			ProviderOrderID: providerOrderID,
			PaymentIntentID: optionalString(event.PaymentIntentID),
			SubscriptionID:  optionalString(event.SubscriptionID),
			OfferID:         offerID,
			CustomerEmail:   email,
			CustomerName:    optionalString(event.CustomerName),
			AmountTotal:     event.AmountTotal,
			Currency:        strings.ToLower(event.Currency),
			PaymentStatus:   orderPaymentStatus(event.PaymentStatus),
			PaymentMethod:   optionalString(event.PaymentMethod),
			Metadata:        cloneMetadata(event.Metadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if session != nil && session.ID != 0 {
			sessionID := session.ID
			order.SessionID = &sessionID
		}
		if err := s.orders.Create(ctx, order); err != nil {
			if errors.Is(err, repository.ErrOrderAlreadyExists) {
				return s.orders.FindByProviderOrderID(ctx, event.Provider, providerOrderID)
			}
			return nil, err
		}
		return order, nil
	}

	changed := false
	if status := orderPaymentStatus(event.PaymentStatus); status == entity.OrderPaymentStatusPaid && existing.PaymentStatus != status {
		existing.PaymentStatus = status
		changed = true
	}
	if existing.PaymentIntentID == nil && event.PaymentIntentID != "" {
		existing.PaymentIntentID = optionalString(event.PaymentIntentID)
		changed = true
	}
	if existing.SubscriptionID == nil && event.SubscriptionID != "" {
		existing.SubscriptionID = optionalString(event.SubscriptionID)
		changed = true
	}
	if changed {
		existing.UpdatedAt = now
		if err := s.orders.Update(ctx, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// resolveLicense asks the license authority first and falls back to
// license keys already on the CRM contact. Failures are soft: an order
// without a key is still fulfilled.
func (s *FulfillmentService) resolveLicense(ctx context.Context, event *types.PaymentEvent, offer *entity.OfferConfig, grants []string, email, offerID string) (key, source, licenseID string) {
	tier := ""
	if offer != nil {
		tier = offer.LicenseTier
	}
	if tier == "" {
		tier = offerID
	}

	result, err := s.licenses.CreateForOrder(ctx, license.PurchaseInput{
		EventID:          event.EventID,
		Provider:         event.Provider,
		ProviderObjectID: firstNonEmpty(event.PaymentIntentID, event.SessionID),
		Status:           event.PaymentStatus,
		CustomerEmail:    email,
		Tier:             tier,
		Entitlements:     grants,
		Metadata: map[string]string{
			"offerId":   offerID,
			"sessionId": event.SessionID,
		},
		AmountTotal: event.AmountTotal,
		Currency:    event.Currency,
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"error":    err.Error(),
		}).Warn("fulfillment.license_issue_failed")
	} else if result != nil && result.LicenseKey != "" {
		return result.LicenseKey, licenseSourceAdmin, result.LicenseID
	}

	for _, record := range s.crm.FetchContactLicensesByEmail(ctx, email) {
		if record.OfferID == "" || strings.EqualFold(record.OfferID, offerID) {
			return record.Key, licenseSourceCRM, record.ID
		}
	}
	return "", "", ""
}

func (s *FulfillmentService) buildSyncConfig(offer *entity.OfferConfig) *ghl.SyncConfig {
	if offer == nil {
		return &ghl.SyncConfig{}
	}
	return &ghl.SyncConfig{
		PipelineID:              offer.PipelineID,
		StageID:                 offer.StageID,
		TagIDs:                  offer.TagIDs,
		WorkflowIDs:             offer.WorkflowIDs,
		OpportunityNameTemplate: offer.OpportunityNameTemplate,
		Source:                  offer.Source,
		ContactCustomFieldIDs:   offer.ContactCustomFieldIDs,
	}
}

func (s *FulfillmentService) buildSyncContext(event *types.PaymentEvent, offer *entity.OfferConfig, email, offerID, licenseKey, licenseID string, grants []string) ghl.SyncContext {
	offerName := offerID
	tier := ""
	if offer != nil {
		if offer.ProductName != "" {
			offerName = offer.ProductName
		}
		tier = offer.LicenseTier
	}

	sctx := ghl.SyncContext{
		Provider:        event.Provider,
		OfferID:         offerID,
		OfferName:       offerName,
		LanderID:        event.LanderID,
		SessionID:       event.SessionID,
		PaymentIntentID: event.PaymentIntentID,
		CustomerEmail:   email,
		CustomerName:    event.CustomerName,
		CustomerPhone:   event.CustomerPhone,
		AmountTotal:     event.AmountTotal,
		Currency:        event.Currency,
		Metadata:        cloneMetadata(event.Metadata),
		LicenseTier:     tier,
	}
	if licenseKey != "" {
		sctx.LicenseKey = licenseKey
		sctx.LicenseID = licenseID
		sctx.LicenseAction = "issued"
		sctx.LicenseEntitlements = grants
	}
	return sctx
}

// syncWithRetry retries transient CRM failures with exponential
// backoff. Non-retryable failures surface immediately.
func (s *FulfillmentService) syncWithRetry(ctx context.Context, cfg *ghl.SyncConfig, sctx ghl.SyncContext) (*ghl.SyncOutcome, error) {
	maxAttempts := s.cfg.SyncMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultSyncMaxAttempts
	}
	baseDelay := s.cfg.SyncRetryDelay
	if baseDelay <= 0 {
		baseDelay = defaultSyncRetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, baseDelay<<(attempt-2)); err != nil {
				return nil, err
			}
		}

		outcome, err := s.crm.SyncOrder(ctx, cfg, sctx)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		var requestErr *httpclient.RequestError
		if !errors.As(err, &requestErr) || !requestErr.Retryable() {
			break
		}
		s.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("fulfillment.crm_sync_retry")
	}
	return nil, lastErr
}

func (s *FulfillmentService) recordAttempt(ctx context.Context, event *types.PaymentEvent) (*entity.WebhookLog, error) {
	return s.webhooks.Record(ctx, &entity.WebhookLog{
		Provider:        event.Provider,
		EventID:         event.EventID,
		EventType:       event.EventType,
		PaymentIntentID: optionalString(event.PaymentIntentID),
		Status:          entity.WebhookLogStatusPending,
	})
}

func (s *FulfillmentService) finishAttempt(ctx context.Context, attempt *entity.WebhookLog, status, errMsg string, details map[string]string) {
	attempt.Status = status
	if errMsg != "" {
		trimmed := truncate(errMsg, 1024)
		attempt.LastErr = &trimmed
	}
	if len(details) > 0 {
		if attempt.Details == nil {
			attempt.Details = map[string]string{}
		}
		for key, value := range details {
			attempt.Details[key] = value
		}
	}
	if err := s.webhooks.Finalize(ctx, attempt); err != nil {
		s.logger.WithFields(logrus.Fields{
			"provider": attempt.Provider,
			"event_id": attempt.EventID,
			"error":    err.Error(),
		}).Warn("fulfillment.webhook_log_write_failed")
	}
}

func (s *FulfillmentService) alertThreshold() int32 {
	if s.cfg.OpsAlertThreshold > 0 {
		return s.cfg.OpsAlertThreshold
	}
	return defaultOpsAlertThreshold
}

func (s *FulfillmentService) batchSize() int32 {
	if s.cfg.JobBatchSize > 0 {
		return s.cfg.JobBatchSize
	}
	return defaultBatchSize
}

func orderPaymentStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case entity.OrderPaymentStatusPaid:
		return entity.OrderPaymentStatusPaid
	case entity.OrderPaymentStatusNoPayment:
		return entity.OrderPaymentStatusNoPayment
	case entity.OrderPaymentStatusRefunded:
		return entity.OrderPaymentStatusRefunded
	case entity.OrderPaymentStatusFailed:
		return entity.OrderPaymentStatusFailed
	default:
		return entity.OrderPaymentStatusUnpaid
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func optionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncate cuts on a rune boundary so truncated log payloads stay
// valid UTF-8.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max]
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}

func itoa32(v int32) string {
	return strconv.Itoa(int(v))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
