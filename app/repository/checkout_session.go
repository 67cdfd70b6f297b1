package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/entity"
)

var (
	ErrSessionNotFound      = errors.New("checkout session not found")
	ErrSessionAlreadyExists = errors.New("checkout session already exists")
)

const sessionColumns = `id, provider, provider_session_id, payment_intent_id, subscription_id,
		offer_id, lander_id, customer_email, customer_name, customer_phone,
		amount_total, currency, status, payment_status, ghl_contact_id,
		metadata_json, created_at, updated_at`

type CheckoutSessionRepository struct {
	db DBTX
}

func NewCheckoutSessionRepository(db DBTX) *CheckoutSessionRepository {
	return &CheckoutSessionRepository{db: db}
}

func (r *CheckoutSessionRepository) Create(ctx context.Context, session *entity.CheckoutSession) error {
	metadataJSON, err := serializeMetadata(session.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO checkout_sessions (
			provider, provider_session_id, payment_intent_id, subscription_id,
			offer_id, lander_id, customer_email, customer_name, customer_phone,
			amount_total, currency, status, payment_status, ghl_contact_id,
			metadata_json, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		session.Provider,
		session.ProviderSessionID,
		nullableStringValue(session.PaymentIntentID),
		nullableStringValue(session.SubscriptionID),
		session.OfferID,
		nullableStringValue(session.LanderID),
		nullableStringValue(session.CustomerEmail),
		nullableStringValue(session.CustomerName),
		nullableStringValue(session.CustomerPhone),
		session.AmountTotal,
		session.Currency,
		session.Status,
		nullableStringValue(session.PaymentStatus),
		nullableStringValue(session.GHLContactID),
		metadataJSON,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrSessionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	session.ID = uint64(id)
	return nil
}

func (r *CheckoutSessionRepository) Update(ctx context.Context, session *entity.CheckoutSession) error {
	metadataJSON, err := serializeMetadata(session.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE checkout_sessions SET
			payment_intent_id = ?,
			subscription_id = ?,
			offer_id = ?,
			lander_id = ?,
			customer_email = ?,
			customer_name = ?,
			customer_phone = ?,
			amount_total = ?,
			currency = ?,
			status = ?,
			payment_status = ?,
			ghl_contact_id = ?,
			metadata_json = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(session.PaymentIntentID),
		nullableStringValue(session.SubscriptionID),
		session.OfferID,
		nullableStringValue(session.LanderID),
		nullableStringValue(session.CustomerEmail),
		nullableStringValue(session.CustomerName),
		nullableStringValue(session.CustomerPhone),
		session.AmountTotal,
		session.Currency,
		session.Status,
		nullableStringValue(session.PaymentStatus),
		nullableStringValue(session.GHLContactID),
		metadataJSON,
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// MergeMetadata applies an additive metadata merge to the session identified
// by provider session id. Returns the merged session, or nil when absent.
func (r *CheckoutSessionRepository) MergeMetadata(ctx context.Context, provider, providerSessionID string, partial map[string]string) (*entity.CheckoutSession, error) {
	session, err := r.FindByProviderSessionID(ctx, provider, providerSessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	session.Metadata = mergeMetadata(session.Metadata, partial)
	session.UpdatedAt = time.Now().UTC()
	if err := r.Update(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

func (r *CheckoutSessionRepository) FindByProviderSessionID(ctx context.Context, provider, providerSessionID string) (*entity.CheckoutSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE provider = ? AND provider_session_id = ?
		LIMIT 1
	`

	session := &entity.CheckoutSession{}
	if err := scanSession(r.db.QueryRowContext(ctx, query, provider, providerSessionID), session); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return session, nil
}

func (r *CheckoutSessionRepository) FindByPaymentIntentID(ctx context.Context, provider, paymentIntentID string) (*entity.CheckoutSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE provider = ? AND payment_intent_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	session := &entity.CheckoutSession{}
	if err := scanSession(r.db.QueryRowContext(ctx, query, provider, paymentIntentID), session); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return session, nil
}

func (r *CheckoutSessionRepository) FindBySubscriptionID(ctx context.Context, provider, subscriptionID string) (*entity.CheckoutSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE provider = ? AND subscription_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	session := &entity.CheckoutSession{}
	if err := scanSession(r.db.QueryRowContext(ctx, query, provider, subscriptionID), session); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return session, nil
}

func (r *CheckoutSessionRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.CheckoutSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkout_sessions
		WHERE status = ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.SessionStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*entity.CheckoutSession, 0)
	for rows.Next() {
		item := &entity.CheckoutSession{}
		if err := scanSession(rows, item); err != nil {
			return nil, err
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

func scanSession(scan rowScanner, session *entity.CheckoutSession) error {
	var paymentIntentID sql.NullString
	var subscriptionID sql.NullString
	var landerID sql.NullString
	var customerEmail sql.NullString
	var customerName sql.NullString
	var customerPhone sql.NullString
	var paymentStatus sql.NullString
	var ghlContactID sql.NullString
	var metadataJSON string

	err := scan.Scan(
		&session.ID,
		&session.Provider,
		&session.ProviderSessionID,
		&paymentIntentID,
		&subscriptionID,
		&session.OfferID,
		&landerID,
		&customerEmail,
		&customerName,
		&customerPhone,
		&session.AmountTotal,
		&session.Currency,
		&session.Status,
		&paymentStatus,
		&ghlContactID,
		&metadataJSON,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return err
	}

	session.PaymentIntentID = stringPtrFromNull(paymentIntentID)
	session.SubscriptionID = stringPtrFromNull(subscriptionID)
	session.LanderID = stringPtrFromNull(landerID)
	session.CustomerEmail = stringPtrFromNull(customerEmail)
	session.CustomerName = stringPtrFromNull(customerName)
	session.CustomerPhone = stringPtrFromNull(customerPhone)
	session.PaymentStatus = stringPtrFromNull(paymentStatus)
	session.GHLContactID = stringPtrFromNull(ghlContactID)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	session.Metadata = metadata

	return nil
}
