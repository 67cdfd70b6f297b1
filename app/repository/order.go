package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/entity"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
)

const orderColumns = `id, provider, provider_order_id, session_id, payment_intent_id, subscription_id,
		offer_id, customer_email, customer_name, amount_total, currency,
		payment_status, payment_method, license_key, metadata_json, created_at, updated_at`

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	metadataJSON, err := serializeMetadata(order.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			provider, provider_order_id, session_id, payment_intent_id, subscription_id,
			offer_id, customer_email, customer_name, amount_total, currency,
			payment_status, payment_method, license_key, metadata_json, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		order.Provider,
		order.ProviderOrderID,
		nullableUint64Value(order.SessionID),
		nullableStringValue(order.PaymentIntentID),
		nullableStringValue(order.SubscriptionID),
		order.OfferID,
		order.CustomerEmail,
		nullableStringValue(order.CustomerName),
		order.AmountTotal,
		order.Currency,
		order.PaymentStatus,
		nullableStringValue(order.PaymentMethod),
		nullableStringValue(order.LicenseKey),
		metadataJSON,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = uint64(id)
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order *entity.Order) error {
	metadataJSON, err := serializeMetadata(order.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders SET
			session_id = ?,
			payment_intent_id = ?,
			subscription_id = ?,
			offer_id = ?,
			customer_email = ?,
			customer_name = ?,
			amount_total = ?,
			currency = ?,
			payment_status = ?,
			payment_method = ?,
			license_key = ?,
			metadata_json = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(order.SessionID),
		nullableStringValue(order.PaymentIntentID),
		nullableStringValue(order.SubscriptionID),
		order.OfferID,
		order.CustomerEmail,
		nullableStringValue(order.CustomerName),
		order.AmountTotal,
		order.Currency,
		order.PaymentStatus,
		nullableStringValue(order.PaymentMethod),
		nullableStringValue(order.LicenseKey),
		metadataJSON,
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// MergeMetadata applies an additive metadata merge to the order identified
// by provider order id. Returns the merged order, or nil when absent.
func (r *OrderRepository) MergeMetadata(ctx context.Context, provider, providerOrderID string, partial map[string]string) (*entity.Order, error) {
	order, err := r.FindByProviderOrderID(ctx, provider, providerOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	order.Metadata = mergeMetadata(order.Metadata, partial)
	order.UpdatedAt = time.Now().UTC()
	if err := r.Update(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindByProviderOrderID(ctx context.Context, provider, providerOrderID string) (*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE provider = ? AND provider_order_id = ?
		LIMIT 1
	`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, provider, providerOrderID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindByPaymentIntentID(ctx context.Context, provider, paymentIntentID string) (*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE provider = ? AND payment_intent_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, provider, paymentIntentID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindBySubscriptionID(ctx context.Context, provider, subscriptionID string) (*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE provider = ? AND subscription_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, provider, subscriptionID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

// ListFailedEntitlementGrants returns paid orders whose entitlement grant
// recorded an error and was never cleared by a later success.
func (r *OrderRepository) ListFailedEntitlementGrants(ctx context.Context, limit int32) ([]*entity.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE payment_status = ?
		  AND JSON_EXTRACT(metadata_json, '$.entitlementGrantError') IS NOT NULL
		  AND JSON_EXTRACT(metadata_json, '$.entitlementGrantedAt') IS NULL
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.OrderPaymentStatusPaid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*entity.Order, 0)
	for rows.Next() {
		item := &entity.Order{}
		if err := scanOrder(rows, item); err != nil {
			return nil, err
		}
		orders = append(orders, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func scanOrder(scan rowScanner, order *entity.Order) error {
	var sessionID sql.NullInt64
	var paymentIntentID sql.NullString
	var subscriptionID sql.NullString
	var customerName sql.NullString
	var paymentMethod sql.NullString
	var licenseKey sql.NullString
	var metadataJSON string

	err := scan.Scan(
		&order.ID,
		&order.Provider,
		&order.ProviderOrderID,
		&sessionID,
		&paymentIntentID,
		&subscriptionID,
		&order.OfferID,
		&order.CustomerEmail,
		&customerName,
		&order.AmountTotal,
		&order.Currency,
		&order.PaymentStatus,
		&paymentMethod,
		&licenseKey,
		&metadataJSON,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if sessionID.Valid {
		id := uint64(sessionID.Int64)
		order.SessionID = &id
	}
	order.PaymentIntentID = stringPtrFromNull(paymentIntentID)
	order.SubscriptionID = stringPtrFromNull(subscriptionID)
	order.CustomerName = stringPtrFromNull(customerName)
	order.PaymentMethod = stringPtrFromNull(paymentMethod)
	order.LicenseKey = stringPtrFromNull(licenseKey)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	order.Metadata = metadata

	return nil
}
