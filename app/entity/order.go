package entity

import "time"

const (
	OrderPaymentStatusPaid      = "paid"
	OrderPaymentStatusUnpaid    = "unpaid"
	OrderPaymentStatusNoPayment = "no_payment_required"
	OrderPaymentStatusRefunded  = "refunded"
	OrderPaymentStatusFailed    = "failed"
)

type Order struct {
	ID uint64

	Provider        string
	ProviderOrderID string

	SessionID       *uint64
	PaymentIntentID *string
	SubscriptionID  *string

	OfferID string

	CustomerEmail string
	CustomerName  *string

	AmountTotal int64
	Currency    string

	PaymentStatus string
	PaymentMethod *string

	LicenseKey *string

	// Metadata receives additive merges only. Keys are never removed,
	// later writes win on conflicts.
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	MetadataKeyGHLSyncedAt      = "ghlSyncedAt"
	MetadataKeyGHLSyncError     = "ghlSyncError"
	MetadataKeyGHLContactID     = "ghlContactId"
	MetadataKeyLicenseKey       = "licenseKey"
	MetadataKeyLicenseSource    = "licenseSource"
	MetadataKeyEntitlementError = "entitlementGrantError"
	MetadataKeyEntitlementAt    = "entitlementGrantedAt"
	MetadataKeyRevokedAt        = "entitlementRevokedAt"
)
