package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/entity"
)

const webhookLogColumns = `id, provider, event_id, event_type, payment_intent_id,
		status, attempts, last_error, details_json, created_at, updated_at`

type WebhookLogRepository struct {
	db DBTX
}

func NewWebhookLogRepository(db DBTX) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

// Record upserts a processing attempt for a provider event. An existing row
// increments its attempts counter and merges details additively. The returned
// log carries the post-write attempts count.
func (r *WebhookLogRepository) Record(ctx context.Context, log *entity.WebhookLog) (*entity.WebhookLog, error) {
	now := time.Now().UTC()

	existing, err := r.FindByEventID(ctx, log.Provider, log.EventID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		log.Attempts = 1
		log.CreatedAt = now
		log.UpdatedAt = now
		if err := r.insert(ctx, log); err != nil {
			if !isDuplicateEntryError(err) {
				return nil, err
			}
			// Lost the race to a concurrent delivery, fall through to update.
			existing, err = r.FindByEventID(ctx, log.Provider, log.EventID)
			if err != nil {
				return nil, err
			}
		} else {
			return log, nil
		}
	}

	existing.Attempts++
	existing.Status = log.Status
	existing.EventType = log.EventType
	if log.PaymentIntentID != nil {
		existing.PaymentIntentID = log.PaymentIntentID
	}
	if log.LastErr != nil {
		existing.LastErr = log.LastErr
	}
	existing.Details = mergeMetadata(existing.Details, log.Details)
	existing.UpdatedAt = now

	if err := r.update(ctx, existing); err != nil {
		return nil, err
	}

	return existing, nil
}

// Finalize writes the outcome of an attempt already counted by Record.
func (r *WebhookLogRepository) Finalize(ctx context.Context, log *entity.WebhookLog) error {
	log.UpdatedAt = time.Now().UTC()
	return r.update(ctx, log)
}

func (r *WebhookLogRepository) insert(ctx context.Context, log *entity.WebhookLog) error {
	detailsJSON, err := serializeMetadata(log.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_logs (
			provider, event_id, event_type, payment_intent_id,
			status, attempts, last_error, details_json, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Provider,
		log.EventID,
		log.EventType,
		nullableStringValue(log.PaymentIntentID),
		log.Status,
		log.Attempts,
		nullableStringValue(log.LastErr),
		detailsJSON,
		log.CreatedAt,
		log.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = uint64(id)
	return nil
}

func (r *WebhookLogRepository) update(ctx context.Context, log *entity.WebhookLog) error {
	detailsJSON, err := serializeMetadata(log.Details)
	if err != nil {
		return err
	}

	query := `
		UPDATE webhook_logs SET
			event_type = ?,
			payment_intent_id = ?,
			status = ?,
			attempts = ?,
			last_error = ?,
			details_json = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err = r.db.ExecContext(ctx, query,
		log.EventType,
		nullableStringValue(log.PaymentIntentID),
		log.Status,
		log.Attempts,
		nullableStringValue(log.LastErr),
		detailsJSON,
		log.UpdatedAt,
		log.ID,
	)
	return err
}

func (r *WebhookLogRepository) FindByEventID(ctx context.Context, provider, eventID string) (*entity.WebhookLog, error) {
	query := `
		SELECT ` + webhookLogColumns + `
		FROM webhook_logs
		WHERE provider = ? AND event_id = ?
		LIMIT 1
	`

	log := &entity.WebhookLog{}
	if err := scanWebhookLog(r.db.QueryRowContext(ctx, query, provider, eventID), log); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return log, nil
}

func scanWebhookLog(scan rowScanner, log *entity.WebhookLog) error {
	var paymentIntentID sql.NullString
	var lastErr sql.NullString
	var detailsJSON string

	err := scan.Scan(
		&log.ID,
		&log.Provider,
		&log.EventID,
		&log.EventType,
		&paymentIntentID,
		&log.Status,
		&log.Attempts,
		&lastErr,
		&detailsJSON,
		&log.CreatedAt,
		&log.UpdatedAt,
	)
	if err != nil {
		return err
	}

	log.PaymentIntentID = stringPtrFromNull(paymentIntentID)
	log.LastErr = stringPtrFromNull(lastErr)

	details, err := parseMetadata(detailsJSON)
	if err != nil {
		return err
	}
	log.Details = details

	return nil
}
