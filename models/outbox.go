package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for PipelineMessageRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Outbox processing statuses for PipelineMessageRecord.ProcessingStatus.
// These represent worker-side handling state (distinct from PublishStatus).
const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)

// PipelineMessageRecord is the transactional outbox row for one accepted
// submission. It is written in the same transaction as the Received invoice;
// the dispatcher publishes it to Pub/Sub after commit.
type PipelineMessageRecord struct {
	ID          int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	InvoiceId   string    `gorm:"size:64;not null;index" json:"invoice_id"`
	DocumentRef string    `gorm:"size:500;not null" json:"document_ref"`
	SubmittedAt time.Time `gorm:"not null" json:"submitted_at"`
	IsProcessed bool      `gorm:"index;not null" json:"is_processed"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	// Processing metadata (consumer/worker)
	ProcessingStatus     string     `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time `gorm:"index" json:"processed_at"`
	CorrelationId        string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPipelineMessage(record PipelineMessageRecord) config.PipelineMessage {
	return config.PipelineMessage{
		ID:            record.ID,
		InvoiceId:     record.InvoiceId,
		DocumentRef:   record.DocumentRef,
		SubmittedAt:   record.SubmittedAt,
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueSubmission writes the outbox row inside the caller's transaction.
// It does NOT publish to Pub/Sub; publishing is performed asynchronously by
// the outbox dispatcher after commit.
func EnqueueSubmission(ctx context.Context, tx *gorm.DB, invoiceId, documentRef string) (*PipelineMessageRecord, error) {
	record := PipelineMessageRecord{
		InvoiceId:        invoiceId,
		DocumentRef:      documentRef,
		SubmittedAt:      time.Now().UTC(),
		IsProcessed:      false,
		PublishStatus:    OutboxPublishStatusPending,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
