package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"gorm.io/gorm"
)

// AuditLogEntry records one status transition. Entries are append-only:
// there are intentionally no update or delete paths in this file, and the
// audit trail is the sole legitimate way to inspect invoice history.
type AuditLogEntry struct {
	ID         uint          `gorm:"primary_key" json:"id"`
	InvoiceId  string        `gorm:"size:64;not null;index" json:"invoice_id"`
	Version    int           `gorm:"not null" json:"version"`
	Timestamp  time.Time     `gorm:"autoCreateTime;index" json:"timestamp"`
	FromStatus InvoiceStatus `gorm:"size:30;not null" json:"from_status"`
	ToStatus   InvoiceStatus `gorm:"size:30;not null" json:"to_status"`
	Actor      string        `gorm:"size:100;not null" json:"actor"`
	Detail     string        `gorm:"type:text" json:"detail"`
}

func AppendAuditEntry(tx *gorm.DB, entry *AuditLogEntry) error {
	return tx.Create(entry).Error
}

// GetAuditTrail returns every entry for an invoice in transition order.
func GetAuditTrail(ctx context.Context, invoiceId string) ([]AuditLogEntry, error) {
	db := config.GetDB()
	var results []AuditLogEntry
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceId).
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ReplayStatus walks a trail in order and returns the status it reconstructs.
// Returns false when the trail is empty or contains an illegal edge.
func ReplayStatus(entries []AuditLogEntry) (InvoiceStatus, bool) {
	if len(entries) == 0 {
		return "", false
	}
	current := entries[0].FromStatus
	for _, e := range entries {
		if e.FromStatus != current || !current.CanTransition(e.ToStatus) {
			return "", false
		}
		current = e.ToStatus
	}
	return current, true
}
