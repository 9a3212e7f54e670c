package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"gorm.io/gorm"
)

// Discrepancy rows are immutable once recorded against an invoice version.
// Re-validation appends a new set tied to the new version.
type Discrepancy struct {
	ID             uint                `gorm:"primary_key" json:"id"`
	InvoiceRowId   uint                `gorm:"not null;index" json:"invoice_row_id"`
	InvoiceId      string              `gorm:"size:64;not null;index" json:"invoice_id"`
	InvoiceVersion int                 `gorm:"not null" json:"invoice_version"`
	Position       int                 `gorm:"not null" json:"position"`
	Kind           DiscrepancyKind     `gorm:"size:30;not null" json:"kind"`
	Severity       DiscrepancySeverity `gorm:"size:10;not null" json:"severity"`
	FieldPath      string              `gorm:"size:255" json:"field_path"`
	Expected       string              `gorm:"size:500" json:"expected"`
	Actual         string              `gorm:"size:500" json:"actual"`
	Explanation    string              `gorm:"type:text" json:"explanation"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// AppendDiscrepancies records the full discrepancy set for one invoice
// version in engine order. Position is assigned here so replays of the same
// set are byte-identical.
func AppendDiscrepancies(tx *gorm.DB, invoice *Invoice, discrepancies []Discrepancy) error {
	if len(discrepancies) == 0 {
		return nil
	}
	for i := range discrepancies {
		discrepancies[i].InvoiceRowId = invoice.ID
		discrepancies[i].InvoiceId = invoice.InvoiceId
		discrepancies[i].InvoiceVersion = invoice.Version
		discrepancies[i].Position = i
	}
	return tx.Create(&discrepancies).Error
}

// GetDiscrepancies returns the discrepancy set of the latest invoice version
// in recorded order.
func GetDiscrepancies(ctx context.Context, invoiceId string) ([]Discrepancy, error) {
	db := config.GetDB()
	invoice, err := GetInvoiceByInvoiceId(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	var results []Discrepancy
	err = db.WithContext(ctx).
		Where("invoice_row_id = ?", invoice.ID).
		Order("position ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
