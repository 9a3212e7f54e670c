package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LineItem is one billed position inside the canonical invoice record.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// CanonicalFields is the normalized invoice record produced by extraction.
// Once stored on an invoice version it is immutable; corrections create a
// new version row so the audit trail stays intact.
type CanonicalFields struct {
	VendorName       string             `json:"vendor_name"`
	InvoiceNumber    string             `json:"invoice_number"`
	IssueDate        time.Time          `json:"issue_date"`
	LineItems        []LineItem         `json:"line_items"`
	TotalAmount      decimal.Decimal    `json:"total_amount"`
	Currency         string             `json:"currency"`
	FieldConfidences map[string]float64 `json:"field_confidences,omitempty"`
}

type Invoice struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	InvoiceId      string          `gorm:"size:64;not null;index:uniq_invoice_version,unique" json:"invoice_id"`
	Version        int             `gorm:"not null;default:1;index:uniq_invoice_version,unique" json:"version"`
	Status         InvoiceStatus   `gorm:"size:30;not null;index" json:"status"`
	RawDocumentRef string          `gorm:"size:500" json:"raw_document_ref"`
	CanonicalJSON  []byte          `gorm:"type:json" json:"canonical_fields,omitempty"`
	VendorName     string          `gorm:"size:255" json:"vendor_name"`
	VendorKey      string          `gorm:"size:255;index" json:"vendor_key"`
	InvoiceNumber  string          `gorm:"size:100;index" json:"invoice_number"`
	IssueDate      *time.Time      `json:"issue_date"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_amount"`
	Currency       string          `gorm:"size:10" json:"currency"`
	NeedsReview    bool            `gorm:"not null;default:0" json:"needs_review"`
	ContractId     *uint           `gorm:"index" json:"contract_id"`
	Superseded     bool            `gorm:"not null;default:0" json:"superseded"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrCanonicalImmutable = errors.New("canonical fields are immutable once extraction succeeds")

// Canonical decodes the stored canonical record. Returns (nil, nil) before
// extraction has run.
func (inv *Invoice) Canonical() (*CanonicalFields, error) {
	if len(inv.CanonicalJSON) == 0 {
		return nil, nil
	}
	var cf CanonicalFields
	if err := json.Unmarshal(inv.CanonicalJSON, &cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// SetCanonical stores the extraction result exactly once per version.
func (inv *Invoice) SetCanonical(cf CanonicalFields, vendorKey string, needsReview bool) error {
	if len(inv.CanonicalJSON) > 0 {
		return ErrCanonicalImmutable
	}
	raw, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	issueDate := cf.IssueDate
	inv.CanonicalJSON = raw
	inv.VendorName = cf.VendorName
	inv.VendorKey = vendorKey
	inv.InvoiceNumber = cf.InvoiceNumber
	inv.IssueDate = &issueDate
	inv.TotalAmount = cf.TotalAmount
	inv.Currency = cf.Currency
	inv.NeedsReview = needsReview
	return nil
}

func CreateInvoice(tx *gorm.DB, invoice *Invoice) error {
	if invoice.Status == "" {
		invoice.Status = InvoiceStatusReceived
	}
	if invoice.Version == 0 {
		invoice.Version = 1
	}
	return tx.Create(invoice).Error
}

// GetInvoiceByInvoiceId returns the latest version for an external invoice id.
func GetInvoiceByInvoiceId(ctx context.Context, invoiceId string) (*Invoice, error) {
	db := config.GetDB()
	var result Invoice
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceId).
		Order("version DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// FindDuplicateInvoice looks for a previously stored invoice with the same
// (vendor_key, invoice_number, total_amount) triple, excluding the row under
// validation. Exact match on all three is a critical duplicate.
func FindDuplicateInvoice(tx *gorm.DB, vendorKey, invoiceNumber string, totalAmount decimal.Decimal, excludeId uint) (*Invoice, error) {
	if vendorKey == "" || invoiceNumber == "" {
		return nil, nil
	}
	var result Invoice
	err := tx.
		Where("vendor_key = ? AND invoice_number = ? AND total_amount = ? AND id <> ?",
			vendorKey, invoiceNumber, totalAmount, excludeId).
		Order("id ASC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// MarkInvoiceSuperseded flags every version of an invoice as obsolete, e.g.
// after a replacement upload. The orchestrator observes the flag at the next
// stage boundary.
func MarkInvoiceSuperseded(ctx context.Context, invoiceId string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Invoice{}).
		Where("invoice_id = ?", invoiceId).
		Update("superseded", true).Error
}
