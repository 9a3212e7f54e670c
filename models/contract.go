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

// ContractPriceItem is one contracted position used for line-item comparison.
type ContractPriceItem struct {
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// ContractTerms is the structured form of a contract's effective terms.
// It is stored as JSON on the contract row; free-text clauses that were not
// structured at ingestion time are kept in Clauses for the reasoning service.
type ContractTerms struct {
	Pricing          []ContractPriceItem `json:"pricing"`
	Currency         string              `json:"currency,omitempty"`
	MaxInvoiceAmount *decimal.Decimal    `json:"max_invoice_amount,omitempty"`
	PaymentTerms     string              `json:"payment_terms,omitempty"`
	Clauses          []string            `json:"clauses,omitempty"`
}

type Contract struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	VendorKey          string    `gorm:"size:255;not null;index" json:"vendor_key"`
	DocumentRef        string    `gorm:"size:500" json:"document_ref"`
	EffectiveTermsJSON []byte    `gorm:"type:json" json:"effective_terms,omitempty"`
	ValidFrom          time.Time `gorm:"not null" json:"valid_from"`
	ValidTo            time.Time `gorm:"not null" json:"valid_to"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Contract) Terms() (*ContractTerms, error) {
	if len(c.EffectiveTermsJSON) == 0 {
		return nil, nil
	}
	var terms ContractTerms
	if err := json.Unmarshal(c.EffectiveTermsJSON, &terms); err != nil {
		return nil, err
	}
	return &terms, nil
}

// Covers reports whether the contract's validity window contains the date.
// Bounds are inclusive.
func (c *Contract) Covers(date time.Time) bool {
	return !date.Before(c.ValidFrom) && !date.After(c.ValidTo)
}

func CreateContract(ctx context.Context, contract *Contract) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(contract).Error
}

func GetContract(ctx context.Context, id uint) (*Contract, error) {
	db := config.GetDB()
	var result Contract
	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// GetContractsByVendorKey returns every contract stored for a vendor key,
// oldest window first. The matcher decides matched/no-contract/ambiguous;
// this query deliberately does not.
func GetContractsByVendorKey(tx *gorm.DB, vendorKey string) ([]Contract, error) {
	var results []Contract
	err := tx.
		Where("vendor_key = ?", vendorKey).
		Order("valid_from ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
