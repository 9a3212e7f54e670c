package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransitionInput bundles everything one state transition persists. Status,
// extra column updates, appended discrepancies and the audit entry are
// written in a single transaction: status can never advance without a
// matching audit entry, or vice versa.
type TransitionInput struct {
	To     InvoiceStatus
	Actor  string
	Detail string
	// Updates are extra invoice columns written with the status change
	// (canonical fields on OCRd, contract ref on ContractResolved).
	Updates map[string]interface{}
	// Discrepancies are appended in engine order within the same transaction.
	Discrepancies []Discrepancy
}

// GormPipelineStore is the mysql-backed persistence boundary used by the
// orchestration engine.
type GormPipelineStore struct{}

func NewPipelineStore() *GormPipelineStore {
	return &GormPipelineStore{}
}

func (s *GormPipelineStore) LoadInvoice(ctx context.Context, invoiceId string) (*Invoice, error) {
	return GetInvoiceByInvoiceId(ctx, invoiceId)
}

// Transition performs one audited state transition. The invoice row is
// re-read under a row lock so concurrent retries cannot record transitions
// out of order: the edge is validated against the committed status, not the
// caller's possibly stale copy.
func (s *GormPipelineStore) Transition(ctx context.Context, invoice *Invoice, input TransitionInput) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, invoice.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if !current.Status.CanTransition(input.To) {
			return fmt.Errorf("%w: %s -> %s (invoice_id=%s)",
				ErrIllegalTransition, current.Status, input.To, current.InvoiceId)
		}

		updates := map[string]interface{}{"status": input.To}
		for k, v := range input.Updates {
			updates[k] = v
		}
		if err := tx.Model(&Invoice{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := AppendDiscrepancies(tx, &current, input.Discrepancies); err != nil {
			return err
		}

		entry := AuditLogEntry{
			InvoiceId:  current.InvoiceId,
			Version:    current.Version,
			FromStatus: current.Status,
			ToStatus:   input.To,
			Actor:      input.Actor,
			Detail:     input.Detail,
		}
		return AppendAuditEntry(tx, &entry)
	})
	if err != nil {
		return err
	}
	invoice.Status = input.To
	return nil
}

func (s *GormPipelineStore) ContractsByVendor(ctx context.Context, vendorKey string) ([]Contract, error) {
	db := config.GetDB()
	return GetContractsByVendorKey(db.WithContext(ctx), vendorKey)
}

func (s *GormPipelineStore) FindDuplicate(ctx context.Context, vendorKey, invoiceNumber string, totalAmount decimal.Decimal, excludeId uint) (*Invoice, error) {
	db := config.GetDB()
	return FindDuplicateInvoice(db.WithContext(ctx), vendorKey, invoiceNumber, totalAmount, excludeId)
}

func (s *GormPipelineStore) ActiveRules(ctx context.Context) ([]WorkflowRule, error) {
	return GetActiveWorkflowRules(ctx)
}

func (s *GormPipelineStore) DiscrepancySet(ctx context.Context, invoiceId string) ([]Discrepancy, error) {
	return GetDiscrepancies(ctx, invoiceId)
}

func (s *GormPipelineStore) IsSuperseded(ctx context.Context, invoiceId string) (bool, error) {
	db := config.GetDB()
	var superseded bool
	err := db.WithContext(ctx).Model(&Invoice{}).
		Where("invoice_id = ?", invoiceId).
		Order("version DESC").
		Limit(1).
		Pluck("superseded", &superseded).Error
	if err != nil {
		return false, err
	}
	return superseded, nil
}
