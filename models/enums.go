package models

import "errors"

type InvoiceStatus string

const (
	InvoiceStatusReceived         InvoiceStatus = "Received"
	InvoiceStatusProcessing       InvoiceStatus = "Processing"
	InvoiceStatusOCRd             InvoiceStatus = "OCRd"
	InvoiceStatusContractResolved InvoiceStatus = "ContractResolved"
	InvoiceStatusValidated        InvoiceStatus = "Validated"
	InvoiceStatusFlagged          InvoiceStatus = "Flagged"
	InvoiceStatusPendingReview    InvoiceStatus = "PendingReview"
	InvoiceStatusPendingApproval  InvoiceStatus = "PendingApproval"
	InvoiceStatusApproved         InvoiceStatus = "Approved"
	InvoiceStatusRejected         InvoiceStatus = "Rejected"
	InvoiceStatusError            InvoiceStatus = "Error"
)

var validInvoiceStatuses = map[InvoiceStatus]bool{
	InvoiceStatusReceived:         true,
	InvoiceStatusProcessing:       true,
	InvoiceStatusOCRd:             true,
	InvoiceStatusContractResolved: true,
	InvoiceStatusValidated:        true,
	InvoiceStatusFlagged:          true,
	InvoiceStatusPendingReview:    true,
	InvoiceStatusPendingApproval:  true,
	InvoiceStatusApproved:         true,
	InvoiceStatusRejected:         true,
	InvoiceStatusError:            true,
}

// Terminal for the automated pipeline. A human may re-open Rejected/Error
// externally, which creates a new invoice version rather than a transition.
var terminalInvoiceStatuses = map[InvoiceStatus]bool{
	InvoiceStatusApproved: true,
	InvoiceStatusRejected: true,
	InvoiceStatusError:    true,
}

// invoiceStatusTransitions defines every legal forward edge. Error is
// reachable from any non-terminal state and is handled in CanTransition.
var invoiceStatusTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusReceived:         {InvoiceStatusProcessing},
	InvoiceStatusProcessing:       {InvoiceStatusOCRd},
	InvoiceStatusOCRd:             {InvoiceStatusContractResolved},
	InvoiceStatusContractResolved: {InvoiceStatusValidated, InvoiceStatusFlagged},
	InvoiceStatusValidated:        {InvoiceStatusPendingReview, InvoiceStatusPendingApproval, InvoiceStatusApproved, InvoiceStatusRejected},
	InvoiceStatusFlagged:          {InvoiceStatusPendingReview, InvoiceStatusPendingApproval, InvoiceStatusApproved, InvoiceStatusRejected},
	InvoiceStatusPendingReview:    {InvoiceStatusApproved, InvoiceStatusRejected},
	InvoiceStatusPendingApproval:  {InvoiceStatusApproved, InvoiceStatusRejected},
}

func (s InvoiceStatus) IsValid() bool {
	return validInvoiceStatuses[s]
}

func (s InvoiceStatus) IsTerminal() bool {
	return terminalInvoiceStatuses[s]
}

func (s InvoiceStatus) String() string { return string(s) }

// CanTransition reports whether from -> to is a legal state machine edge.
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	if !s.IsValid() || !to.IsValid() {
		return false
	}
	if to == InvoiceStatusError {
		return !s.IsTerminal()
	}
	for _, next := range invoiceStatusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DecisionTargets are the statuses a workflow rule action may select.
var DecisionTargets = map[InvoiceStatus]bool{
	InvoiceStatusPendingReview:   true,
	InvoiceStatusPendingApproval: true,
	InvoiceStatusApproved:        true,
	InvoiceStatusRejected:        true,
}

var ErrIllegalTransition = errors.New("illegal invoice status transition")

type DiscrepancyKind string

const (
	DiscrepancyKindAmountMismatch     DiscrepancyKind = "amount_mismatch"
	DiscrepancyKindItemMismatch       DiscrepancyKind = "item_mismatch"
	DiscrepancyKindUnauthorizedVendor DiscrepancyKind = "unauthorized_vendor"
	DiscrepancyKindDuplicateInvoice   DiscrepancyKind = "duplicate_invoice"
	DiscrepancyKindMissingContract    DiscrepancyKind = "missing_contract"
	DiscrepancyKindStaleTerms         DiscrepancyKind = "stale_terms"
)

func (k DiscrepancyKind) IsValid() bool {
	switch k {
	case DiscrepancyKindAmountMismatch,
		DiscrepancyKindItemMismatch,
		DiscrepancyKindUnauthorizedVendor,
		DiscrepancyKindDuplicateInvoice,
		DiscrepancyKindMissingContract,
		DiscrepancyKindStaleTerms:
		return true
	}
	return false
}

type DiscrepancySeverity string

const (
	DiscrepancySeverityInfo     DiscrepancySeverity = "info"
	DiscrepancySeverityWarning  DiscrepancySeverity = "warning"
	DiscrepancySeverityCritical DiscrepancySeverity = "critical"
)

var severityRank = map[DiscrepancySeverity]int{
	DiscrepancySeverityInfo:     0,
	DiscrepancySeverityWarning:  1,
	DiscrepancySeverityCritical: 2,
}

func (s DiscrepancySeverity) Rank() int { return severityRank[s] }

// MaxSeverity returns the higher-ranked of the two.
func MaxSeverity(a, b DiscrepancySeverity) DiscrepancySeverity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

type ExtractionFailureReason string

const (
	ExtractionFailureLowConfidence        ExtractionFailureReason = "low_confidence"
	ExtractionFailureMissingRequiredField ExtractionFailureReason = "missing_required_field"
	ExtractionFailureUnparseableLayout    ExtractionFailureReason = "unparseable_layout"
)

type ContractMatchOutcome string

const (
	ContractMatchOutcomeMatched         ContractMatchOutcome = "Matched"
	ContractMatchOutcomeNoContractFound ContractMatchOutcome = "NoContractFound"
	ContractMatchOutcomeAmbiguousMatch  ContractMatchOutcome = "AmbiguousMatch"
	ContractMatchOutcomeStaleTerms      ContractMatchOutcome = "StaleTerms"
)

// Pipeline stage names, used as audit actors for automated transitions.
const (
	ActorOrchestrator    = "orchestrator"
	ActorExtraction      = "extraction"
	ActorContractMatcher = "contract-matcher"
	ActorValidation      = "validation"
	ActorWorkflowEngine  = "workflow-engine"
)
