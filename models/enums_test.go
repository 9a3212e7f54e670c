package models

import "testing"

func TestInvoiceStatusCanTransition(t *testing.T) {
	legal := []struct {
		from InvoiceStatus
		to   InvoiceStatus
	}{
		{InvoiceStatusReceived, InvoiceStatusProcessing},
		{InvoiceStatusProcessing, InvoiceStatusOCRd},
		{InvoiceStatusOCRd, InvoiceStatusContractResolved},
		{InvoiceStatusContractResolved, InvoiceStatusValidated},
		{InvoiceStatusContractResolved, InvoiceStatusFlagged},
		{InvoiceStatusValidated, InvoiceStatusApproved},
		{InvoiceStatusValidated, InvoiceStatusPendingApproval},
		{InvoiceStatusFlagged, InvoiceStatusPendingReview},
		{InvoiceStatusPendingReview, InvoiceStatusApproved},
		{InvoiceStatusPendingReview, InvoiceStatusRejected},
		{InvoiceStatusPendingApproval, InvoiceStatusApproved},
		{InvoiceStatusPendingApproval, InvoiceStatusRejected},
	}
	for _, e := range legal {
		if !e.from.CanTransition(e.to) {
			t.Fatalf("%s -> %s must be legal", e.from, e.to)
		}
	}

	illegal := []struct {
		from InvoiceStatus
		to   InvoiceStatus
	}{
		{InvoiceStatusReceived, InvoiceStatusOCRd},
		{InvoiceStatusProcessing, InvoiceStatusValidated},
		{InvoiceStatusOCRd, InvoiceStatusApproved},
		{InvoiceStatusValidated, InvoiceStatusFlagged},
		{InvoiceStatusApproved, InvoiceStatusRejected},
		{InvoiceStatusRejected, InvoiceStatusPendingReview},
		{InvoiceStatusApproved, InvoiceStatusReceived},
		{InvoiceStatusProcessing, InvoiceStatus("Bogus")},
		{InvoiceStatus("Bogus"), InvoiceStatusProcessing},
	}
	for _, e := range illegal {
		if e.from.CanTransition(e.to) {
			t.Fatalf("%s -> %s must be illegal", e.from, e.to)
		}
	}
}

func TestErrorReachableFromNonTerminalsOnly(t *testing.T) {
	nonTerminal := []InvoiceStatus{
		InvoiceStatusReceived, InvoiceStatusProcessing, InvoiceStatusOCRd,
		InvoiceStatusContractResolved, InvoiceStatusValidated, InvoiceStatusFlagged,
		InvoiceStatusPendingReview, InvoiceStatusPendingApproval,
	}
	for _, s := range nonTerminal {
		if !s.CanTransition(InvoiceStatusError) {
			t.Fatalf("%s -> Error must be legal", s)
		}
	}
	for _, s := range []InvoiceStatus{InvoiceStatusApproved, InvoiceStatusRejected, InvoiceStatusError} {
		if s.CanTransition(InvoiceStatusError) {
			t.Fatalf("%s -> Error must be illegal", s)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []InvoiceStatus{InvoiceStatusApproved, InvoiceStatusRejected, InvoiceStatusError} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []InvoiceStatus{InvoiceStatusReceived, InvoiceStatusFlagged, InvoiceStatusPendingApproval} {
		if s.IsTerminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestReplayStatus(t *testing.T) {
	trail := []AuditLogEntry{
		{FromStatus: InvoiceStatusReceived, ToStatus: InvoiceStatusProcessing},
		{FromStatus: InvoiceStatusProcessing, ToStatus: InvoiceStatusOCRd},
		{FromStatus: InvoiceStatusOCRd, ToStatus: InvoiceStatusContractResolved},
		{FromStatus: InvoiceStatusContractResolved, ToStatus: InvoiceStatusValidated},
		{FromStatus: InvoiceStatusValidated, ToStatus: InvoiceStatusApproved},
	}
	got, ok := ReplayStatus(trail)
	if !ok || got != InvoiceStatusApproved {
		t.Fatalf("replay = %s ok=%t, want Approved", got, ok)
	}

	if _, ok := ReplayStatus(nil); ok {
		t.Fatalf("empty trail must not replay")
	}

	broken := []AuditLogEntry{
		{FromStatus: InvoiceStatusReceived, ToStatus: InvoiceStatusProcessing},
		{FromStatus: InvoiceStatusOCRd, ToStatus: InvoiceStatusContractResolved},
	}
	if _, ok := ReplayStatus(broken); ok {
		t.Fatalf("a gap in the trail must fail replay")
	}
}

func TestMaxSeverity(t *testing.T) {
	if MaxSeverity(DiscrepancySeverityInfo, DiscrepancySeverityCritical) != DiscrepancySeverityCritical {
		t.Fatalf("critical must dominate info")
	}
	if MaxSeverity(DiscrepancySeverityWarning, DiscrepancySeverityInfo) != DiscrepancySeverityWarning {
		t.Fatalf("warning must dominate info")
	}
}
