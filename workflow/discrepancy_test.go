package workflow

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func contractWithTerms(t *testing.T, terms models.ContractTerms) *models.Contract {
	t.Helper()
	raw, err := json.Marshal(terms)
	if err != nil {
		t.Fatalf("marshal terms: %v", err)
	}
	return &models.Contract{
		ID:                 7,
		VendorKey:          "acme",
		EffectiveTermsJSON: raw,
		ValidFrom:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:            time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func matchedInput(t *testing.T, items []models.LineItem, pricing []models.ContractPriceItem) ValidationInput {
	t.Helper()
	contract := contractWithTerms(t, models.ContractTerms{Pricing: pricing, Currency: "USD"})
	return ValidationInput{
		Canonical: models.CanonicalFields{
			VendorName:  "Acme Corp",
			LineItems:   items,
			TotalAmount: dec("100.00"),
			Currency:    "USD",
		},
		Match: MatchResult{Outcome: models.ContractMatchOutcomeMatched, Contract: contract},
	}
}

func TestEvaluateDiscrepancies_PriceWithinTolerance(t *testing.T) {
	in := matchedInput(t,
		[]models.LineItem{{Description: "Widget A", Quantity: dec("1"), UnitPrice: dec("100.00"), Amount: dec("100.00")}},
		[]models.ContractPriceItem{{Description: "Widget A", UnitPrice: dec("100.00")}},
	)
	got := EvaluateDiscrepancies(in, testValidationConfig())
	if len(got) != 0 {
		t.Fatalf("expected no discrepancies, got %+v", got)
	}
}

func TestEvaluateDiscrepancies_PriceBeyondTolerance(t *testing.T) {
	in := matchedInput(t,
		[]models.LineItem{{Description: "Widget A", Quantity: dec("1"), UnitPrice: dec("100.00"), Amount: dec("100.00")}},
		[]models.ContractPriceItem{{Description: "Widget A", UnitPrice: dec("90.00")}},
	)
	got := EvaluateDiscrepancies(in, testValidationConfig())
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", got)
	}
	d := got[0]
	if d.Kind != models.DiscrepancyKindAmountMismatch || d.Severity != models.DiscrepancySeverityCritical {
		t.Fatalf("got %s/%s, want amount_mismatch/critical", d.Kind, d.Severity)
	}
	if d.FieldPath != "line_items[0].unit_price" {
		t.Fatalf("field path = %q", d.FieldPath)
	}
}

func TestExceedsTolerance_Band(t *testing.T) {
	cfg := testValidationConfig()
	// max(0.01, 0.05 * 100) = 5.00
	if ExceedsTolerance(dec("104.99"), dec("100.00"), cfg) {
		t.Fatalf("104.99 vs 100.00 is inside the 5%% band")
	}
	if ExceedsTolerance(dec("105.00"), dec("100.00"), cfg) {
		t.Fatalf("105.00 vs 100.00 is exactly on the band edge, treated as equal")
	}
	if !ExceedsTolerance(dec("105.01"), dec("100.00"), cfg) {
		t.Fatalf("105.01 vs 100.00 must exceed tolerance")
	}
	// Small expected values fall back to the absolute tolerance.
	if ExceedsTolerance(dec("0.11"), dec("0.10"), cfg) {
		t.Fatalf("0.11 vs 0.10 is inside the 0.01 absolute band")
	}
	if !ExceedsTolerance(dec("0.12"), dec("0.10"), cfg) {
		t.Fatalf("0.12 vs 0.10 must exceed the absolute band")
	}
}

func TestEvaluateDiscrepancies_Duplicate(t *testing.T) {
	in := matchedInput(t, nil, nil)
	in.Duplicate = &models.Invoice{InvoiceId: "earlier", Version: 1}
	got := EvaluateDiscrepancies(in, testValidationConfig())

	var dup *models.Discrepancy
	for i := range got {
		if got[i].Kind == models.DiscrepancyKindDuplicateInvoice {
			dup = &got[i]
		}
	}
	if dup == nil {
		t.Fatalf("expected a duplicate_invoice discrepancy, got %+v", got)
	}
	if dup.Severity != models.DiscrepancySeverityCritical {
		t.Fatalf("duplicate severity = %s, want critical", dup.Severity)
	}
}

func TestEvaluateDiscrepancies_NoContractFound(t *testing.T) {
	in := ValidationInput{
		Canonical: models.CanonicalFields{VendorName: "Unknown Vendor", TotalAmount: dec("50.00")},
		Match:     MatchResult{Outcome: models.ContractMatchOutcomeNoContractFound},
	}
	got := EvaluateDiscrepancies(in, testValidationConfig())
	if len(got) != 2 {
		t.Fatalf("expected 2 discrepancies, got %+v", got)
	}
	// (kind, field_path) order puts missing_contract before unauthorized_vendor.
	if got[0].Kind != models.DiscrepancyKindMissingContract || got[0].Severity != models.DiscrepancySeverityWarning {
		t.Fatalf("got %s/%s, want missing_contract/warning", got[0].Kind, got[0].Severity)
	}
	if got[1].Kind != models.DiscrepancyKindUnauthorizedVendor || got[1].Severity != models.DiscrepancySeverityCritical {
		t.Fatalf("got %s/%s, want unauthorized_vendor/critical", got[1].Kind, got[1].Severity)
	}
}

func TestEvaluateDiscrepancies_DeterministicOrder(t *testing.T) {
	in := matchedInput(t,
		[]models.LineItem{
			{Description: "Mystery Item", Quantity: dec("1"), UnitPrice: dec("3.00"), Amount: dec("3.00")},
			{Description: "Widget A", Quantity: dec("1"), UnitPrice: dec("200.00"), Amount: dec("200.00")},
		},
		[]models.ContractPriceItem{
			{Description: "Widget A", UnitPrice: dec("100.00")},
			{Description: "Widget B", UnitPrice: dec("5.00")},
		},
	)
	in.Duplicate = &models.Invoice{InvoiceId: "earlier", Version: 1}

	first := EvaluateDiscrepancies(in, testValidationConfig())
	second := EvaluateDiscrepancies(in, testValidationConfig())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical input produced different sets")
	}

	ordered := sort.SliceIsSorted(first, func(i, j int) bool {
		if first[i].Kind != first[j].Kind {
			return first[i].Kind < first[j].Kind
		}
		return first[i].FieldPath < first[j].FieldPath
	})
	if !ordered {
		t.Fatalf("set not ordered by (kind, field_path): %+v", first)
	}
}

func TestEvaluateDiscrepancies_AdvisorySeverityCapped(t *testing.T) {
	in := matchedInput(t, nil, nil)
	in.Advisory = []Finding{{
		Kind:      models.DiscrepancyKindStaleTerms,
		Severity:  models.DiscrepancySeverityCritical,
		FieldPath: "payment_terms",
		Expected:  "net 30",
		Actual:    "net 90",
	}}
	got := EvaluateDiscrepancies(in, testValidationConfig())
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", got)
	}
	if got[0].Severity != models.DiscrepancySeverityWarning {
		t.Fatalf("uncorroborated advisory severity = %s, want warning", got[0].Severity)
	}
}

func TestEvaluateDiscrepancies_AdvisoryCorroboratedKeepsCritical(t *testing.T) {
	in := matchedInput(t,
		[]models.LineItem{{Description: "Widget A", Quantity: dec("1"), UnitPrice: dec("100.00"), Amount: dec("100.00")}},
		[]models.ContractPriceItem{{Description: "Widget A", UnitPrice: dec("50.00")}},
	)
	in.Advisory = []Finding{{
		Kind:      models.DiscrepancyKindAmountMismatch,
		Severity:  models.DiscrepancySeverityCritical,
		FieldPath: "total_amount",
	}}
	got := EvaluateDiscrepancies(in, testValidationConfig())

	critical := 0
	for _, d := range got {
		if d.Kind == models.DiscrepancyKindAmountMismatch && d.Severity == models.DiscrepancySeverityCritical {
			critical++
		}
	}
	if critical != 2 {
		t.Fatalf("expected rule-based and corroborated advisory criticals, got %+v", got)
	}
}

func TestEvaluateDiscrepancies_InvalidAdvisoryKindSkipped(t *testing.T) {
	in := matchedInput(t, nil, nil)
	in.Advisory = []Finding{{Kind: "made_up_kind", Severity: models.DiscrepancySeverityCritical}}
	got := EvaluateDiscrepancies(in, testValidationConfig())
	if len(got) != 0 {
		t.Fatalf("invalid advisory kind must be dropped, got %+v", got)
	}
}
