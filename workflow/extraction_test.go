package workflow

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/shopspring/decimal"
)

func testValidationConfig() config.ValidationConfig {
	return config.ValidationConfig{
		AbsoluteTolerance:       decimal.RequireFromString("0.01"),
		RelativeTolerance:       decimal.RequireFromString("0.05"),
		RequiredFieldConfidence: 0.80,
		ItemSimilarityThreshold: 0.75,
		StageMaxAttempts:        3,
		StageBaseBackoff:        time.Millisecond,
		StageMaxBackoff:         10 * time.Millisecond,
		StageTimeout:            time.Second,
		LockTTL:                 time.Minute,
	}
}

func sampleOCRResult() OCRResult {
	return OCRResult{
		Lines: []string{
			"Vendor: Acme Corp",
			"Invoice Number: INV-1001",
			"Invoice Date: 2026-03-15",
			"Widget A    2    10.00    20.00",
			"Widget B    1    5.50    5.50",
			"Total: $25.50",
			"Currency: usd",
		},
	}
}

func TestNormalizeExtraction_HappyPath(t *testing.T) {
	out, err := NormalizeExtraction(sampleOCRResult(), testValidationConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cf := out.Canonical
	if cf.VendorName != "Acme Corp" {
		t.Fatalf("vendor name = %q", cf.VendorName)
	}
	if out.VendorKey != "acme" {
		t.Fatalf("vendor key = %q, want acme", out.VendorKey)
	}
	if cf.InvoiceNumber != "INV-1001" {
		t.Fatalf("invoice number = %q", cf.InvoiceNumber)
	}
	if !cf.TotalAmount.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("total = %s, want 25.50", cf.TotalAmount)
	}
	if cf.Currency != "USD" {
		t.Fatalf("currency = %q", cf.Currency)
	}
	if len(cf.LineItems) != 2 {
		t.Fatalf("line items = %d, want 2", len(cf.LineItems))
	}
	if cf.LineItems[0].Description != "Widget A" || !cf.LineItems[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("first line item = %+v", cf.LineItems[0])
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !cf.IssueDate.Equal(want) {
		t.Fatalf("issue date = %s", cf.IssueDate)
	}
	if out.NeedsReview {
		t.Fatalf("needs review should be false for a clean document")
	}
}

func TestNormalizeExtraction_Deterministic(t *testing.T) {
	cfg := testValidationConfig()
	first, err := NormalizeExtraction(sampleOCRResult(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NormalizeExtraction(sampleOCRResult(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical OCR output produced different records:\n%+v\n%+v", first, second)
	}
}

func TestNormalizeExtraction_EmptyDocument(t *testing.T) {
	_, err := NormalizeExtraction(OCRResult{}, testValidationConfig())
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if exErr.Reason != models.ExtractionFailureUnparseableLayout {
		t.Fatalf("reason = %s, want unparseable_layout", exErr.Reason)
	}
}

func TestNormalizeExtraction_GarbageConfidence(t *testing.T) {
	res := sampleOCRResult()
	res.Tokens = []Token{
		{Text: "acme", Confidence: 0.10},
		{Text: "inv-1001", Confidence: 0.15},
	}
	_, err := NormalizeExtraction(res, testValidationConfig())
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if exErr.Reason != models.ExtractionFailureLowConfidence {
		t.Fatalf("reason = %s, want low_confidence", exErr.Reason)
	}
}

func TestNormalizeExtraction_MissingRequiredField(t *testing.T) {
	res := OCRResult{Lines: []string{
		"Vendor: Acme Corp",
		"Invoice Date: 2026-03-15",
	}}
	_, err := NormalizeExtraction(res, testValidationConfig())
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if exErr.Reason != models.ExtractionFailureMissingRequiredField {
		t.Fatalf("reason = %s, want missing_required_field", exErr.Reason)
	}
}

func TestNormalizeExtraction_MissingDateMarksReview(t *testing.T) {
	res := OCRResult{Lines: []string{
		"Vendor: Acme Corp",
		"Invoice Number: INV-2",
		"Total: 100.00",
	}}
	out, err := NormalizeExtraction(res, testValidationConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsReview {
		t.Fatalf("missing issue date must mark the record needs-review")
	}
}

func TestNormalizeExtraction_LowFieldConfidenceMarksReview(t *testing.T) {
	res := sampleOCRResult()
	// High average keeps the document usable, but the vendor token is shaky.
	res.Tokens = []Token{
		{Text: "Acme", Confidence: 0.55},
		{Text: "INV-1001", Confidence: 0.99},
		{Text: "25.50", Confidence: 0.99},
	}
	out, err := NormalizeExtraction(res, testValidationConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsReview {
		t.Fatalf("field confidence below threshold must mark needs-review")
	}
	if got := out.Canonical.FieldConfidences["vendor_name"]; got != 0.55 {
		t.Fatalf("vendor_name confidence = %v, want 0.55", got)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"$1,234.50", "1234.50", true},
		{"25.50", "25.50", true},
		{"USD 99", "99", true},
		{"-10.00", "-10.00", true},
		{"n/a", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseAmount(%q) error = %v, want ok=%t", tc.raw, err, tc.ok)
		}
		if tc.ok && !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("ParseAmount(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
