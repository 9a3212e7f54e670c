package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/shopspring/decimal"
)

// Extraction normalizer: turns raw OCR output into the canonical invoice
// record. Pure transform; persistence belongs to the orchestrator.

type ExtractionError struct {
	Reason models.ExtractionFailureReason
	Detail string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%s): %s", e.Reason, e.Detail)
}

type ExtractionOutput struct {
	Canonical   models.CanonicalFields
	VendorKey   string
	NeedsReview bool
}

// Below this every token is noise; the document is rejected outright instead
// of being marked needs-review.
const minUsableConfidence = 0.30

var (
	vendorLabels  = []string{"vendor", "supplier", "from", "billed by"}
	numberLabels  = []string{"invoice number", "invoice no", "invoice #", "inv no"}
	dateLabels    = []string{"invoice date", "issue date", "date"}
	totalLabels   = []string{"total amount", "amount due", "total due", "total"}
	currencyLabel = "currency"

	// "Widget A   2   10.00   20.00" — description plus qty/unit/amount columns.
	lineItemPattern = regexp.MustCompile(`^(.+?)\s{2,}(\d+(?:\.\d+)?)\s{2,}([\d,.]+)\s{2,}([\d,.]+)\s*$`)

	amountCleaner = regexp.MustCompile(`[^\d.\-]`)

	dateLayouts = []string{
		"2006-01-02",
		"Jan 2, 2006",
		"January 2, 2006",
		"02 Jan 2006",
		"01/02/2006",
	}
)

// NormalizeExtraction parses recognized lines into canonical fields and
// applies the confidence policy: a required field (vendor, invoice number,
// total amount) below the configured confidence marks the record
// needs-review rather than failing, because partial data still has
// downstream value. Given identical OCR output it always produces an
// identical record.
func NormalizeExtraction(res OCRResult, cfg config.ValidationConfig) (ExtractionOutput, error) {
	if len(res.Lines) == 0 {
		return ExtractionOutput{}, &ExtractionError{
			Reason: models.ExtractionFailureUnparseableLayout,
			Detail: "OCR produced no lines",
		}
	}
	if avg, ok := averageConfidence(res.Tokens); ok && avg < minUsableConfidence {
		return ExtractionOutput{}, &ExtractionError{
			Reason: models.ExtractionFailureLowConfidence,
			Detail: fmt.Sprintf("average token confidence %.2f below usable floor %.2f", avg, minUsableConfidence),
		}
	}

	cf := models.CanonicalFields{
		Currency:         "USD",
		FieldConfidences: map[string]float64{},
	}
	var dateRaw string

	for _, line := range res.Lines {
		label, value := splitLabeledLine(line)
		switch {
		case label != "" && cf.VendorName == "" && matchesLabel(label, vendorLabels):
			cf.VendorName = value
		case label != "" && cf.InvoiceNumber == "" && matchesLabel(label, numberLabels):
			cf.InvoiceNumber = value
		case label != "" && dateRaw == "" && matchesLabel(label, dateLabels):
			dateRaw = value
		case label != "" && cf.TotalAmount.IsZero() && matchesLabel(label, totalLabels):
			if amount, err := ParseAmount(value); err == nil {
				cf.TotalAmount = amount
			}
		case label != "" && strings.EqualFold(label, currencyLabel):
			cf.Currency = strings.ToUpper(value)
		default:
			if m := lineItemPattern.FindStringSubmatch(line); m != nil {
				item, err := parseLineItem(m)
				if err == nil {
					cf.LineItems = append(cf.LineItems, item)
				}
			}
		}
	}

	var missing []string
	if cf.VendorName == "" {
		missing = append(missing, "vendor_name")
	}
	if cf.InvoiceNumber == "" {
		missing = append(missing, "invoice_number")
	}
	if cf.TotalAmount.IsZero() {
		missing = append(missing, "total_amount")
	}
	if len(missing) > 0 {
		return ExtractionOutput{}, &ExtractionError{
			Reason: models.ExtractionFailureMissingRequiredField,
			Detail: "missing required fields: " + strings.Join(missing, ", "),
		}
	}

	needsReview := false
	if dateRaw != "" {
		if parsed, ok := parseDate(dateRaw); ok {
			cf.IssueDate = parsed
		} else {
			needsReview = true
		}
	} else {
		needsReview = true
	}

	for field, value := range map[string]string{
		"vendor_name":    cf.VendorName,
		"invoice_number": cf.InvoiceNumber,
		"total_amount":   cf.TotalAmount.String(),
	} {
		conf := fieldConfidence(res.Tokens, value)
		cf.FieldConfidences[field] = conf
		if conf < cfg.RequiredFieldConfidence {
			needsReview = true
		}
	}

	return ExtractionOutput{
		Canonical:   cf,
		VendorKey:   NormalizeVendorKey(cf.VendorName),
		NeedsReview: needsReview,
	}, nil
}

func splitLabeledLine(line string) (label, value string) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", ""
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
}

func matchesLabel(label string, candidates []string) bool {
	l := strings.ToLower(label)
	for _, c := range candidates {
		if l == c {
			return true
		}
	}
	return false
}

// ParseAmount parses a money value as OCR renders it: currency symbols and
// thousand separators stripped.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := amountCleaner.ReplaceAllString(raw, "")
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, fmt.Errorf("no numeric content in %q", raw)
	}
	return decimal.NewFromString(cleaned)
}

func parseLineItem(m []string) (models.LineItem, error) {
	qty, err := decimal.NewFromString(m[2])
	if err != nil {
		return models.LineItem{}, err
	}
	unit, err := ParseAmount(m[3])
	if err != nil {
		return models.LineItem{}, err
	}
	amount, err := ParseAmount(m[4])
	if err != nil {
		return models.LineItem{}, err
	}
	return models.LineItem{
		Description: strings.TrimSpace(m[1]),
		Quantity:    qty,
		UnitPrice:   unit,
		Amount:      amount,
	}, nil
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// fieldConfidence is the lowest confidence among tokens that make up the
// field value. Without token metadata the upstream gave no signal and the
// value is trusted.
func fieldConfidence(tokens []Token, value string) float64 {
	if len(tokens) == 0 || value == "" {
		return 1.0
	}
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(value)) {
		words[w] = true
	}
	conf := 1.0
	found := false
	for _, tok := range tokens {
		if words[strings.ToLower(tok.Text)] && tok.Confidence > 0 {
			found = true
			if tok.Confidence < conf {
				conf = tok.Confidence
			}
		}
	}
	if !found {
		return 1.0
	}
	return conf
}

func averageConfidence(tokens []Token) (float64, bool) {
	var sum float64
	var n int
	for _, tok := range tokens {
		if tok.Confidence > 0 {
			sum += tok.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
