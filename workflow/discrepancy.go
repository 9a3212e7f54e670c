package workflow

import (
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// Discrepancy engine: compares the canonical invoice against resolved
// contract terms and produces the full discrepancy set for one run. Pure and
// deterministic: identical inputs yield an identical, identically ordered
// set.

// ValidationInput carries everything one evaluation needs, pre-loaded by the
// orchestrator.
type ValidationInput struct {
	Canonical models.CanonicalFields
	Match     MatchResult
	// Duplicate is the earlier invoice sharing the (vendor_key,
	// invoice_number, total_amount) triple, nil when none exists.
	Duplicate *models.Invoice
	// Advisory findings come from the reasoning collaborator.
	Advisory []Finding
}

// EvaluateDiscrepancies runs every rule-based check, folds in advisory
// findings, and returns the set ordered by (kind, field_path). Advisory
// severity is capped at warning unless a rule-based check of the same kind
// corroborates it.
func EvaluateDiscrepancies(in ValidationInput, cfg config.ValidationConfig) []models.Discrepancy {
	var out []models.Discrepancy

	out = append(out, contractDiscrepancies(in, cfg)...)

	if in.Duplicate != nil {
		out = append(out, models.Discrepancy{
			Kind:      models.DiscrepancyKindDuplicateInvoice,
			Severity:  models.DiscrepancySeverityCritical,
			FieldPath: "invoice_number",
			Expected:  "unique (vendor_key, invoice_number, total_amount)",
			Actual: fmt.Sprintf("matches invoice %s version %d",
				in.Duplicate.InvoiceId, in.Duplicate.Version),
			Explanation: "an invoice with the same vendor, number and total amount was already submitted",
		})
	}

	corroborated := map[models.DiscrepancyKind]bool{}
	for _, d := range out {
		corroborated[d.Kind] = true
	}
	for _, f := range in.Advisory {
		if !f.Kind.IsValid() {
			continue
		}
		severity := f.Severity
		if severity != models.DiscrepancySeverityCritical || !corroborated[f.Kind] {
			// Uncorroborated model output never escalates on its own.
			if severity.Rank() > models.DiscrepancySeverityWarning.Rank() {
				severity = models.DiscrepancySeverityWarning
			}
		}
		out = append(out, models.Discrepancy{
			Kind:        f.Kind,
			Severity:    severity,
			FieldPath:   f.FieldPath,
			Expected:    f.Expected,
			Actual:      f.Actual,
			Explanation: f.Explanation,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].FieldPath < out[j].FieldPath
	})
	return out
}

func contractDiscrepancies(in ValidationInput, cfg config.ValidationConfig) []models.Discrepancy {
	switch in.Match.Outcome {
	case models.ContractMatchOutcomeNoContractFound:
		// A missing match is recorded as its own discrepancy; the vendor
		// having no contract at all additionally escalates it.
		return []models.Discrepancy{{
			Kind:        models.DiscrepancyKindMissingContract,
			Severity:    models.DiscrepancySeverityWarning,
			FieldPath:   "vendor_name",
			Expected:    "a matched contract for this invoice",
			Actual:      "none",
			Explanation: "no contract could be matched for this invoice",
		}, {
			Kind:        models.DiscrepancyKindUnauthorizedVendor,
			Severity:    models.DiscrepancySeverityCritical,
			FieldPath:   "vendor_name",
			Expected:    "vendor with at least one contract on file",
			Actual:      in.Canonical.VendorName,
			Explanation: "no contract exists for this vendor",
		}}
	case models.ContractMatchOutcomeStaleTerms:
		return []models.Discrepancy{{
			Kind:        models.DiscrepancyKindStaleTerms,
			Severity:    models.DiscrepancySeverityWarning,
			FieldPath:   "issue_date",
			Expected:    "a contract valid on the invoice issue date",
			Actual:      in.Canonical.IssueDate.Format("2006-01-02"),
			Explanation: "contracts exist for this vendor but none covers the issue date",
		}}
	case models.ContractMatchOutcomeAmbiguousMatch:
		var ids []string
		for _, c := range in.Match.Candidates {
			ids = append(ids, fmt.Sprintf("%d", c.ID))
		}
		return []models.Discrepancy{{
			Kind:        models.DiscrepancyKindMissingContract,
			Severity:    models.DiscrepancySeverityWarning,
			FieldPath:   "issue_date",
			Expected:    "exactly one contract valid on the invoice issue date",
			Actual:      fmt.Sprintf("contracts %s all cover it", strings.Join(ids, ", ")),
			Explanation: "ambiguous contract windows require manual resolution",
		}}
	}

	if in.Match.Contract == nil {
		return nil
	}
	terms, err := in.Match.Contract.Terms()
	if err != nil || terms == nil {
		return []models.Discrepancy{{
			Kind:        models.DiscrepancyKindMissingContract,
			Severity:    models.DiscrepancySeverityWarning,
			FieldPath:   "effective_terms",
			Expected:    "structured effective terms",
			Actual:      "none stored",
			Explanation: "the matched contract has no machine-readable terms to validate against",
		}}
	}

	var out []models.Discrepancy

	if terms.MaxInvoiceAmount != nil &&
		in.Canonical.TotalAmount.GreaterThan(*terms.MaxInvoiceAmount) {
		out = append(out, models.Discrepancy{
			Kind:        models.DiscrepancyKindAmountMismatch,
			Severity:    models.DiscrepancySeverityCritical,
			FieldPath:   "total_amount",
			Expected:    "<= " + terms.MaxInvoiceAmount.String(),
			Actual:      in.Canonical.TotalAmount.String(),
			Explanation: "invoice total exceeds the contracted maximum",
		})
	}

	if terms.Currency != "" && in.Canonical.Currency != "" &&
		!strings.EqualFold(terms.Currency, in.Canonical.Currency) {
		out = append(out, models.Discrepancy{
			Kind:        models.DiscrepancyKindAmountMismatch,
			Severity:    models.DiscrepancySeverityWarning,
			FieldPath:   "currency",
			Expected:    strings.ToUpper(terms.Currency),
			Actual:      strings.ToUpper(in.Canonical.Currency),
			Explanation: "invoice currency differs from the contracted currency",
		})
	}

	out = append(out, lineItemDiscrepancies(in.Canonical.LineItems, terms.Pricing, cfg)...)
	return out
}

// lineItemDiscrepancies matches billed items to contracted positions by
// description similarity, then compares unit prices under the configured
// tolerance. Unmatched billed items are warnings; contracted positions that
// were not billed are informational.
func lineItemDiscrepancies(items []models.LineItem, pricing []models.ContractPriceItem, cfg config.ValidationConfig) []models.Discrepancy {
	var out []models.Discrepancy
	usedContract := make([]bool, len(pricing))

	for i, item := range items {
		best := -1
		bestScore := 0.0
		for j, p := range pricing {
			if usedContract[j] {
				continue
			}
			score := descriptionSimilarity(item.Description, p.Description)
			if score > bestScore {
				best, bestScore = j, score
			}
		}
		fieldPath := fmt.Sprintf("line_items[%d]", i)
		if best < 0 || bestScore < cfg.ItemSimilarityThreshold {
			out = append(out, models.Discrepancy{
				Kind:        models.DiscrepancyKindItemMismatch,
				Severity:    models.DiscrepancySeverityWarning,
				FieldPath:   fieldPath + ".description",
				Expected:    "an item listed in the contract pricing",
				Actual:      item.Description,
				Explanation: "billed item does not match any contracted position",
			})
			continue
		}
		usedContract[best] = true
		contracted := pricing[best]
		if ExceedsTolerance(item.UnitPrice, contracted.UnitPrice, cfg) {
			out = append(out, models.Discrepancy{
				Kind:      models.DiscrepancyKindAmountMismatch,
				Severity:  models.DiscrepancySeverityCritical,
				FieldPath: fieldPath + ".unit_price",
				Expected:  contracted.UnitPrice.String(),
				Actual:    item.UnitPrice.String(),
				Explanation: fmt.Sprintf("unit price for %q deviates beyond tolerance from contracted price for %q",
					item.Description, contracted.Description),
			})
		}
	}

	for j, p := range pricing {
		if usedContract[j] {
			continue
		}
		out = append(out, models.Discrepancy{
			Kind:        models.DiscrepancyKindItemMismatch,
			Severity:    models.DiscrepancySeverityInfo,
			FieldPath:   fmt.Sprintf("effective_terms.pricing[%d]", j),
			Expected:    p.Description,
			Actual:      "not billed",
			Explanation: "contracted position does not appear on this invoice",
		})
	}
	return out
}

// ExceedsTolerance reports whether |actual - expected| is beyond
// max(absolute, relative * |expected|). Values inside the band are treated
// as equal.
func ExceedsTolerance(actual, expected decimal.Decimal, cfg config.ValidationConfig) bool {
	diff := actual.Sub(expected).Abs()
	tolerance := cfg.AbsoluteTolerance
	if rel := cfg.RelativeTolerance.Mul(expected.Abs()); rel.GreaterThan(tolerance) {
		tolerance = rel
	}
	return diff.GreaterThan(tolerance)
}

// descriptionSimilarity is a normalized edit-distance ratio in [0, 1].
func descriptionSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

// HasCritical reports whether any discrepancy in the set is critical.
func HasCritical(discrepancies []models.Discrepancy) bool {
	for _, d := range discrepancies {
		if d.Severity == models.DiscrepancySeverityCritical {
			return true
		}
	}
	return false
}
