package workflow

import (
	"regexp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
)

// Contract matcher: resolves the invoice's vendor to a contract valid on the
// issue date. Pure over the supplied contract list; loading is the store's
// job.

var (
	vendorKeyPunct = regexp.MustCompile(`[^a-z0-9]+`)

	// Legal suffixes carry no identity. "Acme Corp" and "Acme Corporation"
	// must produce the same key.
	vendorLegalSuffixes = map[string]bool{
		"inc":          true,
		"incorporated": true,
		"llc":          true,
		"ltd":          true,
		"limited":      true,
		"corp":         true,
		"corporation":  true,
		"co":           true,
		"company":      true,
		"gmbh":         true,
		"sa":           true,
		"plc":          true,
	}
)

// NormalizeVendorKey folds an extracted vendor name into the key contracts
// are stored under: lower-cased, punctuation collapsed to spaces, trailing
// legal suffixes stripped, words joined by single spaces.
func NormalizeVendorKey(vendorName string) string {
	lowered := strings.ToLower(vendorName)
	collapsed := vendorKeyPunct.ReplaceAllString(lowered, " ")
	words := strings.Fields(collapsed)
	for len(words) > 1 && vendorLegalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// MatchResult is the matcher's verdict for one invoice.
type MatchResult struct {
	Outcome  models.ContractMatchOutcome
	Contract *models.Contract
	// Candidates holds the conflicting contracts on AmbiguousMatch, for the
	// audit detail.
	Candidates []models.Contract
}

// MatchContract selects the contract covering the issue date. Exactly one
// covering contract is a match; more than one is ambiguous (flagged, never
// auto-resolved); contracts exist but none covers the date means stale
// terms; an empty list means no contract at all.
func MatchContract(contracts []models.Contract, issueDate time.Time) MatchResult {
	if len(contracts) == 0 {
		return MatchResult{Outcome: models.ContractMatchOutcomeNoContractFound}
	}

	var covering []models.Contract
	for _, c := range contracts {
		if c.Covers(issueDate) {
			covering = append(covering, c)
		}
	}

	switch len(covering) {
	case 0:
		return MatchResult{Outcome: models.ContractMatchOutcomeStaleTerms}
	case 1:
		matched := covering[0]
		return MatchResult{
			Outcome:  models.ContractMatchOutcomeMatched,
			Contract: &matched,
		}
	default:
		return MatchResult{
			Outcome:    models.ContractMatchOutcomeAmbiguousMatch,
			Candidates: covering,
		}
	}
}
