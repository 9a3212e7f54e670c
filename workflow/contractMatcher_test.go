package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
)

func TestNormalizeVendorKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme Corp", "acme"},
		{"Acme Corporation", "acme"},
		{"ACME, Inc.", "acme"},
		{"acme", "acme"},
		{"Globex  Holdings   LLC", "globex holdings"},
		{"Initech Ltd", "initech"},
		{"Umbrella Co., Ltd.", "umbrella"},
		{"Stark & Wayne GmbH", "stark wayne"},
		// A name that IS a legal suffix keeps its last word.
		{"Co", "co"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeVendorKey(tc.in); got != tc.want {
			t.Fatalf("NormalizeVendorKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func contractWindow(id uint, from, to string) models.Contract {
	parse := func(s string) time.Time {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			panic(err)
		}
		return d
	}
	return models.Contract{ID: id, VendorKey: "acme", ValidFrom: parse(from), ValidTo: parse(to)}
}

func TestMatchContract_Outcomes(t *testing.T) {
	issueDate := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	t.Run("no contract at all", func(t *testing.T) {
		res := MatchContract(nil, issueDate)
		if res.Outcome != models.ContractMatchOutcomeNoContractFound {
			t.Fatalf("outcome = %s", res.Outcome)
		}
	})

	t.Run("stale terms", func(t *testing.T) {
		res := MatchContract([]models.Contract{
			contractWindow(1, "2024-01-01", "2024-12-31"),
			contractWindow(2, "2025-01-01", "2025-12-31"),
		}, issueDate)
		if res.Outcome != models.ContractMatchOutcomeStaleTerms {
			t.Fatalf("outcome = %s", res.Outcome)
		}
	})

	t.Run("single match", func(t *testing.T) {
		res := MatchContract([]models.Contract{
			contractWindow(1, "2025-01-01", "2025-12-31"),
			contractWindow(2, "2026-01-01", "2026-12-31"),
		}, issueDate)
		if res.Outcome != models.ContractMatchOutcomeMatched {
			t.Fatalf("outcome = %s", res.Outcome)
		}
		if res.Contract == nil || res.Contract.ID != 2 {
			t.Fatalf("matched contract = %+v", res.Contract)
		}
	})

	t.Run("ambiguous windows", func(t *testing.T) {
		res := MatchContract([]models.Contract{
			contractWindow(1, "2026-01-01", "2026-06-30"),
			contractWindow(2, "2026-03-01", "2026-12-31"),
		}, issueDate)
		if res.Outcome != models.ContractMatchOutcomeAmbiguousMatch {
			t.Fatalf("outcome = %s", res.Outcome)
		}
		if len(res.Candidates) != 2 {
			t.Fatalf("candidates = %d, want 2", len(res.Candidates))
		}
		if res.Contract != nil {
			t.Fatalf("ambiguous match must never auto-resolve to a contract")
		}
	})

	t.Run("window bounds are inclusive", func(t *testing.T) {
		res := MatchContract([]models.Contract{
			contractWindow(1, "2026-03-15", "2026-03-15"),
		}, issueDate)
		if res.Outcome != models.ContractMatchOutcomeMatched {
			t.Fatalf("outcome = %s, want Matched on boundary date", res.Outcome)
		}
	})
}
