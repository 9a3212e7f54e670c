package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
)

// External collaborators the pipeline depends on. The orchestrator only
// sees these interfaces; HTTP/GCS implementations live in collab, tests use
// deterministic stubs.

// Token is one recognized token with optional confidence and geometry.
type Token struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence,omitempty"`
	Page       int        `json:"page,omitempty"`
	BBox       [4]float64 `json:"bbox,omitempty"`
}

// OCRResult is the raw output of the OCR/extraction collaborator: recognized
// lines plus optional per-token metadata. Normalization into a canonical
// invoice record happens downstream and is deterministic.
type OCRResult struct {
	Lines  []string `json:"lines"`
	Tokens []Token  `json:"tokens,omitempty"`
}

// PromptContext is the structured input handed to the reasoning collaborator
// for semantic term comparison.
type PromptContext struct {
	Invoice   models.CanonicalFields `json:"invoice"`
	Terms     models.ContractTerms   `json:"terms"`
	IssueDate time.Time              `json:"issue_date"`
}

// Finding is one advisory observation from the reasoning collaborator. It is
// treated as one more comparison input, never as an authoritative verdict:
// the discrepancy engine caps its severity unless a rule-based check
// corroborates it.
type Finding struct {
	Kind        models.DiscrepancyKind     `json:"kind"`
	Severity    models.DiscrepancySeverity `json:"severity"`
	FieldPath   string                     `json:"field_path"`
	Expected    string                     `json:"expected"`
	Actual      string                     `json:"actual"`
	Explanation string                     `json:"explanation"`
}

type ComparisonResult struct {
	Findings []Finding `json:"findings"`
	Summary  string    `json:"summary,omitempty"`
}

type OCRClient interface {
	Recognize(ctx context.Context, document []byte, mimeType string) (OCRResult, error)
}

type ReasoningClient interface {
	CompareTerms(ctx context.Context, prompt PromptContext) (ComparisonResult, error)
}

// ErrDocumentNotFound is returned by DocumentStore.Fetch for unknown refs.
var ErrDocumentNotFound = errors.New("document not found")

type DocumentStore interface {
	// Fetch returns the document bytes and mime type for a stored ref.
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}
