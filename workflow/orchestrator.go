package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"bitbucket.org/mmdatafocus/apflow_backend/utils"
	"github.com/sirupsen/logrus"
)

// Orchestrator drives one invoice through the validation pipeline. It is the
// only writer of invoice status: stages compute, the orchestrator commits
// transitions and audit entries.
type Orchestrator struct {
	Store     PipelineStore
	OCR       OCRClient
	Reasoning ReasoningClient
	Documents DocumentStore
	Locker    Locker
	Logger    *logrus.Logger
	Config    config.ValidationConfig
}

// Run executes the pipeline from the invoice's committed status until it
// reaches a pending or terminal status. Redelivery of an already finished
// invoice is a no-op. Run never returns an error for outcomes the pipeline
// itself recorded (Error status, superseded); those are complete runs.
func (o *Orchestrator) Run(ctx context.Context, invoiceId string) error {
	lock, err := o.Locker.Obtain(ctx, invoiceId, o.Config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrPipelineRunning) {
			o.log(invoiceId).Warn("pipeline trigger rejected: already running")
		}
		return err
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.log(invoiceId).Warnf("failed to release pipeline lock: %v", rerr)
		}
	}()

	invoice, err := o.Store.LoadInvoice(ctx, invoiceId)
	if err != nil {
		return err
	}

	// One snapshot per run: rule and tolerance changes mid-run never apply.
	rules, err := o.Store.ActiveRules(ctx)
	if err != nil {
		return err
	}
	ruleSetHash := models.RuleSetHash(rules)

	for {
		// Renew the lock at every stage boundary: a single stage can spend
		// most of the TTL in retries, and the single-flight guarantee must
		// hold for the whole run, not just its first TTL window.
		if rerr := lock.Refresh(ctx, o.Config.LockTTL); rerr != nil {
			o.log(invoiceId).Warnf("pipeline lock refresh failed, stopping run: %v", rerr)
			return rerr
		}
		switch invoice.Status {
		case models.InvoiceStatusReceived:
			err = o.Store.Transition(ctx, invoice, models.TransitionInput{
				To:     models.InvoiceStatusProcessing,
				Actor:  models.ActorOrchestrator,
				Detail: "pipeline started",
			})
		case models.InvoiceStatusProcessing:
			err = o.runExtraction(ctx, invoice)
		case models.InvoiceStatusOCRd:
			err = o.runContractMatch(ctx, invoice)
		case models.InvoiceStatusContractResolved:
			err = o.runValidation(ctx, invoice)
		case models.InvoiceStatusValidated, models.InvoiceStatusFlagged:
			err = o.runDecision(ctx, invoice, rules, ruleSetHash)
		case models.InvoiceStatusPendingReview, models.InvoiceStatusPendingApproval:
			o.log(invoiceId).WithField("status", invoice.Status).Info("pipeline paused for human action")
			return nil
		default:
			if invoice.Status.IsTerminal() {
				o.log(invoiceId).WithField("status", invoice.Status).Info("pipeline already finished")
				return nil
			}
			return fmt.Errorf("invoice %s in unexpected status %s", invoiceId, invoice.Status)
		}
		if err != nil {
			return o.escalate(ctx, invoice, err)
		}
	}
}

// runExtraction fetches the raw document, recognizes it and commits the
// canonical record with the OCRd transition.
func (o *Orchestrator) runExtraction(ctx context.Context, invoice *models.Invoice) error {
	if err := o.checkSuperseded(ctx, invoice.InvoiceId); err != nil {
		return err
	}

	var result OCRResult
	err := o.retryStage(ctx, invoice.InvoiceId, "extraction", func(stageCtx context.Context) error {
		document, mimeType, err := o.Documents.Fetch(stageCtx, invoice.RawDocumentRef)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				return &PermanentExternalError{Op: "document fetch", Reason: "document not found", Err: err}
			}
			return err
		}
		result, err = o.OCR.Recognize(stageCtx, document, mimeType)
		return err
	})
	if err != nil {
		return err
	}

	out, err := NormalizeExtraction(result, o.Config)
	if err != nil {
		return err
	}
	if err := invoice.SetCanonical(out.Canonical, out.VendorKey, out.NeedsReview); err != nil {
		return err
	}

	var issueDate interface{}
	if invoice.IssueDate != nil && !invoice.IssueDate.IsZero() {
		issueDate = *invoice.IssueDate
	}
	return o.Store.Transition(ctx, invoice, models.TransitionInput{
		To:     models.InvoiceStatusOCRd,
		Actor:  models.ActorExtraction,
		Detail: fmt.Sprintf("extracted %d line items, needs_review=%t", len(out.Canonical.LineItems), out.NeedsReview),
		Updates: map[string]interface{}{
			"canonical_json": invoice.CanonicalJSON,
			"vendor_name":    invoice.VendorName,
			"vendor_key":     invoice.VendorKey,
			"invoice_number": invoice.InvoiceNumber,
			"issue_date":     issueDate,
			"total_amount":   invoice.TotalAmount,
			"currency":       invoice.Currency,
			"needs_review":   invoice.NeedsReview,
		},
	})
}

func (o *Orchestrator) runContractMatch(ctx context.Context, invoice *models.Invoice) error {
	if err := o.checkSuperseded(ctx, invoice.InvoiceId); err != nil {
		return err
	}

	contracts, err := o.Store.ContractsByVendor(ctx, invoice.VendorKey)
	if err != nil {
		return err
	}
	issueDate := time.Time{}
	if invoice.IssueDate != nil {
		issueDate = *invoice.IssueDate
	}
	match := MatchContract(contracts, issueDate)

	updates := map[string]interface{}{}
	detail := "contract match outcome: " + string(match.Outcome)
	if match.Outcome == models.ContractMatchOutcomeMatched {
		updates["contract_id"] = match.Contract.ID
		invoice.ContractId = &match.Contract.ID
		detail = fmt.Sprintf("matched contract %d", match.Contract.ID)
	}
	return o.Store.Transition(ctx, invoice, models.TransitionInput{
		To:      models.InvoiceStatusContractResolved,
		Actor:   models.ActorContractMatcher,
		Detail:  detail,
		Updates: updates,
	})
}

// runValidation evaluates the discrepancy set and commits it together with
// the Validated or Flagged transition.
func (o *Orchestrator) runValidation(ctx context.Context, invoice *models.Invoice) error {
	if err := o.checkSuperseded(ctx, invoice.InvoiceId); err != nil {
		return err
	}

	canonical, err := invoice.Canonical()
	if err != nil {
		return err
	}
	if canonical == nil {
		return &DataIntegrityError{Detail: "invoice reached validation without canonical fields"}
	}

	contracts, err := o.Store.ContractsByVendor(ctx, invoice.VendorKey)
	if err != nil {
		return err
	}
	issueDate := time.Time{}
	if invoice.IssueDate != nil {
		issueDate = *invoice.IssueDate
	}
	match := MatchContract(contracts, issueDate)

	duplicate, err := o.Store.FindDuplicate(ctx, invoice.VendorKey, invoice.InvoiceNumber, invoice.TotalAmount, invoice.ID)
	if err != nil {
		return err
	}

	advisory := o.advisoryFindings(ctx, invoice, *canonical, match, issueDate)

	discrepancies := EvaluateDiscrepancies(ValidationInput{
		Canonical: *canonical,
		Match:     match,
		Duplicate: duplicate,
		Advisory:  advisory,
	}, o.Config)

	target := models.InvoiceStatusValidated
	if len(discrepancies) > 0 {
		target = models.InvoiceStatusFlagged
	}
	return o.Store.Transition(ctx, invoice, models.TransitionInput{
		To:            target,
		Actor:         models.ActorValidation,
		Detail:        fmt.Sprintf("%d discrepancies recorded", len(discrepancies)),
		Discrepancies: discrepancies,
	})
}

// advisoryFindings asks the reasoning collaborator for a semantic comparison
// of free-text contract clauses. The pipeline can always finish without it:
// after retries are exhausted the run proceeds with rule-based checks only.
func (o *Orchestrator) advisoryFindings(ctx context.Context, invoice *models.Invoice, canonical models.CanonicalFields, match MatchResult, issueDate time.Time) []Finding {
	if o.Reasoning == nil || match.Outcome != models.ContractMatchOutcomeMatched {
		return nil
	}
	terms, err := match.Contract.Terms()
	if err != nil || terms == nil || len(terms.Clauses) == 0 {
		return nil
	}

	var result ComparisonResult
	err = o.retryStage(ctx, invoice.InvoiceId, "reasoning", func(stageCtx context.Context) error {
		var cerr error
		result, cerr = o.Reasoning.CompareTerms(stageCtx, PromptContext{
			Invoice:   canonical,
			Terms:     *terms,
			IssueDate: issueDate,
		})
		return cerr
	})
	if err != nil {
		o.log(invoice.InvoiceId).Warnf("reasoning unavailable, validating without advisory findings: %v", err)
		return nil
	}
	return result.Findings
}

func (o *Orchestrator) runDecision(ctx context.Context, invoice *models.Invoice, rules []models.WorkflowRule, ruleSetHash string) error {
	if err := o.checkSuperseded(ctx, invoice.InvoiceId); err != nil {
		return err
	}

	discrepancies, err := o.Store.DiscrepancySet(ctx, invoice.InvoiceId)
	if err != nil {
		return err
	}
	decision := EvaluateRules(rules, RuleContext{
		Status:        invoice.Status,
		Amount:        invoice.TotalAmount,
		VendorKey:     invoice.VendorKey,
		NeedsReview:   invoice.NeedsReview,
		Discrepancies: discrepancies,
	})

	return o.Store.Transition(ctx, invoice, models.TransitionInput{
		To:    decision.Action,
		Actor: models.ActorWorkflowEngine,
		Detail: fmt.Sprintf("%s (rule_set=%s config=%s)",
			decision.Reason, ruleSetHash, o.Config.Version()),
	})
}

func (o *Orchestrator) checkSuperseded(ctx context.Context, invoiceId string) error {
	superseded, err := o.Store.IsSuperseded(ctx, invoiceId)
	if err != nil {
		return err
	}
	if superseded {
		return ErrSuperseded
	}
	return nil
}

// escalate converts a stage failure into the recorded outcome. A failure the
// pipeline classified (superseded, permanent, extraction, exhausted retries)
// commits the Error transition and ends the run cleanly; only infrastructure
// errors propagate so the message layer can redeliver.
func (o *Orchestrator) escalate(ctx context.Context, invoice *models.Invoice, cause error) error {
	if errors.Is(cause, utils.ErrorRecordNotFound) || errors.Is(cause, context.Canceled) {
		return cause
	}

	detail := cause.Error()
	var exErr *ExtractionError
	switch {
	case errors.Is(cause, ErrSuperseded):
		detail = "cancelled: invoice superseded by a newer submission"
	case errors.As(cause, &exErr):
		detail = fmt.Sprintf("extraction failed (%s): %s", exErr.Reason, exErr.Detail)
	case IsTransient(cause):
		detail = "retries exhausted: " + detail
	case IsPermanent(cause):
		// keep the collaborator's reason as-is
	}

	if !invoice.Status.CanTransition(models.InvoiceStatusError) {
		return cause
	}
	if terr := o.Store.Transition(ctx, invoice, models.TransitionInput{
		To:     models.InvoiceStatusError,
		Actor:  models.ActorOrchestrator,
		Detail: detail,
	}); terr != nil {
		o.log(invoice.InvoiceId).Errorf("failed to record pipeline error: %v (cause: %v)", terr, cause)
		return cause
	}
	o.log(invoice.InvoiceId).WithField("status", models.InvoiceStatusError).Warn(detail)
	return nil
}

// retryStage runs fn with a per-attempt timeout, retrying transient failures
// with bounded exponential backoff. Permanent and unclassified errors return
// immediately.
func (o *Orchestrator) retryStage(ctx context.Context, invoiceId, stage string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= o.Config.StageMaxAttempts; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, o.Config.StageTimeout)
		err = fn(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == o.Config.StageMaxAttempts {
			break
		}
		delay := stageBackoff(attempt, o.Config)
		o.log(invoiceId).WithFields(logrus.Fields{
			"stage":   stage,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warnf("transient stage failure, retrying: %v", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// stageBackoff is base * 2^(attempt-1), capped.
func stageBackoff(attempt int, cfg config.ValidationConfig) time.Duration {
	if attempt <= 0 {
		return cfg.StageBaseBackoff
	}
	delay := time.Duration(float64(cfg.StageBaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > cfg.StageMaxBackoff {
		return cfg.StageMaxBackoff
	}
	return delay
}

func (o *Orchestrator) log(invoiceId string) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":      "Pipeline",
		"invoice_id": invoiceId,
	})
}
