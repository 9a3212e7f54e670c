package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/shopspring/decimal"
)

// memStore is the DB-free PipelineStore used by orchestrator tests. It
// enforces the same edge validation as the gorm implementation so illegal
// transitions fail here too.
type memStore struct {
	invoice       *models.Invoice
	contracts     map[string][]models.Contract
	rules         []models.WorkflowRule
	duplicate     *models.Invoice
	superseded    bool
	audit         []models.AuditLogEntry
	discrepancies []models.Discrepancy
}

func (s *memStore) LoadInvoice(ctx context.Context, invoiceId string) (*models.Invoice, error) {
	if s.invoice == nil || s.invoice.InvoiceId != invoiceId {
		return nil, errors.New("record not found")
	}
	return s.invoice, nil
}

func (s *memStore) Transition(ctx context.Context, invoice *models.Invoice, input models.TransitionInput) error {
	if !s.invoice.Status.CanTransition(input.To) {
		return models.ErrIllegalTransition
	}
	s.audit = append(s.audit, models.AuditLogEntry{
		InvoiceId:  s.invoice.InvoiceId,
		Version:    s.invoice.Version,
		FromStatus: s.invoice.Status,
		ToStatus:   input.To,
		Actor:      input.Actor,
		Detail:     input.Detail,
	})
	s.discrepancies = append(s.discrepancies, input.Discrepancies...)
	s.invoice.Status = input.To
	invoice.Status = input.To
	return nil
}

func (s *memStore) ContractsByVendor(ctx context.Context, vendorKey string) ([]models.Contract, error) {
	return s.contracts[vendorKey], nil
}

func (s *memStore) FindDuplicate(ctx context.Context, vendorKey, invoiceNumber string, totalAmount decimal.Decimal, excludeId uint) (*models.Invoice, error) {
	return s.duplicate, nil
}

func (s *memStore) ActiveRules(ctx context.Context) ([]models.WorkflowRule, error) {
	return s.rules, nil
}

func (s *memStore) DiscrepancySet(ctx context.Context, invoiceId string) ([]models.Discrepancy, error) {
	return s.discrepancies, nil
}

func (s *memStore) IsSuperseded(ctx context.Context, invoiceId string) (bool, error) {
	return s.superseded, nil
}

type noopUnlocker struct{}

func (noopUnlocker) Refresh(ctx context.Context, ttl time.Duration) error { return nil }
func (noopUnlocker) Release(ctx context.Context) error                    { return nil }

type stubLocker struct{ busy bool }

func (l *stubLocker) Obtain(ctx context.Context, invoiceId string, ttl time.Duration) (Unlocker, error) {
	if l.busy {
		return nil, ErrPipelineRunning
	}
	return noopUnlocker{}, nil
}

// countingLocker records lock lifecycle calls and can simulate a lapsed TTL.
type countingLocker struct {
	refreshes   int
	releases    int
	failRefresh int // fail the nth refresh with ErrPipelineRunning, 0 = never
}

func (l *countingLocker) Obtain(ctx context.Context, invoiceId string, ttl time.Duration) (Unlocker, error) {
	return countingUnlocker{l: l}, nil
}

type countingUnlocker struct{ l *countingLocker }

func (u countingUnlocker) Refresh(ctx context.Context, ttl time.Duration) error {
	u.l.refreshes++
	if u.l.failRefresh > 0 && u.l.refreshes >= u.l.failRefresh {
		return ErrPipelineRunning
	}
	return nil
}

func (u countingUnlocker) Release(ctx context.Context) error {
	u.l.releases++
	return nil
}

type stubOCR struct {
	result OCRResult
	err    error
}

func (o *stubOCR) Recognize(ctx context.Context, document []byte, mimeType string) (OCRResult, error) {
	if o.err != nil {
		return OCRResult{}, o.err
	}
	return o.result, nil
}

type stubDocs struct {
	failures int
	calls    int
}

func (d *stubDocs) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, "", &TransientExternalError{Op: "document fetch", Err: errors.New("connection reset")}
	}
	return []byte("raw pdf bytes"), "application/pdf", nil
}

func newTestOrchestrator(store *memStore) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		OCR:       &stubOCR{result: sampleOCRResult()},
		Documents: &stubDocs{},
		Locker:    &stubLocker{},
		Config:    testValidationConfig(),
	}
}

func receivedInvoice() *models.Invoice {
	return &models.Invoice{
		ID:             1,
		InvoiceId:      "inv-1",
		Version:        1,
		Status:         models.InvoiceStatusReceived,
		RawDocumentRef: "docs/inv-1.pdf",
	}
}

func matchingContracts(t *testing.T) map[string][]models.Contract {
	t.Helper()
	contract := contractWithTerms(t, models.ContractTerms{
		Pricing: []models.ContractPriceItem{
			{Description: "Widget A", UnitPrice: dec("10.00")},
			{Description: "Widget B", UnitPrice: dec("5.50")},
		},
		Currency: "USD",
	})
	return map[string][]models.Contract{"acme": {*contract}}
}

func TestOrchestratorRun_CleanInvoiceAutoApproves(t *testing.T) {
	store := &memStore{
		invoice:   receivedInvoice(),
		contracts: matchingContracts(t),
		rules:     DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusApproved {
		t.Fatalf("final status = %s, want Approved", store.invoice.Status)
	}
	if len(store.discrepancies) != 0 {
		t.Fatalf("clean invoice recorded discrepancies: %+v", store.discrepancies)
	}

	wantPath := []models.InvoiceStatus{
		models.InvoiceStatusProcessing,
		models.InvoiceStatusOCRd,
		models.InvoiceStatusContractResolved,
		models.InvoiceStatusValidated,
		models.InvoiceStatusApproved,
	}
	if len(store.audit) != len(wantPath) {
		t.Fatalf("audit entries = %d, want %d: %+v", len(store.audit), len(wantPath), store.audit)
	}
	for i, want := range wantPath {
		if store.audit[i].ToStatus != want {
			t.Fatalf("audit[%d] = %s, want %s", i, store.audit[i].ToStatus, want)
		}
	}

	replayed, ok := models.ReplayStatus(store.audit)
	if !ok || replayed != models.InvoiceStatusApproved {
		t.Fatalf("audit replay = %s ok=%t, want Approved", replayed, ok)
	}
}

func TestOrchestratorRun_NoContractFlagsAndRoutesToReview(t *testing.T) {
	store := &memStore{
		invoice: receivedInvoice(),
		rules:   DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusPendingReview {
		t.Fatalf("final status = %s, want PendingReview", store.invoice.Status)
	}

	missingContract, unauthorized := false, false
	for _, d := range store.discrepancies {
		if d.Kind == models.DiscrepancyKindMissingContract {
			missingContract = true
		}
		if d.Kind == models.DiscrepancyKindUnauthorizedVendor && d.Severity == models.DiscrepancySeverityCritical {
			unauthorized = true
		}
	}
	if !missingContract {
		t.Fatalf("expected a missing_contract discrepancy, got %+v", store.discrepancies)
	}
	if !unauthorized {
		t.Fatalf("expected unauthorized_vendor critical, got %+v", store.discrepancies)
	}
}

func TestOrchestratorRun_SupersededCancelsAtStageBoundary(t *testing.T) {
	store := &memStore{
		invoice:    receivedInvoice(),
		superseded: true,
		rules:      DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("superseded cancellation is a complete run, got error: %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusError {
		t.Fatalf("final status = %s, want Error", store.invoice.Status)
	}
	last := store.audit[len(store.audit)-1]
	if last.Detail != "cancelled: invoice superseded by a newer submission" {
		t.Fatalf("error detail = %q", last.Detail)
	}
}

func TestOrchestratorRun_RejectsConcurrentRun(t *testing.T) {
	store := &memStore{invoice: receivedInvoice(), rules: DefaultWorkflowRules()}
	orc := newTestOrchestrator(store)
	orc.Locker = &stubLocker{busy: true}

	err := orc.Run(context.Background(), "inv-1")
	if !errors.Is(err, ErrPipelineRunning) {
		t.Fatalf("expected ErrPipelineRunning, got %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusReceived {
		t.Fatalf("rejected run must not touch status, got %s", store.invoice.Status)
	}
}

func TestOrchestratorRun_TransientFailureRetriesThenSucceeds(t *testing.T) {
	store := &memStore{
		invoice:   receivedInvoice(),
		contracts: matchingContracts(t),
		rules:     DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)
	docs := &stubDocs{failures: 2}
	orc.Documents = docs

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if docs.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3 (two transient failures then success)", docs.calls)
	}
	if store.invoice.Status != models.InvoiceStatusApproved {
		t.Fatalf("final status = %s, want Approved", store.invoice.Status)
	}
}

func TestOrchestratorRun_RetriesExhaustedEscalates(t *testing.T) {
	store := &memStore{invoice: receivedInvoice(), rules: DefaultWorkflowRules()}
	orc := newTestOrchestrator(store)
	orc.Documents = &stubDocs{failures: 100}

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("exhausted retries are a recorded outcome, got error: %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusError {
		t.Fatalf("final status = %s, want Error", store.invoice.Status)
	}
}

func TestOrchestratorRun_PermanentOCRFailureEscalates(t *testing.T) {
	store := &memStore{invoice: receivedInvoice(), rules: DefaultWorkflowRules()}
	orc := newTestOrchestrator(store)
	orc.OCR = &stubOCR{err: &PermanentExternalError{Op: "recognize", Reason: "unreadable document"}}

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("permanent failure is a recorded outcome, got error: %v", err)
	}
	if store.invoice.Status != models.InvoiceStatusError {
		t.Fatalf("final status = %s, want Error", store.invoice.Status)
	}
}

func TestOrchestratorRun_ResumeFromPendingIsNoOp(t *testing.T) {
	inv := receivedInvoice()
	inv.Status = models.InvoiceStatusPendingReview
	store := &memStore{invoice: inv, rules: DefaultWorkflowRules()}
	orc := newTestOrchestrator(store)

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("redelivery for a pending invoice must be a no-op, got %v", err)
	}
	if len(store.audit) != 0 {
		t.Fatalf("no-op run recorded transitions: %+v", store.audit)
	}
}

func TestOrchestratorRun_RefreshesLockAtEveryStageBoundary(t *testing.T) {
	store := &memStore{
		invoice:   receivedInvoice(),
		contracts: matchingContracts(t),
		rules:     DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)
	locker := &countingLocker{}
	orc.Locker = locker

	if err := orc.Run(context.Background(), "inv-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Five transitions plus the terminal check, one refresh each.
	if locker.refreshes != 6 {
		t.Fatalf("refresh calls = %d, want 6", locker.refreshes)
	}
	if locker.releases != 1 {
		t.Fatalf("release calls = %d, want 1", locker.releases)
	}
}

func TestOrchestratorRun_LostLockStopsRun(t *testing.T) {
	store := &memStore{
		invoice:   receivedInvoice(),
		contracts: matchingContracts(t),
		rules:     DefaultWorkflowRules(),
	}
	orc := newTestOrchestrator(store)
	orc.Locker = &countingLocker{failRefresh: 2}

	err := orc.Run(context.Background(), "inv-1")
	if !errors.Is(err, ErrPipelineRunning) {
		t.Fatalf("expected ErrPipelineRunning after a lapsed lock, got %v", err)
	}
	if len(store.audit) != 1 {
		t.Fatalf("run kept transitioning after losing the lock: %+v", store.audit)
	}
	if store.invoice.Status != models.InvoiceStatusProcessing {
		t.Fatalf("status = %s, want Processing", store.invoice.Status)
	}
}

// memLocker is an in-process try-lock with the same contract as the redis
// one: Obtain fails with ErrPipelineRunning while another run holds the key.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Obtain(ctx context.Context, invoiceId string, ttl time.Duration) (Unlocker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[invoiceId] {
		return nil, ErrPipelineRunning
	}
	l.held[invoiceId] = true
	return memUnlocker{l: l, key: invoiceId}, nil
}

type memUnlocker struct {
	l   *memLocker
	key string
}

func (u memUnlocker) Refresh(ctx context.Context, ttl time.Duration) error { return nil }

func (u memUnlocker) Release(ctx context.Context) error {
	u.l.mu.Lock()
	defer u.l.mu.Unlock()
	delete(u.l.held, u.key)
	return nil
}

// raceStore serializes the inner store and flags transitions committed by two
// runs at the same time. LoadInvoice hands out copies so concurrent runs never
// share the invoice struct.
type raceStore struct {
	mu       sync.Mutex
	inner    *memStore
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *raceStore) LoadInvoice(ctx context.Context, invoiceId string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.inner.LoadInvoice(ctx, invoiceId)
	if err != nil {
		return nil, err
	}
	copied := *inv
	return &copied, nil
}

func (s *raceStore) Transition(ctx context.Context, invoice *models.Invoice, input models.TransitionInput) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)
	time.Sleep(time.Millisecond) // widen the detection window
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Transition(ctx, invoice, input)
}

func (s *raceStore) ContractsByVendor(ctx context.Context, vendorKey string) ([]models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ContractsByVendor(ctx, vendorKey)
}

func (s *raceStore) FindDuplicate(ctx context.Context, vendorKey, invoiceNumber string, totalAmount decimal.Decimal, excludeId uint) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.FindDuplicate(ctx, vendorKey, invoiceNumber, totalAmount, excludeId)
}

func (s *raceStore) ActiveRules(ctx context.Context) ([]models.WorkflowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ActiveRules(ctx)
}

func (s *raceStore) DiscrepancySet(ctx context.Context, invoiceId string) ([]models.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DiscrepancySet(ctx, invoiceId)
}

func (s *raceStore) IsSuperseded(ctx context.Context, invoiceId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IsSuperseded(ctx, invoiceId)
}

func TestOrchestratorRun_ConcurrentTriggersExecuteOnce(t *testing.T) {
	inner := &memStore{
		invoice:   receivedInvoice(),
		contracts: matchingContracts(t),
		rules:     DefaultWorkflowRules(),
	}
	store := &raceStore{inner: inner}
	orc := newTestOrchestrator(inner)
	orc.Store = store
	orc.Locker = &memLocker{held: map[string]bool{}}

	const runners = 25
	start := make(chan struct{})
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = orc.Run(context.Background(), "inv-1")
		}(i)
	}
	close(start)
	wg.Wait()

	if store.overlap.Load() {
		t.Fatalf("two runs committed transitions at the same time")
	}
	completed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ErrPipelineRunning):
		default:
			t.Fatalf("unexpected run error: %v", err)
		}
	}
	if completed == 0 {
		t.Fatalf("no run completed")
	}
	// Rejected and no-op runs never transition, so one execution leaves
	// exactly the happy-path audit trail.
	if len(inner.audit) != 5 {
		t.Fatalf("audit entries = %d, want 5 (exactly one execution): %+v", len(inner.audit), inner.audit)
	}
	replayed, ok := models.ReplayStatus(inner.audit)
	if !ok || replayed != models.InvoiceStatusApproved {
		t.Fatalf("audit replay = %s ok=%t, want a legal path to Approved", replayed, ok)
	}
}

func TestStageBackoff_Bounded(t *testing.T) {
	cfg := testValidationConfig()
	cfg.StageBaseBackoff = 500 * time.Millisecond
	cfg.StageMaxBackoff = 3 * time.Second

	if got := stageBackoff(1, cfg); got != 500*time.Millisecond {
		t.Fatalf("attempt 1 backoff = %s", got)
	}
	if got := stageBackoff(3, cfg); got != 2*time.Second {
		t.Fatalf("attempt 3 backoff = %s", got)
	}
	if got := stageBackoff(10, cfg); got != 3*time.Second {
		t.Fatalf("attempt 10 backoff = %s, want the cap", got)
	}
}
