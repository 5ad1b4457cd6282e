package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	DefaultWalletTimeout = 30 * time.Second
	DefaultRecoveryGrace = 2 * time.Minute
)

// Workflow implements the refund request lifecycle.
type Workflow struct {
	store         Store
	wallet        WalletGateway
	gate          AuthorizationGate
	escrows       EscrowReader
	defaultAsset  uint32
	emitter       events.Emitter
	logger        *slog.Logger
	nowFn         func() time.Time
	finalize      retry.Policy
	walletTimeout time.Duration
	recoveryGrace time.Duration
}

// NewWorkflow creates a refund workflow. gate is consulted before every
// approval or denial.
func NewWorkflow(store Store, wallet WalletGateway, gate AuthorizationGate) *Workflow {
	return &Workflow{
		store:         store,
		wallet:        wallet,
		gate:          gate,
		emitter:       events.Nop{},
		logger:        logging.Discard(),
		nowFn:         time.Now,
		finalize:      retry.Finalize,
		walletTimeout: DefaultWalletTimeout,
		recoveryGrace: DefaultRecoveryGrace,
	}
}

// WithEscrows sets the lookup used to derive a request's asset tag.
func (w *Workflow) WithEscrows(r EscrowReader) *Workflow {
	w.escrows = r
	return w
}

// WithDefaultAsset sets the asset used when neither the request nor the
// escrow names one.
func (w *Workflow) WithDefaultAsset(tag uint32) *Workflow {
	w.defaultAsset = tag
	return w
}

func (w *Workflow) WithLogger(l *slog.Logger) *Workflow {
	w.logger = l
	return w
}

func (w *Workflow) WithEmitter(e events.Emitter) *Workflow {
	w.emitter = e
	return w
}

func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.nowFn = now
	return w
}

func (w *Workflow) WithFinalizePolicy(p retry.Policy) *Workflow {
	w.finalize = p
	return w
}

func (w *Workflow) WithRecoveryGrace(d time.Duration) *Workflow {
	w.recoveryGrace = d
	return w
}

// Create records a pending refund request. The referenced escrow may be in
// any status, or unknown.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (*RefundRequest, error) {
	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if req.RequestedBy == "" {
		return nil, ErrMissingRequester
	}
	if verrs := validation.Validate(
		validation.ValidAccount("requestedBy", req.RequestedBy),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(verrs) > 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrValidation, verrs.Error())
	}

	asset, err := w.resolveAsset(ctx, req)
	if err != nil {
		return nil, err
	}

	now := w.nowFn()
	r := &RefundRequest{
		EscrowID:    req.EscrowID,
		RequestedBy: req.RequestedBy,
		AssetTag:    asset,
		Amount:      req.Amount,
		Reason:      validation.SanitizeString(req.Reason, validation.MaxStringLength),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("store refund request: %w", err)
	}

	observeTransition("", StatusPending)
	w.logger.Info("refund requested",
		"refund_id", r.ID, "escrow_id", r.EscrowID, "requested_by", r.RequestedBy, "amount", r.Amount)
	w.emitter.Emit(events.RefundRequested, r.clone())
	return r, nil
}

func (w *Workflow) resolveAsset(ctx context.Context, req CreateRequest) (uint32, error) {
	if req.AssetTag != nil {
		return *req.AssetTag, nil
	}
	if w.escrows == nil {
		return w.defaultAsset, nil
	}
	e, err := w.escrows.Get(ctx, req.EscrowID)
	switch {
	case err == nil:
		return e.AssetTag, nil
	case errors.Is(err, errs.ErrNotFound):
		return w.defaultAsset, nil
	default:
		return 0, fmt.Errorf("look up escrow %d: %w", req.EscrowID, err)
	}
}

// Get returns a refund request by ID.
func (w *Workflow) Get(ctx context.Context, id uint64) (*RefundRequest, error) {
	return w.store.Get(ctx, id)
}

// List returns requests matching every set filter, ordered by id. An offset
// past the end yields an empty page.
func (w *Workflow) List(ctx context.Context, f ListFilter) ([]*RefundRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, ErrInvalidRange
	}
	f.Params = f.Params.Normalize()
	return w.store.List(ctx, f)
}

// Stats returns counts per status and amount totals.
func (w *Workflow) Stats(ctx context.Context) (Stats, error) {
	return w.store.Stats(ctx)
}

// Approve moves a pending request to approved.
func (w *Workflow) Approve(ctx context.Context, id uint64, admin, note string) (*RefundRequest, error) {
	return w.decide(ctx, id, admin, note, StatusApproved)
}

// Deny moves a pending request to denied.
func (w *Workflow) Deny(ctx context.Context, id uint64, admin, note string) (*RefundRequest, error) {
	return w.decide(ctx, id, admin, note, StatusDenied)
}

func (w *Workflow) decide(ctx context.Context, id uint64, admin, note string, to Status) (_ *RefundRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.decide", traces.RefundID(id), traces.Status(string(to)))
	defer func() { traces.End(span, err) }()

	if admin == "" || !w.gate.CheckAdmin(ctx, admin) {
		w.logger.Warn("refund decision rejected", "refund_id", id, "admin", admin)
		return nil, ErrNotAdmin
	}

	current, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, ErrNotPending
	}

	decided, err := w.store.Transition(ctx, id, StatusPending, to, func(r *RefundRequest) {
		now := w.nowFn()
		r.DecidedBy = admin
		r.AdminNote = validation.SanitizeString(note, validation.MaxStringLength)
		r.DecidedAt = &now
		r.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, ErrStatusChanged
		}
		return nil, err
	}

	observeTransition(StatusPending, to)
	w.logger.Info("refund decided", "refund_id", id, "status", to, "admin", admin)
	kind := events.RefundApproved
	if to == StatusDenied {
		kind = events.RefundDenied
	}
	w.emitter.Emit(kind, decided.clone())
	return decided, nil
}

// MarkProcessed completes an approved request. With success false it is
// recorded as failed with errorMsg. With success true the requester is
// credited; a failed credit records the request as failed and returns an
// upstream error.
func (w *Workflow) MarkProcessed(ctx context.Context, id uint64, success bool, errorMsg string) (_ *RefundRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.MarkProcessed", traces.RefundID(id))
	defer func() { traces.End(span, err) }()

	current, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := processable(current); err != nil {
		return nil, err
	}

	if !success {
		return w.fail(ctx, id, StatusApproved, errorMsg)
	}

	marked, err := w.store.Transition(ctx, id, StatusApproved, StatusProcessing, func(r *RefundRequest) {
		r.UpdatedAt = w.nowFn()
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, w.lostRace(ctx, id)
		}
		return nil, err
	}
	observeTransition(StatusApproved, StatusProcessing)

	ctx = context.WithoutCancel(ctx)
	ref := creditReference(id)
	if err := w.walletCall(ctx, func(ctx context.Context) error {
		return w.wallet.Credit(ctx, marked.RequestedBy, marked.Amount, marked.AssetTag, ref)
	}); err != nil {
		creditFailures.Inc()
		applied, herr := w.hasTransfer(ctx, ref)
		switch {
		case herr != nil:
			w.logger.Error("refund credit outcome unknown, leaving processing for recovery",
				"refund_id", id, "reference", ref, "error", err, "lookup_error", herr)
		case applied:
			return w.finalizeProcessed(ctx, id)
		default:
			msg := err.Error()
			if errorMsg != "" {
				msg = errorMsg + ": " + msg
			}
			if _, ferr := w.fail(ctx, id, StatusProcessing, msg); ferr != nil {
				w.logger.Error("failed to record refund failure", "refund_id", id, "error", ferr)
			}
		}
		return nil, fmt.Errorf("credit %s: %w: %w", marked.RequestedBy, errs.ErrUpstream, err)
	}

	return w.finalizeProcessed(ctx, id)
}

// processable reports why r cannot be processed, or nil if it can.
func processable(r *RefundRequest) error {
	switch {
	case r.Status == StatusApproved:
		return nil
	case r.Status == StatusProcessing:
		return ErrProcessingInFlight
	default:
		return ErrNotApproved
	}
}

func (w *Workflow) lostRace(ctx context.Context, id uint64) error {
	current, err := w.store.Get(ctx, id)
	if err != nil {
		return ErrStatusChanged
	}
	if err := processable(current); err != nil {
		return err
	}
	return ErrStatusChanged
}

func (w *Workflow) fail(ctx context.Context, id uint64, from Status, msg string) (*RefundRequest, error) {
	failed, err := w.store.Transition(ctx, id, from, StatusFailed, func(r *RefundRequest) {
		now := w.nowFn()
		r.ErrorMessage = validation.SanitizeString(msg, validation.MaxStringLength)
		r.ProcessedAt = &now
		r.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, w.lostRace(ctx, id)
		}
		return nil, err
	}

	observeTransition(from, StatusFailed)
	w.logger.Warn("refund failed", "refund_id", id, "error_message", failed.ErrorMessage)
	w.emitter.Emit(events.RefundFailed, failed.clone())
	return failed, nil
}

// finalizeProcessed records processed once the credit has happened.
func (w *Workflow) finalizeProcessed(ctx context.Context, id uint64) (*RefundRequest, error) {
	ctx = context.WithoutCancel(ctx)

	var final *RefundRequest
	err := retry.Do(ctx, w.finalize, func() error {
		now := w.nowFn()
		r, err := w.store.Transition(ctx, id, StatusProcessing, StatusProcessed, func(r *RefundRequest) {
			r.ErrorMessage = ""
			r.ProcessedAt = &now
			r.UpdatedAt = now
		})
		if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
			return retry.Permanent(err)
		}
		final = r
		return err
	})

	if errors.Is(err, errs.ErrConflict) {
		if current, gerr := w.store.Get(ctx, id); gerr == nil && current.Status == StatusProcessed {
			return current, nil
		}
		logging.Critical(ctx, w.logger, "refund credited but status moved elsewhere",
			"refund_id", id, "reference", creditReference(id))
		return nil, ErrStatusChanged
	}
	if err != nil {
		logging.Critical(ctx, w.logger, "refund credited but processed status not recorded",
			"refund_id", id, "reference", creditReference(id), "error", err)
		return nil, fmt.Errorf("finalize refund %d: %w", id, err)
	}

	observeTransition(StatusProcessing, StatusProcessed)
	processedAmount.Add(float64(final.Amount))
	w.logger.Info("refund processed",
		"refund_id", id, "requested_by", final.RequestedBy, "asset", final.AssetTag, "amount", final.Amount)
	w.emitter.Emit(events.RefundProcessed, final.clone())
	return final, nil
}

// RecoverInFlight resolves requests left in processing for longer than the
// recovery grace: applied credits are finalized, others go back to approved
// so they can be processed again.
func (w *Workflow) RecoverInFlight(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	inflight, err := w.store.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("list processing refunds: %w", err)
	}

	cutoff := w.nowFn().Add(-w.recoveryGrace)
	var failures []error
	for _, r := range inflight {
		if r.UpdatedAt.After(cutoff) {
			continue
		}
		report.Examined++

		applied, err := w.hasTransfer(ctx, creditReference(r.ID))
		if err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("refund %d: %w: %w", r.ID, errs.ErrUpstream, err))
			continue
		}

		if applied {
			if _, err := w.finalizeProcessed(ctx, r.ID); err != nil {
				report.Failed++
				failures = append(failures, fmt.Errorf("refund %d: %w", r.ID, err))
				continue
			}
			report.Finalized++
			continue
		}

		_, err = w.store.Transition(ctx, r.ID, StatusProcessing, StatusApproved, func(r *RefundRequest) {
			r.UpdatedAt = w.nowFn()
		})
		switch {
		case err == nil:
			observeTransition(StatusProcessing, StatusApproved)
			report.Reverted++
			w.logger.Warn("reverted abandoned refund processing", "refund_id", r.ID)
		case errors.Is(err, errs.ErrConflict):
		default:
			report.Failed++
			failures = append(failures, fmt.Errorf("refund %d: %w", r.ID, err))
		}
	}
	return report, errors.Join(failures...)
}

func (w *Workflow) walletCall(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.walletTimeout)
	defer cancel()
	return fn(ctx)
}

func (w *Workflow) hasTransfer(ctx context.Context, ref string) (applied bool, err error) {
	err = w.walletCall(ctx, func(ctx context.Context) error {
		applied, err = w.wallet.HasTransfer(ctx, ref)
		return err
	})
	return applied, err
}
