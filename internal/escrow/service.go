package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	// DefaultWalletTimeout bounds a single wallet call.
	DefaultWalletTimeout = 30 * time.Second
	// DefaultRecoveryGrace is how long an escrow must sit in settling before
	// RecoverInFlight treats it as abandoned. It must exceed the wallet timeout.
	DefaultRecoveryGrace = 2 * time.Minute
)

// Service implements escrow business logic.
type Service struct {
	store         Store
	wallet        WalletGateway
	emitter       events.Emitter
	logger        *slog.Logger
	nowFn         func() time.Time
	finalize      retry.Policy
	walletTimeout time.Duration
	recoveryGrace time.Duration
}

// NewService creates a new escrow service.
func NewService(store Store, wallet WalletGateway) *Service {
	return &Service{
		store:         store,
		wallet:        wallet,
		emitter:       events.Nop{},
		logger:        logging.Discard(),
		nowFn:         time.Now,
		finalize:      retry.Finalize,
		walletTimeout: DefaultWalletTimeout,
		recoveryGrace: DefaultRecoveryGrace,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithEmitter sets where lifecycle events are published.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// WithFinalizePolicy sets the retry policy for post-credit status writes.
func (s *Service) WithFinalizePolicy(p retry.Policy) *Service {
	s.finalize = p
	return s
}

// WithRecoveryGrace sets how old a settling marker must be before recovery
// touches it.
func (s *Service) WithRecoveryGrace(d time.Duration) *Service {
	s.recoveryGrace = d
	return s
}

// Create debits the sender and records a locked escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Escrow, err error) {
	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if verrs := validation.Validate(
		validation.ValidAccount("sender", req.Sender),
		validation.ValidAccount("receiver", req.Receiver),
		validation.MaxLength("conditions", req.Conditions, validation.MaxStringLength),
	); len(verrs) > 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrValidation, verrs.Error())
	}
	if req.Sender == req.Receiver {
		return nil, ErrSameParty
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Account(req.Sender), traces.Amount(req.Amount), traces.Asset(req.AssetTag))
	defer func() { traces.End(span, err) }()

	lockRef := idgen.WithPrefix("escrow-lock:")
	if err := s.walletCall(ctx, func(ctx context.Context) error {
		return s.wallet.Debit(ctx, req.Sender, req.Amount, req.AssetTag, lockRef)
	}); err != nil {
		walletFailures.WithLabelValues("debit").Inc()
		s.resolveFailedDebit(ctx, req, lockRef, err)
		return nil, fmt.Errorf("lock funds: %w: %w", errs.ErrUpstream, err)
	}

	now := s.nowFn()
	escrow := &Escrow{
		Sender:        req.Sender,
		Receiver:      req.Receiver,
		AssetTag:      req.AssetTag,
		Amount:        req.Amount,
		Conditions:    req.Conditions,
		Status:        StatusLocked,
		LockReference: lockRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		s.compensateLock(ctx, escrow, err)
		return nil, fmt.Errorf("store escrow: %w", err)
	}

	observeTransition("", StatusLocked)
	s.logger.Info("escrow created",
		"escrow_id", escrow.ID, "sender", escrow.Sender, "receiver", escrow.Receiver,
		"asset", escrow.AssetTag, "amount", escrow.Amount)
	s.emitter.Emit(events.EscrowCreated, escrow.clone())
	return escrow, nil
}

// compensateLock returns debited funds when the escrow record could not be
// written.
func (s *Service) compensateLock(ctx context.Context, e *Escrow, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := s.walletCall(ctx, func(ctx context.Context) error {
		return s.wallet.Credit(ctx, e.Sender, e.Amount, e.AssetTag, e.LockReference+":compensate")
	})
	if err != nil {
		walletFailures.WithLabelValues("compensate").Inc()
		logging.Critical(ctx, s.logger, "escrow debit not recorded and compensation failed",
			"sender", e.Sender, "asset", e.AssetTag, "amount", e.Amount,
			"reference", e.LockReference, "store_error", cause, "error", err)
		return
	}
	s.logger.Warn("escrow store failed, debit compensated",
		"sender", e.Sender, "amount", e.Amount, "reference", e.LockReference, "error", cause)
}

// resolveFailedDebit handles a debit whose outcome is unknown. If the wallet
// applied it anyway, the funds are credited back to the sender.
func (s *Service) resolveFailedDebit(ctx context.Context, req CreateRequest, lockRef string, cause error) {
	ctx = context.WithoutCancel(ctx)
	applied, err := s.hasTransfer(ctx, lockRef)
	if err != nil {
		logging.Critical(ctx, s.logger, "escrow debit outcome unknown",
			"sender", req.Sender, "asset", req.AssetTag, "amount", req.Amount,
			"reference", lockRef, "debit_error", cause, "error", err)
		return
	}
	if !applied {
		return
	}
	s.compensateLock(ctx, &Escrow{
		Sender:        req.Sender,
		AssetTag:      req.AssetTag,
		Amount:        req.Amount,
		LockReference: lockRef,
	}, cause)
}

// Release credits the receiver and marks the escrow released.
func (s *Service) Release(ctx context.Context, id uint64) (*Escrow, error) {
	return s.settle(ctx, id, StatusReleased)
}

// Cancel credits the sender and marks the escrow cancelled.
func (s *Service) Cancel(ctx context.Context, id uint64) (*Escrow, error) {
	return s.settle(ctx, id, StatusCancelled)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns escrows matching f. No match is an empty slice.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Escrow, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	f.Params = f.Params.Normalize()
	return s.store.List(ctx, f)
}

// ProcessTimeouts moves every locked escrow with now-createdAt > threshold to
// timed_out, crediting the sender. Escrows settled concurrently are skipped.
// Wallet failures are joined into the returned error; the count covers only
// escrows actually timed out.
func (s *Service) ProcessTimeouts(ctx context.Context, thresholdSeconds int64) (count int, err error) {
	if thresholdSeconds < 0 {
		return 0, ErrInvalidThreshold
	}
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
		sweepTimedOut.Add(float64(count))
	}()

	if thresholdSeconds > math.MaxInt64/int64(time.Second) {
		return 0, nil
	}
	cutoff := s.nowFn().Add(-time.Duration(thresholdSeconds) * time.Second)

	candidates, err := s.store.ListLockedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired escrows: %w", err)
	}

	var failures []error
	for _, e := range candidates {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		_, err := s.settle(ctx, e.ID, StatusTimedOut)
		switch {
		case err == nil:
			count++
		case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalidState):
			s.logger.Debug("escrow settled concurrently, skipping timeout", "escrow_id", e.ID)
		default:
			failures = append(failures, fmt.Errorf("escrow %d: %w", e.ID, err))
		}
	}
	return count, errors.Join(failures...)
}

// settle runs the two-phase transition locked → settling → target.
func (s *Service) settle(ctx context.Context, id uint64, target Status) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(id), traces.Status(string(target)))
	defer func() { traces.End(span, err) }()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := settleable(current); err != nil {
		return nil, err
	}

	marked, err := s.store.Transition(ctx, id, StatusLocked, StatusSettling, func(e *Escrow) {
		e.PendingStatus = target
		e.UpdatedAt = s.nowFn()
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, s.lostRace(ctx, id)
		}
		return nil, err
	}
	observeTransition(StatusLocked, StatusSettling)

	// The marker is held; a client disconnect must not strand it.
	ctx = context.WithoutCancel(ctx)
	payee := marked.payee(target)
	ref := settleReference(id, target)
	if err := s.walletCall(ctx, func(ctx context.Context) error {
		return s.wallet.Credit(ctx, payee, marked.Amount, marked.AssetTag, ref)
	}); err != nil {
		walletFailures.WithLabelValues("credit").Inc()
		applied, herr := s.hasTransfer(ctx, ref)
		switch {
		case herr != nil:
			s.logger.Error("credit outcome unknown, leaving escrow settling for recovery",
				"escrow_id", id, "reference", ref, "error", err, "lookup_error", herr)
		case applied:
			return s.finalizeSettlement(ctx, id, target)
		default:
			s.revert(ctx, id)
		}
		return nil, fmt.Errorf("credit %s: %w: %w", payee, errs.ErrUpstream, err)
	}

	return s.finalizeSettlement(ctx, id, target)
}

// settleable reports why e cannot start settling, or nil if it can.
func settleable(e *Escrow) error {
	switch {
	case e.Status == StatusLocked:
		return nil
	case e.IsTerminal():
		return ErrAlreadyResolved
	case e.Status == StatusSettling:
		return ErrSettlementInFlight
	default:
		return fmt.Errorf("escrow in status %s: %w", e.Status, errs.ErrInvalidState)
	}
}

// lostRace classifies a failed locked → settling CAS by the status that won.
func (s *Service) lostRace(ctx context.Context, id uint64) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return ErrStatusChanged
	}
	if err := settleable(current); err != nil {
		return err
	}
	return ErrStatusChanged
}

// revert puts a settling escrow back to locked after a failed credit.
func (s *Service) revert(ctx context.Context, id uint64) {
	_, err := s.store.Transition(ctx, id, StatusSettling, StatusLocked, func(e *Escrow) {
		e.PendingStatus = ""
		e.UpdatedAt = s.nowFn()
	})
	if err != nil {
		// Recovery will revert it once the grace period passes.
		s.logger.Error("failed to revert escrow after credit failure", "escrow_id", id, "error", err)
		return
	}
	observeTransition(StatusSettling, StatusLocked)
}

// finalizeSettlement records the terminal status once the credit has
// happened. The funds have moved, so the write is retried and not bound to
// the caller's cancellation.
func (s *Service) finalizeSettlement(ctx context.Context, id uint64, target Status) (*Escrow, error) {
	ctx = context.WithoutCancel(ctx)

	var final *Escrow
	err := retry.Do(ctx, s.finalize, func() error {
		now := s.nowFn()
		e, err := s.store.Transition(ctx, id, StatusSettling, target, func(e *Escrow) {
			e.PendingStatus = ""
			e.ResolvedAt = &now
			e.UpdatedAt = now
		})
		if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
			return retry.Permanent(err)
		}
		final = e
		return err
	})

	if errors.Is(err, errs.ErrConflict) {
		// Recovery finalized it first; the reference made the credit once-only.
		if current, gerr := s.store.Get(ctx, id); gerr == nil && current.Status == target {
			return current, nil
		}
		logging.Critical(ctx, s.logger, "escrow credited but status moved elsewhere",
			"escrow_id", id, "target", target, "reference", settleReference(id, target))
		return nil, ErrStatusChanged
	}
	if err != nil {
		logging.Critical(ctx, s.logger, "escrow credited but final status not recorded",
			"escrow_id", id, "target", target, "reference", settleReference(id, target), "error", err)
		return nil, fmt.Errorf("finalize escrow %d: %w", id, err)
	}

	observeTransition(StatusSettling, target)
	escrowDuration.Observe(final.ResolvedAt.Sub(final.CreatedAt).Seconds())
	s.logger.Info("escrow settled",
		"escrow_id", id, "status", target, "payee", final.payee(target), "amount", final.Amount)
	s.emitter.Emit(eventFor(target), final.clone())
	return final, nil
}

// RecoverInFlight resolves escrows left in settling for longer than the
// recovery grace. If the settling credit was applied the escrow is finalized,
// otherwise it goes back to locked.
func (s *Service) RecoverInFlight(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	inflight, err := s.store.ListByStatus(ctx, StatusSettling)
	if err != nil {
		return report, fmt.Errorf("list settling escrows: %w", err)
	}

	cutoff := s.nowFn().Add(-s.recoveryGrace)
	var failures []error
	for _, e := range inflight {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		report.Examined++

		ref := settleReference(e.ID, e.PendingStatus)
		applied, err := s.hasTransfer(ctx, ref)
		if err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("escrow %d: %w: %w", e.ID, errs.ErrUpstream, err))
			continue
		}

		if applied {
			if _, err := s.finalizeSettlement(ctx, e.ID, e.PendingStatus); err != nil {
				report.Failed++
				failures = append(failures, fmt.Errorf("escrow %d: %w", e.ID, err))
				continue
			}
			report.Finalized++
			continue
		}

		_, err = s.store.Transition(ctx, e.ID, StatusSettling, StatusLocked, func(e *Escrow) {
			e.PendingStatus = ""
			e.UpdatedAt = s.nowFn()
		})
		switch {
		case err == nil:
			observeTransition(StatusSettling, StatusLocked)
			report.Reverted++
			s.logger.Warn("reverted abandoned escrow settlement", "escrow_id", e.ID, "pending", e.PendingStatus)
		case errors.Is(err, errs.ErrConflict):
		default:
			report.Failed++
			failures = append(failures, fmt.Errorf("escrow %d: %w", e.ID, err))
		}
	}
	return report, errors.Join(failures...)
}

func (s *Service) walletCall(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.walletTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) hasTransfer(ctx context.Context, ref string) (applied bool, err error) {
	err = s.walletCall(ctx, func(ctx context.Context) error {
		applied, err = s.wallet.HasTransfer(ctx, ref)
		return err
	})
	return applied, err
}

func eventFor(target Status) events.Kind {
	switch target {
	case StatusReleased:
		return events.EscrowReleased
	case StatusCancelled:
		return events.EscrowCancelled
	default:
		return events.EscrowTimedOut
	}
}
