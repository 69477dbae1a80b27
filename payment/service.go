/*
service.go - Payment flows against the storefront

PURPOSE:
  Every mutating call goes through the idempotency executor with a key
  derived from (action, actor, intent, payload), so double submits, retries
  after a network blip and replays after a reload all reach the storefront
  at most once per window. Results are folded into the local Store.

APPROVAL:
  1. Local lockout check (no network once the threshold is reached)
  2. Executor call with RetryOnError (transient failures retried once)
  3. Rejection -> counted toward lockout once; joined and cached replays
                  are not counted again
  4. Success   -> rejection count reset, remote status applied

RETRY APPROVE:
  A deliberate "try again" from the user gets a fresh explicit key so it is
  not collapsed into the earlier attempt.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/storefront"
)

// Remote is the storefront surface the service needs. client.Client
// implements it.
type Remote interface {
	CreateIntent(ctx context.Context, req storefront.CreateIntentRequest) (*storefront.IntentDTO, error)
	GetIntent(ctx context.Context, id string) (*storefront.IntentDTO, error)
	ApproveIntent(ctx context.Context, id, pin string) (*storefront.IntentDTO, error)
	CancelIntent(ctx context.Context, id string) (*storefront.IntentDTO, error)
	CompleteIntent(ctx context.Context, id string) (*storefront.IntentDTO, error)
}

// DefaultReadTTL bounds how long an intent read is reused.
const DefaultReadTTL = 5 * time.Second

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithActor sets the actor id mixed into every derived key.
func WithActor(id string) ServiceOption { return func(s *Service) { s.actor = id } }

// WithReadCache shares a read cache with other components.
func WithReadCache(c *idempotency.ReadCache) ServiceOption {
	return func(s *Service) { s.reads = c }
}

func WithReadTTL(d time.Duration) ServiceOption { return func(s *Service) { s.readTTL = d } }

func WithServiceLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

type Service struct {
	store   *Store
	exec    *idempotency.Executor
	remote  Remote
	reads   *idempotency.ReadCache
	readTTL time.Duration
	actor   string
	logger  *slog.Logger
}

func NewService(store *Store, exec *idempotency.Executor, remote Remote, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		exec:    exec,
		remote:  remote,
		readTTL: DefaultReadTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reads == nil {
		s.reads = idempotency.NewReadCache()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "payment", "actor", s.actor)
	return s
}

func (s *Service) Store() *Store { return s.store }

// =============================================================================
// FLOWS
// =============================================================================

// Create opens an intent on the storefront and tracks it locally. A retried
// create with the same payload returns the intent already tracked.
func (s *Service) Create(ctx context.Context, req storefront.CreateIntentRequest) (Intent, error) {
	key := s.exec.Derive(idempotency.Descriptor{
		Action:  idempotency.ActionCreatePayment,
		ActorID: s.actor,
		ScopeID: req.CustomerID,
		Payload: req,
	})

	dto, _, err := idempotency.Execute(ctx, s.exec, idempotency.Call[storefront.IntentDTO]{
		Key:          key,
		Action:       idempotency.ActionCreatePayment,
		RetryOnError: true,
		Fn: func(ctx context.Context) (storefront.IntentDTO, error) {
			return deref(s.remote.CreateIntent(ctx, req))
		},
	})
	if err != nil {
		return Intent{}, err
	}
	return s.track(ctx, dto)
}

// Track starts following an intent created elsewhere.
func (s *Service) Track(ctx context.Context, id string) (Intent, error) {
	if in, ok := s.store.Get(id); ok {
		return in, nil
	}
	dto, err := s.read(ctx, id)
	if err != nil {
		return Intent{}, err
	}
	in, err := s.track(ctx, dto)
	if err != nil {
		return Intent{}, err
	}
	return s.apply(ctx, in, dto)
}

// Approve approves the intent with the customer's PIN.
func (s *Service) Approve(ctx context.Context, id, pin string) (Intent, error) {
	local, ok := s.store.Get(id)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	key := s.exec.Derive(idempotency.Descriptor{
		Action:  idempotency.ActionApprovePayment,
		ActorID: s.actor,
		ScopeID: local.IntentID,
		Payload: map[string]string{"pin": pin},
	})
	return s.approve(ctx, local, key, pin)
}

// RetryApprove is Approve for an explicit user retry: it never collapses
// into an earlier attempt.
func (s *Service) RetryApprove(ctx context.Context, id, pin string) (Intent, error) {
	local, ok := s.store.Get(id)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return s.approve(ctx, local, idempotency.NewExplicitKey(idempotency.ActionApprovePayment), pin)
}

func (s *Service) approve(ctx context.Context, local Intent, key idempotency.Key, pin string) (Intent, error) {
	if err := s.store.CheckLockout(local.IntentID); err != nil {
		s.logger.Warn("approval blocked locally", "intent_id", local.IntentID, "error", err)
		return local, err
	}

	dto, src, err := idempotency.Execute(ctx, s.exec, idempotency.Call[storefront.IntentDTO]{
		Key:          key,
		Action:       idempotency.ActionApprovePayment,
		RetryOnError: true,
		Fn: func(ctx context.Context) (storefront.IntentDTO, error) {
			return deref(s.remote.ApproveIntent(ctx, local.IntentID, pin))
		},
	})
	if err != nil {
		var rej *idempotency.RejectedError
		if errors.As(err, &rej) && src == idempotency.SourceNetwork {
			attempts, rerr := s.store.RecordRejection(ctx, local.IntentID, rej.RemainingAttempts)
			if rerr != nil {
				s.logger.Error("failed to record rejection", "intent_id", local.IntentID, "error", rerr)
			} else {
				s.logger.Info("approval rejected", "intent_id", local.IntentID, "reason", rej.Reason, "attempts", attempts)
			}
		}
		return local, err
	}

	if err := s.store.ResetRejections(ctx, local.IntentID); err != nil && !errors.Is(err, ErrIntentNotFound) {
		s.logger.Warn("failed to reset rejections", "intent_id", local.IntentID, "error", err)
	}
	return s.apply(ctx, local, dto)
}

// Cancel cancels a pending or approved intent.
func (s *Service) Cancel(ctx context.Context, id string) (Intent, error) {
	return s.simple(ctx, id, idempotency.ActionCancelPayment, s.remote.CancelIntent)
}

// Complete captures an approved intent.
func (s *Service) Complete(ctx context.Context, id string) (Intent, error) {
	return s.simple(ctx, id, idempotency.ActionCompletePayment, s.remote.CompleteIntent)
}

func (s *Service) simple(ctx context.Context, id string, action idempotency.Action, call func(context.Context, string) (*storefront.IntentDTO, error)) (Intent, error) {
	local, ok := s.store.Get(id)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	key := s.exec.Derive(idempotency.Descriptor{
		Action:  action,
		ActorID: s.actor,
		ScopeID: local.IntentID,
	})

	dto, _, err := idempotency.Execute(ctx, s.exec, idempotency.Call[storefront.IntentDTO]{
		Key:          key,
		Action:       action,
		RetryOnError: true,
		Fn: func(ctx context.Context) (storefront.IntentDTO, error) {
			return deref(call(ctx, local.IntentID))
		},
	})
	if err != nil {
		return local, err
	}
	return s.apply(ctx, local, dto)
}

// Refresh reads the intent from the storefront and applies its status.
func (s *Service) Refresh(ctx context.Context, id string) (Intent, error) {
	local, ok := s.store.Get(id)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	dto, err := s.read(ctx, local.IntentID)
	if err != nil {
		return local, err
	}
	return s.apply(ctx, local, dto)
}

func (s *Service) read(ctx context.Context, id string) (storefront.IntentDTO, error) {
	return idempotency.Read(ctx, s.reads, readKey(id), s.readTTL, func(ctx context.Context) (storefront.IntentDTO, error) {
		return deref(s.remote.GetIntent(ctx, id))
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) track(ctx context.Context, dto storefront.IntentDTO) (Intent, error) {
	in, err := s.store.AddIntent(ctx, fromDTO(dto))
	if errors.Is(err, ErrDuplicateIntent) {
		return in, nil
	}
	return in, err
}

// apply folds the storefront's view of the intent into the local store.
// A status the local copy has already moved past is ignored.
func (s *Service) apply(ctx context.Context, local Intent, dto storefront.IntentDTO) (Intent, error) {
	defer s.reads.Invalidate(readKey(local.IntentID))

	to := Status(dto.Status)
	if to == local.Status || !to.Valid() {
		if cur, ok := s.store.Get(local.IntentID); ok {
			return cur, nil
		}
		return local, nil
	}
	if !CanTransition(local.Status, to) {
		s.logger.Debug("ignoring remote status", "intent_id", local.IntentID, "local", local.Status, "remote", to)
		return local, nil
	}
	return s.store.UpdateStatus(ctx, local.IntentID, to, Extra{DeclineReason: dto.DeclineReason})
}

func readKey(id string) string { return "intent:" + id }

func fromDTO(dto storefront.IntentDTO) NewIntent {
	n := NewIntent{
		IntentID:     dto.ID,
		PublicID:     dto.PublicID,
		CustomerID:   dto.CustomerID,
		CustomerName: dto.CustomerName,
		Amount:       dto.Amount,
		Currency:     dto.Currency,
		CreatedAt:    dto.CreatedAt,
	}
	if st := Status(dto.Status); st == StatusPending || st == StatusApproved {
		n.Status = st
	}
	if !dto.ExpiresAt.IsZero() {
		exp := dto.ExpiresAt
		n.ExpiresAt = &exp
	}
	for _, li := range dto.LineItems {
		n.LineItems = append(n.LineItems, LineItem{
			SKU:         li.SKU,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
		})
	}
	return n
}

func deref[T any](v *T, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, &idempotency.FatalError{Reason: "empty_response", Err: errors.New("no body")}
	}
	return *v, nil
}
