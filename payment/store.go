/*
store.go - Payment intent store

PURPOSE:
  Holds the active intent set and the bounded history log, mirrored to two
  kv namespaces. Every mutation is persisted before it returns.

PERSISTENCE:
  payment.intents: one record per active intent, keyed by IntentID
  payment.history: a single "log" record holding the history entries

CORRUPTION:
  A namespace that fails to decode is cleared and replaced by empty state.
  This is logged and never surfaced to callers.

LOCKOUT:
  Consecutive business rejections are counted on the intent itself so the
  count survives a reload. At the threshold, CheckLockout refuses further
  attempts without any network call.

SEE ALSO:
  - history.go: Eviction policy
  - sweep.go: Periodic expiry
  - service.go: Remote flows feeding this store
*/
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/checkout-guard/kv"
)

const historyKey = "log"

// Config holds store limits.
type Config struct {
	MaxAge           time.Duration // active intents older than this are force-expired
	History          Limits
	LockoutThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxAge:           24 * time.Hour,
		History:          DefaultLimits(),
		LockoutThreshold: 5,
	}
}

// Extra carries optional data for UpdateStatus.
type Extra struct {
	At            time.Time // zero means now
	DeclineReason string
}

// Stats is derived from the active set on every call.
type Stats struct {
	Pending  int             `json:"pending"`
	Approved int             `json:"approved"`
	Total    decimal.Decimal `json:"total"`
}

// SweepResult reports one expiry pass.
type SweepResult struct {
	Expired []string `json:"expired"`
	Pruned  int      `json:"pruned"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithConfig(cfg Config) StoreOption { return func(s *Store) { s.cfg = cfg } }

func WithLogger(l *slog.Logger) StoreOption { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

type Store struct {
	mu      sync.RWMutex
	active  map[string]*Intent
	history *History

	intents kv.Bucket
	log     kv.Bucket

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(store kv.Store, opts ...StoreOption) *Store {
	s := &Store{
		active:  make(map[string]*Intent),
		intents: kv.NewBucket(store, kv.NamespacePaymentIntents),
		log:     kv.NewBucket(store, kv.NamespacePaymentHistory),
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "payment")
	s.history = NewHistory(s.cfg.History)
	return s
}

// =============================================================================
// LOAD
// =============================================================================

// Load replaces in-memory state with the persisted namespaces, then runs one
// expiry sweep.
func (s *Store) Load(ctx context.Context) error {
	active, err := s.loadActive(ctx)
	if err != nil {
		return err
	}
	entries, err := s.loadHistory(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = active
	s.history.replace(entries)
	s.mu.Unlock()

	s.logger.Info("payment state loaded", "active", len(active), "history", len(entries))
	_, err = s.SweepExpired(ctx)
	return err
}

func (s *Store) loadActive(ctx context.Context) (map[string]*Intent, error) {
	keys, err := s.intents.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}

	active := make(map[string]*Intent, len(keys))
	for _, k := range keys {
		raw, ok, err := s.intents.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read intent %s: %w", k, err)
		}
		if !ok {
			continue
		}
		var in Intent
		if err := json.Unmarshal(raw, &in); err != nil || in.IntentID == "" || !in.Status.Valid() {
			s.logger.Warn("discarding unreadable intent namespace", "key", k, "error", err)
			if cerr := s.intents.Clear(ctx); cerr != nil {
				return nil, cerr
			}
			return make(map[string]*Intent), nil
		}
		active[in.IntentID] = &in
	}
	return active, nil
}

func (s *Store) loadHistory(ctx context.Context) ([]HistoryEntry, error) {
	raw, ok, err := s.log.Get(ctx, historyKey)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("discarding unreadable history namespace", "error", err)
		return nil, s.log.Clear(ctx)
	}
	return entries, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddIntent validates n and inserts it into the active set. An intent whose
// IntentID or PublicID is already active is left as is and ErrDuplicateIntent
// is returned together with the existing intent.
func (s *Store) AddIntent(ctx context.Context, n NewIntent) (Intent, error) {
	if err := n.Validate(); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLocked(n.IntentID); existing != nil {
		s.logger.Info("ignoring duplicate intent", "intent_id", n.IntentID)
		return *existing.clone(), ErrDuplicateIntent
	}
	if existing := s.findLocked(n.PublicID); existing != nil {
		s.logger.Info("ignoring duplicate intent", "public_id", n.PublicID)
		return *existing.clone(), ErrDuplicateIntent
	}

	now := s.now()
	created := n.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := n.Status
	if status == "" {
		status = StatusPending
	}
	in := &Intent{
		IntentID:      n.IntentID,
		PublicID:      n.PublicID,
		CustomerID:    n.CustomerID,
		CustomerName:  n.CustomerName,
		Amount:        n.Amount,
		Currency:      n.Currency,
		Status:        status,
		LineItems:     append([]LineItem(nil), n.LineItems...),
		CreatedAt:     created,
		ExpiresAt:     n.ExpiresAt,
		LastTouchedAt: now,
	}
	if status == StatusApproved {
		in.stamp(StatusApproved, now)
	}

	if err := s.putIntentLocked(ctx, in); err != nil {
		return Intent{}, err
	}
	s.active[in.IntentID] = in
	s.logger.Info("intent added", "intent_id", in.IntentID, "amount", in.Amount.String(), "currency", in.Currency)
	return *in.clone(), nil
}

// UpdateStatus moves the intent named by id (IntentID or PublicID) to
// status. Illegal edges return a *TransitionError and change nothing.
// Terminal statuses archive the intent.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, extra Extra) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.findLocked(id)
	if in == nil {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if !CanTransition(in.Status, status) {
		return *in.clone(), &TransitionError{IntentID: in.IntentID, From: in.Status, To: status}
	}

	at := extra.At
	if at.IsZero() {
		at = s.now()
	}
	next := in.clone()
	next.Status = status
	next.stamp(status, at)
	if status == StatusDeclined && extra.DeclineReason != "" {
		next.DeclineReason = extra.DeclineReason
	}

	if err := s.applyLocked(ctx, in, next); err != nil {
		return Intent{}, err
	}
	s.logger.Info("intent status changed", "intent_id", next.IntentID, "from", in.Status, "to", status)
	return *next.clone(), nil
}

// applyLocked persists next in place of cur, archiving it when terminal.
func (s *Store) applyLocked(ctx context.Context, cur, next *Intent) error {
	if !next.Status.Terminal() {
		if err := s.putIntentLocked(ctx, next); err != nil {
			return err
		}
		s.active[next.IntentID] = next
		return nil
	}

	prev := s.history.Entries()
	s.history.Append(*next, s.now())
	if err := s.putHistoryLocked(ctx); err != nil {
		s.history.replace(prev)
		return err
	}
	if err := s.intents.Delete(ctx, cur.IntentID); err != nil {
		return fmt.Errorf("remove archived intent %s: %w", cur.IntentID, err)
	}
	delete(s.active, cur.IntentID)
	return nil
}

// RecordRejection counts one business rejection for id and returns the
// consecutive total. remaining is the remote side's remaining-attempt count
// (negative when unknown); the local count never claims more attempts are
// left than the remote side allows.
func (s *Store) RecordRejection(ctx context.Context, id string, remaining int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.findLocked(id)
	if in == nil {
		return 0, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	next := in.clone()
	next.RejectedAttempts++
	if remaining >= 0 {
		if floor := s.cfg.LockoutThreshold - remaining; floor > next.RejectedAttempts {
			next.RejectedAttempts = floor
		}
	}
	next.LastTouchedAt = s.now()

	if err := s.putIntentLocked(ctx, next); err != nil {
		return 0, err
	}
	s.active[next.IntentID] = next
	s.logger.Info("rejection recorded", "intent_id", next.IntentID, "attempts", next.RejectedAttempts)
	return next.RejectedAttempts, nil
}

// ResetRejections clears the rejection count after a success.
func (s *Store) ResetRejections(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.findLocked(id)
	if in == nil {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if in.RejectedAttempts == 0 {
		return nil
	}
	next := in.clone()
	next.RejectedAttempts = 0
	if err := s.putIntentLocked(ctx, next); err != nil {
		return err
	}
	s.active[next.IntentID] = next
	return nil
}

// CheckLockout returns a *LockoutError once id reached the threshold.
func (s *Store) CheckLockout(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := s.findLocked(id)
	if in == nil {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if s.cfg.LockoutThreshold > 0 && in.RejectedAttempts >= s.cfg.LockoutThreshold {
		return &LockoutError{IntentID: in.IntentID, Attempts: in.RejectedAttempts}
	}
	return nil
}

// RemainingAttempts returns how many local attempts are left for id.
func (s *Store) RemainingAttempts(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := s.findLocked(id)
	if in == nil {
		return 0
	}
	if left := s.cfg.LockoutThreshold - in.RejectedAttempts; left > 0 {
		return left
	}
	return 0
}

// SweepExpired force-expires active intents older than MaxAge, whatever the
// remote side reports, and prunes history past its age limit.
func (s *Store) SweepExpired(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var res SweepResult
	for _, in := range s.sortedActiveLocked() {
		if now.Sub(in.CreatedAt) <= s.cfg.MaxAge {
			continue
		}
		next := in.clone()
		next.Status = StatusExpired
		next.stamp(StatusExpired, now)
		if err := s.applyLocked(ctx, in, next); err != nil {
			return res, err
		}
		res.Expired = append(res.Expired, in.IntentID)
	}

	if res.Pruned = s.history.Prune(now); res.Pruned > 0 {
		if err := s.putHistoryLocked(ctx); err != nil {
			return res, err
		}
	}

	if len(res.Expired) > 0 || res.Pruned > 0 {
		s.logger.Info("sweep completed", "expired", len(res.Expired), "pruned", res.Pruned)
	}
	return res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get finds an intent by IntentID or PublicID, active first, then history.
func (s *Store) Get(id string) (Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if in := s.findLocked(id); in != nil {
		return *in.clone(), true
	}
	entries := s.history.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Intent.Matches(id) {
			return entries[i].Intent, true
		}
	}
	return Intent{}, false
}

// ByCustomer returns the customer's intents, active then archived.
func (s *Store) ByCustomer(customerID string) []Intent {
	return s.filter(func(in *Intent) bool { return in.CustomerID == customerID })
}

// ByStatus returns intents currently in status.
func (s *Store) ByStatus(status Status) []Intent {
	return s.filter(func(in *Intent) bool { return in.Status == status })
}

// Active returns the active set ordered by creation time.
func (s *Store) Active() []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Intent, 0, len(s.active))
	for _, in := range s.sortedActiveLocked() {
		out = append(out, *in.clone())
	}
	return out
}

// History returns the archived entries, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Entries()
}

// Stats recomputes the summary over the active set.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: decimal.Zero}
	for _, in := range s.active {
		switch in.Status {
		case StatusPending:
			st.Pending++
		case StatusApproved:
			st.Approved++
		}
		st.Total = st.Total.Add(in.Amount)
	}
	return st
}

func (s *Store) filter(keep func(*Intent) bool) []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Intent
	for _, in := range s.sortedActiveLocked() {
		if keep(in) {
			out = append(out, *in.clone())
		}
	}
	for _, e := range s.history.Entries() {
		if keep(&e.Intent) {
			out = append(out, e.Intent)
		}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) findLocked(id string) *Intent {
	if id == "" {
		return nil
	}
	if in, ok := s.active[id]; ok {
		return in
	}
	for _, in := range s.active {
		if in.Matches(id) {
			return in
		}
	}
	return nil
}

func (s *Store) sortedActiveLocked() []*Intent {
	out := make([]*Intent, 0, len(s.active))
	for _, in := range s.active {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IntentID < out[j].IntentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) putIntentLocked(ctx context.Context, in *Intent) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", in.IntentID, err)
	}
	if err := s.intents.Put(ctx, in.IntentID, raw); err != nil {
		return fmt.Errorf("persist intent %s: %w", in.IntentID, err)
	}
	return nil
}

func (s *Store) putHistoryLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.history.Entries())
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.log.Put(ctx, historyKey, raw); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}
