/*
scenarios.go - Demo scenario loaders for the sandbox storefront

PURPOSE:

	Provides pre-built storefront states so the checkout client can be
	pointed at a known situation: a store with intents in every status,
	an intent one wrong PIN away from being declined, an intent about to
	expire.

AVAILABLE SCENARIOS:

	empty:            No stores, no intents
	demo-store:       Demo store with pending, approved and completed intents
	one-attempt-left: Pending intent that declines on the next wrong PIN
	expiring:         Pending intent that expires on its next read

HOW SCENARIOS WORK:
 1. Reset all sandbox state (stores, sessions, intents, replay cache)
 2. Register the demo store
 3. Create intents directly in their target state

USAGE VIA API:

	POST /api/sandbox/scenarios/load
	{"scenario_id": "demo-store"}

	Then sign in as demo@shop.test / demo1234.

NOTE:

	Scenarios reset the sandbox. Counters and injected failures are reset too.

SEE ALSO:
  - handlers.go: Storefront handlers
  - server.go: Route registration
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/checkout-guard/storefront"
)

// Demo store credentials created by every scenario except "empty".
const (
	DemoEmail    = "demo@shop.test"
	DemoPassword = "demo1234"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []storefront.ScenarioDTO{
	{
		ID:          "empty",
		Name:        "Empty",
		Description: "No stores and no intents",
	},
	{
		ID:          "demo-store",
		Name:        "Demo Store",
		Description: "Demo store with one pending, one approved and one completed intent",
	},
	{
		ID:          "one-attempt-left",
		Name:        "One Attempt Left",
		Description: "Pending intent that is declined on the next wrong PIN",
	},
	{
		ID:          "expiring",
		Name:        "Expiring Intent",
		Description: "Pending intent past its expiry, reported EXPIRED on next read",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// ErrUnknownScenario is returned by Load for an unlisted scenario id.
var ErrUnknownScenario = errors.New("unknown scenario")

// LoadScenario resets the sandbox and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", storefront.CodeValidation, err)
		return
	}

	ids, err := h.Load(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", storefront.CodeValidation, err)
		return
	}
	writeJSON(w, http.StatusOK, storefront.ScenarioLoadedDTO{Scenario: req.ScenarioID, Status: "loaded", IntentIDs: ids})
}

// Load resets the sandbox and seeds scenario id. It returns the seeded
// intent ids.
func (h *Handler) Load(id string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var load func() []string
	switch id {
	case "empty":
		load = func() []string { return nil }
	case "demo-store":
		load = h.loadDemoStoreLocked
	case "one-attempt-left":
		load = h.loadOneAttemptLeftLocked
	case "expiring":
		load = h.loadExpiringLocked
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	h.resetLocked()
	ids := load()
	h.currentScenario = id

	h.logger.Info("scenario loaded", "scenario", id, "intents", len(ids))
	return ids, nil
}

// resetLocked drops all sandbox state, including the replay cache.
func (h *Handler) resetLocked() {
	h.stores = make(map[string]*storeAccount)
	h.byEmail = make(map[string]string)
	h.tokens = make(map[string]accessToken)
	h.refresh = make(map[string]string)
	h.intents = make(map[string]*intentRecord)
	h.byPublic = make(map[string]string)
	h.calls = make(map[string]int)
	h.failures = make(map[string][]int)
	h.publicSeq = 0
	h.currentScenario = ""
	h.replies.reset()
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDemoStoreLocked() []string {
	storeID := h.demoStoreLocked()
	now := h.now().UTC()
	return []string{
		h.seedIntentLocked(storeID, "cust-ada", "Ada", "25.00", storefront.StatusPending, now),
		h.seedIntentLocked(storeID, "cust-bob", "Bob", "12.50", storefront.StatusApproved, now.Add(-10*time.Minute)),
		h.seedIntentLocked(storeID, "cust-cyd", "Cyd", "99.90", storefront.StatusCompleted, now.Add(-2*time.Hour)),
	}
}

func (h *Handler) loadOneAttemptLeftLocked() []string {
	storeID := h.demoStoreLocked()
	id := h.seedIntentLocked(storeID, "cust-ada", "Ada", "40.00", storefront.StatusPending, h.now().UTC())
	h.intents[id].pinFailures = h.cfg.MaxPINAttempts - 1
	return []string{id}
}

func (h *Handler) loadExpiringLocked() []string {
	storeID := h.demoStoreLocked()
	created := h.now().UTC().Add(-h.cfg.IntentTTL)
	return []string{h.seedIntentLocked(storeID, "cust-ada", "Ada", "15.00", storefront.StatusPending, created)}
}

func (h *Handler) demoStoreLocked() string {
	acct := &storeAccount{
		StoreDTO: storefront.StoreDTO{
			ID:         uuid.NewString(),
			Name:       "Demo Shop",
			OwnerEmail: DemoEmail,
			CreatedAt:  h.now().UTC(),
		},
		password: DemoPassword,
	}
	h.stores[acct.ID] = acct
	h.byEmail[strings.ToLower(DemoEmail)] = acct.ID
	return acct.ID
}

func (h *Handler) seedIntentLocked(storeID, customerID, name, amount, status string, created time.Time) string {
	h.publicSeq++
	amt := decimal.RequireFromString(amount)
	rec := &intentRecord{IntentDTO: storefront.IntentDTO{
		ID:           uuid.NewString(),
		PublicID:     fmt.Sprintf("PI-%06d", h.publicSeq),
		StoreID:      storeID,
		CustomerID:   customerID,
		CustomerName: name,
		Amount:       amt,
		Currency:     "EUR",
		Status:       status,
		LineItems:    []storefront.LineItemDTO{{SKU: "DEMO-1", Description: "Demo item", Quantity: 1, UnitPrice: amt}},
		CreatedAt:    created,
		ExpiresAt:    created.Add(h.cfg.IntentTTL),
		UpdatedAt:    created,
	}}
	h.intents[rec.ID] = rec
	h.byPublic[rec.PublicID] = rec.ID
	return rec.ID
}
