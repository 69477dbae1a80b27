package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/api"
	"github.com/warp/checkout-guard/storefront"
)

func (s *sandbox) loadScenario(id string) storefront.ScenarioLoadedDTO {
	s.t.Helper()
	resp, body := s.call(http.MethodPost, "/api/sandbox/scenarios/load", map[string]string{"scenario_id": id}, "")
	require.Equal(s.t, http.StatusOK, resp.StatusCode, string(body))
	var out storefront.ScenarioLoadedDTO
	require.NoError(s.t, json.Unmarshal(body, &out))
	return out
}

func (s *sandbox) signInDemo() {
	s.t.Helper()
	resp, body := s.call(http.MethodPost, "/api/auth/login", storefront.LoginRequest{Email: api.DemoEmail, Password: api.DemoPassword}, "")
	require.Equal(s.t, http.StatusOK, resp.StatusCode, string(body))
	var tok storefront.TokenResponse
	require.NoError(s.t, json.Unmarshal(body, &tok))
	s.token = tok.AccessToken
}

func (s *sandbox) intent(id string) storefront.IntentDTO {
	s.t.Helper()
	resp, body := s.call(http.MethodGet, "/api/payments/intents/"+id, nil, "")
	require.Equal(s.t, http.StatusOK, resp.StatusCode, string(body))
	var dto storefront.IntentDTO
	require.NoError(s.t, json.Unmarshal(body, &dto))
	return dto
}

func TestScenario_DemoStore(t *testing.T) {
	// GIVEN: the demo-store scenario
	// WHEN: signing in with the demo credentials
	// THEN: one intent per seeded status is visible
	s := newSandbox(t)
	loaded := s.loadScenario("demo-store")
	require.Len(t, loaded.IntentIDs, 3)
	s.signInDemo()

	var statuses []string
	for _, id := range loaded.IntentIDs {
		statuses = append(statuses, s.intent(id).Status)
	}
	assert.Equal(t, []string{storefront.StatusPending, storefront.StatusApproved, storefront.StatusCompleted}, statuses)

	resp, body := s.call(http.MethodGet, "/api/sandbox/scenarios/current", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var current storefront.ScenarioDTO
	require.NoError(t, json.Unmarshal(body, &current))
	assert.Equal(t, "demo-store", current.ID)
}

func TestScenario_OneAttemptLeft(t *testing.T) {
	s := newSandbox(t)
	id := s.loadScenario("one-attempt-left").IntentIDs[0]
	s.signInDemo()

	resp, body := s.call(http.MethodPost, "/api/payments/intents/"+id+"/approve", storefront.ApproveIntentRequest{PIN: "000000"}, "")

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := decodeError(t, body)
	require.NotNil(t, e.RemainingAttempts)
	assert.Zero(t, *e.RemainingAttempts)
	got := s.intent(id)
	assert.Equal(t, storefront.StatusDeclined, got.Status)
	assert.Equal(t, "too_many_pin_attempts", got.DeclineReason)
}

func TestScenario_Expiring(t *testing.T) {
	s := newSandbox(t)
	id := s.loadScenario("expiring").IntentIDs[0]
	s.signInDemo()

	assert.Equal(t, storefront.StatusExpired, s.intent(id).Status)
}

func TestScenario_LoadResetsState(t *testing.T) {
	// GIVEN: a registered store with an intent
	// WHEN: the empty scenario is loaded
	// THEN: the old session no longer works and counters restart
	s := newSandbox(t)
	s.signIn()
	s.createIntent("create-1")

	s.loadScenario("empty")

	resp, _ := s.call(http.MethodGet, "/api/payments/intents/x", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, s.handler.Calls("create"))
}

func TestScenario_Unknown(t *testing.T) {
	s := newSandbox(t)

	resp, body := s.call(http.MethodPost, "/api/sandbox/scenarios/load", map[string]string{"scenario_id": "nope"}, "")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, storefront.CodeValidation, decodeError(t, body).Code)
}
