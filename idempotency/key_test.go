package idempotency_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/checkout-guard/idempotency"
)

func approveDescriptor(payload any) idempotency.Descriptor {
	return idempotency.Descriptor{
		Action:  idempotency.ActionApprovePayment,
		ActorID: "customer-7",
		ScopeID: "42",
		Payload: payload,
	}
}

func TestDerive_SameOperationSameKey(t *testing.T) {
	d := idempotency.NewDeriver()

	k1 := d.Derive(approveDescriptor(map[string]any{"pin": "123456", "intent_id": 42}))
	k2 := d.Derive(approveDescriptor(map[string]any{"pin": "123456", "intent_id": 42}))

	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1.String(), "payment.approve:"))
}

func TestDerive_FieldOrderDoesNotMatter(t *testing.T) {
	// GIVEN: the same payload serialized with different key order
	// THEN: both collapse to one key
	d := idempotency.NewDeriver()

	a := json.RawMessage(`{"pin":"123456","intent_id":42,"meta":{"b":1,"a":2}}`)
	b := json.RawMessage(`{"meta":{"a":2,"b":1},"intent_id":42,"pin":"123456"}`)

	assert.Equal(t, d.Derive(approveDescriptor(a)), d.Derive(approveDescriptor(b)))
}

func TestDerive_StructAndMapAgree(t *testing.T) {
	d := idempotency.NewDeriver()
	type body struct {
		Pin      string `json:"pin"`
		IntentID int    `json:"intent_id"`
	}

	fromStruct := d.Derive(approveDescriptor(body{Pin: "1", IntentID: 2}))
	fromMap := d.Derive(approveDescriptor(map[string]any{"intent_id": 2, "pin": "1"}))

	assert.Equal(t, fromStruct, fromMap)
}

func TestDerive_VolatileFieldsIgnored(t *testing.T) {
	d := idempotency.NewDeriver()

	k1 := d.Derive(approveDescriptor(map[string]any{"pin": "1", "timestamp": 1700000000}))
	k2 := d.Derive(approveDescriptor(map[string]any{"pin": "1", "timestamp": 1700000999}))

	assert.Equal(t, k1, k2)
}

func TestDerive_AnyFieldChangeChangesKey(t *testing.T) {
	d := idempotency.NewDeriver()
	base := idempotency.Descriptor{
		Action:  idempotency.ActionApprovePayment,
		ActorID: "customer-7",
		ScopeID: "42",
		Payload: map[string]any{"pin": "123456", "amount": "10.00"},
	}
	baseKey := d.Derive(base)

	variants := map[string]idempotency.Descriptor{
		"pin":     {Action: base.Action, ActorID: base.ActorID, ScopeID: base.ScopeID, Payload: map[string]any{"pin": "123457", "amount": "10.00"}},
		"amount":  {Action: base.Action, ActorID: base.ActorID, ScopeID: base.ScopeID, Payload: map[string]any{"pin": "123456", "amount": "10.01"}},
		"extra":   {Action: base.Action, ActorID: base.ActorID, ScopeID: base.ScopeID, Payload: map[string]any{"pin": "123456", "amount": "10.00", "tip": 1}},
		"actor":   {Action: base.Action, ActorID: "customer-8", ScopeID: base.ScopeID, Payload: base.Payload},
		"scope":   {Action: base.Action, ActorID: base.ActorID, ScopeID: "43", Payload: base.Payload},
		"action":  {Action: idempotency.ActionCancelPayment, ActorID: base.ActorID, ScopeID: base.ScopeID, Payload: base.Payload},
		"numbers": {Action: base.Action, ActorID: base.ActorID, ScopeID: base.ScopeID, Payload: json.RawMessage(`{"pin":"123456","amount":10.000001}`)},
	}

	for name, desc := range variants {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, baseKey, d.Derive(desc))
		})
	}
}

func TestDerive_NoFalseCollapseAcrossSeparators(t *testing.T) {
	d := idempotency.NewDeriver()

	k1 := d.Derive(idempotency.Descriptor{Action: "a", ActorID: "x", ScopeID: "yz"})
	k2 := d.Derive(idempotency.Descriptor{Action: "a", ActorID: "xy", ScopeID: "z"})

	assert.NotEqual(t, k1, k2)
}

func TestDerive_ExplicitKeyUsedVerbatim(t *testing.T) {
	d := idempotency.NewDeriver()
	desc := approveDescriptor(map[string]any{"pin": "1"})
	desc.ExplicitKey = "caller-chosen"

	assert.Equal(t, idempotency.Key("caller-chosen"), d.Derive(desc))
}

func TestNewExplicitKey_FreshEachTime(t *testing.T) {
	k1 := idempotency.NewExplicitKey(idempotency.ActionApprovePayment)
	k2 := idempotency.NewExplicitKey(idempotency.ActionApprovePayment)

	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1.String(), "payment.approve:"))
}

func TestDerive_TotalOnUnencodablePayload(t *testing.T) {
	d := idempotency.NewDeriver()
	ch := make(chan int)

	assert.NotPanics(t, func() {
		d.Derive(approveDescriptor(ch))
	})
}

func TestDeriveRequestKey(t *testing.T) {
	d := idempotency.NewDeriver()

	k1 := d.DeriveRequestKey("POST", "/api/payments/intents", []byte(`{"a":1,"b":2}`))
	k2 := d.DeriveRequestKey("POST", "/api/payments/intents", []byte(`{"b":2,"a":1}`))
	k3 := d.DeriveRequestKey("POST", "/api/payments/intents/1/cancel", []byte(`{"a":1,"b":2}`))

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, strings.HasPrefix(k1.String(), "http.post:"))
}
