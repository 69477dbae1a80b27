/*
key.go - Deterministic idempotency key derivation

PURPOSE:
  Turns a description of a logical operation into a stable key. The same
  operation issued twice inside its validity window yields the same key;
  a materially different payload yields a different one.

CANONICALIZATION:
  The payload is normalised before hashing:
  - Object keys are emitted in sorted order
  - Numbers keep their literal text (no float rounding)
  - Volatile fields (timestamps, nonces) are stripped at every depth

  So {"pin":"1","intent":42} and {"intent":42,"pin":"1"} collapse to the
  same key.

EXPLICIT KEYS:
  A caller-supplied key is used verbatim. This is how a deliberate
  "retry this payment anyway" gets a key that does NOT collapse with the
  original attempt.

KEY FORMAT:
  <action>:<32 hex chars of SHA-256>
*/
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key is an opaque idempotency key.
type Key string

func (k Key) String() string { return string(k) }

// Descriptor identifies one logical operation.
type Descriptor struct {
	Action      Action
	ActorID     string
	ScopeID     string // optional, e.g. the payment intent id
	Payload     any
	ExplicitKey Key // when set, used verbatim
}

// DefaultIgnoredFields are stripped from payloads before hashing.
var DefaultIgnoredFields = []string{"timestamp", "nonce", "requested_at", "requestedAt"}

// Deriver derives keys from descriptors. The zero value ignores no fields.
type Deriver struct {
	IgnoreFields []string
}

// NewDeriver returns a Deriver that strips DefaultIgnoredFields.
func NewDeriver() Deriver {
	return Deriver{IgnoreFields: DefaultIgnoredFields}
}

// Derive is pure and total.
func (d Deriver) Derive(desc Descriptor) Key {
	if desc.ExplicitKey != "" {
		return desc.ExplicitKey
	}

	var b strings.Builder
	b.WriteString(string(desc.Action))
	b.WriteByte(0x1f)
	b.WriteString(desc.ActorID)
	b.WriteByte(0x1f)
	b.WriteString(desc.ScopeID)
	b.WriteByte(0x1f)
	b.Write(d.Canonical(desc.Payload))

	sum := sha256.Sum256([]byte(b.String()))
	return Key(fmt.Sprintf("%s:%s", desc.Action, hex.EncodeToString(sum[:16])))
}

// Canonical returns the canonical byte form of payload.
func (d Deriver) Canonical(payload any) []byte {
	if payload == nil {
		return []byte("null")
	}

	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		if !json.Valid(p) {
			return p
		}
		raw = p
	default:
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return []byte(fmt.Sprintf("%#v", payload))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return raw
	}

	generic = d.strip(generic)

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

func (d Deriver) strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for _, f := range d.IgnoreFields {
			delete(t, f)
		}
		for k, child := range t {
			t[k] = d.strip(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = d.strip(child)
		}
		return t
	default:
		return v
	}
}

// NewExplicitKey returns a fresh random key for action. Use it only after
// the user explicitly confirmed a retry.
func NewExplicitKey(action Action) Key {
	return Key(fmt.Sprintf("%s:%s", action, uuid.NewString()))
}

// DeriveRequestKey derives a key for a mutating HTTP request that was sent
// without an executor key.
func (d Deriver) DeriveRequestKey(method, path string, body []byte) Key {
	var payload any
	if len(body) > 0 {
		payload = body
	}
	return d.Derive(Descriptor{
		Action:  Action("http." + strings.ToLower(method)),
		ScopeID: path,
		Payload: payload,
	})
}
