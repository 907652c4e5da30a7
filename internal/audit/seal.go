package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// sealedFields fixes the field set and order covered by the seal. Seq is
// excluded because the store assigns it after sealing.
type sealedFields struct {
	ID            string         `json:"id"`
	OccurredAt    string         `json:"occurred_at"`
	Actor         *Actor         `json:"actor"`
	Action        Action         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Description   string         `json:"description"`
	OriginAddress string         `json:"origin_address"`
	OriginAgent   string         `json:"origin_agent"`
	Payload       map[string]any `json:"payload"`
}

// Sealer computes tamper-evidence seals. With a key it is HMAC-SHA256,
// without one a bare SHA-256 digest (dev only).
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) Sealer {
	k := make([]byte, len(key))
	copy(k, key)
	return Sealer{key: k}
}

// Keyed reports whether seals are authenticated.
func (s Sealer) Keyed() bool { return len(s.key) > 0 }

func (s Sealer) Seal(e Entry) (string, error) {
	canonical, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	if len(s.key) == 0 {
		sum := sha256.Sum256(canonical)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Check recomputes the seal and compares in constant time.
func (s Sealer) Check(e Entry) bool {
	want, err := s.Seal(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(e.Seal))
}

func canonicalBytes(e Entry) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(sealedFields{
		ID:            e.ID,
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:         e.Actor,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Description:   e.Description,
		OriginAddress: e.OriginAddress,
		OriginAgent:   e.OriginAgent,
		Payload:       payload,
	})
}
