package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// ErrReconnectSignature is returned when a client-presented state blob
// fails verification. The session stays detached and its buffer is kept.
var ErrReconnectSignature = errors.New("reconnect state signature invalid")

// Snapshot is the state a client presents to resume a detached session.
type Snapshot struct {
	// SessionID identifies the session to resume.
	SessionID string `json:"sessionId"`
	// Stage is the session stage at issue time.
	Stage models.Stage `json:"stage"`
	// Seq is the session's sequence position at issue time.
	Seq uint64 `json:"seq"`
	// IssuedAt is when the snapshot was signed.
	IssuedAt time.Time `json:"issuedAt"`
}

// Resumer signs state snapshots handed to clients and verifies the blobs
// they present on reconnect. Signing is HMAC-SHA256 over the canonical
// JSON encoding.
type Resumer struct {
	key []byte
}

// NewResumer creates a resumer with the given signing key.
func NewResumer(key []byte) *Resumer {
	return &Resumer{key: key}
}

// Issue signs a snapshot and returns the blob to hand to the client.
// Format: base64url(json) "." base64url(hmac).
func (r *Resumer) Issue(snap Snapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	mac := r.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks a client-presented blob and returns the embedded snapshot.
// Any structural or signature failure yields ErrReconnectSignature; the
// caller learns nothing about which part failed.
func (r *Resumer) Verify(blob string) (*Snapshot, error) {
	payloadPart, macPart, ok := strings.Cut(blob, ".")
	if !ok {
		return nil, ErrReconnectSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrReconnectSignature
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, ErrReconnectSignature
	}
	if !hmac.Equal(mac, r.sign(payload)) {
		return nil, ErrReconnectSignature
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, ErrReconnectSignature
	}
	if snap.SessionID == "" {
		return nil, ErrReconnectSignature
	}
	return &snap, nil
}

func (r *Resumer) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, r.key)
	h.Write(payload)
	return h.Sum(nil)
}
