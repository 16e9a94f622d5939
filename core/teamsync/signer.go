package teamsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes and checks team HMACs over canonical payloads.
type Signer struct {
	keys *KeyCache
}

// NewSigner returns a signer reading keys from keys.
func NewSigner(keys *KeyCache) *Signer {
	return &Signer{keys: keys}
}

// SignPayload returns the hex HMAC-SHA256 of payload under teamID's key.
// payload may be raw JSON bytes or any JSON-encodable value. A top-level
// signature field is ignored.
func (s *Signer) SignPayload(payload any, teamID string) (string, error) {
	mac, err := s.mac(payload, teamID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// VerifyPayload reports whether signature matches payload under teamID's key.
func (s *Signer) VerifyPayload(payload any, signature, teamID string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got, err := s.mac(payload, teamID)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (s *Signer) mac(payload any, teamID string) ([]byte, error) {
	key, err := s.keys.Key(teamID)
	if err != nil {
		return nil, err
	}
	canon, err := canonicalPayload(payload)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, key)
	h.Write(canon)
	return h.Sum(nil), nil
}

// SignMessage signs msg in place and returns its wire bytes.
func (s *Signer) SignMessage(msg *WorkflowSyncMessage) ([]byte, error) {
	msg.Signature = ""
	unsigned, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	sig, err := s.SignPayload(unsigned, msg.TeamID)
	if err != nil {
		return nil, fmt.Errorf("sign message %s: %w", msg.MessageID, err)
	}
	msg.Signature = sig
	return EncodeMessage(msg)
}

// SignOperation signs op in place and returns its wire bytes.
func (s *Signer) SignOperation(op *SyncOperation) ([]byte, error) {
	op.Signature = ""
	unsigned, err := EncodeOperation(op)
	if err != nil {
		return nil, err
	}
	sig, err := s.SignPayload(unsigned, op.TeamID)
	if err != nil {
		return nil, fmt.Errorf("sign operation %s: %w", op.OpID, err)
	}
	op.Signature = sig
	return EncodeOperation(op)
}

// VerifyFrame checks a decoded frame against the raw bytes it was read from.
// The raw bytes are what get canonicalized, so fields this build does not
// model are still covered.
func (s *Signer) VerifyFrame(f *Frame) error {
	if !s.VerifyPayload(f.Raw, f.Signature(), f.TeamID()) {
		return fmt.Errorf("frame %s team %s: %w", f.ID(), f.TeamID(), ErrSignatureInvalid)
	}
	return nil
}
