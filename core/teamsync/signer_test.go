package teamsync

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/cordum/teamflow/core/workflow"
)

const scenarioPayload = `{"op_id":"o1","data":{"x":1},"team_id":"A"}`

func newTestSigner(t *testing.T, secret string) *Signer {
	t.Helper()
	keys, err := NewKeyCache(secret)
	if err != nil {
		t.Fatalf("key cache: %v", err)
	}
	return NewSigner(keys)
}

func TestSignPayloadScenario(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	sig, err := s.SignPayload([]byte(scenarioPayload), "A")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if _, err := hex.DecodeString(sig); err != nil {
		t.Fatalf("signature not hex: %v", err)
	}
	if !s.VerifyPayload([]byte(scenarioPayload), sig, "A") {
		t.Fatalf("expected signature to verify under A")
	}
	if s.VerifyPayload([]byte(scenarioPayload), sig, "B") {
		t.Fatalf("expected signature to fail under B")
	}
	retargeted := `{"op_id":"o1","data":{"x":1},"team_id":"B"}`
	if s.VerifyPayload([]byte(retargeted), sig, "B") {
		t.Fatalf("expected re-targeted payload to fail under B")
	}
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	a, _ := s.SignPayload([]byte(scenarioPayload), "A")
	b, _ := s.SignPayload(map[string]any{"team_id": "A", "data": map[string]any{"x": 1}, "op_id": "o1"}, "A")
	if a != b {
		t.Fatalf("expected key order and value form not to matter: %s vs %s", a, b)
	}
	withSig := `{"op_id":"o1","data":{"x":1},"team_id":"A","signature":"` + a + `"}`
	if !s.VerifyPayload([]byte(withSig), a, "A") {
		t.Fatalf("expected top-level signature field to be ignored")
	}
}

func TestTamperDetection(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	sig, err := s.SignPayload([]byte(scenarioPayload), "A")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	cases := map[string]string{
		"value":          `{"op_id":"o1","data":{"x":2},"team_id":"A"}`,
		"retyped number": `{"op_id":"o1","data":{"x":"1"},"team_id":"A"}`,
		"float literal":  `{"op_id":"o1","data":{"x":1.0},"team_id":"A"}`,
		"renamed key":    `{"op_id":"o1","data":{"y":1},"team_id":"A"}`,
		"added field":    `{"op_id":"o1","data":{"x":1},"team_id":"A","extra":true}`,
		"removed field":  `{"op_id":"o1","team_id":"A"}`,
		"op id":          `{"op_id":"o2","data":{"x":1},"team_id":"A"}`,
		"null value":     `{"op_id":"o1","data":null,"team_id":"A"}`,
		"nested array":   `{"op_id":"o1","data":{"x":[1]},"team_id":"A"}`,
	}
	for name, tampered := range cases {
		if s.VerifyPayload([]byte(tampered), sig, "A") {
			t.Fatalf("%s: expected tampered payload to fail", name)
		}
	}
}

func TestArrayOrderIsSigned(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	sig, _ := s.SignPayload([]byte(`{"roles":["a","b"],"team_id":"A"}`), "A")
	if s.VerifyPayload([]byte(`{"roles":["b","a"],"team_id":"A"}`), sig, "A") {
		t.Fatalf("expected reordered array to fail")
	}
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	sig, _ := s.SignPayload([]byte(scenarioPayload), "A")
	for _, bad := range []string{"", "zz", sig[:62], sig + "00"} {
		if s.VerifyPayload([]byte(scenarioPayload), bad, "A") {
			t.Fatalf("expected %q to fail", bad)
		}
	}
	other := newTestSigner(t, "other-secret")
	if other.VerifyPayload([]byte(scenarioPayload), sig, "A") {
		t.Fatalf("expected a different secret to fail")
	}
	if s.VerifyPayload([]byte(`{not json`), sig, "A") {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestKeyCache(t *testing.T) {
	if _, err := NewKeyCache("  "); err == nil {
		t.Fatalf("expected empty secret error")
	}
	keys, _ := NewKeyCache("secret")
	a1, err := keys.Key("A")
	if err != nil || len(a1) != keySize {
		t.Fatalf("unexpected key: len=%d err=%v", len(a1), err)
	}
	a2, _ := keys.Key("A")
	b, _ := keys.Key("B")
	if hex.EncodeToString(a1) != hex.EncodeToString(a2) {
		t.Fatalf("expected stable key per team")
	}
	if hex.EncodeToString(a1) == hex.EncodeToString(b) {
		t.Fatalf("expected distinct keys per team")
	}
	if _, err := keys.Key(""); err == nil {
		t.Fatalf("expected empty team error")
	}
	other, _ := NewKeyCache("secret")
	a3, _ := other.Key("A")
	if hex.EncodeToString(a1) != hex.EncodeToString(a3) {
		t.Fatalf("expected derivation to be deterministic across caches")
	}
}

func TestSignMessageRoundTrip(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := &workflow.WorkItem{ID: "wi-1", WorkflowID: "wf-1", TeamID: "A", CurrentStageID: "review", Status: workflow.StatusClaimed, ClaimedBy: "u1", Version: 2, CreatedAt: now, UpdatedAt: now}
	msg := &WorkflowSyncMessage{
		MessageID:    "m-1",
		SenderPeerID: "peer-a",
		SenderUserID: "u1",
		WorkflowID:   "wf-1",
		Payload:      &WorkItemClaimed{itemState{Item: item}},
		TeamID:       "A",
		Timestamp:    now,
	}
	data, err := s.SignMessage(msg)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if err := s.VerifyFrame(frame); err != nil {
		t.Fatalf("verify frame: %v", err)
	}
	claimed, ok := frame.Message.Payload.(*WorkItemClaimed)
	if !ok {
		t.Fatalf("expected claimed payload, got %T", frame.Message.Payload)
	}
	if claimed.Item.ClaimedBy != "u1" || claimed.Item.Version != 2 {
		t.Fatalf("unexpected decoded item: %+v", claimed.Item)
	}

	frame.Raw = []byte(string(data[:len(data)-1]) + `,"sender_user_id":"mallory"}`)
	if err := s.VerifyFrame(frame); err == nil {
		t.Fatalf("expected tampered frame to fail")
	}
}

func TestSignOperationRoundTrip(t *testing.T) {
	s := newTestSigner(t, "process-secret")
	op, err := NewOperation(TableWorkflows, OpUpdate, "wf-1", "A", 0, map[string]any{"id": "wf-1"})
	if err != nil {
		t.Fatalf("new operation: %v", err)
	}
	op.OpID = "o1"
	op.PeerID = "peer-a"
	op.Timestamp = time.Now()
	data, err := s.SignOperation(op)
	if err != nil {
		t.Fatalf("sign operation: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Operation == nil || frame.ID() != "o1" {
		t.Fatalf("expected operation frame, got %+v", frame)
	}
	if err := s.VerifyFrame(frame); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
