package teamsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/teamflow/core/workflow"
)

// MessageType discriminates WorkflowSyncMessage payloads.
type MessageType string

const (
	MsgWorkItemCreated   MessageType = "work_item_created"
	MsgWorkItemClaimed   MessageType = "work_item_claimed"
	MsgWorkItemStarted   MessageType = "work_item_started"
	MsgStageCompleted    MessageType = "stage_completed"
	MsgWorkItemCancelled MessageType = "work_item_cancelled"
	MsgWorkItemAssigned  MessageType = "work_item_assigned"
	MsgBackfillRequest   MessageType = "backfill_request"
	MsgWorkItemSnapshot  MessageType = "work_item_snapshot"
)

// Payload is implemented only by the payload structs in this package.
type Payload interface {
	MessageType() MessageType
	sealed()
}

// ItemPayload is a payload that carries a post-mutation work item.
type ItemPayload interface {
	Payload
	WorkItem() *workflow.WorkItem
	Transitions() []workflow.StageTransition
}

// itemState is embedded by every work item event.
type itemState struct {
	Item *workflow.WorkItem `json:"item"`
}

func (p itemState) WorkItem() *workflow.WorkItem            { return p.Item }
func (p itemState) Transitions() []workflow.StageTransition { return nil }
func (itemState) sealed()                                   {}

type WorkItemCreated struct{ itemState }

type WorkItemClaimed struct{ itemState }

type WorkItemStarted struct{ itemState }

type WorkItemCancelled struct {
	itemState
	Reason string `json:"reason,omitempty"`
}

type WorkItemAssigned struct{ itemState }

// StageCompleted carries the advanced item and the transition that moved it.
type StageCompleted struct {
	itemState
	Transition *workflow.StageTransition `json:"transition"`
}

func (p StageCompleted) Transitions() []workflow.StageTransition {
	if p.Transition == nil {
		return nil
	}
	return []workflow.StageTransition{*p.Transition}
}

// BackfillRequest asks the team for the current state of an item the sender
// holds at HaveVersion.
type BackfillRequest struct {
	WorkItemID  string `json:"work_item_id"`
	HaveVersion int64  `json:"have_version"`
	WantVersion int64  `json:"want_version"`
}

func (BackfillRequest) sealed() {}

// WorkItemSnapshot answers a backfill with the full item and its history.
type WorkItemSnapshot struct {
	Item      *workflow.WorkItem         `json:"item"`
	History   []workflow.StageTransition `json:"history"`
	RequestID string                     `json:"request_id,omitempty"`
}

func (p WorkItemSnapshot) WorkItem() *workflow.WorkItem            { return p.Item }
func (p WorkItemSnapshot) Transitions() []workflow.StageTransition { return p.History }
func (WorkItemSnapshot) sealed()                                   {}

func (WorkItemCreated) MessageType() MessageType   { return MsgWorkItemCreated }
func (WorkItemClaimed) MessageType() MessageType   { return MsgWorkItemClaimed }
func (WorkItemStarted) MessageType() MessageType   { return MsgWorkItemStarted }
func (StageCompleted) MessageType() MessageType    { return MsgStageCompleted }
func (WorkItemCancelled) MessageType() MessageType { return MsgWorkItemCancelled }
func (WorkItemAssigned) MessageType() MessageType  { return MsgWorkItemAssigned }
func (BackfillRequest) MessageType() MessageType   { return MsgBackfillRequest }
func (WorkItemSnapshot) MessageType() MessageType  { return MsgWorkItemSnapshot }

// NewItemEvent builds the payload for a local work item mutation.
func NewItemEvent(t MessageType, item *workflow.WorkItem, tr *workflow.StageTransition) (Payload, error) {
	state := itemState{Item: item}
	switch t {
	case MsgWorkItemCreated:
		return &WorkItemCreated{state}, nil
	case MsgWorkItemClaimed:
		return &WorkItemClaimed{state}, nil
	case MsgWorkItemStarted:
		return &WorkItemStarted{state}, nil
	case MsgStageCompleted:
		return &StageCompleted{itemState: state, Transition: tr}, nil
	case MsgWorkItemCancelled:
		return &WorkItemCancelled{itemState: state}, nil
	case MsgWorkItemAssigned:
		return &WorkItemAssigned{state}, nil
	case MsgBackfillRequest, MsgWorkItemSnapshot:
		return nil, fmt.Errorf("%s is not an item event", t)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
}

// WorkflowSyncMessage is the signed event envelope exchanged between peers.
type WorkflowSyncMessage struct {
	MessageID    string
	SenderPeerID string
	SenderUserID string
	WorkflowID   string
	Payload      Payload
	TeamID       string
	Timestamp    time.Time
	Signature    string
}

// Type returns the payload's message type.
func (m *WorkflowSyncMessage) Type() MessageType {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type wireMessage struct {
	MessageID    string          `json:"message_id"`
	MessageType  MessageType     `json:"message_type"`
	SenderPeerID string          `json:"sender_peer_id"`
	SenderUserID string          `json:"sender_user_id,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	TeamID       string          `json:"team_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Signature    string          `json:"signature,omitempty"`
}

// EncodeMessage renders the wire form of msg.
func EncodeMessage(msg *WorkflowSyncMessage) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, fmt.Errorf("%w: message payload required", ErrMalformedEnvelope)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(wireMessage{
		MessageID:    msg.MessageID,
		MessageType:  msg.Type(),
		SenderPeerID: msg.SenderPeerID,
		SenderUserID: msg.SenderUserID,
		WorkflowID:   msg.WorkflowID,
		Payload:      payload,
		TeamID:       msg.TeamID,
		Timestamp:    msg.Timestamp.UTC(),
		Signature:    msg.Signature,
	})
}

// DecodeMessage parses the wire form of a WorkflowSyncMessage.
func DecodeMessage(data []byte) (*WorkflowSyncMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	payload, err := decodePayload(w.MessageType, w.Payload)
	if err != nil {
		return nil, err
	}
	return &WorkflowSyncMessage{
		MessageID:    w.MessageID,
		SenderPeerID: w.SenderPeerID,
		SenderUserID: w.SenderUserID,
		WorkflowID:   w.WorkflowID,
		Payload:      payload,
		TeamID:       w.TeamID,
		Timestamp:    w.Timestamp,
		Signature:    w.Signature,
	}, nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case MsgWorkItemCreated:
		p = &WorkItemCreated{}
	case MsgWorkItemClaimed:
		p = &WorkItemClaimed{}
	case MsgWorkItemStarted:
		p = &WorkItemStarted{}
	case MsgStageCompleted:
		p = &StageCompleted{}
	case MsgWorkItemCancelled:
		p = &WorkItemCancelled{}
	case MsgWorkItemAssigned:
		p = &WorkItemAssigned{}
	case MsgBackfillRequest:
		p = &BackfillRequest{}
	case MsgWorkItemSnapshot:
		p = &WorkItemSnapshot{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s payload missing", ErrMalformedEnvelope, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, t, err)
	}
	return p, nil
}

// checkPayload rejects payloads whose contents disagree with the envelope.
func checkPayload(msg *WorkflowSyncMessage) error {
	switch p := msg.Payload.(type) {
	case ItemPayload:
		item := p.WorkItem()
		if item == nil || item.ID == "" {
			return fmt.Errorf("%w: %s without item", ErrMalformedEnvelope, msg.Type())
		}
		if item.Version < 1 {
			return fmt.Errorf("%w: item %s version %d", ErrMalformedEnvelope, item.ID, item.Version)
		}
		if item.TeamID != msg.TeamID {
			return fmt.Errorf("%w: item %s team %q in envelope for %q", ErrMalformedEnvelope, item.ID, item.TeamID, msg.TeamID)
		}
		for _, tr := range p.Transitions() {
			if tr.WorkItemID != item.ID {
				return fmt.Errorf("%w: transition %s targets %s", ErrMalformedEnvelope, tr.ID, tr.WorkItemID)
			}
		}
	case *BackfillRequest:
		if p.WorkItemID == "" {
			return fmt.Errorf("%w: backfill without work_item_id", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessageType, p)
	}
	return nil
}
