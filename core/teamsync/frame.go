package teamsync

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/cordum/teamflow/core/infra/schema"
)

//go:embed envelope.schema.json
var envelopeSchema []byte

var envelopeValidator = schema.MustCompile("teamflow/sync-envelope", envelopeSchema)

// Frame is one decoded transport payload: either a message or an operation.
type Frame struct {
	Message   *WorkflowSyncMessage
	Operation *SyncOperation
	Raw       []byte
}

// DecodeFrame shape-checks data and decodes whichever envelope it holds.
// It does not verify the signature.
func DecodeFrame(data []byte) (*Frame, error) {
	if err := envelopeValidator.Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var head struct {
		MessageID string `json:"message_id"`
		OpID      string `json:"op_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	f := &Frame{Raw: data}
	if head.OpID != "" {
		op, err := DecodeOperation(data)
		if err != nil {
			return nil, err
		}
		f.Operation = op
		return f, nil
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if err := checkPayload(msg); err != nil {
		return nil, err
	}
	f.Message = msg
	return f, nil
}

func (f *Frame) ID() string {
	if f.Operation != nil {
		return f.Operation.OpID
	}
	return f.Message.MessageID
}

func (f *Frame) TeamID() string {
	if f.Operation != nil {
		return f.Operation.TeamID
	}
	return f.Message.TeamID
}

func (f *Frame) Signature() string {
	if f.Operation != nil {
		return f.Operation.Signature
	}
	return f.Message.Signature
}

func (f *Frame) SenderPeerID() string {
	if f.Operation != nil {
		return f.Operation.PeerID
	}
	return f.Message.SenderPeerID
}

// Kind labels the frame for logs and metrics.
func (f *Frame) Kind() string {
	if f.Operation != nil {
		return "op:" + string(f.Operation.TableName)
	}
	return string(f.Message.Type())
}
