package teamsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names a replicated row collection.
type Table string

const (
	TableWorkflows        Table = "workflows"
	TableWorkItems        Table = "work_items"
	TableStageTransitions Table = "stage_transitions"
)

// OpKind is the row-level change an operation describes.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// SyncOperation is a generic signed row change.
type SyncOperation struct {
	OpID      string          `json:"op_id"`
	TableName Table           `json:"table_name"`
	Operation OpKind          `json:"operation"`
	RowID     string          `json:"row_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	PeerID    string          `json:"peer_id"`
	Version   int64           `json:"version"`
	TeamID    string          `json:"team_id"`
	Signature string          `json:"signature,omitempty"`
}

// NewOperation encodes row into a SyncOperation for table.
func NewOperation(table Table, kind OpKind, rowID, teamID string, version int64, row any) (*SyncOperation, error) {
	op := &SyncOperation{
		TableName: table,
		Operation: kind,
		RowID:     rowID,
		TeamID:    teamID,
		Version:   version,
	}
	if row != nil {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode %s row %s: %w", table, rowID, err)
		}
		op.Data = data
	}
	return op, nil
}

// EncodeOperation renders the wire form of op.
func EncodeOperation(op *SyncOperation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation required", ErrMalformedEnvelope)
	}
	cp := *op
	cp.Timestamp = cp.Timestamp.UTC()
	return json.Marshal(cp)
}

// DecodeOperation parses the wire form of a SyncOperation.
func DecodeOperation(data []byte) (*SyncOperation, error) {
	var op SyncOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := checkOperation(&op); err != nil {
		return nil, err
	}
	return &op, nil
}

func checkOperation(op *SyncOperation) error {
	switch op.TableName {
	case TableWorkflows, TableWorkItems, TableStageTransitions:
	default:
		return fmt.Errorf("%w: unknown table %q", ErrMalformedEnvelope, op.TableName)
	}
	switch op.Operation {
	case OpInsert, OpUpdate:
		if len(op.Data) == 0 {
			return fmt.Errorf("%w: %s %s without data", ErrMalformedEnvelope, op.Operation, op.RowID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEnvelope, op.Operation)
	}
	if op.RowID == "" {
		return fmt.Errorf("%w: row_id required", ErrMalformedEnvelope)
	}
	return nil
}
