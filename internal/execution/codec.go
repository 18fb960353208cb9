package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arb-executor/internal/core"
	"arb-executor/internal/taskstore"
)

// SchemaVersion is bumped whenever a persisted payload changes shape.
const SchemaVersion = 1

var ErrUnknownContextType = errors.New("unknown context type")

func encodeRecord(taskID, kind string, status Status, payload any, now time.Time) (taskstore.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return taskstore.Record{}, fmt.Errorf("encode %s %s: %w", kind, taskID, err)
	}
	return taskstore.Record{
		TaskID:        taskID,
		ContextType:   kind,
		SchemaVersion: SchemaVersion,
		State:         string(status),
		Payload:       data,
		PersistedAt:   now,
	}, nil
}

func decodePayload(rec taskstore.Record, kind string, into any) error {
	if rec.ContextType != kind {
		return fmt.Errorf("record %s: context type %q, want %q", rec.TaskID, rec.ContextType, kind)
	}
	if rec.SchemaVersion < 1 || rec.SchemaVersion > SchemaVersion {
		return fmt.Errorf("record %s: unsupported schema version %d", rec.TaskID, rec.SchemaVersion)
	}
	if err := json.Unmarshal(rec.Payload, into); err != nil {
		return fmt.Errorf("record %s: decode payload: %w", rec.TaskID, err)
	}
	return nil
}

func DecodeIcebergContext(rec taskstore.Record) (IcebergContext, error) {
	var c IcebergContext
	if err := decodePayload(rec, KindIceberg, &c); err != nil {
		return IcebergContext{}, err
	}
	if c.TaskID != rec.TaskID {
		return IcebergContext{}, fmt.Errorf("record %s: payload task id %q", rec.TaskID, c.TaskID)
	}
	if !c.Leg.Side.Valid() || c.Leg.Exchange == "" || c.Symbol == "" {
		return IcebergContext{}, fmt.Errorf("record %s: incomplete leg", rec.TaskID)
	}
	return c, nil
}

func DecodeDeltaNeutralContext(rec taskstore.Record) (DeltaNeutralContext, error) {
	var c DeltaNeutralContext
	if err := decodePayload(rec, KindDeltaNeutral, &c); err != nil {
		return DeltaNeutralContext{}, err
	}
	if c.TaskID != rec.TaskID {
		return DeltaNeutralContext{}, fmt.Errorf("record %s: payload task id %q", rec.TaskID, c.TaskID)
	}
	if c.Buy.Side != core.Buy || c.Sell.Side != core.Sell || c.Buy.Exchange == "" || c.Sell.Exchange == "" || c.Symbol == "" {
		return DeltaNeutralContext{}, fmt.Errorf("record %s: incomplete legs", rec.TaskID)
	}
	c.Direction = direction(c.Buy.Filled, c.Sell.Filled, c.MinUnit)
	return c, nil
}

// Restore rebuilds a machine from its persisted record.
func Restore(rec taskstore.Record, env Env) (StateMachine, error) {
	switch rec.ContextType {
	case KindIceberg:
		c, err := DecodeIcebergContext(rec)
		if err != nil {
			return nil, err
		}
		return restoreIceberg(c, env)
	case KindDeltaNeutral:
		c, err := DecodeDeltaNeutralContext(rec)
		if err != nil {
			return nil, err
		}
		return restoreDeltaNeutral(c, env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContextType, rec.ContextType)
	}
}

// RecordMetadata returns the metadata map of any persisted task without
// decoding the kind-specific payload.
func RecordMetadata(rec taskstore.Record) (map[string]string, error) {
	var base struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Payload, &base); err != nil {
		return nil, fmt.Errorf("record %s: decode metadata: %w", rec.TaskID, err)
	}
	return base.Metadata, nil
}
