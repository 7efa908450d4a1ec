package model

import (
	"encoding/json"
	"fmt"
)

// ResolutionKind tags the concrete Resolution variant on the wire.
type ResolutionKind string

const (
	ResolutionOutcome   ResolutionKind = "outcome"
	ResolutionCancelled ResolutionKind = "cancelled"
)

// Resolution is the closed set of ways a decision can settle.
// Implemented only by OutcomeResolution and CancelledResolution.
type Resolution interface {
	Kind() ResolutionKind
	isResolution()
}

// OutcomeResolution settles a decision with a winning position.
type OutcomeResolution struct {
	Winner Position
}

func (OutcomeResolution) Kind() ResolutionKind { return ResolutionOutcome }
func (OutcomeResolution) isResolution()        {}

// CancelledResolution voids a decision; every stake is refunded.
type CancelledResolution struct {
	Reason string
}

func (CancelledResolution) Kind() ResolutionKind { return ResolutionCancelled }
func (CancelledResolution) isResolution()        {}

// ResolutionInfo carries a Resolution through JSON and database columns.
type ResolutionInfo struct {
	Resolution
}

type resolutionWire struct {
	Kind   ResolutionKind `json:"kind"`
	Winner Position       `json:"winner,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

func (r ResolutionInfo) MarshalJSON() ([]byte, error) {
	switch v := r.Resolution.(type) {
	case OutcomeResolution:
		return json.Marshal(resolutionWire{Kind: ResolutionOutcome, Winner: v.Winner})
	case CancelledResolution:
		return json.Marshal(resolutionWire{Kind: ResolutionCancelled, Reason: v.Reason})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown resolution type %T", v)
	}
}

func (r *ResolutionInfo) UnmarshalJSON(data []byte) error {
	var w resolutionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case ResolutionOutcome:
		if !w.Winner.Valid() {
			return fmt.Errorf("outcome resolution: invalid winner %q", w.Winner)
		}
		r.Resolution = OutcomeResolution{Winner: w.Winner}
	case ResolutionCancelled:
		r.Resolution = CancelledResolution{Reason: w.Reason}
	default:
		return fmt.Errorf("unknown resolution kind %q", w.Kind)
	}
	return nil
}
