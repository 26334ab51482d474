package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusKind enumerates how a solve terminated.
type StatusKind int

const (
	StatusDirect StatusKind = iota
	StatusQP
	StatusLP
	StatusOptimal
	StatusUnknown
	StatusFailed
)

// SolveStatus is the outcome tag attached to every solve result. Detail
// carries the QP solver status or the failure reason.
type SolveStatus struct {
	Kind   StatusKind
	Detail string
}

func DirectStatus() SolveStatus    { return SolveStatus{Kind: StatusDirect} }
func LPSuccessStatus() SolveStatus { return SolveStatus{Kind: StatusLP, Detail: "success"} }
func OptimalStatus() SolveStatus   { return SolveStatus{Kind: StatusOptimal} }
func UnknownStatus() SolveStatus   { return SolveStatus{Kind: StatusUnknown} }

// QPStatus wraps a quadratic-program solver status such as "optimal".
func QPStatus(detail string) SolveStatus {
	return SolveStatus{Kind: StatusQP, Detail: detail}
}

// FailedStatus records a solve that raised instead of returning weights.
func FailedStatus(err error) SolveStatus {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	return SolveStatus{Kind: StatusFailed, Detail: reason}
}

// String renders the status tag, e.g. "direct", "qp_optimal", "FAIL_<reason>".
func (s SolveStatus) String() string {
	switch s.Kind {
	case StatusDirect:
		return "direct"
	case StatusQP:
		return "qp_" + s.Detail
	case StatusLP:
		return "lp_" + s.Detail
	case StatusOptimal:
		return "optimal"
	case StatusUnknown:
		return "unknown"
	case StatusFailed:
		return "FAIL_" + s.Detail
	default:
		return fmt.Sprintf("status(%d)", int(s.Kind))
	}
}

// IsFailure reports whether the solve produced no usable weights.
func (s SolveStatus) IsFailure() bool {
	return s.Kind == StatusFailed
}

// MarshalJSON encodes the status as its string tag.
func (s SolveStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a string tag produced by String.
func (s *SolveStatus) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	parsed, err := ParseSolveStatus(tag)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSolveStatus is the inverse of SolveStatus.String.
func ParseSolveStatus(tag string) (SolveStatus, error) {
	switch {
	case tag == "direct":
		return DirectStatus(), nil
	case tag == "optimal":
		return OptimalStatus(), nil
	case tag == "unknown":
		return UnknownStatus(), nil
	case strings.HasPrefix(tag, "qp_"):
		return QPStatus(strings.TrimPrefix(tag, "qp_")), nil
	case strings.HasPrefix(tag, "lp_"):
		return SolveStatus{Kind: StatusLP, Detail: strings.TrimPrefix(tag, "lp_")}, nil
	case strings.HasPrefix(tag, "FAIL_"):
		return SolveStatus{Kind: StatusFailed, Detail: strings.TrimPrefix(tag, "FAIL_")}, nil
	}
	return SolveStatus{}, fmt.Errorf("unrecognized solve status %q", tag)
}
