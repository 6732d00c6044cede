package risk

import (
	"errors"
	"fmt"
)

// Rejection reasons. These are expected, non-exceptional outcomes: they are
// logged at info level and never retried.
const (
	ReasonInvalidLevels          = "InvalidLevels"
	ReasonInvalidStopDistance    = "InvalidStopDistance"
	ReasonVolumeBelowMinimum     = "VolumeBelowMinimum"
	ReasonInsufficientRewardRisk = "InsufficientRewardRisk"
	ReasonAlreadyOpen            = "AlreadyOpen"
	ReasonRiskCeilingExceeded    = "RiskCeilingExceeded"
	ReasonUnknownInstrument      = "UnknownInstrument"
)

// Rejection is a typed validation outcome. Validation returns the first
// failing reason; callers must not fall through to a default action.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("trade idea rejected: %s", r.Reason)
	}
	return fmt.Sprintf("trade idea rejected: %s (%s)", r.Reason, r.Detail)
}

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
