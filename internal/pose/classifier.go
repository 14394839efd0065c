package pose

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Label is one of the enrollment poses.
type Label string

const (
	Front    Label = "front"
	Sideways Label = "sideways"
	Down     Label = "down"
)

// Sequence is the order poses are captured in.
var Sequence = []Label{Front, Sideways, Down}

// ParseLabel validates a pose name.
func ParseLabel(s string) (Label, error) {
	switch l := Label(s); l {
	case Front, Sideways, Down:
		return l, nil
	}
	return "", fmt.Errorf("unknown position %q", s)
}

// Next returns the pose that follows l, or false once the sequence is done.
func (l Label) Next() (Label, bool) {
	for i, s := range Sequence {
		if s == l && i+1 < len(Sequence) {
			return Sequence[i+1], true
		}
	}
	return "", false
}

// Instruction is the prompt shown to the subject for l.
func (l Label) Instruction() string {
	switch l {
	case Front:
		return "Please look straight ahead"
	case Sideways:
		return "Please turn your head to the SIDE"
	case Down:
		return "Please tilt your head DOWN slightly"
	}
	return ""
}

const (
	defaultSidewaysBound = 8.0
	snappedSidewaysBound = 6.5
	recalibrationGain    = 1.4
)

// Thresholds are the sideways bounds of one enrollment session.
// Positive > 0 > Negative holds for every value this package hands out.
type Thresholds struct {
	positive float64
	negative float64
}

// DefaultThresholds returns the symmetric starting bounds.
func DefaultThresholds() Thresholds {
	return symmetric(defaultSidewaysBound)
}

// NewThresholds returns symmetric bounds of ±bound. Non-positive values fall
// back to the default.
func NewThresholds(bound float64) Thresholds {
	if !(bound > 0) {
		bound = defaultSidewaysBound
	}
	return symmetric(bound)
}

func symmetric(b float64) Thresholds {
	return Thresholds{positive: b, negative: -b}
}

// Positive is the yaw above which a turn counts as sideways.
func (t Thresholds) Positive() float64 { return t.positive }

// Negative is the yaw at or below which a turn counts as sideways.
func (t Thresholds) Negative() float64 { return t.negative }

// IsZero reports whether t was never initialized.
func (t Thresholds) IsZero() bool { return t == Thresholds{} }

// Recalibrate derives new bounds from a frontal yaw.
func (t Thresholds) Recalibrate(yaw float64) Thresholds {
	switch {
	case yaw > 6:
		return symmetric(yaw * recalibrationGain)
	case yaw < -6:
		return symmetric(-yaw * recalibrationGain)
	case (yaw >= -6 && yaw <= -4) || (yaw >= 4 && yaw <= 6):
		return symmetric(snappedSidewaysBound)
	default:
		return DefaultThresholds()
	}
}

func (t Thresholds) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", t.negative, t.positive)
}

type thresholdsJSON struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
}

// MarshalJSON encodes the bounds for session storage.
func (t Thresholds) MarshalJSON() ([]byte, error) {
	return json.Marshal(thresholdsJSON{Positive: t.positive, Negative: t.negative})
}

// UnmarshalJSON decodes stored bounds and rejects values that break the
// sign invariant.
func (t *Thresholds) UnmarshalJSON(data []byte) error {
	var v thresholdsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !(v.Positive > 0) || !(v.Negative < 0) {
		return fmt.Errorf("invalid sideways thresholds (%v, %v)", v.Negative, v.Positive)
	}
	t.positive, t.negative = v.Positive, v.Negative
	return nil
}

// Decision is the outcome of Classify.
type Decision struct {
	Correct    bool
	Thresholds Thresholds
	Reason     string
}

// Classify checks angles against the window for label. Only an accepted
// front pose changes the thresholds; every other outcome returns th as is.
func Classify(a Angles, label Label, th Thresholds) Decision {
	if th.IsZero() {
		th = DefaultThresholds()
	}

	x, y := a.Pitch, a.Yaw

	switch label {
	case Front:
		if -10 <= y && y <= 10 && -4 <= x && x <= 4 {
			return Decision{Correct: true, Thresholds: th.Recalibrate(y)}
		}
	case Sideways:
		if y > th.positive && -6 <= x && x <= 6 {
			return Decision{Correct: true, Thresholds: th}
		}
		if y <= th.negative && -3.5 <= x && x <= 6 {
			return Decision{Correct: true, Thresholds: th}
		}
	case Down:
		if x <= -8 && th.negative+2 <= y && y <= th.positive+2 {
			return Decision{Correct: true, Thresholds: th}
		}
	}

	return Decision{
		Thresholds: th,
		Reason:     fmt.Sprintf("Detected angles not suitable for position '%s'. Detected angles: %s", label, a),
	}
}
