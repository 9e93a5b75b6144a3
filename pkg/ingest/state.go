package ingest

import "fmt"

// State 单次上传在流水线中的位置
type State int

const (
	StateReceived State = iota
	StateValidated
	StateFingerprinted
	StateDeduplicated
	StateStored
	StateParsed
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateReceived:      "received",
	StateValidated:     "validated",
	StateFingerprinted: "fingerprinted",
	StateDeduplicated:  "deduplicated",
	StateStored:        "stored",
	StateParsed:        "parsed",
	StateCompleted:     "completed",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal Completed 和 Failed 之后不再有转换
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MarshalText 让 State 在 JSON 里以名字出现
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ingest state %q", text)
}
