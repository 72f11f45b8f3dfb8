package events

import (
	"encoding/json"
	"time"
)

// DeadLetter is an event that failed projection too many times.
// It keeps the original message shape and adds the failure details.
type DeadLetter struct {
	LedgerEvent
	FailureCount int             `json:"failureCount"`
	LastError    string          `json:"lastError"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DeadAt       time.Time       `json:"deadAt"`
}

// NewDeadLetter builds a dead letter from the raw payload. Fields that can be
// recovered from a malformed payload are kept, the rest stay empty.
func NewDeadLetter(body []byte, failureCount int, lastErr error) DeadLetter {
	dl := DeadLetter{
		FailureCount: failureCount,
		DeadAt:       time.Now().UTC(),
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}

	// best effort, a malformed payload still gets dead-lettered
	_ = json.Unmarshal(body, &dl.LedgerEvent)

	if json.Valid(body) {
		dl.Payload = json.RawMessage(body)
	} else {
		quoted, _ := json.Marshal(string(body))
		dl.Payload = quoted
	}
	return dl
}

func EncodeDeadLetter(dl DeadLetter) ([]byte, error) {
	return json.Marshal(dl)
}
