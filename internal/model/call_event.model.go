package model

import "time"

type CallEventType string

const (
	CallEventConnected CallEventType = "connected"
	CallEventFailed    CallEventType = "failed"
	CallEventCompleted CallEventType = "completed"
)

// CallEvent is published by the agent as a job moves through its call and
// applied to the matching CallRecord by the recorder.
type CallEvent struct {
	ID            string        `json:"id"`
	Type          CallEventType `json:"type"`
	RoomName      string        `json:"room_name"`
	JobID         string        `json:"job_id,omitempty"`
	DispatchID    string        `json:"dispatch_id,omitempty"`
	At            time.Time     `json:"at"`
	Reason        string        `json:"reason,omitempty"`
	SIPStatusCode string        `json:"sip_status_code,omitempty"`
	SIPStatus     string        `json:"sip_status,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
}

func (e CallEvent) Status() CallStatus {
	switch e.Type {
	case CallEventConnected:
		return CallStatusConnected
	case CallEventCompleted:
		return CallStatusCompleted
	default:
		return CallStatusFailed
	}
}
