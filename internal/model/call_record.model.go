package model

import (
	"time"
)

// CallStatus is the lifecycle state of one submitted call.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusConnected CallStatus = "connected"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCompleted CallStatus = "completed"
)

var CallStatuses = []CallStatus{CallStatusPending, CallStatusConnected, CallStatusFailed, CallStatusCompleted}

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending:   {CallStatusConnected, CallStatusFailed},
	CallStatusConnected: {CallStatusFailed, CallStatusCompleted},
}

func (s CallStatus) Valid() bool {
	for _, v := range CallStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s CallStatus) Terminal() bool {
	return s == CallStatusFailed || s == CallStatusCompleted
}

// CanTransitionTo reports whether a record in status s may move to next.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Precedes reports whether next is reachable from s only through an
// intermediate status, i.e. an event for next arrived before the one between.
func (s CallStatus) Precedes(next CallStatus) bool {
	if s.CanTransitionTo(next) {
		return false
	}
	for _, mid := range callTransitions[s] {
		if mid.CanTransitionTo(next) {
			return true
		}
	}
	return false
}

// PreviousStatuses lists the statuses a record may be in to move to s.
func (s CallStatus) PreviousStatuses() []CallStatus {
	var prev []CallStatus
	for from, tos := range callTransitions {
		for _, to := range tos {
			if to == s {
				prev = append(prev, from)
			}
		}
	}
	return prev
}

type CallRecord struct {
	ID            uint64         `json:"id"`
	RoomName      string         `json:"room_name"`
	DispatchID    *string        `json:"dispatch_id"`
	CustomerName  string         `json:"customer_name"`
	CustomerPhone string         `json:"customer_phone"`
	CustomerEmail string         `json:"customer_email,omitempty"`
	CustomerQuery string         `json:"customer_query,omitempty"`
	Status        CallStatus     `json:"status"`
	CallStart     *time.Time     `json:"call_start,omitempty"`
	CallEnd       *time.Time     `json:"call_end,omitempty"`
	Duration      *float64       `json:"duration,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CallFilter controls admin list queries.
type CallFilter struct {
	Status  *CallStatus
	Search  string // matches name, phone or email
	Page    int    // 1-based
	PerPage int
}

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

func (f *CallFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
}

func (f CallFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

type CallPage struct {
	Items   []*CallRecord `json:"items"`
	Total   int64         `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Pages   int           `json:"pages"`
}

type CallStats struct {
	Total       int64         `json:"total"`
	Pending     int64         `json:"pending"`
	Connected   int64         `json:"connected"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	RecentCalls []*CallRecord `json:"recent_calls"`
}

// CallTransition is one status change applied to a record.
type CallTransition struct {
	RoomName   string
	To         CallStatus
	At         time.Time
	Transcript string
	Metadata   map[string]any
}
