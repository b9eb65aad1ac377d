package model

import "strings"

const DefaultParticipantIdentity = "customer"

// DialInfo is the job metadata record: whom to call and why.
type DialInfo struct {
	PhoneNumber string  `json:"phone_number" validate:"required"`
	Name        string  `json:"name"`
	Email       string  `json:"email,omitempty"`
	Query       *string `json:"query,omitempty"`
}

// ParticipantIdentity is the identity the callee joins the room with.
func (d DialInfo) ParticipantIdentity() string {
	if strings.TrimSpace(d.Name) == "" {
		return DefaultParticipantIdentity
	}
	return d.Name
}

func (d DialInfo) QueryText() string {
	if d.Query == nil {
		return ""
	}
	return *d.Query
}
