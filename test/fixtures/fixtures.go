package fixtures

import (
	"net/url"
	"time"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/model"
)

const (
	DefaultPhone  = "+15550000"
	CustomerPhone = "+15551234"
)

var (
	ValidSubmission = dispatch.Submission{
		Name:  "Sam",
		Phone: CustomerPhone,
		Email: "sam@example.com",
		Query: "billing question",
	}

	SubmissionMissingPhone = dispatch.Submission{Name: "Sam"}

	SubmissionBlankName = dispatch.Submission{Name: "   ", Phone: CustomerPhone}
)

// Form encodes s the way the browser posts it to /submit.
func Form(s dispatch.Submission) url.Values {
	return url.Values{
		"name":  {s.Name},
		"phone": {s.Phone},
		"email": {s.Email},
		"query": {s.Query},
	}
}

func NewCallRecord(room string, status model.CallStatus, createdAt time.Time) *model.CallRecord {
	return &model.CallRecord{
		RoomName:      room,
		CustomerName:  ValidSubmission.Name,
		CustomerPhone: ValidSubmission.Phone,
		CustomerEmail: ValidSubmission.Email,
		CustomerQuery: ValidSubmission.Query,
		Status:        status,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
