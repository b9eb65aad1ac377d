package dispatch

import (
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const MsgNameAndPhoneRequired = "Name and phone number are required."

// Submission is the raw contact form. Length limits follow the call_records columns.
type Submission struct {
	Name  string `validate:"required,max=100"`
	Phone string `validate:"required,max=50"`
	Email string `validate:"max=100"`
	Query string
}

// ValidationError lists the form fields that failed validation.
type ValidationError struct {
	Fields  []string
	Missing bool
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return MsgNameAndPhoneRequired
	}
	return "Invalid " + strings.Join(e.Fields, ", ") + ": value is too long."
}

// Payload is an encoded job addressed to one room.
type Payload struct {
	RoomName string
	DialInfo model.DialInfo
	Metadata string
}

type Encoder struct {
	validate *validator.Validate
}

func NewEncoder() *Encoder {
	return &Encoder{validate: validator.New()}
}

// Normalize trims the contact fields. The query is free text and kept verbatim.
func (s Submission) Normalize() Submission {
	return Submission{
		Name:  strings.TrimSpace(s.Name),
		Phone: strings.TrimSpace(s.Phone),
		Email: strings.TrimSpace(s.Email),
		Query: s.Query,
	}
}

// Validate checks the trimmed submission and returns a *ValidationError
// naming each missing field.
func (e *Encoder) Validate(s Submission) error {
	err := e.validate.Struct(s.Normalize())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate submission")
	}
	verr := &ValidationError{Fields: make([]string, 0, len(verrs))}
	for _, fe := range verrs {
		verr.Fields = append(verr.Fields, strings.ToLower(fe.Field()))
		if fe.Tag() == "required" {
			verr.Missing = true
		}
	}
	return verr
}

// Encode validates the submission and serializes it as job metadata for room.
// A blank query is left out of the payload entirely.
func (e *Encoder) Encode(roomName string, s Submission) (*Payload, error) {
	if err := e.Validate(s); err != nil {
		return nil, err
	}
	s = s.Normalize()

	info := model.DialInfo{
		PhoneNumber: s.Phone,
		Name:        s.Name,
		Email:       s.Email,
	}
	if strings.TrimSpace(s.Query) != "" {
		q := s.Query
		info.Query = &q
	}

	raw, err := json.MarshalToString(info)
	if err != nil {
		return nil, errors.Wrap(err, "encode dial info")
	}
	return &Payload{RoomName: roomName, DialInfo: info, Metadata: raw}, nil
}

// DecodeMetadata parses job metadata back into DialInfo.
func DecodeMetadata(raw string) (model.DialInfo, error) {
	var info model.DialInfo
	if err := json.UnmarshalFromString(raw, &info); err != nil {
		return model.DialInfo{}, errors.Wrap(err, "decode dial info")
	}
	return info, nil
}
