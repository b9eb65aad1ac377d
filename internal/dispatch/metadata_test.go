package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_Validate(t *testing.T) {
	enc := NewEncoder()

	tests := []struct {
		name    string
		in      Submission
		wantErr []string
	}{
		{"valid", Submission{Name: "Sam", Phone: "+15551234567"}, nil},
		{"missing name", Submission{Phone: "+15551234567"}, []string{"name"}},
		{"missing phone", Submission{Name: "Sam"}, []string{"phone"}},
		{"whitespace only", Submission{Name: "  ", Phone: "\t"}, []string{"name", "phone"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := enc.Validate(tt.in)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ElementsMatch(t, tt.wantErr, verr.Fields)
			assert.Equal(t, MsgNameAndPhoneRequired, err.Error())
		})
	}
}

func TestEncoder_Validate_TooLong(t *testing.T) {
	err := NewEncoder().Validate(Submission{Name: strings.Repeat("a", 101), Phone: "1"})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, verr.Missing)
	assert.Equal(t, []string{"name"}, verr.Fields)
	assert.Contains(t, err.Error(), "too long")
}

func TestEncoder_OmitsBlankQuery(t *testing.T) {
	enc := NewEncoder()

	for _, q := range []string{"", "   ", "\n\t"} {
		p, err := enc.Encode("outbound-0000000001", Submission{Name: "Sam", Phone: "123", Query: q})
		require.NoError(t, err)

		assert.NotContains(t, p.Metadata, `"query"`)
		assert.Nil(t, p.DialInfo.Query)
	}
}

func TestEncoder_RoundTrip(t *testing.T) {
	enc := NewEncoder()

	p, err := enc.Encode("outbound-0000000002", Submission{
		Name:  " Sam ",
		Phone: "+15551234567",
		Email: "sam@example.com",
		Query: "  billing for March ",
	})
	require.NoError(t, err)
	assert.Equal(t, "outbound-0000000002", p.RoomName)

	info, err := DecodeMetadata(p.Metadata)
	require.NoError(t, err)

	assert.Equal(t, "Sam", info.Name)
	assert.Equal(t, "+15551234567", info.PhoneNumber)
	assert.Equal(t, "sam@example.com", info.Email)
	require.NotNil(t, info.Query)
	assert.Equal(t, "  billing for March ", *info.Query)
}

func TestEncoder_KeysMatchJobContract(t *testing.T) {
	p, err := NewEncoder().Encode("r", Submission{Name: "A", Phone: "1", Query: "x"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"phone_number":"1","name":"A","query":"x"}`, p.Metadata)
}

func TestEncoder_InvalidSubmissionNotEncoded(t *testing.T) {
	p, err := NewEncoder().Encode("r", Submission{Name: "A"})

	assert.Nil(t, p)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeMetadata_Malformed(t *testing.T) {
	_, err := DecodeMetadata("{not json")
	assert.Error(t, err)
}
