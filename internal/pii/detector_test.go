package pii

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRecognizer returns canned entities or a canned error.
type stubRecognizer struct {
	entities []Entity
	err      error
}

func (s *stubRecognizer) Recognize(ctx context.Context, text, language string) ([]Entity, error) {
	return s.entities, s.err
}

func (s *stubRecognizer) Available() bool { return true }

func TestDetectorFastMode(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantTypes []Type
	}{
		{
			name:      "national id wins over its phone shadow",
			text:      "my id is 10000000146 thanks",
			wantTypes: []Type{TypeNationalID},
		},
		{
			name:      "iban absorbs inner digit runs",
			text:      "send to TR33 0006 1005 1978 6457 8413 26 today",
			wantTypes: []Type{TypeIBAN},
		},
		{
			name:      "credit card absorbs inner digit runs",
			text:      "card 4532 0151 1283 0366 expires soon",
			wantTypes: []Type{TypeCreditCard},
		},
		{
			name:      "email and amount",
			text:      "bill jane.doe@example.com for 99,50 USD",
			wantTypes: []Type{TypeEmail, TypeAmount},
		},
		{
			name:      "clean text",
			text:      "hello, how are you today?",
			wantTypes: nil,
		},
	}

	d := NewDetector(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Detect(context.Background(), tt.text, "", ModeFast)
			require.Equal(t, ModeFast, res.Mode)
			assert.False(t, res.Degraded)

			var gotTypes []Type
			for _, e := range res.Entities {
				gotTypes = append(gotTypes, e.Type)
			}
			assert.Equal(t, tt.wantTypes, gotTypes)

			for i := 1; i < len(res.Entities); i++ {
				assert.GreaterOrEqual(t, res.Entities[i].Start, res.Entities[i-1].End,
					"entities must not overlap")
			}
		})
	}
}

func TestDetectorDetailedMergePatternWins(t *testing.T) {
	text := "mail jane.doe@example.com about the offer from Jane Doe"
	//      0    5                25                      47

	rec := &stubRecognizer{entities: []Entity{
		// Overlaps the email pattern match: must be discarded.
		{Type: TypePerson, Start: 5, End: 13, Confidence: 0.9, Source: SourceNLP},
		// Disjoint: must survive.
		{Type: TypePerson, Text: "Jane Doe", Start: 47, End: 55, Confidence: 0.8, Source: SourceNLP},
	}}

	d := NewDetector(rec, nil)
	res := d.Detect(context.Background(), text, "en", ModeDetailed)

	require.Equal(t, ModeDetailed, res.Mode)
	assert.False(t, res.Degraded)
	require.Len(t, res.Entities, 2)

	assert.Equal(t, TypeEmail, res.Entities[0].Type)
	assert.Equal(t, SourcePattern, res.Entities[0].Source)
	assert.Equal(t, TypePerson, res.Entities[1].Type)
	assert.Equal(t, SourceNLP, res.Entities[1].Source)
	assert.Equal(t, "Jane Doe", res.Entities[1].Text)

	// Sorted by start, ascending.
	assert.Less(t, res.Entities[0].Start, res.Entities[1].Start)
}

func TestDetectorDetailedRecognizerError(t *testing.T) {
	rec := &stubRecognizer{err: errors.New("onnx run: boom")}
	d := NewDetector(rec, nil)

	res := d.Detect(context.Background(), "mail jane.doe@example.com", "en", ModeDetailed)

	assert.True(t, res.Degraded, "recognizer failure must degrade, not fail")
	require.Len(t, res.Entities, 1)
	assert.Equal(t, TypeEmail, res.Entities[0].Type)
}

func TestDetectorDetailedNoRecognizer(t *testing.T) {
	d := NewDetector(noopRecognizer{}, nil)

	res := d.Detect(context.Background(), "mail jane.doe@example.com", "en", ModeDetailed)

	assert.True(t, res.Degraded)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, TypeEmail, res.Entities[0].Type)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeDetailed, ParseMode("detailed"))
	assert.Equal(t, ModeDetailed, ParseMode("DETAILED"))
	assert.Equal(t, ModeFast, ParseMode("fast"))
	assert.Equal(t, ModeFast, ParseMode(""))
	assert.Equal(t, ModeFast, ParseMode("anything-else"))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "tr", DetectLanguage("merhaba, nasılsınız?"))
	assert.Equal(t, "en", DetectLanguage("hello, how are you?"))
	assert.Equal(t, "en", DetectLanguage(""))
}
