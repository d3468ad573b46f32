// Package pii implements PII detection over free text: stateless pattern
// matching with checksum validation, optional ONNX-based NER, and the
// merge logic that combines both passes into one deterministic entity list.
package pii

// Type identifies the kind of PII an entity represents.
type Type string

const (
	TypeNationalID   Type = "TCKN"
	TypePhone        Type = "PHONE"
	TypeEmail        Type = "EMAIL"
	TypeIBAN         Type = "IBAN"
	TypeCreditCard   Type = "CREDIT_CARD"
	TypeAddress      Type = "ADDRESS"
	TypeAmount       Type = "AMOUNT"
	TypePerson       Type = "PERSON"
	TypeOrganization Type = "ORGANIZATION"
	TypeLocation     Type = "LOCATION"
	TypeDate         Type = "DATE"
)

// Source identifies which detection pass produced an entity.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceNLP     Source = "nlp"
)

// Entity is a single PII span detected in text. Start and End are byte
// offsets into the original text, End exclusive.
type Entity struct {
	Type       Type    `json:"type"`
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// overlaps reports whether the two spans share at least one byte.
func (e Entity) overlaps(other Entity) bool {
	return e.Start < other.End && other.Start < e.End
}

// overlapLen returns the number of shared bytes between the two spans.
func (e Entity) overlapLen(other Entity) int {
	start := e.Start
	if other.Start > start {
		start = other.Start
	}
	end := e.End
	if other.End < end {
		end = other.End
	}
	if end <= start {
		return 0
	}
	return end - start
}
