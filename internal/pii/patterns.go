package pii

import (
	"regexp"
	"strings"
)

// Compiled once at package init. Candidate spans still go through the
// per-type checksum validators below; a regex hit alone is not a detection
// for checksummed types.
var (
	nationalIDPattern = regexp.MustCompile(`\b\d{11}\b`)
	phonePattern      = regexp.MustCompile(`(\+90\s?)?(\(?\d{3}\)?[\s.-]?)?\d{3}[\s.-]?\d{2}[\s.-]?\d{2}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ibanPattern       = regexp.MustCompile(`\bTR\d{2}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{2}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	amountPattern     = regexp.MustCompile(`(?i)\b\d+[.,]\d{2}\s*(TL|TRY|USD|EUR|GBP)\b`)
)

// ValidateNationalID checks a Turkish national ID number (TCKN):
// 11 digits, leading digit non-zero, and the two checksum digits derived
// from the first nine.
func ValidateNationalID(id string) bool {
	if len(id) != 11 {
		return false
	}
	digits := make([]int, 11)
	for i := 0; i < 11; i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return false
		}
		digits[i] = int(c - '0')
	}
	if digits[0] == 0 {
		return false
	}

	sumFirst10 := 0
	for i := 0; i < 10; i++ {
		sumFirst10 += digits[i]
	}
	if sumFirst10%10 != digits[10] {
		return false
	}

	oddSum := digits[0] + digits[2] + digits[4] + digits[6] + digits[8]
	evenSum := digits[1] + digits[3] + digits[5] + digits[7]
	check := (oddSum*7 - evenSum) % 10
	if check < 0 {
		check += 10
	}
	return check == digits[9]
}

// ValidateIBAN checks an IBAN via the ISO 7064 mod-97 rule: move the first
// four characters to the end, map letters to 10..35, and the resulting
// number must be congruent to 1 mod 97.
func ValidateIBAN(iban string) bool {
	iban = strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(iban) < 4 {
		return false
	}
	rearranged := iban[4:] + iban[:4]

	// Streaming mod-97 so arbitrarily long IBANs never overflow.
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// LuhnCheck validates a card number (spaces and dashes ignored) with the
// Luhn algorithm.
func LuhnCheck(cardNumber string) bool {
	digits := make([]int, 0, len(cardNumber))
	for i := 0; i < len(cardNumber); i++ {
		c := cardNumber[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, int(c-'0'))
		case c == ' ' || c == '-':
		default:
			return false
		}
	}
	if len(digits) == 0 {
		return false
	}

	total := 0
	// Walk right to left; double every second digit.
	for i := 0; i < len(digits); i++ {
		d := digits[len(digits)-1-i]
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		total += d
	}
	return total%10 == 0
}

// validator returns true when a candidate span is a genuine instance of the
// type. Types without a checksum accept every regex match.
type validator func(string) bool

func acceptAll(string) bool { return true }

func findMatches(text string, pattern *regexp.Regexp, typ Type, validate validator) []Entity {
	var entities []Entity
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		if !validate(candidate) {
			continue
		}
		entities = append(entities, Entity{
			Type:       typ,
			Text:       candidate,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 1.0,
			Source:     SourcePattern,
		})
	}
	return entities
}

// DetectPatterns runs every pattern matcher over the text and returns the
// validated entities, deduplicated by (start, end, type). Malformed
// candidates are simply skipped.
func DetectPatterns(text string) []Entity {
	var entities []Entity
	entities = append(entities, findMatches(text, nationalIDPattern, TypeNationalID, ValidateNationalID)...)
	entities = append(entities, findMatches(text, phonePattern, TypePhone, acceptAll)...)
	entities = append(entities, findMatches(text, emailPattern, TypeEmail, acceptAll)...)
	entities = append(entities, findMatches(text, ibanPattern, TypeIBAN, ValidateIBAN)...)
	entities = append(entities, findMatches(text, creditCardPattern, TypeCreditCard, LuhnCheck)...)
	entities = append(entities, findMatches(text, amountPattern, TypeAmount, acceptAll)...)

	type spanKey struct {
		start, end int
		typ        Type
	}
	seen := make(map[spanKey]struct{}, len(entities))
	unique := entities[:0]
	for _, e := range entities {
		key := spanKey{e.Start, e.End, e.Type}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, e)
	}
	return unique
}
