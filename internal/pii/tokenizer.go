package pii

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// TokenSpan maps one encoded token back to its byte range in the source
// text. Special and padding tokens carry Start = End = -1.
type TokenSpan struct {
	Start int
	End   int
}

// wordpieceTokenizer is a minimal BERT-style tokenizer producing token IDs,
// an attention mask, and byte offsets so token-level labels can be mapped
// back onto the original text.
type wordpieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	continuation string
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
}

// loadWordpieceTokenizer reads a vocab.txt (one token per line, line number
// = token ID).
func loadWordpieceTokenizer(path string) (*wordpieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return newWordpieceTokenizer(vocab, true), nil
}

func newWordpieceTokenizer(vocab map[string]int64, lowerCase bool) *wordpieceTokenizer {
	return &wordpieceTokenizer{
		vocab:        vocab,
		lowerCase:    lowerCase,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
	}
}

type piece struct {
	id         int64
	start, end int
}

// encode converts text into token IDs, an attention mask, and per-token
// byte spans, all of length seqLen.
func (t *wordpieceTokenizer) encode(text string, seqLen int) ([]int64, []int64, []TokenSpan) {
	if seqLen <= 0 {
		return nil, nil, nil
	}

	ids := []int64{t.clsID}
	spans := []TokenSpan{{Start: -1, End: -1}}

	for _, w := range splitWords(text) {
		token := w.text
		if t.lowerCase {
			token = strings.ToLower(token)
		}
		for _, p := range t.pieces(token) {
			ids = append(ids, p.id)
			spans = append(spans, TokenSpan{Start: w.start + p.start, End: w.start + p.end})
			if len(ids) >= seqLen-1 {
				break
			}
		}
		if len(ids) >= seqLen-1 {
			break
		}
	}

	ids = append(ids, t.sepID)
	spans = append(spans, TokenSpan{Start: -1, End: -1})

	attn := make([]int64, seqLen)
	for i := 0; i < len(ids) && i < seqLen; i++ {
		attn[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, t.padID)
		spans = append(spans, TokenSpan{Start: -1, End: -1})
	}

	return ids, attn, spans
}

// pieces splits one whitespace-delimited word into wordpiece subtokens with
// offsets relative to the word. An unmatchable word becomes a single [UNK]
// covering the whole word.
func (t *wordpieceTokenizer) pieces(token string) []piece {
	if id, ok := t.vocab[token]; ok {
		return []piece{{id: id, start: 0, end: len(token)}}
	}

	var out []piece
	start := 0
	for start < len(token) {
		end := len(token)
		matched := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, piece{id: id, start: start, end: end})
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []piece{{id: t.unkID, start: 0, end: len(token)}}
		}
	}
	if len(out) == 0 {
		return []piece{{id: t.unkID, start: 0, end: len(token)}}
	}
	return out
}

type word struct {
	text       string
	start, end int
}

func splitWords(text string) []word {
	var words []word
	start := -1
	for idx, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{text: text[start:idx], start: start, end: idx})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = idx
		}
	}
	if start >= 0 {
		words = append(words, word{text: text[start:], start: start, end: len(text)})
	}
	return words
}
