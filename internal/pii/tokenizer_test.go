package pii

import (
	"testing"
)

func testVocab() map[string]int64 {
	return map[string]int64{
		"[PAD]": 0,
		"[UNK]": 1,
		"[CLS]": 2,
		"[SEP]": 3,
		"hello": 4,
		"world": 5,
		"wor":   6,
		"##ld":  7,
		"##s":   8,
	}
}

func TestWordpieceEncode(t *testing.T) {
	tok := newWordpieceTokenizer(testVocab(), true)

	ids, attn, spans := tok.encode("Hello world", 8)

	wantIDs := []int64{2, 4, 5, 3, 0, 0, 0, 0}
	wantAttn := []int64{1, 1, 1, 1, 0, 0, 0, 0}
	if len(ids) != 8 || len(attn) != 8 || len(spans) != 8 {
		t.Fatalf("encode lengths = %d/%d/%d, want 8", len(ids), len(attn), len(spans))
	}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] {
			t.Fatalf("ids = %v, want %v", ids, wantIDs)
		}
		if attn[i] != wantAttn[i] {
			t.Fatalf("attn = %v, want %v", attn, wantAttn)
		}
	}

	// Offsets of real tokens map back into the text.
	if spans[1].Start != 0 || spans[1].End != 5 {
		t.Errorf("span for hello = %+v, want {0 5}", spans[1])
	}
	if spans[2].Start != 6 || spans[2].End != 11 {
		t.Errorf("span for world = %+v, want {6 11}", spans[2])
	}
	// Special and pad tokens carry no offsets.
	for _, i := range []int{0, 3, 4} {
		if spans[i].Start != -1 || spans[i].End != -1 {
			t.Errorf("span[%d] = %+v, want {-1 -1}", i, spans[i])
		}
	}
}

func TestWordpieceSubwordOffsets(t *testing.T) {
	tok := newWordpieceTokenizer(testVocab(), true)

	// "worlds" is absent from the vocab and splits into wor + ##ld + ##s.
	ids, _, spans := tok.encode("worlds", 8)

	wantIDs := []int64{2, 6, 7, 8, 3, 0, 0, 0}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] {
			t.Fatalf("ids = %v, want %v", ids, wantIDs)
		}
	}
	wantSpans := []TokenSpan{{0, 3}, {3, 5}, {5, 6}}
	for i, want := range wantSpans {
		if spans[i+1] != want {
			t.Errorf("span[%d] = %+v, want %+v", i+1, spans[i+1], want)
		}
	}
}

func TestWordpieceUnknownWord(t *testing.T) {
	tok := newWordpieceTokenizer(testVocab(), true)

	ids, _, spans := tok.encode("xyzzy", 8)

	if ids[1] != 1 {
		t.Fatalf("ids[1] = %d, want [UNK] id 1", ids[1])
	}
	if spans[1].Start != 0 || spans[1].End != 5 {
		t.Errorf("unk span = %+v, want {0 5}", spans[1])
	}
}

func TestWordpieceTruncation(t *testing.T) {
	tok := newWordpieceTokenizer(testVocab(), true)

	ids, attn, spans := tok.encode("hello world hello world hello", 6)

	if len(ids) != 6 || len(spans) != 6 {
		t.Fatalf("encode lengths = %d/%d, want 6", len(ids), len(spans))
	}
	if ids[0] != 2 {
		t.Errorf("ids[0] = %d, want [CLS] id 2", ids[0])
	}
	// Sequence is truncated and closed with [SEP].
	foundSep := false
	for _, id := range ids {
		if id == 3 {
			foundSep = true
		}
	}
	if !foundSep {
		t.Error("truncated sequence is missing [SEP]")
	}
	if attn[0] != 1 {
		t.Error("attention mask must cover [CLS]")
	}
}
