package pii

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Mode selects the detection strategy.
type Mode string

const (
	// ModeFast runs pattern matching only.
	ModeFast Mode = "fast"
	// ModeDetailed runs pattern matching and NER, then merges.
	ModeDetailed Mode = "detailed"
)

// ParseMode normalizes a mode string, defaulting to fast.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, string(ModeDetailed)) {
		return ModeDetailed
	}
	return ModeFast
}

// Result is the outcome of one detection pass. Degraded reports that
// detailed mode was requested but the recognizer was unavailable or
// failed, so only pattern results are present.
type Result struct {
	Entities []Entity
	Mode     Mode
	Degraded bool
	Elapsed  time.Duration
}

// Detector combines the pattern library with an entity recognizer.
type Detector struct {
	recognizer Recognizer
	// overlapFrac is the fraction of the shorter span two detections must
	// share before the pattern one wins. Zero means any overlap.
	overlapFrac float64
	logger      *slog.Logger
}

// NewDetector builds a detector around the given recognizer.
func NewDetector(recognizer Recognizer, logger *slog.Logger) *Detector {
	if recognizer == nil {
		recognizer = noopRecognizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{recognizer: recognizer, logger: logger}
}

// SetOverlapFraction adjusts the pattern-wins overlap threshold.
func (d *Detector) SetOverlapFraction(frac float64) {
	if frac >= 0 && frac < 1 {
		d.overlapFrac = frac
	}
}

// Detect finds PII entities in text. Language may be empty, in which case
// it is inferred from the text. Detection never fails: recognizer errors
// degrade to pattern-only results.
func (d *Detector) Detect(ctx context.Context, text, language string, mode Mode) Result {
	start := time.Now()
	if language == "" {
		language = DetectLanguage(text)
	}

	if mode != ModeDetailed {
		// The merge sweep also resolves cross-pattern overlaps (a national
		// ID's digit run matches the phone pattern too).
		return Result{
			Entities: d.merge(DetectPatterns(text), nil),
			Mode:     ModeFast,
			Elapsed:  time.Since(start),
		}
	}

	var (
		patternEntities []Entity
		nlpEntities     []Entity
		nlpErr          error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		patternEntities = DetectPatterns(text)
		return nil
	})
	g.Go(func() error {
		// Recognizer failure degrades rather than failing detection.
		nlpEntities, nlpErr = d.recognizer.Recognize(gctx, text, language)
		return nil
	})
	_ = g.Wait()

	degraded := !d.recognizer.Available()
	if nlpErr != nil {
		d.logger.Warn("ner pass failed, using pattern results only",
			"language", language, "error", nlpErr)
		nlpEntities = nil
		degraded = true
	}

	return Result{
		Entities: d.merge(patternEntities, nlpEntities),
		Mode:     ModeDetailed,
		Degraded: degraded,
		Elapsed:  time.Since(start),
	}
}

// merge combines the two passes. An NLP entity overlapping a pattern
// entity by more than overlapFrac of the shorter span is discarded; the
// survivors are sorted by start and overlapping neighbors are resolved by
// confidence (patterns carry 1.0 and always win).
func (d *Detector) merge(patternEntities, nlpEntities []Entity) []Entity {
	combined := make([]Entity, 0, len(patternEntities)+len(nlpEntities))
	combined = append(combined, patternEntities...)

	for _, e := range nlpEntities {
		suppressed := false
		for _, p := range patternEntities {
			if !e.overlaps(p) {
				continue
			}
			shorter := e.End - e.Start
			if l := p.End - p.Start; l < shorter {
				shorter = l
			}
			if float64(e.overlapLen(p)) > d.overlapFrac*float64(shorter) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			combined = append(combined, e)
		}
	}

	combined = sortEntities(combined)

	// Final sweep: no overlapping spans survive. Higher confidence wins;
	// on a tie the earlier (longer-reaching) span stays.
	merged := combined[:0]
	for _, e := range combined {
		if len(merged) == 0 {
			merged = append(merged, e)
			continue
		}
		last := &merged[len(merged)-1]
		if e.Start < last.End {
			if e.Confidence > last.Confidence {
				*last = e
			}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

func sortEntities(entities []Entity) []Entity {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start == entities[j].Start {
			return entities[i].End > entities[j].End
		}
		return entities[i].Start < entities[j].Start
	})
	return entities
}

// DetectLanguage guesses the text language from its script. Turkish
// characters pick Turkish; everything else defaults to English.
func DetectLanguage(text string) string {
	if strings.ContainsAny(text, "çğıöşüÇĞİÖŞÜ") {
		return "tr"
	}
	return "en"
}
