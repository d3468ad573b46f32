package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Recognizer runs NER over text and returns PII entities found by the
// model. Available reports whether a real model backs the recognizer;
// detection falls back to patterns-only (degraded) when it is false.
type Recognizer interface {
	Recognize(ctx context.Context, text, language string) ([]Entity, error)
	Available() bool
}

// RecognizerConfig configures the ONNX recognizer.
type RecognizerConfig struct {
	// ModelsDir holds one bundle per language code: <dir>/<lang>/ with
	// model.onnx, vocab.txt and labels.json.
	ModelsDir string
	// SeqLen is the model input length in tokens.
	SeqLen int
	// MinConfidence discards entities the model scored below it.
	MinConfidence float64
	// SharedLibraryPath points at the onnxruntime shared library. Falls
	// back to the ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable.
	SharedLibraryPath string
}

// DefaultRecognizerConfig returns recognizer defaults.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		ModelsDir:     os.Getenv("NER_MODELS_DIR"),
		SeqLen:        256,
		MinConfidence: 0.5,
	}
}

// NewRecognizer loads the model bundles under cfg.ModelsDir. When the
// directory, the runtime library, or every bundle is unavailable it returns
// a no-op recognizer so callers never branch on load state.
func NewRecognizer(cfg RecognizerConfig, logger *slog.Logger) Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SeqLen <= 0 {
		cfg.SeqLen = 256
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.ModelsDir == "" {
		logger.Info("ner models dir not configured, pattern-only detection")
		return noopRecognizer{}
	}

	libPath := cfg.SharedLibraryPath
	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			logger.Warn("onnxruntime unavailable, pattern-only detection", "error", err)
			return noopRecognizer{}
		}
	}

	entries, err := os.ReadDir(cfg.ModelsDir)
	if err != nil {
		logger.Warn("ner models dir unreadable, pattern-only detection", "dir", cfg.ModelsDir, "error", err)
		return noopRecognizer{}
	}

	models := make(map[string]*nerModel)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		lang := entry.Name()
		m, err := loadNERModel(filepath.Join(cfg.ModelsDir, lang), cfg.SeqLen)
		if err != nil {
			logger.Warn("skipping ner bundle", "language", lang, "error", err)
			continue
		}
		models[lang] = m
		logger.Info("loaded ner model", "language", lang, "labels", len(m.labels))
	}
	if len(models) == 0 {
		logger.Warn("no usable ner bundles, pattern-only detection", "dir", cfg.ModelsDir)
		return noopRecognizer{}
	}

	return &onnxRecognizer{
		models:        models,
		minConfidence: cfg.MinConfidence,
	}
}

// noopRecognizer is the null object used when no model is loadable.
type noopRecognizer struct{}

func (noopRecognizer) Recognize(context.Context, string, string) ([]Entity, error) { return nil, nil }
func (noopRecognizer) Available() bool                                             { return false }

type onnxRecognizer struct {
	models        map[string]*nerModel
	minConfidence float64
}

func (r *onnxRecognizer) Available() bool { return true }

func (r *onnxRecognizer) Recognize(ctx context.Context, text, language string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := r.models[language]
	if !ok {
		// Fall back to English, then to any loaded model.
		if m, ok = r.models["en"]; !ok {
			for _, v := range r.models {
				m = v
				break
			}
		}
	}
	if m == nil {
		return nil, nil
	}

	entities, err := m.run(text)
	if err != nil {
		return nil, err
	}

	kept := entities[:0]
	for _, e := range entities {
		if e.Confidence >= r.minConfidence {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

// nerModel wraps one ONNX token-classification session.
type nerModel struct {
	session   *ort.AdvancedSession
	tokenizer *wordpieceTokenizer
	labels    []string
	seqLen    int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	mu sync.Mutex
}

func loadNERModel(bundleDir string, seqLen int) (*nerModel, error) {
	modelPath := filepath.Join(bundleDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}

	labels, err := loadLabels(filepath.Join(bundleDir, "labels.json"))
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}

	tokenizer, err := loadWordpieceTokenizer(filepath.Join(bundleDir, "vocab.txt"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(len(labels))))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{inputIDs, attnMask},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &nerModel{
		session:       session,
		tokenizer:     tokenizer,
		labels:        labels,
		seqLen:        seqLen,
		inputIDs:      inputIDs,
		attentionMask: attnMask,
		output:        output,
	}, nil
}

func (m *nerModel) run(text string) ([]Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids, attn, spans := m.tokenizer.encode(text, m.seqLen)
	copy(m.inputIDs.GetData(), ids)
	copy(m.attentionMask.GetData(), attn)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	logits := m.output.GetData()
	numLabels := len(m.labels)
	if len(logits) == 0 || numLabels == 0 {
		return nil, nil
	}

	// Per-token argmax with softmax probability as the token confidence.
	labels := make([]string, len(spans))
	confs := make([]float64, len(spans))
	for i := range spans {
		base := i * numLabels
		if base+numLabels > len(logits) {
			break
		}
		row := logits[base : base+numLabels]
		best, prob := argmaxSoftmax(row)
		labels[i] = m.labels[best]
		confs[i] = prob
	}

	return entitiesFromLabels(text, labels, confs, spans), nil
}

// entitiesFromLabels decodes BIO token labels into entity spans. Token
// confidences are averaged over the tokens of each entity.
func entitiesFromLabels(text string, labels []string, confs []float64, spans []TokenSpan) []Entity {
	var entities []Entity
	var cur *Entity
	var curConfSum float64
	var curTokens int

	flush := func() {
		if cur == nil {
			return
		}
		cur.Confidence = curConfSum / float64(curTokens)
		cur.Text = text[cur.Start:cur.End]
		entities = append(entities, *cur)
		cur = nil
	}

	for i, lbl := range labels {
		if i >= len(spans) {
			break
		}
		span := spans[i]
		if span.Start < 0 || span.End <= span.Start {
			continue
		}
		prefix, typ := splitBIOLabel(lbl)
		piiType, ok := labelType(typ)
		if !ok {
			flush()
			continue
		}
		if prefix == "B" || cur == nil || cur.Type != piiType {
			flush()
			cur = &Entity{
				Type:   piiType,
				Start:  span.Start,
				End:    span.End,
				Source: SourceNLP,
			}
			curConfSum = confs[i]
			curTokens = 1
			continue
		}
		// Continuation token.
		if span.End > cur.End {
			cur.End = span.End
		}
		curConfSum += confs[i]
		curTokens++
	}
	flush()

	return mergeAdjacent(text, entities)
}

func splitBIOLabel(lbl string) (prefix, typ string) {
	lbl = strings.TrimSpace(lbl)
	if lbl == "" || strings.EqualFold(lbl, "O") {
		return "", ""
	}
	parts := strings.SplitN(lbl, "-", 2)
	if len(parts) == 1 {
		return "", lbl
	}
	return parts[0], parts[1]
}

// labelType maps model label names onto PII types. Unmapped labels are
// not PII and are dropped.
func labelType(label string) (Type, bool) {
	switch strings.ToUpper(label) {
	case "PER", "PERSON":
		return TypePerson, true
	case "ORG", "ORGANIZATION":
		return TypeOrganization, true
	case "LOC", "GPE", "LOCATION":
		return TypeLocation, true
	case "MONEY", "AMOUNT":
		return TypeAmount, true
	case "DATE":
		return TypeDate, true
	case "ADDRESS":
		return TypeAddress, true
	default:
		return "", false
	}
}

// mergeAdjacent collapses touching or overlapping same-type spans.
func mergeAdjacent(text string, in []Entity) []Entity {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start == in[j].Start {
			return in[i].End < in[j].End
		}
		return in[i].Start < in[j].Start
	})
	out := make([]Entity, 0, len(in))
	cur := in[0]
	for _, e := range in[1:] {
		if e.Start <= cur.End && e.Type == cur.Type {
			if e.End > cur.End {
				cur.End = e.End
			}
			if e.Confidence > cur.Confidence {
				cur.Confidence = e.Confidence
			}
			continue
		}
		cur.Text = text[cur.Start:cur.End]
		out = append(out, cur)
		cur = e
	}
	cur.Text = text[cur.Start:cur.End]
	out = append(out, cur)
	return out
}

func argmaxSoftmax(row []float32) (int, float64) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	var sum float64
	maxLogit := float64(row[best])
	for _, v := range row {
		sum += math.Exp(float64(v) - maxLogit)
	}
	return best, 1.0 / sum
}

// loadLabels reads labels.json: either a JSON array of label names or an
// id2label object keyed by stringified indices.
func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}

	var byID map[string]string
	if err := json.Unmarshal(data, &byID); err != nil || len(byID) == 0 {
		return nil, fmt.Errorf("labels.json is neither an array nor an id map")
	}
	labels := make([]string, len(byID))
	for k, v := range byID {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(labels) {
			return nil, fmt.Errorf("labels.json has non-contiguous ids")
		}
		labels[idx] = v
	}
	return labels, nil
}
