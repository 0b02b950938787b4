// Package model holds the two-model sybil risk ensemble: a gradient-boosted
// classifier and an isolation-forest anomaly detector, blended into one
// score with a per-prediction explanation.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/mbd888/sybilscan/internal/features"
)

// Blend weights. They sum to 1 so the blend stays in [0,1].
const (
	ClassifierWeight = 0.7
	AnomalyWeight    = 0.3
)

// DefaultTopFeatures is how many contributions an explanation carries.
const DefaultTopFeatures = 3

// ErrShapeMismatch is returned when model inputs do not line up with the
// canonical feature schema.
var ErrShapeMismatch = errors.New("model inputs do not match feature schema")

// Prediction is the ensemble output for one vector.
type Prediction struct {
	Probability float64 // classifier P(sybil)
	AnomalyRaw  float64 // -decision of the isolation forest
	AnomalyNorm float64 // AnomalyRaw normalized to [0,1]
	Blend       float64 // ClassifierWeight*Probability + AnomalyWeight*AnomalyNorm
}

// Contribution is one entry of an explanation.
type Contribution struct {
	Feature      string
	Label        string
	Value        float64
	Contribution float64
}

// RiskModel is read-only after construction and safe for concurrent use.
type RiskModel struct {
	classifier *Classifier
	detector   *IsolationForest
	columns    []int // model column -> canonical schema position
	names      []string
	bounds     Bounds
}

// New binds a classifier and detector to the canonical schema. columns names
// the model input columns in order; every name must exist in the schema.
func New(classifier *Classifier, detector *IsolationForest, columns []string, bounds Bounds) (*RiskModel, error) {
	if classifier == nil || detector == nil {
		return nil, errors.New("classifier and anomaly detector are required")
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no column names", ErrShapeMismatch)
	}
	if classifier.Width() != len(columns) {
		return nil, fmt.Errorf("%w: classifier expects %d columns, have %d names",
			ErrShapeMismatch, classifier.Width(), len(columns))
	}
	if detector.Width() != len(columns) {
		return nil, fmt.Errorf("%w: anomaly detector expects %d columns, have %d names",
			ErrShapeMismatch, detector.Width(), len(columns))
	}

	m := &RiskModel{
		classifier: classifier,
		detector:   detector,
		columns:    make([]int, len(columns)),
		names:      append([]string(nil), columns...),
		bounds:     bounds,
	}
	seen := make(map[string]bool, len(columns))
	for i, name := range columns {
		idx, ok := features.IndexOf(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrShapeMismatch, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrShapeMismatch, name)
		}
		seen[name] = true
		m.columns[i] = idx
	}
	return m, nil
}

// Paths locates the model artifacts on disk.
type Paths struct {
	Classifier      string
	AnomalyDetector string
	FeatureNames    string // ordered column list; optional if the dump carries names
}

// Load reads both models and the column list. The caller supplies bounds,
// which may later be replaced with WithBounds once reference data is loaded.
func Load(p Paths, bounds Bounds) (*RiskModel, error) {
	clf, clfNames, err := LoadClassifier(p.Classifier)
	if err != nil {
		return nil, err
	}
	det, detNames, err := LoadIsolationForest(p.AnomalyDetector)
	if err != nil {
		return nil, err
	}

	columns := clfNames
	if p.FeatureNames != "" {
		data, err := os.ReadFile(p.FeatureNames)
		if err != nil {
			return nil, fmt.Errorf("read feature names: %w", err)
		}
		if err := json.Unmarshal(data, &columns); err != nil {
			return nil, fmt.Errorf("decode feature names: %w", err)
		}
	}
	if len(detNames) > 0 && !equalNames(detNames, columns) {
		return nil, fmt.Errorf("%w: anomaly detector columns differ from classifier columns", ErrShapeMismatch)
	}
	return New(clf, det, columns, bounds)
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WithBounds returns a copy of the model using different normalization bounds.
func (m *RiskModel) WithBounds(b Bounds) *RiskModel {
	cp := *m
	cp.bounds = b
	return &cp
}

// Bounds returns the normalization bounds in use.
func (m *RiskModel) Bounds() Bounds {
	return m.bounds
}

// Columns returns the model input column names in order.
func (m *RiskModel) Columns() []string {
	return append([]string(nil), m.names...)
}

// row projects a vector onto the model columns. Values are already finite,
// but the guard keeps inference total if that ever changes.
func (m *RiskModel) row(v features.Vector) []float64 {
	x := make([]float64, len(m.columns))
	for i, idx := range m.columns {
		f := v.At(idx)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		x[i] = f
	}
	return x
}

// AnomalyRaw returns the raw anomaly score for v. Reference bounds are
// computed from it.
func (m *RiskModel) AnomalyRaw(v features.Vector) float64 {
	return m.detector.Anomaly(m.row(v))
}

// Predict runs both models and blends them.
func (m *RiskModel) Predict(v features.Vector) Prediction {
	x := m.row(v)
	p := m.classifier.Probability(x)
	raw := m.detector.Anomaly(x)
	norm := m.bounds.Normalize(raw)
	return Prediction{
		Probability: p,
		AnomalyRaw:  raw,
		AnomalyNorm: norm,
		Blend:       clamp01(ClassifierWeight*p + AnomalyWeight*norm),
	}
}

// Explain returns the n features with the largest absolute contribution to
// the classifier margin, largest first. Ties keep column order. It never
// fails: any fault yields an empty explanation.
func (m *RiskModel) Explain(v features.Vector, n int) (out []Contribution) {
	defer func() {
		if r := recover(); r != nil {
			out = []Contribution{}
		}
	}()

	if n <= 0 {
		return []Contribution{}
	}
	x := m.row(v)
	contrib, _ := m.classifier.Contributions(x)

	order := make([]int, len(contrib))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(contrib[order[a]]) > math.Abs(contrib[order[b]])
	})

	out = make([]Contribution, 0, n)
	for _, col := range order[:min(n, len(order))] {
		name := m.names[col]
		out = append(out, Contribution{
			Feature:      name,
			Label:        features.Label(name),
			Value:        x[col],
			Contribution: contrib[col],
		})
	}
	return out
}

// ReferenceBounds computes normalization bounds as the min and max raw
// anomaly score over a reference population. An empty population yields the
// default fixed bounds.
func (m *RiskModel) ReferenceBounds(population []features.Vector) Bounds {
	if len(population) == 0 {
		return DefaultBounds()
	}
	b := Bounds{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range population {
		raw := m.AnomalyRaw(v)
		b.Min = math.Min(b.Min, raw)
		b.Max = math.Max(b.Max, raw)
	}
	return b
}
