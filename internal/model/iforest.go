package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

const eulerGamma = 0.5772156649015329

// IsolationForest scores how easy a point is to isolate. It is read from a
// JSON export of a fitted scikit-learn IsolationForest:
//
//	{"max_samples": 256, "offset": -0.5, "feature_names": [...],
//	 "estimators": [{"features": [0, 3, ...], "nodes": [
//	     {"feature": 2, "threshold": 1.5, "left": 1, "right": 2, "n_samples": 256}, ...]}]}
//
// Leaves have left == right == -1. "features" maps estimator-local feature
// indices to input columns and may be omitted when every column is used.
type IsolationForest struct {
	trees      []isoTree
	maxSamples int
	offset     float64
	width      int
}

type isoTree struct {
	nodes []isoNode
}

type isoNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

type isoExport struct {
	MaxSamples   int      `json:"max_samples"`
	Offset       float64  `json:"offset"`
	NFeatures    int      `json:"n_features"`
	FeatureNames []string `json:"feature_names"`
	Estimators   []struct {
		Features []int     `json:"features"`
		Nodes    []isoNode `json:"nodes"`
	} `json:"estimators"`
}

// ParseIsolationForest decodes an export. It returns the parsed model and the
// column names recorded in the export, if any.
func ParseIsolationForest(data []byte) (*IsolationForest, []string, error) {
	var exp isoExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, nil, fmt.Errorf("decode anomaly detector: %w", err)
	}
	if exp.MaxSamples <= 0 {
		return nil, nil, errors.New("anomaly detector: max_samples must be positive")
	}
	if len(exp.Estimators) == 0 {
		return nil, nil, errors.New("anomaly detector has no estimators")
	}

	width := exp.NFeatures
	if len(exp.FeatureNames) > 0 {
		width = len(exp.FeatureNames)
	}
	if width <= 0 {
		return nil, nil, errors.New("anomaly detector: unknown input width")
	}

	f := &IsolationForest{maxSamples: exp.MaxSamples, offset: exp.Offset, width: width}
	for i, est := range exp.Estimators {
		if len(est.Nodes) == 0 {
			return nil, nil, fmt.Errorf("estimator %d: no nodes", i)
		}
		nodes := make([]isoNode, len(est.Nodes))
		for j, n := range est.Nodes {
			if n.Left == -1 && n.Right == -1 {
				nodes[j] = n
				continue
			}
			if n.Left <= j || n.Right <= j || n.Left >= len(est.Nodes) || n.Right >= len(est.Nodes) {
				return nil, nil, fmt.Errorf("estimator %d node %d: bad child index", i, j)
			}
			col := n.Feature
			if len(est.Features) > 0 {
				if col < 0 || col >= len(est.Features) {
					return nil, nil, fmt.Errorf("estimator %d node %d: feature %d out of range", i, j, col)
				}
				col = est.Features[col]
			}
			if col < 0 || col >= width {
				return nil, nil, fmt.Errorf("estimator %d node %d: column %d out of range", i, j, col)
			}
			n.Feature = col
			nodes[j] = n
		}
		f.trees = append(f.trees, isoTree{nodes: nodes})
	}
	return f, exp.FeatureNames, nil
}

// LoadIsolationForest reads an export from disk.
func LoadIsolationForest(path string) (*IsolationForest, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read anomaly detector: %w", err)
	}
	return ParseIsolationForest(data)
}

// Width is the number of input columns the trees index into.
func (f *IsolationForest) Width() int {
	return f.width
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func (t isoTree) pathLength(x []float64) float64 {
	depth, i := 0, 0
	for {
		n := t.nodes[i]
		if n.Left == -1 {
			return float64(depth) + averagePathLength(n.NSamples)
		}
		// scikit-learn walks the trees on float32 copies of the input
		if float64(float32(x[n.Feature])) <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// ScoreSamples is the opposite of the anomaly score of the original paper:
// values near -1 are anomalous, values near -0.5 are normal.
func (f *IsolationForest) ScoreSamples(x []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += t.pathLength(x)
	}
	mean := sum / float64(len(f.trees))
	return -math.Pow(2, -mean/averagePathLength(f.maxSamples))
}

// Decision is ScoreSamples shifted by the fitted offset; negative means outlier.
func (f *IsolationForest) Decision(x []float64) float64 {
	return f.ScoreSamples(x) - f.offset
}

// Anomaly is the raw anomaly score, -Decision(x). Higher is more anomalous.
func (f *IsolationForest) Anomaly(x []float64) float64 {
	return -f.Decision(x)
}
