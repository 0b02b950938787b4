package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// zeroThreshold matches LightGBM's kZeroThreshold for missing_type "Zero".
const zeroThreshold = 1e-35

// Classifier is a binary gradient-boosted tree ensemble read from a LightGBM
// dump_model() JSON document. Only numerical "<=" splits are supported.
type Classifier struct {
	trees   []*treeNode
	sigmoid float64
	width   int // number of input columns
}

type lgbDump struct {
	Objective    string    `json:"objective"`
	NumClass     int       `json:"num_class"`
	MaxFeature   int       `json:"max_feature_idx"`
	FeatureNames []string  `json:"feature_names"`
	TreeInfo     []lgbTree `json:"tree_info"`
}

type lgbTree struct {
	TreeIndex int      `json:"tree_index"`
	Structure *lgbNode `json:"tree_structure"`
}

type lgbNode struct {
	SplitFeature  *int            `json:"split_feature"`
	Threshold     json.RawMessage `json:"threshold"`
	DecisionType  string          `json:"decision_type"`
	DefaultLeft   bool            `json:"default_left"`
	MissingType   string          `json:"missing_type"`
	InternalValue float64         `json:"internal_value"`
	LeftChild     *lgbNode        `json:"left_child"`
	RightChild    *lgbNode        `json:"right_child"`
	LeafValue     *float64        `json:"leaf_value"`
}

type missingType int

const (
	missingNone missingType = iota
	missingZero
	missingNaN
)

type treeNode struct {
	leaf        bool
	value       float64 // leaf value or internal value
	feature     int
	threshold   float64
	defaultLeft bool
	missing     missingType
	left, right *treeNode
}

// ParseClassifier decodes a LightGBM dump. It returns the parsed model and
// the column names recorded in the dump.
func ParseClassifier(data []byte) (*Classifier, []string, error) {
	var dump lgbDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, nil, fmt.Errorf("decode classifier: %w", err)
	}
	if dump.NumClass > 1 {
		return nil, nil, fmt.Errorf("classifier has %d classes, want binary", dump.NumClass)
	}
	sigmoid, err := parseObjective(dump.Objective)
	if err != nil {
		return nil, nil, err
	}
	if len(dump.TreeInfo) == 0 {
		return nil, nil, errors.New("classifier has no trees")
	}

	width := dump.MaxFeature + 1
	if len(dump.FeatureNames) > 0 {
		width = len(dump.FeatureNames)
	}

	c := &Classifier{sigmoid: sigmoid, width: width}
	for _, ti := range dump.TreeInfo {
		if ti.Structure == nil {
			return nil, nil, fmt.Errorf("tree %d: missing structure", ti.TreeIndex)
		}
		root, err := convertNode(ti.Structure, width)
		if err != nil {
			return nil, nil, fmt.Errorf("tree %d: %w", ti.TreeIndex, err)
		}
		c.trees = append(c.trees, root)
	}
	return c, dump.FeatureNames, nil
}

// LoadClassifier reads a LightGBM dump from disk.
func LoadClassifier(path string) (*Classifier, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read classifier: %w", err)
	}
	return ParseClassifier(data)
}

// parseObjective accepts "binary sigmoid:<s>" (and bare "binary", s = 1).
func parseObjective(obj string) (float64, error) {
	fields := strings.Fields(obj)
	if len(fields) == 0 || fields[0] != "binary" {
		return 0, fmt.Errorf("unsupported objective %q, want binary", obj)
	}
	sigmoid := 1.0
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "sigmoid:"); ok {
			s, err := strconv.ParseFloat(v, 64)
			if err != nil || s <= 0 {
				return 0, fmt.Errorf("invalid sigmoid in objective %q", obj)
			}
			sigmoid = s
		}
	}
	return sigmoid, nil
}

func convertNode(n *lgbNode, width int) (*treeNode, error) {
	if n.SplitFeature == nil {
		if n.LeafValue == nil {
			return nil, errors.New("node has neither split nor leaf value")
		}
		return &treeNode{leaf: true, value: *n.LeafValue}, nil
	}

	if n.DecisionType != "" && n.DecisionType != "<=" {
		return nil, fmt.Errorf("unsupported decision type %q", n.DecisionType)
	}
	feat := *n.SplitFeature
	if feat < 0 || feat >= width {
		return nil, fmt.Errorf("split feature %d out of range [0,%d)", feat, width)
	}
	threshold, err := parseThreshold(n.Threshold)
	if err != nil {
		return nil, err
	}
	if n.LeftChild == nil || n.RightChild == nil {
		return nil, errors.New("split node missing a child")
	}

	out := &treeNode{
		value:       n.InternalValue,
		feature:     feat,
		threshold:   threshold,
		defaultLeft: n.DefaultLeft,
	}
	switch n.MissingType {
	case "", "None":
		out.missing = missingNone
	case "Zero":
		out.missing = missingZero
	case "NaN":
		out.missing = missingNaN
	default:
		return nil, fmt.Errorf("unsupported missing type %q", n.MissingType)
	}

	if out.left, err = convertNode(n.LeftChild, width); err != nil {
		return nil, err
	}
	if out.right, err = convertNode(n.RightChild, width); err != nil {
		return nil, err
	}
	return out, nil
}

// parseThreshold rejects categorical thresholds ("1||3||7"), which LightGBM
// writes as strings.
func parseThreshold(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "inf", "Infinity":
			return math.Inf(1), nil
		case "-inf", "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("categorical split %q not supported", s)
	}
	return 0, fmt.Errorf("invalid threshold %s", string(raw))
}

// goLeft mirrors LightGBM's numerical decision.
func (n *treeNode) goLeft(x float64) bool {
	if math.IsNaN(x) && n.missing != missingNaN {
		x = 0
	}
	if (n.missing == missingZero && math.Abs(x) <= zeroThreshold) || (n.missing == missingNaN && math.IsNaN(x)) {
		return n.defaultLeft
	}
	return x <= n.threshold
}

// Width is the number of input columns the trees index into.
func (c *Classifier) Width() int {
	return c.width
}

// Raw returns the summed leaf values (the log-odds margin).
func (c *Classifier) Raw(x []float64) float64 {
	var sum float64
	for _, root := range c.trees {
		n := root
		for !n.leaf {
			if n.goLeft(x[n.feature]) {
				n = n.left
			} else {
				n = n.right
			}
		}
		sum += n.value
	}
	return sum
}

// Probability returns P(sybil | x).
func (c *Classifier) Probability(x []float64) float64 {
	return 1 / (1 + math.Exp(-c.sigmoid*c.Raw(x)))
}

// Contributions attributes the margin to input columns by walking each
// decision path and crediting the split feature with the change in node
// value. bias + sum(contrib) equals Raw(x).
func (c *Classifier) Contributions(x []float64) (contrib []float64, bias float64) {
	contrib = make([]float64, c.width)
	for _, root := range c.trees {
		bias += root.value
		n := root
		for !n.leaf {
			next := n.right
			if n.goLeft(x[n.feature]) {
				next = n.left
			}
			contrib[n.feature] += next.value - n.value
			n = next
		}
	}
	return contrib, bias
}
