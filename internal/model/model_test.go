package model

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilscan/internal/features"
)

func testPaths() Paths {
	return Paths{
		Classifier:      filepath.Join("testdata", "lgb_classifier.json"),
		AnomalyDetector: filepath.Join("testdata", "iforest.json"),
		FeatureNames:    filepath.Join("testdata", "feature_names.json"),
	}
}

func loadTestModel(t *testing.T) *RiskModel {
	t.Helper()
	m, err := Load(testPaths(), DefaultBounds())
	require.NoError(t, err)
	return m
}

func vec(buy, age, tx float64) features.Vector {
	return features.FromMap(map[string]float64{"buy_count": buy, "wallet_age_days": age, "tx_count": tx})
}

func TestClassifierProbability(t *testing.T) {
	clf, names, err := LoadClassifier(testPaths().Classifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"buy_count", "wallet_age_days", "tx_count"}, names)
	assert.Equal(t, 3, clf.Width())

	// right, left (young) + missing-zero default right + constant tree
	assert.InDelta(t, 2.0, clf.Raw([]float64{1000, 10, 0}), 1e-12)
	assert.InDelta(t, 0.8807970779778823, clf.Probability([]float64{1000, 10, 0}), 1e-12)

	assert.InDelta(t, -2.0, clf.Raw([]float64{0, 0, 0}), 1e-12)
	assert.InDelta(t, 0.11920292202211755, clf.Probability([]float64{0, 0, 0}), 1e-12)

	// non-zero tx_count takes the threshold comparison
	assert.InDelta(t, -2.5-0.2+0.1, clf.Raw([]float64{0, 0, 50}), 1e-12)
	assert.InDelta(t, 0.3+0.4+0.1, clf.Raw([]float64{1000, 90, 500}), 1e-12)
}

func TestClassifierNaNInput(t *testing.T) {
	clf, _, err := LoadClassifier(testPaths().Classifier)
	require.NoError(t, err)
	// NaN reads as 0 for missing_type None, and as missing for Zero
	assert.InDelta(t, clf.Raw([]float64{0, 0, 0}), clf.Raw([]float64{math.NaN(), math.NaN(), math.NaN()}), 1e-12)
}

func TestClassifierContributionsSumToMargin(t *testing.T) {
	clf, _, err := LoadClassifier(testPaths().Classifier)
	require.NoError(t, err)

	for _, x := range [][]float64{{1000, 10, 0}, {0, 0, 0}, {0, 45, 101}, {5000, 500, 7}} {
		contrib, bias := clf.Contributions(x)
		sum := bias
		for _, c := range contrib {
			sum += c
		}
		assert.InDelta(t, clf.Raw(x), sum, 1e-12, "%v", x)
		// the explained margin is the one the probability is computed from
		assert.InDelta(t, 1/(1+math.Exp(-sum)), clf.Probability(x), 1e-12, "%v", x)
	}

	contrib, bias := clf.Contributions([]float64{1000, 10, 0})
	assert.InDelta(t, 0.15, bias, 1e-12)
	assert.InDelta(t, 0.8, contrib[0], 1e-12)
	assert.InDelta(t, 0.7, contrib[1], 1e-12)
	assert.InDelta(t, 0.35, contrib[2], 1e-12)
}

func TestParseClassifierErrors(t *testing.T) {
	leaf := `{"tree_index":0,"tree_structure":{"leaf_value":0.1}}`
	split := func(extra string) string {
		return `{"tree_index":0,"tree_structure":{"split_feature":0,"decision_type":"<=","internal_value":0,` + extra +
			`"left_child":{"leaf_value":1},"right_child":{"leaf_value":2}}}`
	}
	doc := func(objective, trees string) string {
		return `{"objective":"` + objective + `","max_feature_idx":0,"feature_names":["buy_count"],"tree_info":[` + trees + `]}`
	}

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"not json", `{`, "decode classifier"},
		{"multiclass", `{"num_class":3,"objective":"multiclass","tree_info":[` + leaf + `]}`, "binary"},
		{"regression", doc("regression", leaf), "unsupported objective"},
		{"bad sigmoid", doc("binary sigmoid:x", leaf), "invalid sigmoid"},
		{"no trees", doc("binary sigmoid:1", ""), "no trees"},
		{"categorical", doc("binary sigmoid:1", split(`"threshold":"1||3",`)), "categorical"},
		{"missing threshold", doc("binary sigmoid:1", split(``)), "invalid threshold"},
		{"unknown missing type", doc("binary sigmoid:1", split(`"threshold":1,"missing_type":"Weird",`)), "missing type"},
		{"feature out of range", doc("binary sigmoid:1", strings.Replace(split(`"threshold":1,`), `"split_feature":0`, `"split_feature":4`, 1)), "out of range"},
		{"empty node", doc("binary sigmoid:1", `{"tree_index":0,"tree_structure":{}}`), "neither split nor leaf"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClassifier([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseObjective(t *testing.T) {
	s, err := parseObjective("binary sigmoid:2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, s)

	s, err = parseObjective("binary")
	require.NoError(t, err)
	assert.Equal(t, 1.0, s)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 1.207392357589623, averagePathLength(3), 1e-12)
	assert.InDelta(t, 1.8516559071392855, averagePathLength(4), 1e-12)
	assert.InDelta(t, 10.244770920119917, averagePathLength(256), 1e-9)
}

func TestIsolationForest(t *testing.T) {
	f, names, err := LoadIsolationForest(testPaths().AnomalyDetector)
	require.NoError(t, err)
	assert.Len(t, names, 3)

	// both trees isolate at depth 1
	assert.InDelta(t, -0.6877436677784063, f.ScoreSamples([]float64{1000, 10, 0}), 1e-9)
	assert.InDelta(t, 0.18774366777840634, f.Anomaly([]float64{1000, 10, 0}), 1e-9)

	assert.InDelta(t, 0.0486326635655685, f.Anomaly([]float64{0, 0, 0}), 1e-9)
	assert.InDelta(t, -0.06234013683700068, f.Anomaly([]float64{0, 100, 0}), 1e-9)
	assert.InDelta(t, -f.Decision([]float64{0, 0, 0}), f.Anomaly([]float64{0, 0, 0}), 1e-15)
}

func TestIsolationForestComparesAsFloat32(t *testing.T) {
	f, _, err := ParseIsolationForest([]byte(`{"max_samples":4,"offset":-0.5,"n_features":1,"estimators":[{"nodes":[
		{"feature":0,"threshold":1700000000.5,"left":1,"right":2,"n_samples":4},
		{"feature":-2,"threshold":-2,"left":-1,"right":-1,"n_samples":3},
		{"feature":-2,"threshold":-2,"left":-1,"right":-1,"n_samples":1}]}]}`))
	require.NoError(t, err)

	left := f.ScoreSamples([]float64{1700000000})
	right := f.ScoreSamples([]float64{1700000256})
	require.NotEqual(t, left, right)

	// 1700000001 rounds to 1700000000 in float32 and so goes left
	assert.Equal(t, left, f.ScoreSamples([]float64{1700000001}))
	// 1700000200 rounds up to 1700000256
	assert.Equal(t, right, f.ScoreSamples([]float64{1700000200}))
}

func TestParseIsolationForestErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"not json", `[`, "decode anomaly detector"},
		{"no max samples", `{"n_features":1,"estimators":[{"nodes":[{"left":-1,"right":-1}]}]}`, "max_samples"},
		{"no estimators", `{"max_samples":4,"n_features":1}`, "no estimators"},
		{"no width", `{"max_samples":4,"estimators":[{"nodes":[{"left":-1,"right":-1}]}]}`, "width"},
		{"empty estimator", `{"max_samples":4,"n_features":1,"estimators":[{"nodes":[]}]}`, "no nodes"},
		{"bad child", `{"max_samples":4,"n_features":1,"estimators":[{"nodes":[{"feature":0,"left":0,"right":5}]}]}`, "bad child"},
		{"column out of range", `{"max_samples":4,"n_features":1,"estimators":[{"nodes":[
			{"feature":3,"left":1,"right":2},{"left":-1,"right":-1},{"left":-1,"right":-1}]}]}`, "out of range"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseIsolationForest([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBoundsNormalize(t *testing.T) {
	b := DefaultBounds()
	assert.Equal(t, 0.0, b.Normalize(-1))
	assert.Equal(t, 1.0, b.Normalize(1))
	assert.InDelta(t, 0.6, b.Normalize(0), 1e-12)
	assert.InDelta(t, 0.5, Bounds{Min: 0.1, Max: 0.1}.Normalize(7), 1e-12)
	assert.InDelta(t, 0.5, Bounds{Min: 0.2, Max: 0.1}.Normalize(7), 1e-12)

	prev := -1.0
	for raw := -0.5; raw <= 0.5; raw += 0.01 {
		n := b.Normalize(raw)
		assert.GreaterOrEqual(t, n, prev)
		assert.GreaterOrEqual(t, n, 0.0)
		assert.LessOrEqual(t, n, 1.0)
		prev = n
	}
}

func TestPredict(t *testing.T) {
	m := loadTestModel(t)

	p := m.Predict(vec(1000, 10, 0))
	assert.InDelta(t, 0.8807970779778823, p.Probability, 1e-12)
	assert.InDelta(t, 0.18774366777840634, p.AnomalyRaw, 1e-9)
	assert.Equal(t, 1.0, p.AnomalyNorm)
	assert.InDelta(t, 0.9165579545845175, p.Blend, 1e-9)

	z := m.Predict(features.Zero())
	assert.InDelta(t, 0.11920292202211755, z.Probability, 1e-12)
	assert.InDelta(t, 0.3120747089810508, z.Blend, 1e-9)
	assert.InDelta(t, 0.762108878551895, z.AnomalyNorm, 1e-9)
	assert.Equal(t, z, m.Predict(features.Zero()), "deterministic")

	for _, v := range []features.Vector{vec(0, 0, 0), vec(1e9, 1e9, 1e9), vec(-5, -5, -5)} {
		b := m.Predict(v).Blend
		assert.GreaterOrEqual(t, b, 0.0)
		assert.LessOrEqual(t, b, 1.0)
	}
}

func TestExplain(t *testing.T) {
	m := loadTestModel(t)

	ex := m.Explain(vec(1000, 10, 0), DefaultTopFeatures)
	require.Len(t, ex, 3)
	assert.Equal(t, "buy_count", ex[0].Feature)
	assert.Equal(t, "NFT buy count", ex[0].Label)
	assert.Equal(t, 1000.0, ex[0].Value)
	assert.InDelta(t, 0.8, ex[0].Contribution, 1e-12)
	assert.Equal(t, "wallet_age_days", ex[1].Feature)
	assert.Equal(t, "tx_count", ex[2].Feature)

	assert.Len(t, m.Explain(vec(1000, 10, 0), 1), 1)
	assert.Len(t, m.Explain(vec(1000, 10, 0), 10), 3)
	assert.Empty(t, m.Explain(vec(1000, 10, 0), 0))
}

func TestExplainRecoversFromFault(t *testing.T) {
	m := loadTestModel(t)
	broken := *m
	broken.names = nil // indexing panics

	assert.NotPanics(t, func() {
		assert.Empty(t, broken.Explain(vec(1000, 10, 0), 3))
	})
}

func TestNewShapeChecks(t *testing.T) {
	clf, _, err := LoadClassifier(testPaths().Classifier)
	require.NoError(t, err)
	det, _, err := LoadIsolationForest(testPaths().AnomalyDetector)
	require.NoError(t, err)

	_, err = New(clf, det, []string{"buy_count", "wallet_age_days"}, DefaultBounds())
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New(clf, det, []string{"buy_count", "wallet_age_days", "buy_last_ts"}, DefaultBounds())
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "buy_last_ts")

	_, err = New(clf, det, []string{"buy_count", "buy_count", "tx_count"}, DefaultBounds())
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New(nil, det, []string{"buy_count"}, DefaultBounds())
	assert.Error(t, err)

	m, err := New(clf, det, []string{"buy_count", "wallet_age_days", "tx_count"}, DefaultBounds())
	require.NoError(t, err)
	assert.Equal(t, []string{"buy_count", "wallet_age_days", "tx_count"}, m.Columns())
}

func TestLoadMissingFiles(t *testing.T) {
	p := testPaths()
	p.Classifier = filepath.Join(t.TempDir(), "missing.json")
	_, err := Load(p, DefaultBounds())
	assert.Error(t, err)

	p = testPaths()
	p.FeatureNames = ""
	m, err := Load(p, DefaultBounds())
	require.NoError(t, err, "dump column names are used when no list is given")
	assert.Len(t, m.Columns(), 3)
}

func TestReferenceBounds(t *testing.T) {
	m := loadTestModel(t)

	b := m.ReferenceBounds([]features.Vector{vec(0, 0, 0), vec(1000, 10, 0), vec(0, 100, 0)})
	assert.InDelta(t, -0.06234013683700068, b.Min, 1e-9)
	assert.InDelta(t, 0.18774366777840634, b.Max, 1e-9)

	assert.Equal(t, DefaultBounds(), m.ReferenceBounds(nil))

	m2 := m.WithBounds(b)
	assert.Equal(t, b, m2.Bounds())
	assert.Equal(t, DefaultBounds(), m.Bounds(), "original is unchanged")
	assert.Equal(t, 1.0, m2.Predict(vec(1000, 10, 0)).AnomalyNorm)
	assert.Equal(t, 0.0, m2.Predict(vec(0, 100, 0)).AnomalyNorm)
}
