package forecast

import (
	"sort"

	"github.com/lox/bikecast/internal/features"
)

// GBRTConfig controls gradient-boosted tree training.
type GBRTConfig struct {
	Rounds         int     `json:"rounds"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
}

func DefaultGBRTConfig() GBRTConfig {
	return GBRTConfig{
		Rounds:         100,
		LearningRate:   0.1,
		MaxDepth:       5,
		MinSamplesLeaf: 20,
	}
}

type treeNode struct {
	Feature   int     `json:"f"` // -1 for a leaf
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

type tree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t tree) eval(row []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// GradientBoosting is a squared-loss gradient-boosted regression tree
// ensemble. Training is deterministic: ties between equally good splits go to
// the lower feature index and the lower threshold.
type GradientBoosting struct {
	cfg        GBRTConfig
	features   []string
	base       float64
	trees      []tree
	importance []int
}

func NewGradientBoosting(cfg GBRTConfig) *GradientBoosting {
	def := DefaultGBRTConfig()
	if cfg.Rounds <= 0 {
		cfg.Rounds = def.Rounds
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 1
	}
	return &GradientBoosting{cfg: cfg}
}

func (g *GradientBoosting) Kind() string { return KindGBRT }

func (g *GradientBoosting) Config() GBRTConfig { return g.cfg }

func (g *GradientBoosting) Features() []string {
	return append([]string(nil), g.features...)
}

func (g *GradientBoosting) Fit(X *features.Matrix, y []float64) error {
	if err := validateTraining(X, y); err != nil {
		return err
	}
	n, p := X.Len(), len(X.Columns)

	var sum float64
	for _, v := range y {
		sum += v
	}
	base := sum / float64(n)

	sorted := make([][]int, p)
	for f := 0; f < p; f++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return X.Rows[idx[a]][f] < X.Rows[idx[b]][f] })
		sorted[f] = idx
	}

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}
	resid := make([]float64, n)
	importance := make([]int, p)
	trees := make([]tree, 0, g.cfg.Rounds)

	for round := 0; round < g.cfg.Rounds; round++ {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		t, leafOf := g.growTree(X.Rows, resid, sorted, importance)
		for i := range pred {
			pred[i] += g.cfg.LearningRate * t.Nodes[leafOf[i]].Value
		}
		trees = append(trees, t)
	}

	g.features = append([]string(nil), X.Columns...)
	g.base = base
	g.trees = trees
	g.importance = importance
	return nil
}

type candidate struct {
	ok        bool
	feature   int
	threshold float64
	gain      float64
}

// growTree builds one tree level by level. Each pass over a feature's
// presorted row order evaluates every open node at once.
func (g *GradientBoosting) growTree(rows [][]float64, resid []float64, sorted [][]int, importance []int) (tree, []int) {
	n := len(resid)
	minLeaf := g.cfg.MinSamplesLeaf
	t := tree{Nodes: []treeNode{{Feature: -1}}}
	nodeOf := make([]int, n)
	open := []bool{true}

	for depth := 0; depth < g.cfg.MaxDepth; depth++ {
		size := len(t.Nodes)
		count := make([]int, size)
		total := make([]float64, size)
		for i, a := range nodeOf {
			count[a]++
			total[a] += resid[i]
		}

		best := make([]candidate, size)
		leftCount := make([]int, size)
		leftSum := make([]float64, size)
		last := make([]float64, size)
		for f := range sorted {
			clear(leftCount)
			clear(leftSum)
			for _, i := range sorted[f] {
				a := nodeOf[i]
				if !open[a] {
					continue
				}
				v := rows[i][f]
				lc := leftCount[a]
				if lc >= minLeaf && count[a]-lc >= minLeaf && v > last[a] {
					ls := leftSum[a]
					rs := total[a] - ls
					rc := count[a] - lc
					gain := ls*ls/float64(lc) + rs*rs/float64(rc) - total[a]*total[a]/float64(count[a])
					if gain > 1e-12 && (!best[a].ok || gain > best[a].gain) {
						best[a] = candidate{ok: true, feature: f, threshold: (last[a] + v) / 2, gain: gain}
					}
				}
				leftCount[a]++
				leftSum[a] += resid[i]
				last[a] = v
			}
		}

		split := false
		for a := 0; a < size; a++ {
			if !open[a] {
				continue
			}
			open[a] = false
			if !best[a].ok {
				continue
			}
			l := len(t.Nodes)
			t.Nodes = append(t.Nodes, treeNode{Feature: -1}, treeNode{Feature: -1})
			open = append(open, true, true)
			t.Nodes[a] = treeNode{Feature: best[a].feature, Threshold: best[a].threshold, Left: l, Right: l + 1}
			importance[best[a].feature]++
			split = true
		}
		if !split {
			break
		}
		for i, a := range nodeOf {
			if nd := t.Nodes[a]; nd.Feature >= 0 {
				if rows[i][nd.Feature] <= nd.Threshold {
					nodeOf[i] = nd.Left
				} else {
					nodeOf[i] = nd.Right
				}
			}
		}
	}

	count := make([]int, len(t.Nodes))
	sum := make([]float64, len(t.Nodes))
	for i, a := range nodeOf {
		count[a]++
		sum[a] += resid[i]
	}
	for a := range t.Nodes {
		if t.Nodes[a].Feature < 0 && count[a] > 0 {
			t.Nodes[a].Value = sum[a] / float64(count[a])
		}
	}
	return t, nodeOf
}

func (g *GradientBoosting) Predict(X *features.Matrix) ([]float64, error) {
	sel, err := prepare(g.features, X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, sel.Len())
	for i, row := range sel.Rows {
		v := g.base
		for _, t := range g.trees {
			v += g.cfg.LearningRate * t.eval(row)
		}
		out[i] = v
	}
	return out, nil
}

// Importances returns the number of splits made on each fitted feature.
func (g *GradientBoosting) Importances() map[string]int {
	out := make(map[string]int, len(g.features))
	for i, f := range g.features {
		out[f] = g.importance[i]
	}
	return out
}

// TopFeatures returns up to k fitted features ordered by split count, ties
// keeping the fitted column order.
func (g *GradientBoosting) TopFeatures(k int) []string {
	idx := make([]int, len(g.features))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return g.importance[idx[a]] > g.importance[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]string, 0, k)
	for _, i := range idx[:k] {
		out = append(out, g.features[i])
	}
	return out
}
