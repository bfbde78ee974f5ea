package simtrial

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Row is one (dose, treatment, replicate) cell of the trial.
type Row struct {
	X         float64
	Treatment string
	Replicate int
	Dead      int
	Alive     int
}

// Dataset is a generated (or loaded) trial.  The truth fields are only
// populated by Generate.
type Dataset struct {
	Rows   []Row
	Trials int

	// Fixed effects by treatment label.
	Effects map[string]Effect

	// Random offsets by replicate id.
	RandomEffects map[int]Effect

	// Treatment of every replicate id.
	ReplicateTreatment map[int]string

	// Dose at which the true probability reaches the threshold, by treatment.
	CriticalDose map[string]float64
}

// CloglogLink maps a probability to the linear predictor scale.
func CloglogLink(p float64) float64 {
	return math.Log(-math.Log(1 - p))
}

// InvCloglog maps a linear predictor to a probability.  The result is
// kept within [eps, 1-eps] so that it stays strictly inside (0, 1) in
// floating point.
func InvCloglog(eta float64) float64 {
	const eps = 2.220446049250313e-16
	p := -math.Expm1(-math.Exp(eta))
	return math.Max(math.Min(p, 1-eps), eps)
}

// CriticalDose returns the covariate value at which a curve with
// intercept b0 and slope b1 reaches probability q.
func CriticalDose(b0, b1, q float64) float64 {
	return (CloglogLink(q) - b0) / b1
}

// effectSampler draws replicate offsets from N(0, cov).
type effectSampler func() Effect

func newEffectSampler(cov [2][2]float64, src rand.Source) effectSampler {

	sym := symCov(cov)

	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if nrm, ok := distmv.NewNormal([]float64{0, 0}, sym, src); ok {
			x := make([]float64, 2)
			return func() Effect {
				nrm.Rand(x)
				return Effect{Intercept: x[0], Slope: x[1]}
			}
		}
	}

	// Semidefinite but singular: use the eigen square root.
	log.Debug("random effect covariance is singular, using eigen square root")
	var eig mat.EigenSym
	eig.Factorize(sym, true)
	vals := eig.Values(nil)
	var vec mat.Dense
	eig.VectorsTo(&vec)
	var a [2][2]float64
	for j := 0; j < 2; j++ {
		s := math.Sqrt(math.Max(vals[j], 0))
		for i := 0; i < 2; i++ {
			a[i][j] = vec.At(i, j) * s
		}
	}
	std := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	return func() Effect {
		z0, z1 := std.Rand(), std.Rand()
		return Effect{
			Intercept: a[0][0]*z0 + a[0][1]*z1,
			Slope:     a[1][0]*z0 + a[1][1]*z1,
		}
	}
}

// Generate builds a trial from p using src as the only source of
// randomness.  The rows are the full cross of doses, treatments and
// repeat indices, with the dose varying fastest and the repeat index
// slowest.  One offset is drawn per replicate in increasing id order,
// after which one binomial count is drawn per row in row order, so
// the same seed and parameters always give the same data.
func Generate(p Params, src rand.Source) (*Dataset, error) {

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, invalid("nil random source")
	}

	effects := p.EffectTable()
	nrep := len(p.Treatments) * p.Repeats

	ds := &Dataset{
		Rows:               make([]Row, 0, p.NumRows()),
		Trials:             p.Trials,
		Effects:            effects,
		RandomEffects:      make(map[int]Effect, nrep),
		ReplicateTreatment: make(map[int]string, nrep),
		CriticalDose:       make(map[string]float64, len(p.Treatments)),
	}

	for r := 0; r < p.Repeats; r++ {
		for j, trt := range p.Treatments {
			id := p.ReplicateID(j, r)
			ds.ReplicateTreatment[id] = trt
			for _, x := range p.XGrid {
				ds.Rows = append(ds.Rows, Row{X: x, Treatment: trt, Replicate: id})
			}
		}
	}

	draw := newEffectSampler(p.Cov, src)
	for id := 1; id <= nrep; id++ {
		ds.RandomEffects[id] = draw()
	}

	for i := range ds.Rows {
		pr := ds.Prob(i)
		bin := distuv.Binomial{N: float64(p.Trials), P: pr, Src: src}
		dead := int(bin.Rand())
		ds.Rows[i].Dead = dead
		ds.Rows[i].Alive = p.Trials - dead
	}

	for trt, e := range effects {
		ds.CriticalDose[trt] = CriticalDose(e.Intercept, e.Slope, p.Threshold)
	}

	log.Debugf("generated %d rows, %d replicates", len(ds.Rows), nrep)

	return ds, nil
}

// LinearPredictor returns the true linear predictor of row i.  It
// returns NaN when the dataset carries no generating effects.
func (ds *Dataset) LinearPredictor(i int) float64 {
	row := ds.Rows[i]
	fe, ok1 := ds.Effects[row.Treatment]
	re, ok2 := ds.RandomEffects[row.Replicate]
	if !ok1 || !ok2 {
		return math.NaN()
	}
	return (fe.Intercept + re.Intercept) + (fe.Slope+re.Slope)*row.X
}

// Prob returns the true success probability of row i.
func (ds *Dataset) Prob(i int) float64 {
	return InvCloglog(ds.LinearPredictor(i))
}

// HasTruth reports whether the generating effects are known.
func (ds *Dataset) HasTruth() bool {
	return ds.Effects != nil && ds.RandomEffects != nil
}

// NumReplicates returns the number of distinct replicate ids.
func (ds *Dataset) NumReplicates() int {
	return len(ds.ReplicateIDs())
}

// ReplicateIDs returns the distinct replicate ids in increasing order.
func (ds *Dataset) ReplicateIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, r := range ds.Rows {
		if !seen[r.Replicate] {
			seen[r.Replicate] = true
			ids = append(ids, r.Replicate)
		}
	}
	sort.Ints(ids)
	return ids
}

// TreatmentLabels returns the treatment labels in order of first appearance.
func (ds *Dataset) TreatmentLabels() []string {
	seen := make(map[string]bool)
	var labels []string
	for _, r := range ds.Rows {
		if !seen[r.Treatment] {
			seen[r.Treatment] = true
			labels = append(labels, r.Treatment)
		}
	}
	return labels
}
