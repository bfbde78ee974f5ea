package glm

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Emberwhirl/mixedmodels-misc/statmodel"
)

// CoefProfiler is used to do likelihood profile analysis on a single
// regression coefficient.  The coefficient is held fixed through the
// offset while the remaining coefficients are refit.
type CoefProfiler struct {

	// The profile analysis is done with respect to this fitted
	// model.
	results *GLMResults

	// Position of the profiled coefficient in the parameter vector.
	coef int

	// The reduced model, with the profiled covariate removed and an
	// offset column in its place.
	reduced *GLM

	// Offset column of the reduced model, rewritten for each value.
	offset []float64

	// The profiled covariate and the original offset (possibly nil).
	xcol    []float64
	baseoff []float64

	// The estimate of the coefficient and the log-likelihood at the
	// estimate.
	mle        float64
	maxLogLike float64

	// A sequence of (coefficient, log-likelihood) values that lie on
	// the profile curve.
	Profile [][2]float64
}

const profileOffsetName = "__profile_offset"

// NewCoefProfiler returns a CoefProfiler for the named covariate of a
// fitted model.
func NewCoefProfiler(result *GLMResults, name string) (*CoefProfiler, error) {

	model := result.Model().(*GLM)

	coef := -1
	for j, na := range result.Names() {
		if na == name {
			coef = j
		}
	}
	if coef == -1 {
		return nil, fmt.Errorf("glm: no covariate named %q", name)
	}

	yda, _, off := model.columns()
	n := len(yda)

	var data [][]statmodel.Dtype
	var names []string
	for k, na := range model.names {
		if k == model.xpos[coef] || k == model.offsetpos {
			continue
		}
		data = append(data, model.data[k])
		names = append(names, na)
	}
	offset := make([]float64, n)
	data = append(data, offset)
	names = append(names, profileOffsetName)

	reduced := NewGLM(data, names, model.yname).
		Family(model.fam).
		Link(model.link).
		Offset(profileOffsetName).
		MaxIter(model.maxIter)
	if model.weightname != "" {
		reduced.Weight(model.weightname)
	}
	reduced.Done()

	cp := &CoefProfiler{
		results:    result,
		coef:       coef,
		reduced:    reduced,
		offset:     offset,
		xcol:       model.data[model.xpos[coef]],
		baseoff:    off,
		mle:        result.Params()[coef],
		maxLogLike: result.LogLike(),
	}

	return cp, nil
}

// MLE returns the estimate of the profiled coefficient.
func (cp *CoefProfiler) MLE() float64 {
	return cp.mle
}

type profPoint [][2]float64

func (a profPoint) Len() int           { return len(a) }
func (a profPoint) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a profPoint) Less(i, j int) bool { return a[i][0] < a[j][0] }

// LogLike returns the profile log likelihood value with the
// coefficient fixed at the given value.
func (cp *CoefProfiler) LogLike(b float64) float64 {

	for i := range cp.offset {
		cp.offset[i] = b * cp.xcol[i]
		if cp.baseoff != nil {
			cp.offset[i] += cp.baseoff[i]
		}
	}

	if cp.reduced.NumParams() == 0 {
		return cp.reduced.LogLike(&GLMParams{}, true)
	}

	ir, err := cp.reduced.fitIRLS(nil, cp.reduced.maxIter)
	if err != nil {
		log.Warningf("profile fit at %g failed: %v", b, err)
		return math.Inf(-1)
	}

	return cp.reduced.LogLike(&GLMParams{coeff: ir.params}, true)
}

func bisectroot(f func(float64) float64, x0, x1, y0, y1, yt, tol float64) (float64, [][2]float64) {

	if (y0-yt)*(y1-yt) > 0 {
		panic("bisectroot invalid bracket")
	}

	var hist [][2]float64

	for x1-x0 > tol {
		x := (x0 + x1) / 2
		y := f(x)
		hist = append(hist, [2]float64{x, y})
		if (y-yt)*(y0-yt) > 0 {
			x0 = x
			y0 = y
		} else {
			x1 = x
		}
	}

	return (x0 + x1) / 2, hist
}

// maxDoublings bounds the outward search for the edge of a profile
// interval.  A profile that stays above the target is unbounded on that
// side.
const maxDoublings = 40

// ConfInt identifies coefficient values b0, b1 that define a profile
// confidence interval for the coefficient.  All points on the profile
// likelihood visited during the search are added to the Profile field.
// A side on which the profile never falls below the cutoff is reported
// as an infinite bound.
func (cp *CoefProfiler) ConfInt(prob float64) (float64, float64) {

	qp := distuv.ChiSquared{K: 1}.Quantile(prob) / 2
	target := cp.maxLogLike - qp

	// Initial step from the Wald standard error when it is available.
	step := 0.1 * math.Max(math.Abs(cp.mle), 1)
	if se := cp.results.StdErr(); se != nil && se[cp.coef] > 0 {
		step = se[cp.coef]
	}

	b0 := cp.edge(-1, step, target)
	b1 := cp.edge(1, step, target)

	sort.Sort(profPoint(cp.Profile))

	return b0, b1
}

// edge searches outward from the estimate in direction dir until the
// profile drops below target, then bisects back to the crossing.
func (cp *CoefProfiler) edge(dir, step, target float64) float64 {

	tol := 1e-4 * step

	b := cp.mle + dir*step
	ll := cp.LogLike(b)
	cp.Profile = append(cp.Profile, [2]float64{b, ll})
	for k := 0; ll > target; k++ {
		if k == maxDoublings {
			return math.Inf(int(dir))
		}
		step *= 2
		b = cp.mle + dir*step
		ll = cp.LogLike(b)
		cp.Profile = append(cp.Profile, [2]float64{b, ll})
	}

	var root float64
	var hist [][2]float64
	if dir < 0 {
		root, hist = bisectroot(cp.LogLike, b, cp.mle, ll, cp.maxLogLike, target, tol)
	} else {
		root, hist = bisectroot(cp.LogLike, cp.mle, b, cp.maxLogLike, ll, target, tol)
	}
	cp.Profile = append(cp.Profile, hist...)

	return root
}
