// Package simtrial builds synthetic binomial dose-response trials from a
// complementary log-log mixed model.  Every treatment has a fixed
// intercept and slope; every replicate (a treatment and repeat index
// pair) adds a bivariate normal offset shared by all of its rows.
package simtrial

import (
	"errors"
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"
)

var log = logging.MustGetLogger("simtrial")

// ErrInvalidParam is returned (wrapped) for any unusable generator parameter.
var ErrInvalidParam = errors.New("simtrial: invalid parameter")

// covTol is the relative tolerance used when checking that the random
// effect covariance is symmetric and positive semidefinite.
const covTol = 1e-10

// Effect is an (intercept, slope) pair on the linear predictor scale.
type Effect struct {
	Intercept float64
	Slope     float64
}

// Params fully determines a synthetic trial together with the random source.
type Params struct {

	// Covariate (dose) values, shared by every replicate.
	XGrid []float64

	// Treatment labels, in treatment order.
	Treatments []string

	// Number of replicates per treatment.
	Repeats int

	// Intercepts[j] and Slopes[j] are the fixed effects of Treatments[j].
	Intercepts []float64
	Slopes     []float64

	// Covariance of the replicate (intercept, slope) offsets.
	Cov [2][2]float64

	// Binomial trial size of every row.
	Trials int

	// Probability at which the critical dose is computed.
	Threshold float64
}

// Seq returns from, from+by, ... up to and including to (within rounding).
func Seq(from, to, by float64) []float64 {
	if by == 0 || (to-from)/by < 0 {
		return nil
	}
	n := int(math.Floor((to-from)/by+1e-10)) + 1
	x := make([]float64, n)
	for i := range x {
		x[i] = from + float64(i)*by
	}
	return x
}

// Tile repeats the pattern p until the result has length n.
func Tile(p []float64, n int) []float64 {
	if len(p) == 0 {
		return nil
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = p[i%len(p)]
	}
	return x
}

// Letters returns the first n upper case letters, "A", "B", ...
func Letters(n int) []string {
	if n > 26 {
		panic(fmt.Sprintf("simtrial: %d letters requested, only 26 exist", n))
	}
	s := make([]string, n)
	for i := range s {
		s[i] = string(rune('A' + i))
	}
	return s
}

// DefaultCov is the random effect covariance used by DefaultParams.  Its
// slope variance is deliberately tiny.
var DefaultCov = [2][2]float64{
	{0.06, -0.001},
	{-0.001, 0.0001},
}

// DefaultParams returns the reference design: doses 0, 2, ..., 28,
// treatments A to X with three replicates each, intercepts -3.00 to
// 0.45 in steps of 0.15, slopes 0.05 to 0.30 tiled four times, and 25
// trials per row.
func DefaultParams() Params {
	trt := Letters(24)
	return Params{
		XGrid:      Seq(0, 28, 2),
		Treatments: trt,
		Repeats:    3,
		Intercepts: Seq(-3, 0.45, 0.15),
		Slopes:     Tile(Seq(0.05, 0.30, 0.05), len(trt)),
		Cov:        DefaultCov,
		Trials:     25,
		Threshold:  0.99,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParam, fmt.Sprintf(format, args...))
}

// Validate checks every parameter before anything is drawn.
func (p *Params) Validate() error {

	if len(p.XGrid) == 0 {
		return invalid("empty covariate grid")
	}
	for _, x := range p.XGrid {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return invalid("covariate value %v is not finite", x)
		}
	}

	if len(p.Treatments) == 0 {
		return invalid("no treatments")
	}
	seen := make(map[string]bool, len(p.Treatments))
	for _, t := range p.Treatments {
		if t == "" {
			return invalid("empty treatment label")
		}
		if seen[t] {
			return invalid("duplicate treatment label %q", t)
		}
		seen[t] = true
	}

	if p.Repeats <= 0 {
		return invalid("repeat count %d must be positive", p.Repeats)
	}
	if p.Trials <= 0 {
		return invalid("trial size %d must be positive", p.Trials)
	}
	if !(p.Threshold > 0 && p.Threshold < 1) {
		return invalid("threshold %v must lie in (0, 1)", p.Threshold)
	}

	if len(p.Intercepts) != len(p.Treatments) {
		return invalid("%d intercepts for %d treatments", len(p.Intercepts), len(p.Treatments))
	}
	if len(p.Slopes) != len(p.Treatments) {
		return invalid("%d slopes for %d treatments", len(p.Slopes), len(p.Treatments))
	}
	for j, t := range p.Treatments {
		b0, b1 := p.Intercepts[j], p.Slopes[j]
		if math.IsNaN(b0) || math.IsInf(b0, 0) || math.IsNaN(b1) || math.IsInf(b1, 0) {
			return invalid("treatment %s has a non-finite effect", t)
		}
		if b1 == 0 {
			return invalid("treatment %s has zero slope", t)
		}
	}

	return checkCov(p.Cov)
}

// checkCov verifies that c is a symmetric positive semidefinite matrix.
func checkCov(c [2][2]float64) error {

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.IsNaN(c[i][j]) || math.IsInf(c[i][j], 0) {
				return invalid("covariance entry (%d,%d) is not finite", i, j)
			}
		}
	}

	if c[0][0] < 0 || c[1][1] < 0 {
		return invalid("covariance has a negative variance (%v, %v)", c[0][0], c[1][1])
	}

	scale := math.Max(math.Abs(c[0][0]), math.Abs(c[1][1]))
	scale = math.Max(scale, math.Abs(c[0][1]))
	if math.Abs(c[0][1]-c[1][0]) > covTol*math.Max(scale, 1) {
		return invalid("covariance is not symmetric")
	}

	var eig mat.EigenSym
	if !eig.Factorize(symCov(c), false) {
		return invalid("covariance eigendecomposition failed")
	}
	vals := eig.Values(nil)
	if vals[0] < -covTol*math.Max(scale, 1) {
		return invalid("covariance is not positive semidefinite (eigenvalue %v)", vals[0])
	}

	return nil
}

func symCov(c [2][2]float64) *mat.SymDense {
	return mat.NewSymDense(2, []float64{c[0][0], c[0][1], c[0][1], c[1][1]})
}

// EffectTable maps each treatment label to its fixed effects.
func (p *Params) EffectTable() map[string]Effect {
	tab := make(map[string]Effect, len(p.Treatments))
	for j, t := range p.Treatments {
		tab[t] = Effect{Intercept: p.Intercepts[j], Slope: p.Slopes[j]}
	}
	return tab
}

// ReplicateID is the identifier of repeat r (0-based) of treatment j
// (0-based).  Ids are 1-based and the repeat index varies fastest.
func (p *Params) ReplicateID(j, r int) int {
	return j*p.Repeats + r + 1
}

// NumRows returns the number of rows Generate produces.
func (p *Params) NumRows() int {
	return len(p.XGrid) * len(p.Treatments) * p.Repeats
}
