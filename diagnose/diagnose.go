// Package diagnose checks fitted models for convergence problems and
// singular random-effect covariances.  Problems are reported, never
// repaired.
package diagnose

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var log = logging.MustGetLogger("diagnose")

const (
	// DefaultGradTol is the largest acceptable absolute (or relative)
	// gradient component at a reported optimum.
	DefaultGradTol = 2e-3

	// DefaultSingularTol is the boundary tolerance for covariance
	// factors.
	DefaultSingularTol = 1e-4

	// maxCond is the eigenvalue ratio of the Hessian above which the
	// model is reported as nearly unidentifiable.
	maxCond = 1e8
)

// Report summarizes the convergence checks of one fit.
type Report struct {

	// Converged is true when the gradient test passes and the
	// Hessian is negative definite.
	Converged bool `json:"converged"`

	// Largest absolute gradient component.
	MaxGrad float64 `json:"max_grad"`

	// Largest component of the Newton step -H^{-1}g, NaN when the
	// Hessian is not negative definite.
	RelGrad float64 `json:"rel_grad"`

	// HessianPD reports whether the negative Hessian has a Cholesky
	// factor.
	HessianPD bool `json:"hessian_pd"`

	// Condition number of the negative Hessian, +Inf when it is not
	// positive definite.
	Cond float64 `json:"cond"`

	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	log.Warning(msg)
}

// Convergence checks the gradient and Hessian of a log-likelihood at a
// reported maximum.  The Hessian is n x n in row-major order.  A
// non-positive tol selects DefaultGradTol.
func Convergence(grad, hess []float64, n int, tol float64) Report {

	if tol <= 0 {
		tol = DefaultGradTol
	}

	if len(grad) != n || len(hess) != n*n {
		msg := fmt.Sprintf("diagnose: gradient length %d and Hessian length %d for %d parameters\n",
			len(grad), len(hess), n)
		panic(msg)
	}

	rpt := Report{
		RelGrad: math.NaN(),
		Cond:    math.Inf(1),
	}

	if n == 0 {
		rpt.Converged = true
		return rpt
	}

	rpt.MaxGrad = floats.Norm(grad, math.Inf(1))

	// Negative Hessian, symmetrized.
	nh := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			nh.SetSym(i, j, -(hess[i*n+j]+hess[j*n+i])/2)
		}
	}

	var chol mat.Cholesky
	if chol.Factorize(nh) {
		rpt.HessianPD = true
		rpt.Cond = chol.Cond()

		var step mat.VecDense
		if err := chol.SolveVecTo(&step, mat.NewVecDense(n, append([]float64(nil), grad...))); err == nil {
			rpt.RelGrad = floats.Norm(step.RawVector().Data, math.Inf(1))
		}
	}

	gradOK := rpt.MaxGrad < tol || rpt.RelGrad < tol
	if !gradOK {
		rpt.warn("failed to converge with max|grad| = %.4g (tol = %g)", rpt.MaxGrad, tol)
	}

	if !rpt.HessianPD {
		rpt.warn("Hessian is not negative definite")
	} else if rpt.Cond > maxCond {
		rpt.warn("model is nearly unidentifiable: very large eigenvalue ratio %.3g", rpt.Cond)
	}

	rpt.Converged = gradOK && rpt.HessianPD

	return rpt
}

// Singular reports whether a 2x2 random-effect covariance is at or
// near the boundary of the parameter space.  The covariance is
// singular when a diagonal element of its lower Cholesky factor is
// below tol or the correlation is within tol of +/-1.  A non-positive
// tol selects DefaultSingularTol.  The returned string names the
// reason.
func Singular(cov [2][2]float64, tol float64) (bool, string) {

	if tol <= 0 {
		tol = DefaultSingularTol
	}

	c00, c01, c11 := cov[0][0], cov[0][1], cov[1][1]

	if !(c00 > 0) {
		return true, fmt.Sprintf("intercept variance %g is on the boundary", c00)
	}

	l00 := math.Sqrt(c00)
	l10 := c01 / l00
	l11 := math.Sqrt(math.Max(c11-l10*l10, 0))

	if l00 < tol {
		return true, fmt.Sprintf("intercept factor %.3g is below %g", l00, tol)
	}
	if l11 < tol {
		return true, fmt.Sprintf("slope factor %.3g is below %g", l11, tol)
	}

	if r := c01 / math.Sqrt(c00*c11); math.Abs(r) > 1-tol {
		return true, fmt.Sprintf("correlation %.4f is on the boundary", r)
	}

	return false, ""
}

// Corr returns the correlation of a 2x2 covariance, or NaN when a
// variance is zero.
func Corr(cov [2][2]float64) float64 {
	d := math.Sqrt(cov[0][0] * cov[1][1])
	if d == 0 {
		return math.NaN()
	}
	return cov[0][1] / d
}

// reportJSON mirrors Report with non-finite values encoded as null.
type reportJSON struct {
	Converged bool     `json:"converged"`
	MaxGrad   *float64 `json:"max_grad"`
	RelGrad   *float64 `json:"rel_grad"`
	HessianPD bool     `json:"hessian_pd"`
	Cond      *float64 `json:"cond"`
	Warnings  []string `json:"warnings,omitempty"`
}

func finite(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

func orValue(x *float64, missing float64) float64 {
	if x == nil {
		return missing
	}
	return *x
}

// MarshalJSON encodes the report, writing null for NaN and infinite
// values.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		Converged: r.Converged,
		MaxGrad:   finite(r.MaxGrad),
		RelGrad:   finite(r.RelGrad),
		HessianPD: r.HessianPD,
		Cond:      finite(r.Cond),
		Warnings:  r.Warnings,
	})
}

// UnmarshalJSON decodes a report written by MarshalJSON.  A null
// condition number decodes as +Inf and other nulls as NaN.
func (r *Report) UnmarshalJSON(b []byte) error {
	var w reportJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Report{
		Converged: w.Converged,
		MaxGrad:   orValue(w.MaxGrad, math.NaN()),
		RelGrad:   orValue(w.RelGrad, math.NaN()),
		HessianPD: w.HessianPD,
		Cond:      orValue(w.Cond, math.Inf(1)),
		Warnings:  w.Warnings,
	}
	return nil
}
