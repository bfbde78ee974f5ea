package glm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/Emberwhirl/mixedmodels-misc/statmodel"
)

var log = logging.MustGetLogger("glm")

// ErrNotFinite is returned when a fit produces non-finite parameters.
var ErrNotFinite = errors.New("glm: non-finite parameter estimates")

// GLM represents a generalized linear model.
type GLM struct {
	data  [][]statmodel.Dtype
	names []string

	// Positions of the covariates
	xpos []int

	// Name and position of the outcome variable
	yname string
	ypos  int

	// Name and position of the offset variable, if present.
	offsetname string
	offsetpos  int

	// Name and position of the weight variable, if present.
	weightname string
	weightpos  int

	// The GLM family
	fam *Family

	// The GLM link function
	link *Link

	// The GLM variance function
	vari *Variance

	// Either irls (default) or gradient.
	fitMethod string

	// Starting values, optional
	start []float64

	// Maximum number of IRLS iterations.
	maxIter int

	// Relative deviance change at which IRLS stops.
	dtol float64

	// Optimization settings
	settings *optimize.Settings

	// Optimization method
	method optimize.Method
}

// GLMParams represents the model parameters for a GLM.
type GLMParams struct {
	coeff []float64
}

// NewParams wraps a coefficient vector.
func NewParams(coeff []float64) *GLMParams {
	return &GLMParams{coeff: coeff}
}

// GetCoeff returns the coefficients (slopes for individual
// covariates) from the parameter.
func (p *GLMParams) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the coefficients (slopes for individual covariates)
// for the parameter.
func (p *GLMParams) SetCoeff(coeff []float64) {
	p.coeff = coeff
}

// Clone produces a deep copy of the parameter value.
func (p *GLMParams) Clone() statmodel.Parameter {
	coeff := make([]float64, len(p.coeff))
	copy(coeff, p.coeff)
	return &GLMParams{coeff: coeff}
}

// NewGLM creates a new binomial GLM from column-major data.  Every
// column that is not the outcome, the weight or the offset is a
// covariate.
func NewGLM(data [][]statmodel.Dtype, names []string, yname string) *GLM {

	if len(data) != len(names) {
		msg := fmt.Sprintf("GLM: %d columns but %d names\n", len(data), len(names))
		panic(msg)
	}

	return &GLM{
		data:      data,
		names:     names,
		yname:     yname,
		fitMethod: "irls",
		maxIter:   25,
		dtol:      1e-12,
	}
}

// NumParams returns the number of covariates in the model.
func (glm *GLM) NumParams() int {
	return len(glm.xpos)
}

// NumObs returns the number of observations.
func (glm *GLM) NumObs() int {
	return len(glm.data[glm.ypos])
}

// Xpos returns the positions of the covariates in the data.
func (glm *GLM) Xpos() []int {
	return glm.xpos
}

// Dataset returns the columns used to fit the model.
func (glm *GLM) Dataset() [][]statmodel.Dtype {
	return glm.data
}

// CovariateNames returns the names of the covariates in parameter order.
func (glm *GLM) CovariateNames() []string {
	var xna []string
	for _, j := range glm.xpos {
		xna = append(xna, glm.names[j])
	}
	return xna
}

// FitMethod sets the fitting method, either IRLS or gradient.
func (glm *GLM) FitMethod(method string) *GLM {
	lmethod := strings.ToLower(method)
	if lmethod != "irls" && lmethod != "gradient" {
		msg := fmt.Sprintf("GLM fitting method %s not allowed.\n", method)
		panic(msg)
	}
	glm.fitMethod = lmethod
	return glm
}

// Offset sets the name of the offset variable
func (glm *GLM) Offset(name string) *GLM {
	glm.offsetname = name
	return glm
}

// Weight sets the name of the weight variable.
func (glm *GLM) Weight(name string) *GLM {
	glm.weightname = name
	return glm
}

// Family sets the GLM family.
func (glm *GLM) Family(fam *Family) *GLM {
	glm.fam = fam
	return glm
}

// Start sets starting values for the fitting algorithm.
func (glm *GLM) Start(start []float64) *GLM {
	glm.start = start
	return glm
}

// MaxIter sets the maximum number of IRLS iterations.
func (glm *GLM) MaxIter(n int) *GLM {
	if n > 0 {
		glm.maxIter = n
	}
	return glm
}

// Link sets the link function.
func (glm *GLM) Link(link *Link) *GLM {

	if glm.fam == nil {
		panic("Must set family before setting link.\n")
	}
	if !glm.fam.IsValidLink(link) {
		panic("Invalid link")
	}
	glm.link = link

	return glm
}

// OptSettings allows the caller to provide an optimization settings
// value.
func (glm *GLM) OptSettings(s *optimize.Settings) *GLM {
	glm.settings = s
	return glm
}

// OptMethod sets the optimization method from gonum.Optimize.
func (glm *GLM) OptMethod(method optimize.Method) *GLM {
	glm.method = method
	return glm
}

func (glm *GLM) findvars() {

	glm.offsetpos = -1
	glm.weightpos = -1
	glm.ypos = -1
	glm.xpos = glm.xpos[0:0]

	for k, na := range glm.names {
		switch na {
		case glm.yname:
			glm.ypos = k
		case glm.weightname:
			glm.weightpos = k
		case glm.offsetname:
			glm.offsetpos = k
		default:
			glm.xpos = append(glm.xpos, k)
		}
	}

	if glm.ypos == -1 {
		msg := fmt.Sprintf("Outcome variable '%s' not found.", glm.yname)
		panic(msg)
	}
	if glm.weightpos == -1 && glm.weightname != "" {
		msg := fmt.Sprintf("Weight variable '%s' not found.", glm.weightname)
		panic(msg)
	}
	if glm.offsetpos == -1 && glm.offsetname != "" {
		msg := fmt.Sprintf("Offset variable '%s' not found.", glm.offsetname)
		panic(msg)
	}
}

// Done completes definition of a GLM.  After calling Done the GLM can
// be fit by calling the Fit method.
func (glm *GLM) Done() *GLM {

	if glm.fam == nil {
		glm.fam = NewFamily(BinomialFamily)
	}
	if glm.link == nil {
		glm.link = NewLink(glm.fam.validLinks[0])
	}
	if glm.vari == nil {
		glm.vari = NewVariance(BinomialVar)
	}

	glm.findvars()

	if glm.start != nil && len(glm.start) != glm.NumParams() {
		msg := fmt.Sprintf("GLM: %d starting values for %d covariates.\n", len(glm.start), glm.NumParams())
		panic(msg)
	}

	return glm
}

// columns returns the outcome, weight and offset columns, the latter
// two possibly nil.
func (glm *GLM) columns() (y, wgt, off []float64) {
	y = glm.data[glm.ypos]
	if glm.weightpos != -1 {
		wgt = glm.data[glm.weightpos]
	}
	if glm.offsetpos != -1 {
		off = glm.data[glm.offsetpos]
	}
	return
}

// linearPredictor fills lp with X*coeff + offset.
func (glm *GLM) linearPredictor(coeff, lp []float64) {
	zero(lp)
	for j, k := range glm.xpos {
		floats.AddScaled(lp, coeff[j], glm.data[k])
	}
	if glm.offsetpos != -1 {
		floats.Add(lp, glm.data[glm.offsetpos])
	}
}

// LogLike returns the log-likelihood value for the generalized linear
// model at the given parameter values.
func (glm *GLM) LogLike(params statmodel.Parameter, exact bool) float64 {

	yda, wgts, _ := glm.columns()
	n := len(yda)
	linpred := make([]float64, n)
	mn := make([]float64, n)

	glm.linearPredictor(params.GetCoeff(), linpred)
	glm.link.InvLink(linpred, mn)

	return glm.fam.LogLike(yda, mn, wgts, exact)
}

func scoreFactor(yda, mn, deriv, va, sfac []float64) {
	for i, y := range yda {
		sfac[i] = (y - mn[i]) / (deriv[i] * va[i])
	}
}

// Score returns the score vector for the generalized linear model at
// the given parameter values.
func (glm *GLM) Score(params statmodel.Parameter, score []float64) {

	yda, wgts, _ := glm.columns()
	n := len(yda)

	linpred := make([]float64, n)
	mn := make([]float64, n)
	deriv := make([]float64, n)
	va := make([]float64, n)
	fac := make([]float64, n)

	glm.linearPredictor(params.GetCoeff(), linpred)
	glm.link.InvLink(linpred, mn)
	glm.link.Deriv(mn, deriv)
	glm.vari.Var(mn, va)

	scoreFactor(yda, mn, deriv, va, fac)
	if wgts != nil {
		floats.Mul(fac, wgts)
	}

	for j, k := range glm.xpos {
		score[j] = floats.Dot(fac, glm.data[k])
	}
}

// Hessian computes the Hessian matrix for the model, returned in
// row-major vectorized form.  Either the observed or expected Hessian
// can be calculated.
func (glm *GLM) Hessian(param statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	yda, wgts, _ := glm.columns()
	n := len(yda)
	nvar := glm.NumParams()

	linpred := make([]float64, n)
	mn := make([]float64, n)
	lderiv := make([]float64, n)
	va := make([]float64, n)
	fac := make([]float64, n)

	glm.linearPredictor(param.GetCoeff(), linpred)
	glm.link.InvLink(linpred, mn)
	glm.link.Deriv(mn, lderiv)
	glm.vari.Var(mn, va)

	// Factor for the expected Hessian
	for i := range fac {
		fac[i] = 1 / (lderiv[i] * lderiv[i] * va[i])
	}

	// Adjust the factor for the observed Hessian
	if ht == statmodel.ObsHess {
		lderiv2 := make([]float64, n)
		vad := make([]float64, n)
		sfac := make([]float64, n)
		glm.link.Deriv2(mn, lderiv2)
		glm.vari.Deriv(mn, vad)
		scoreFactor(yda, mn, lderiv, va, sfac)
		for i := range fac {
			fac[i] *= 1 + sfac[i]*(va[i]*lderiv2[i]+lderiv[i]*vad[i])
		}
	}

	if wgts != nil {
		floats.Mul(fac, wgts)
	}

	zero(hess)
	for j1, k1 := range glm.xpos {
		x1 := glm.data[k1]
		for j2 := 0; j2 <= j1; j2++ {
			x2 := glm.data[glm.xpos[j2]]
			var u float64
			for i := range x1 {
				u += fac[i] * x1[i] * x2[i]
			}
			hess[j1*nvar+j2] = -u
			hess[j2*nvar+j1] = -u
		}
	}
}

// GLMResults describes the results of a fitted generalized linear model.
type GLMResults struct {
	statmodel.BaseResults

	deviance   float64
	iterations int
	funcEvals  int
	converged  bool
	status     string

	// Score and observed Hessian at the estimate.
	gradient []float64
	hessian  []float64
}

// Deviance returns the residual deviance.
func (rslt *GLMResults) Deviance() float64 {
	return rslt.deviance
}

// Iterations returns the number of IRLS or major optimizer iterations.
func (rslt *GLMResults) Iterations() int {
	return rslt.iterations
}

// FuncEvals returns the number of log-likelihood evaluations.
func (rslt *GLMResults) FuncEvals() int {
	return rslt.funcEvals
}

// Converged reports whether the fitting algorithm met its convergence
// criterion before reaching a limit.
func (rslt *GLMResults) Converged() bool {
	return rslt.converged
}

// Status describes how the fitting algorithm terminated.
func (rslt *GLMResults) Status() string {
	return rslt.status
}

// Gradient returns the score vector at the estimate.
func (rslt *GLMResults) Gradient() []float64 {
	return rslt.gradient
}

// ObsHessian returns the observed Hessian at the estimate.
func (rslt *GLMResults) ObsHessian() []float64 {
	return rslt.hessian
}

// Fit estimates the parameters of the GLM and returns a results
// object.  Failure to reach the convergence criterion is not an
// error, it is reported through Converged and Status.
func (glm *GLM) Fit() (*GLMResults, error) {

	var params []float64
	rslt := &GLMResults{}

	switch glm.fitMethod {
	case "gradient":
		start := glm.start
		if start == nil {
			start = make([]float64, glm.NumParams())
		}
		optrslt, err := glm.fitGradient(start)
		if err != nil {
			return nil, err
		}
		params = optrslt.X
		rslt.iterations = optrslt.Stats.MajorIterations
		rslt.funcEvals = optrslt.Stats.FuncEvaluations
		rslt.status = optrslt.Status.String()
		rslt.converged = optrslt.Status.Err() == nil
	default:
		ir, err := glm.fitIRLS(glm.start, glm.maxIter)
		if err != nil {
			return nil, err
		}
		if !ir.converged {
			log.Warningf("IRLS did not converge in %d iterations", glm.maxIter)
		}
		params = ir.params
		rslt.iterations = ir.iter
		rslt.funcEvals = ir.iter
		rslt.converged = ir.converged
		if ir.converged {
			rslt.status = "DevianceConvergence"
		} else {
			rslt.status = "IterationLimit"
		}
	}

	for _, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNotFinite
		}
	}

	par := &GLMParams{coeff: params}

	vcov, err := statmodel.GetVcov(glm, par)
	if err != nil {
		log.Warningf("no standard errors: %v", err)
		vcov = nil
	}

	nvar := glm.NumParams()
	rslt.gradient = make([]float64, nvar)
	glm.Score(par, rslt.gradient)
	rslt.hessian = make([]float64, nvar*nvar)
	glm.Hessian(par, statmodel.ObsHess, rslt.hessian)

	yda, wgt, _ := glm.columns()
	mn := make([]float64, len(yda))
	glm.linearPredictor(params, mn)
	glm.link.InvLink(mn, mn)
	rslt.deviance = glm.fam.Deviance(yda, mn, wgt)

	ll := glm.LogLike(par, true)
	rslt.BaseResults = statmodel.NewBaseResults(glm, ll, params, glm.CovariateNames(), vcov)

	return rslt, nil
}

// fitGradient uses gradient-based (or derivative-free, depending on the
// method) optimization to obtain the fitted GLM parameters.
func (glm *GLM) fitGradient(start []float64) (*optimize.Result, error) {

	nvar := glm.NumParams()
	hbuf := make([]float64, nvar*nvar)

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			return -glm.LogLike(&GLMParams{x}, false)
		},
		Grad: func(grad, x []float64) {
			glm.Score(&GLMParams{x}, grad)
			floats.Scale(-1, grad)
		},
		Hess: func(hess *mat.SymDense, x []float64) {
			glm.Hessian(&GLMParams{x}, statmodel.ObsHess, hbuf)
			for i := 0; i < nvar; i++ {
				for j := i; j < nvar; j++ {
					hess.SetSym(i, j, -hbuf[i*nvar+j])
				}
			}
		},
	}

	settings := glm.settings
	if settings == nil {
		settings = &optimize.Settings{GradientThreshold: 1e-6}
	}

	method := glm.method
	if method == nil {
		method = &optimize.BFGS{}
	}

	optrslt, err := optimize.Minimize(p, start, settings, method)
	if optrslt == nil {
		return nil, fmt.Errorf("glm: optimization failed: %w", err)
	}
	if err != nil {
		log.Warningf("optimizer stopped with status %v: %v", optrslt.Status, err)
	}
	log.Debugf("optimizer status %v after %d evaluations, f=%.6f",
		optrslt.Status, optrslt.Stats.FuncEvaluations, optrslt.F)

	return optrslt, nil
}

// zero sets all elements of the slice to 0
func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
