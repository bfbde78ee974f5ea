// Package trialfit fits the nested cloglog dose-response model to a
// trial with a choice of optimization engines and collects the
// estimates, timings and convergence diagnostics of every fit.
package trialfit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/optimize"

	"github.com/Emberwhirl/mixedmodels-misc/diagnose"
	"github.com/Emberwhirl/mixedmodels-misc/glm"
	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
)

var log = logging.MustGetLogger("trialfit")

// ErrUnknownEngine is returned for an engine name that is not one of
// Engines.
var ErrUnknownEngine = errors.New("trialfit: unknown engine")

// ErrDegenerate is returned by ReplicateFit when a replicate has no
// deaths or no survivors, so its estimates are infinite.
var ErrDegenerate = errors.New("trialfit: degenerate replicate")

// Engine names.
const (
	IRLS       = "irls"
	BFGS       = "bfgs"
	LBFGS      = "lbfgs"
	Newton     = "newton"
	NelderMead = "neldermead"
)

// Engines lists the supported engines.
var Engines = []string{IRLS, BFGS, LBFGS, Newton, NelderMead}

// defaultNelderMeadEvals limits derivative-free fits when no limit is
// configured.
const defaultNelderMeadEvals = 100000

// Spec configures one fit.
type Spec struct {
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	MaxFunEvals int    `json:"max_fun_evals,omitempty"`
	MaxIter     int    `json:"max_iter,omitempty"`

	// SkipInit starts gradient engines at zero instead of the one-step
	// IRLS estimate.
	SkipInit bool `json:"skip_init,omitempty"`

	// Link is cloglog when empty.
	Link string `json:"link,omitempty"`
}

// Validate checks the engine and link names.
func (s Spec) Validate() error {
	if _, err := method(s.Engine); err != nil {
		return err
	}
	if _, err := glm.LinkByName(s.Link); err != nil {
		return err
	}
	if s.MaxFunEvals < 0 || s.MaxIter < 0 {
		return fmt.Errorf("trialfit: %s: negative limit", s.Name)
	}
	return nil
}

// Key identifies the spec together with a data set hash.
func (s Spec) Key(dataHash string) string {
	return fmt.Sprintf("%s/%s/%s/%d/%d/%t/%s", dataHash, s.Name, s.Engine,
		s.MaxFunEvals, s.MaxIter, s.SkipInit, strings.ToLower(s.Link))
}

// DefaultSpecs returns one fit per engine, plus a gradient fit from a
// zero start.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "irls", Engine: IRLS},
		{Name: "bfgs", Engine: BFGS},
		{Name: "bfgs_noinit", Engine: BFGS, SkipInit: true},
		{Name: "lbfgs", Engine: LBFGS},
		{Name: "newton", Engine: Newton},
		{Name: "neldermead", Engine: NelderMead, MaxFunEvals: defaultNelderMeadEvals},
	}
}

// method returns the gonum optimizer of a gradient engine, nil for IRLS.
func method(engine string) (optimize.Method, error) {
	switch strings.ToLower(engine) {
	case IRLS, "":
		return nil, nil
	case BFGS:
		return &optimize.BFGS{}, nil
	case LBFGS:
		return &optimize.LBFGS{}, nil
	case Newton:
		return &optimize.Newton{}, nil
	case NelderMead:
		return &optimize.NelderMead{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
}

// Term is one estimated coefficient.
type Term struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`

	// StdErr is NaN when the Hessian at the estimate is singular.
	StdErr float64 `json:"-"`
}

// Result holds the outcome of one fit.
type Result struct {
	Name   string `json:"name"`
	Engine string `json:"engine"`
	Link   string `json:"link"`

	Terms []Term `json:"terms"`

	LogLike  float64 `json:"loglike"`
	Deviance float64 `json:"deviance"`

	Converged  bool          `json:"converged"`
	Status     string        `json:"status"`
	Iterations int           `json:"iterations"`
	FuncEvals  int           `json:"func_evals"`
	Elapsed    time.Duration `json:"elapsed"`

	Diagnostics diagnose.Report `json:"diagnostics"`

	// Summary is the printed coefficient table.  It is not persisted.
	Summary string `json:"-"`
}

// Estimate returns the estimate of the named term.
func (r *Result) Estimate(name string) (Term, bool) {
	for _, t := range r.Terms {
		if t.Name == name {
			return t, true
		}
	}
	return Term{}, false
}

// ctxRecorder stops an optimization once its context is done.
type ctxRecorder struct {
	ctx context.Context
}

func (r ctxRecorder) Init() error {
	return r.ctx.Err()
}

func (r ctxRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.ctx.Err()
}

// Fit fits the nested fixed-effects model to ds with the given spec.
// Non-convergence is not an error, it is recorded in the result.
func Fit(ctx context.Context, ds *simtrial.Dataset, spec Spec) (*Result, error) {

	meth, err := method(spec.Engine)
	if err != nil {
		return nil, err
	}
	link, err := glm.LinkByName(spec.Link)
	if err != nil {
		return nil, err
	}

	design, err := NewDesign(ds)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := glm.NewGLM(design.Data, design.Names, ResponseName).
		Weight(WeightName).
		Family(glm.NewFamily(glm.BinomialFamily)).
		Link(link)

	if meth == nil {
		model = model.MaxIter(spec.MaxIter)
	} else {
		settings := &optimize.Settings{
			GradientThreshold: 1e-6,
			FuncEvaluations:   spec.MaxFunEvals,
			MajorIterations:   spec.MaxIter,
			Recorder:          ctxRecorder{ctx},
		}
		if strings.ToLower(spec.Engine) == NelderMead && settings.FuncEvaluations == 0 {
			settings.FuncEvaluations = defaultNelderMeadEvals
		}
		model = model.FitMethod("gradient").OptMethod(meth).OptSettings(settings)
	}
	model = model.Done()

	start := time.Now()

	if meth != nil && !spec.SkipInit {
		init, err := model.InitialParams()
		if err != nil {
			return nil, fmt.Errorf("trialfit: %s: initial values: %w", spec.Name, err)
		}
		model = model.Start(init)
	}

	rslt, err := model.Fit()
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("trialfit: %s: %w", spec.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Result{
		Name:       spec.Name,
		Engine:     strings.ToLower(spec.Engine),
		Link:       link.Name,
		LogLike:    rslt.LogLike(),
		Deviance:   rslt.Deviance(),
		Converged:  rslt.Converged(),
		Status:     rslt.Status(),
		Iterations: rslt.Iterations(),
		FuncEvals:  rslt.FuncEvals(),
		Elapsed:    elapsed,
	}
	if out.Engine == "" {
		out.Engine = IRLS
	}

	se := rslt.StdErr()
	for j, na := range rslt.Names() {
		t := Term{Name: na, Estimate: rslt.Params()[j], StdErr: math.NaN()}
		if se != nil {
			t.StdErr = se[j]
		}
		out.Terms = append(out.Terms, t)
	}

	out.Summary = rslt.Summary().Message(fmt.Sprintf("Engine: %s", out.Engine)).String()

	out.Diagnostics = diagnose.Convergence(rslt.Gradient(), rslt.ObsHessian(), len(out.Terms), 0)

	// Near the optimum of a likelihood summed over many trials the
	// absolute gradient threshold is below the noise of the line
	// search, which then fails without moving.  Such a stop is at a
	// stationary point when the Newton step is negligible.
	if !out.Converged && out.Status == optimize.Failure.String() && out.Diagnostics.Converged {
		out.Converged = true
	}
	if !out.Converged {
		out.Diagnostics.Warnings = append(out.Diagnostics.Warnings,
			fmt.Sprintf("optimizer stopped with status %s", out.Status))
	}

	log.Infof("%s (%s): loglike=%.4f converged=%t evals=%d in %v",
		out.Name, out.Engine, out.LogLike, out.Converged, out.FuncEvals, elapsed)

	return out, nil
}

// ReplicateEstimate is the intercept and slope of a single replicate.
type ReplicateEstimate struct {
	Replicate int
	Treatment string
	Effect    simtrial.Effect

	// Sampling covariance of (intercept, slope).
	Vcov [2][2]float64

	Converged bool
}

// ReplicateFit fits an intercept and slope to the rows of replicate
// rep by IRLS.
func ReplicateFit(ds *simtrial.Dataset, rep int, linkName string) (*ReplicateEstimate, error) {

	link, err := glm.LinkByName(linkName)
	if err != nil {
		return nil, err
	}

	data, names, dead, total, err := replicateDesign(ds, rep)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("trialfit: no rows for replicate %d", rep)
	}
	if dead == 0 || dead == total {
		return nil, fmt.Errorf("%w: replicate %d has %d of %d dead", ErrDegenerate, rep, dead, total)
	}

	model := glm.NewGLM(data, names, ResponseName).
		Weight(WeightName).
		Family(glm.NewFamily(glm.BinomialFamily)).
		Link(link).
		Done()

	rslt, err := model.Fit()
	if err != nil {
		return nil, fmt.Errorf("trialfit: replicate %d: %w", rep, err)
	}
	vc := rslt.VCov()
	if vc == nil {
		return nil, fmt.Errorf("trialfit: replicate %d: no covariance", rep)
	}
	for _, v := range vc {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("trialfit: replicate %d: non-finite covariance", rep)
		}
	}

	// The inverse Hessian is symmetric only up to rounding.
	off := (vc[1] + vc[2]) / 2

	par := rslt.Params()
	return &ReplicateEstimate{
		Replicate: rep,
		Treatment: ds.ReplicateTreatment[rep],
		Effect:    simtrial.Effect{Intercept: par[0], Slope: par[1]},
		Vcov:      [2][2]float64{{vc[0], off}, {off, vc[3]}},
		Converged: rslt.Converged(),
	}, nil
}
