// Package runner runs a list of fits over one data set.  The fits run
// concurrently and independently: a failing fit is logged and
// recorded, and the others carry on.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/Emberwhirl/mixedmodels-misc/checkpoint"
	"github.com/Emberwhirl/mixedmodels-misc/compare"
	"github.com/Emberwhirl/mixedmodels-misc/metrics"
	"github.com/Emberwhirl/mixedmodels-misc/resultsdb"
	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

var log = logging.MustGetLogger("runner")

// Outcome is the result of one spec.  Exactly one of Result and Err is
// set.
type Outcome struct {
	Spec   trialfit.Spec
	Result *trialfit.Result
	Err    error

	// Cached is true when Result was read from the checkpoint store.
	Cached bool
}

// Runner runs fits.  The zero value runs GOMAXPROCS fits at a time
// without checkpoints or metrics.
type Runner struct {
	Parallel   int
	Checkpoint *checkpoint.Store
	Metrics    *metrics.Metrics

	// fit is trialfit.Fit, replaced in tests.
	fit func(context.Context, *simtrial.Dataset, trialfit.Spec) (*trialfit.Result, error)
}

// DataHash returns a short digest of the CSV form of ds, used to key
// checkpoints.
func DataHash(ds *simtrial.Dataset) (string, error) {
	h := sha256.New()
	if err := simtrial.WriteCSV(h, ds); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// Run fits every spec to ds.  The outcomes are in the order of specs.
// The returned error is only set when ds cannot be hashed or ctx is
// done.
func (r *Runner) Run(ctx context.Context, ds *simtrial.Dataset, specs []trialfit.Spec) ([]Outcome, error) {

	hash, err := DataHash(ds)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	fit := r.fit
	if fit == nil {
		fit = trialfit.Fit
	}

	par := r.Parallel
	if par <= 0 {
		par = runtime.GOMAXPROCS(0)
	}

	out := make([]Outcome, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(par)

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			out[i] = r.runOne(gctx, fit, ds, spec, hash)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}

	return out, nil
}

func (r *Runner) runOne(ctx context.Context, fit func(context.Context, *simtrial.Dataset, trialfit.Spec) (*trialfit.Result, error),
	ds *simtrial.Dataset, spec trialfit.Spec, hash string) Outcome {

	oc := Outcome{Spec: spec}
	key := spec.Key(hash)

	res, err := r.Checkpoint.Load(key)
	if err != nil {
		log.Warningf("checkpoint for %s unreadable, refitting: %v", spec.Name, err)
	} else if res != nil {
		oc.Result = res
		oc.Cached = true
		return oc
	}

	start := time.Now()
	res, err = fit(ctx, ds, spec)
	r.Metrics.ObserveFit(spec.Engine, time.Since(start).Seconds(), err)
	if err != nil {
		log.Warningf("fit %s failed: %v", spec.Name, err)
		oc.Err = err
		return oc
	}
	oc.Result = res

	if err := r.Checkpoint.Save(key, res); err != nil {
		log.Warningf("could not checkpoint %s: %v", spec.Name, err)
	}

	return oc
}

// Results returns the successful results in outcome order.
func Results(outcomes []Outcome) []*trialfit.Result {
	var res []*trialfit.Result
	for _, oc := range outcomes {
		if oc.Result != nil {
			res = append(res, oc.Result)
		}
	}
	return res
}

// Failed returns the number of failed outcomes.
func Failed(outcomes []Outcome) int {
	var n int
	for _, oc := range outcomes {
		if oc.Err != nil {
			n++
		}
	}
	return n
}

// Runs converts outcomes to database run records.
func Runs(outcomes []Outcome) []resultsdb.Run {
	var runs []resultsdb.Run
	for _, oc := range outcomes {
		if oc.Result != nil {
			rt := compare.Runtimes([]*trialfit.Result{oc.Result})[0]
			runs = append(runs, resultsdb.Run{Runtime: rt, LogLike: oc.Result.LogLike})
			continue
		}
		runs = append(runs, resultsdb.Run{
			Runtime: compare.Runtime{Model: oc.Spec.Name, Engine: oc.Spec.Engine},
			LogLike: math.NaN(),
			Error:   oc.Err.Error(),
		})
	}
	return runs
}
