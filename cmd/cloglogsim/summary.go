package main

import (
	"math"

	"github.com/Emberwhirl/mixedmodels-misc/compare"
	"github.com/Emberwhirl/mixedmodels-misc/runner"
	"github.com/Emberwhirl/mixedmodels-misc/twostage"
)

// RunSummary is written as JSON at the end of a run.
type RunSummary struct {
	// Version is the cloglogsim version.
	Version string `json:"version"`
	// CommandLine is the binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Command is the subcommand that ran.
	Command string `json:"command"`
	// Seed initializes the data generator.
	Seed uint64 `json:"seed"`
	// TotalTime is the wall time in seconds.
	TotalTime float64 `json:"time"`

	Data *DataSummary `json:"data,omitempty"`

	Fits []FitSummary `json:"fits,omitempty"`

	RandomEffects *RandomEffectSummary `json:"randomEffects,omitempty"`

	Intervals []IntervalSummary `json:"profileIntervals,omitempty"`

	Bias []BiasSummary `json:"bias,omitempty"`

	// Artifacts lists the keys written to the artifact store.
	Artifacts []string `json:"artifacts,omitempty"`
}

// DataSummary describes the data set.
type DataSummary struct {
	Rows       int    `json:"rows"`
	Replicates int    `json:"replicates"`
	Treatments int    `json:"treatments"`
	Hash       string `json:"hash"`
}

// FitSummary is the outcome of one configured fit.
type FitSummary struct {
	Name      string   `json:"name"`
	Engine    string   `json:"engine"`
	Converged bool     `json:"converged"`
	LogLike   *float64 `json:"logLike,omitempty"`
	Seconds   float64  `json:"seconds"`
	FuncEvals int      `json:"funcEvals"`
	Cached    bool     `json:"cached,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// RandomEffectSummary is the two-stage covariance estimate.
type RandomEffectSummary struct {
	Cov            [2][2]float64 `json:"cov"`
	Corr           *float64      `json:"corr"`
	Replicates     int           `json:"replicates"`
	Skipped        []int         `json:"skipped,omitempty"`
	Singular       bool          `json:"singular"`
	SingularReason string        `json:"singularReason,omitempty"`
}

// IntervalSummary is a profile likelihood interval.
type IntervalSummary struct {
	Term     string   `json:"term"`
	Estimate float64  `json:"estimate"`
	Lower    *float64 `json:"lower"`
	Upper    *float64 `json:"upper"`
}

// BiasSummary is one row of the bias table.
type BiasSummary struct {
	Model   string   `json:"model"`
	N       int      `json:"n"`
	MAE     *float64 `json:"mae"`
	RMSE    *float64 `json:"rmse"`
	MaxErr  *float64 `json:"maxErr"`
	MaxTerm string   `json:"maxTerm,omitempty"`
}

// finite returns nil for values JSON cannot carry.
func finite(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

func fitSummaries(outcomes []runner.Outcome) []FitSummary {
	var fs []FitSummary
	for _, oc := range outcomes {
		s := FitSummary{Name: oc.Spec.Name, Engine: oc.Spec.Engine, Cached: oc.Cached}
		if oc.Err != nil {
			s.Error = oc.Err.Error()
		}
		if r := oc.Result; r != nil {
			s.Engine = r.Engine
			s.Converged = r.Converged
			s.LogLike = finite(r.LogLike)
			s.Seconds = r.Elapsed.Seconds()
			s.FuncEvals = r.FuncEvals
			s.Warnings = r.Diagnostics.Warnings
		}
		fs = append(fs, s)
	}
	return fs
}

func randomEffectSummary(est *twostage.Estimate) *RandomEffectSummary {
	return &RandomEffectSummary{
		Cov:            est.Cov,
		Corr:           finite(est.Corr),
		Replicates:     est.NumReplicates,
		Skipped:        est.Skipped,
		Singular:       est.Singular,
		SingularReason: est.SingularReason,
	}
}

func biasSummaries(rows []compare.BiasRow) []BiasSummary {
	var bs []BiasSummary
	for _, r := range rows {
		bs = append(bs, BiasSummary{
			Model:   r.Model,
			N:       r.N,
			MAE:     finite(r.MAE),
			RMSE:    finite(r.RMSE),
			MaxErr:  finite(r.MaxErr),
			MaxTerm: r.MaxTerm,
		})
	}
	return bs
}
