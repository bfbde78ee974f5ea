// Package twostage estimates the covariance of the per-replicate
// random intercepts and slopes from separate replicate fits.
//
// Each replicate is fit on its own.  Within a treatment the replicate
// estimates scatter around the treatment mean with covariance equal to
// the random-effect covariance plus the sampling covariance of the
// estimates, so the pooled within-treatment covariance minus the mean
// sampling covariance estimates the random-effect covariance.  The
// difference is projected onto the positive semidefinite matrices,
// which is where singular fits come from.
package twostage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Emberwhirl/mixedmodels-misc/diagnose"
	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

var log = logging.MustGetLogger("twostage")

// Estimate is a random-effect covariance estimate.
type Estimate struct {

	// Cov is the PSD projection of RawCov.
	Cov [2][2]float64

	// Corr is the correlation of Cov, NaN when a variance is zero.
	Corr float64

	// RawCov is the moment estimate before projection.
	RawCov [2][2]float64

	// Sampling is the mean sampling covariance of the replicate
	// estimates.
	Sampling [2][2]float64

	// Replicate estimates that entered the estimate.
	Replicates []*trialfit.ReplicateEstimate

	NumReplicates int

	// Replicates that could not be fit.
	Skipped []int

	Singular       bool
	SingularReason string
}

// Fit fits every replicate of ds and returns the moment estimate of
// the random-effect covariance.  Replicates that fail to fit are
// skipped and logged.
func Fit(ctx context.Context, ds *simtrial.Dataset, link string) (*Estimate, error) {

	est := &Estimate{}
	for _, rep := range ds.ReplicateIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		re, err := trialfit.ReplicateFit(ds, rep, link)
		if err == nil && !re.Converged {
			err = errors.New("not converged")
		}
		if err != nil {
			log.Warningf("skipping replicate %d: %v", rep, err)
			est.Skipped = append(est.Skipped, rep)
			continue
		}
		est.Replicates = append(est.Replicates, re)
	}

	if err := est.pool(); err != nil {
		return nil, err
	}

	est.Singular, est.SingularReason = diagnose.Singular(est.Cov, diagnose.DefaultSingularTol)
	if est.Singular {
		log.Warningf("singular random-effect covariance: %s", est.SingularReason)
	}

	log.Infof("random-effect covariance from %d replicates (%d skipped): var0=%.4g var1=%.4g corr=%.3f",
		est.NumReplicates, len(est.Skipped), est.Cov[0][0], est.Cov[1][1], est.Corr)

	return est, nil
}

// pool forms the covariance estimates from the replicate fits.
func (est *Estimate) pool() error {

	groups := make(map[string][]*trialfit.ReplicateEstimate)
	for _, re := range est.Replicates {
		groups[re.Treatment] = append(groups[re.Treatment], re)
	}

	var labels []string
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	// Deviations from the treatment means, one row per replicate.
	n := len(est.Replicates)
	dev := mat.NewDense(max(n, 1), 2, nil)
	var i int
	for _, l := range labels {
		g := groups[l]
		var m0, m1 float64
		for _, re := range g {
			m0 += re.Effect.Intercept
			m1 += re.Effect.Slope
		}
		m0 /= float64(len(g))
		m1 /= float64(len(g))
		for _, re := range g {
			dev.Set(i, 0, re.Effect.Intercept-m0)
			dev.Set(i, 1, re.Effect.Slope-m1)
			i++
		}
	}

	df := n - len(labels)
	if df < 1 {
		return fmt.Errorf("twostage: %d usable replicates in %d treatments", n, len(labels))
	}
	est.NumReplicates = n

	// CovarianceMatrix divides by n-1, the deviations need n-g.
	var within mat.SymDense
	stat.CovarianceMatrix(&within, dev, nil)
	within.ScaleSym(float64(n-1)/float64(df), &within)

	for _, re := range est.Replicates {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				est.Sampling[j][k] += re.Vcov[j][k] / float64(n)
			}
		}
	}

	raw := mat.NewSymDense(2, nil)
	for j := 0; j < 2; j++ {
		for k := j; k < 2; k++ {
			v := within.At(j, k) - (est.Sampling[j][k]+est.Sampling[k][j])/2
			raw.SetSym(j, k, v)
			est.RawCov[j][k] = v
			est.RawCov[k][j] = v
		}
	}

	psd, err := project(raw)
	if err != nil {
		return err
	}
	est.Cov = psd
	est.Corr = diagnose.Corr(psd)

	return nil
}

// project sets the negative eigenvalues of a symmetric matrix to zero.
func project(a *mat.SymDense) ([2][2]float64, error) {

	var es mat.EigenSym
	if !es.Factorize(a, true) {
		return [2][2]float64{}, errors.New("twostage: eigendecomposition failed")
	}

	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var out [2][2]float64
	for e, lam := range vals {
		if lam <= 0 {
			continue
		}
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				out[j][k] += lam * vecs.At(j, e) * vecs.At(k, e)
			}
		}
	}

	return out, nil
}
