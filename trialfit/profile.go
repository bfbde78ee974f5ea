package trialfit

import (
	"context"
	"fmt"

	"github.com/Emberwhirl/mixedmodels-misc/glm"
	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
)

// Interval is a profile likelihood confidence interval for one term.
// A bound is infinite when the profile never falls to the cutoff on
// that side.
type Interval struct {
	Term     string
	Estimate float64
	Lower    float64
	Upper    float64
}

// ProfileIntervals fits ds by IRLS and returns profile likelihood
// intervals with coverage prob for the named terms, or for every slope
// term when names is empty.
func ProfileIntervals(ctx context.Context, ds *simtrial.Dataset, linkName string, prob float64, names []string) ([]Interval, error) {

	if !(prob > 0 && prob < 1) {
		return nil, fmt.Errorf("trialfit: coverage %v outside (0, 1)", prob)
	}

	link, err := glm.LinkByName(linkName)
	if err != nil {
		return nil, err
	}

	design, err := NewDesign(ds)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		for _, l := range ds.TreatmentLabels() {
			names = append(names, SlopeTerm(l))
		}
	}

	rslt, err := glm.NewGLM(design.Data, design.Names, ResponseName).
		Weight(WeightName).
		Family(glm.NewFamily(glm.BinomialFamily)).
		Link(link).
		Done().
		Fit()
	if err != nil {
		return nil, fmt.Errorf("trialfit: profile: %w", err)
	}

	var iv []Interval
	for _, na := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := glm.NewCoefProfiler(rslt, na)
		if err != nil {
			return nil, fmt.Errorf("trialfit: profile %s: %w", na, err)
		}
		lo, hi := cp.ConfInt(prob)
		iv = append(iv, Interval{Term: na, Estimate: cp.MLE(), Lower: lo, Upper: hi})
		log.Debugf("profile %s: %.4f [%.4f, %.4f] from %d points", na, cp.MLE(), lo, hi, len(cp.Profile))
	}

	return iv, nil
}
