package glm

import (
	"fmt"
	"math"
)

// FamilyType is the type of GLM family used in a model.
type FamilyType uint8

// BinomialFamily is the only family needed for dose-response counts.
// The outcome is the observed proportion and the prior weight is the
// number of trials.
const (
	BinomialFamily FamilyType = iota
)

// LogLikeFunc evaluates the log-likelihood for a GLM.  The arguments
// are the data, the mean values, the weights and the 'exact flag'.
// If the exact flag is false, terms that do not depend on the mean are
// omitted.  The weights may be nil in which case all weights are 1.
type LogLikeFunc func([]float64, []float64, []float64, bool) float64

// DevianceFunc evaluates the deviance for a GLM.  The arguments are
// the data, the mean values and the weights (possibly nil).
type DevianceFunc func([]float64, []float64, []float64) float64

// Family represents a generalized linear model family.
type Family struct {

	// The name of the family
	Name string

	// The numeric code for the family
	TypeCode FamilyType

	// The log-likelihood function for the family
	LogLike LogLikeFunc

	// The deviance function for the family
	Deviance DevianceFunc

	// Valid links for this family.  The first one is the default.
	validLinks []LinkType
}

// NewFamily returns the family object of the given type.
func NewFamily(fam FamilyType) *Family {

	switch fam {
	case BinomialFamily:
		return &binomial
	default:
		msg := fmt.Sprintf("Unknown family: %v\n", fam)
		panic(msg)
	}
}

var binomial = Family{
	Name:       "Binomial",
	TypeCode:   BinomialFamily,
	LogLike:    binomialLogLike,
	Deviance:   binomialDeviance,
	validLinks: []LinkType{CloglogLink, LogitLink, LogLink},
}

// IsValidLink returns true or false based on whether the link is
// valid for the family.
func (fam *Family) IsValidLink(link *Link) bool {

	for _, q := range fam.validLinks {
		if link.TypeCode == q {
			return true
		}
	}

	return false
}

// xlogy returns x*log(y), taking 0*log(0) as 0.
func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(y)
}

func binomialLogLike(y []float64, mn []float64, wt []float64, exact bool) float64 {

	var ll float64
	var w float64 = 1
	for i := range y {
		if wt != nil {
			w = wt[i]
		}
		ll += w * (xlogy(y[i], mn[i]) + xlogy(1-y[i], 1-mn[i]))
	}

	if exact {
		// log of the binomial coefficient, with w trials and w*y successes
		for i := range y {
			if wt != nil {
				w = wt[i]
			}
			a, _ := math.Lgamma(w + 1)
			b, _ := math.Lgamma(w*y[i] + 1)
			c, _ := math.Lgamma(w*(1-y[i]) + 1)
			ll += a - b - c
		}
	}

	return ll
}

func binomialDeviance(y []float64, mn []float64, wt []float64) float64 {

	var dev float64
	var w float64 = 1

	for i := range y {
		if wt != nil {
			w = wt[i]
		}
		dev += 2 * w * (xlogy(y[i], y[i]/mn[i]) + xlogy(1-y[i], (1-y[i])/(1-mn[i])))
	}

	return dev
}
