package glm

import (
	"fmt"
)

// VarianceType is used to specify a GLM variance function.
type VarianceType uint8

const (
	BinomialVar VarianceType = iota
)

// NewVariance returns the variance function object of the given type.
func NewVariance(vartype VarianceType) *Variance {

	switch vartype {
	case BinomialVar:
		return &binomVariance
	default:
		msg := fmt.Sprintf("Unknown variance function: %d\n", vartype)
		panic(msg)
	}
}

// Variance represents a GLM variance function.
type Variance struct {
	Name  string
	Var   VecFunc
	Deriv VecFunc
}

var binomVariance = Variance{
	Name:  "Binomial",
	Var:   binomVar,
	Deriv: binomVarDeriv,
}

func binomVar(mn []float64, va []float64) {
	for i, p := range mn {
		va[i] = p * (1 - p)
	}
}

func binomVarDeriv(mn []float64, va []float64) {
	for i, p := range mn {
		va[i] = 1 - 2*p
	}
}
