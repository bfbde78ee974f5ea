package glm

import (
	"fmt"
	"math"
	"strings"
)

// VecFunc is a function with two float64 array arguments.
type VecFunc func([]float64, []float64)

// Link specifies a GLM link function.
type Link struct {
	Name string

	TypeCode LinkType

	// Link calculates the link function (mapping the mean value to
	// the linear predictor).
	Link VecFunc

	// InvLink calculates the inverse of the link function (mapping
	// the linear predictor to the mean value).
	InvLink VecFunc

	// Deriv calculates the derivative of the link function.
	Deriv VecFunc

	// Deriv2 calculates the second derivative of the link function.
	Deriv2 VecFunc
}

// LinkType is used to specify a GLM link function.
type LinkType uint8

// CloglogLink, etc. indicate the different link functions.
const (
	CloglogLink LinkType = iota
	LogitLink
	LogLink
)

// Smallest mean used for binomial models, as in most GLM software.
const epsMu = 2.220446049250313e-16

// NewLink returns the link function object of the given type.
func NewLink(link LinkType) *Link {

	switch link {
	case CloglogLink:
		return &cLogLogLink
	case LogitLink:
		return &logitLink
	case LogLink:
		return &logLink
	default:
		msg := fmt.Sprintf("Link unknown: %v\n", link)
		panic(msg)
	}
}

// LinkByName returns the link called name (cloglog, logit or log).
// An empty name selects cloglog.
func LinkByName(name string) (*Link, error) {
	switch strings.ToLower(name) {
	case "", "cloglog":
		return NewLink(CloglogLink), nil
	case "logit":
		return NewLink(LogitLink), nil
	case "log":
		return NewLink(LogLink), nil
	}
	return nil, fmt.Errorf("glm: unknown link %q", name)
}

var cLogLogLink = Link{
	Name:     "CLogLog",
	TypeCode: CloglogLink,
	Link:     cloglogFunc,
	InvLink:  cloglogInvFunc,
	Deriv:    cloglogDerivFunc,
	Deriv2:   cloglogDeriv2Func,
}

var logitLink = Link{
	Name:     "Logit",
	TypeCode: LogitLink,
	Link:     logitFunc,
	InvLink:  expitFunc,
	Deriv:    logitDerivFunc,
	Deriv2:   logitDeriv2Func,
}

var logLink = Link{
	Name:     "Log",
	TypeCode: LogLink,
	Link:     logFunc,
	InvLink:  expFunc,
	Deriv:    logDerivFunc,
	Deriv2:   logDeriv2Func,
}

func clampMu(v float64) float64 {
	return math.Max(math.Min(v, 1-epsMu), epsMu)
}

func cloglogFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = math.Log(-math.Log1p(-v))
	}
}

func cloglogDerivFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = -1 / ((1 - v) * math.Log1p(-v))
	}
}

func cloglogDeriv2Func(x []float64, y []float64) {
	for i, v := range x {
		f := math.Log1p(-v)
		r := -1 / ((1 - v) * (1 - v) * f)
		y[i] = r * (1 + 1/f)
	}
}

func cloglogInvFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = clampMu(-math.Expm1(-math.Exp(v)))
	}
}

func logitFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = math.Log(v / (1 - v))
	}
}

func logitDerivFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = 1 / (v * (1 - v))
	}
}

func logitDeriv2Func(x []float64, y []float64) {
	for i, v := range x {
		u := v * (1 - v)
		y[i] = (2*v - 1) / (u * u)
	}
}

func expitFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = clampMu(1 / (1 + math.Exp(-v)))
	}
}

func logFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = math.Log(v)
	}
}

func logDerivFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = 1 / v
	}
}

func logDeriv2Func(x []float64, y []float64) {
	for i, v := range x {
		y[i] = -1 / (v * v)
	}
}

func expFunc(x []float64, y []float64) {
	for i, v := range x {
		y[i] = clampMu(math.Exp(v))
	}
}
