package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type irlsResult struct {
	params    []float64
	iter      int
	converged bool
	deviance  float64
}

func (glm *GLM) fitIRLS(start []float64, maxiter int) (*irlsResult, error) {

	yda, wgt, off := glm.columns()
	n := len(yda)
	nvar := glm.NumParams()

	linpred := make([]float64, n)
	mn := make([]float64, n)
	va := make([]float64, n)
	lderiv := make([]float64, n)
	irlsw := make([]float64, n)
	adjy := make([]float64, n)

	xty := make([]float64, nvar)
	xtx := make([]float64, nvar*nvar)

	var nparam mat.VecDense

	if start == nil {
		glm.startingMu(yda, wgt, mn)
		glm.link.Link(mn, linpred)
	} else {
		glm.linearPredictor(start, linpred)
		glm.link.InvLink(linpred, mn)
	}

	rslt := &irlsResult{params: start}
	devold := glm.fam.Deviance(yda, mn, wgt)

	for iter := 1; iter <= maxiter; iter++ {

		glm.link.Deriv(mn, lderiv)
		glm.vari.Var(mn, va)

		// Weights for WLS
		for i := range yda {
			irlsw[i] = 1 / (lderiv[i] * lderiv[i] * va[i])
			if wgt != nil {
				irlsw[i] *= wgt[i]
			}
		}

		// Adjusted response for WLS
		for i := range yda {
			adjy[i] = linpred[i] + lderiv[i]*(yda[i]-mn[i])
			if off != nil {
				adjy[i] -= off[i]
			}
		}

		glm.irlsXprod(adjy, irlsw, xty, xtx)

		xtxm := mat.NewDense(nvar, nvar, xtx)
		xtyv := mat.NewVecDense(nvar, xty)
		if err := nparam.SolveVec(xtxm, xtyv); err != nil {
			return nil, fmt.Errorf("glm: IRLS iteration %d: %w", iter, err)
		}
		params := make([]float64, nvar)
		copy(params, nparam.RawVector().Data)

		glm.linearPredictor(params, linpred)
		glm.link.InvLink(linpred, mn)
		dev := glm.fam.Deviance(yda, mn, wgt)

		log.Debugf("IRLS iteration %d: deviance=%.10f", iter, dev)

		rslt.params = params
		rslt.iter = iter
		rslt.deviance = dev

		if math.Abs(dev-devold)/(math.Abs(dev)+0.1) < glm.dtol {
			rslt.converged = true
			break
		}
		devold = dev
	}

	return rslt, nil
}

// irlsXprod forms the weighted moment matrices X'WX and X'Wz.
func (glm *GLM) irlsXprod(adjy, irlsw, xty, xtx []float64) {

	nvar := len(glm.xpos)

	for j1, k1 := range glm.xpos {

		xda := glm.data[k1]
		var u float64
		for i := range adjy {
			u += adjy[i] * xda[i] * irlsw[i]
		}
		xty[j1] = u

		for j2 := 0; j2 <= j1; j2++ {
			xdb := glm.data[glm.xpos[j2]]
			var u float64
			for i := range xda {
				u += xda[i] * xdb[i] * irlsw[i]
			}
			xtx[j1*nvar+j2] = u
			xtx[j2*nvar+j1] = u
		}
	}
}

// startingMu sets mn to the usual binomial starting means, which pull
// the observed proportions half a trial towards 1/2.
func (glm *GLM) startingMu(y, wgt, mn []float64) {
	for i := range mn {
		w := 1.0
		if wgt != nil {
			w = wgt[i]
		}
		mn[i] = (w*y[i] + 0.5) / (w + 1)
	}
}

// InitialParams returns the coefficients of a single weighted least
// squares step from the starting means.  It gives gradient methods a
// starting point that is close to the estimate.
func (glm *GLM) InitialParams() ([]float64, error) {

	ir, err := glm.fitIRLS(nil, 1)
	if err != nil {
		return nil, err
	}
	return ir.params, nil
}
