/*
Package glm fits binomial generalized linear models to dose-response
counts.  The outcome is the observed proportion and the prior weight is
the number of trials, so that a column of dead/trials with weights
trials reproduces the binomial likelihood.

The complementary log-log link is the default.  Models are fit by
iteratively reweighted least squares or by any gonum optimize method
using the analytic score and observed Hessian.

Data are provided as columns:

	glm := NewGLM(data, names, "y").Weight("w").Done()
	rslt, err := glm.Fit()
*/
package glm
