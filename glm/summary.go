package glm

import (
	"fmt"

	"github.com/Emberwhirl/mixedmodels-misc/statmodel"
)

// GLMSummary summarizes a fitted generalized linear model.
type GLMSummary struct {

	// The GLM
	glm *GLM

	// The results structure
	results *GLMResults

	// Messages that are appended to the table
	messages []string
}

// Summary displays a summary table of the model results.
func (rslt *GLMResults) Summary() *GLMSummary {

	glm := rslt.Model().(*GLM)

	return &GLMSummary{
		glm:     glm,
		results: rslt,
	}
}

// Message appends a line below the table.
func (gs *GLMSummary) Message(msg string) *GLMSummary {
	gs.messages = append(gs.messages, msg)
	return gs
}

// String returns a string representation of a summary table for the model.
func (gs *GLMSummary) String() string {

	rs := gs.results

	sum := &statmodel.SummaryTable{
		Title: "Generalized linear model analysis",
		Msg:   gs.messages,
		Top: []string{
			fmt.Sprintf("Family:     %s", gs.glm.fam.Name),
			fmt.Sprintf("Link:       %s", gs.glm.link.Name),
			fmt.Sprintf("Num obs:    %d", gs.glm.NumObs()),
			fmt.Sprintf("Deviance:   %.4f", rs.deviance),
			fmt.Sprintf("Log like:   %.4f", rs.LogLike()),
			fmt.Sprintf("Status:     %s", rs.status),
		},
	}

	if rs.VCov() == nil {
		sum.ColNames = []string{"Variable   ", "Parameter"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{rs.Names(), rs.Params()}
		sum.Msg = append(sum.Msg, "Standard errors unavailable, the Hessian is singular.")
		return sum.String()
	}

	// Create estimate and CI for the parameters
	var lcb, ucb []float64
	se := rs.StdErr()
	for j, p := range rs.Params() {
		lcb = append(lcb, p-2*se[j])
		ucb = append(ucb, p+2*se[j])
	}

	sum.ColNames = []string{"Variable   ", "Parameter", "SE", "LCB", "UCB", "Z-score", "P-value"}
	fn := statmodel.FloatFmt
	sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, fn, fn, fn, fn, fn, fn}
	sum.Cols = []interface{}{
		rs.Names(),
		rs.Params(),
		se,
		lcb,
		ucb,
		rs.ZScores(),
		rs.PValues(),
	}

	return sum.String()
}
