package compare

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/Emberwhirl/mixedmodels-misc/statmodel"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

// BiasRow summarizes how far one model's estimates are from the truth.
type BiasRow struct {
	Model string

	// Number of terms shared with the truth.
	N int

	MAE  float64
	RMSE float64

	// Largest absolute error and its term.
	MaxErr  float64
	MaxTerm string
}

// Bias compares every model in tab with the truth table, over the terms
// present in both.  Models are in order of first appearance; the truth
// model itself is skipped.
func Bias(tab, truth Table) []BiasRow {

	tv := make(map[string]float64)
	for _, e := range truth {
		tv[e.Term] = e.Estimate
	}

	var rows []BiasRow
	for _, m := range tab.Models() {
		if m == TruthModel {
			continue
		}
		row := BiasRow{Model: m, MAE: math.NaN(), RMSE: math.NaN(), MaxErr: math.NaN()}
		var sa, ss float64
		for _, e := range tab.Model(m) {
			t, ok := tv[e.Term]
			if !ok || math.IsNaN(e.Estimate) {
				continue
			}
			d := math.Abs(e.Estimate - t)
			sa += d
			ss += d * d
			if row.N == 0 || d > row.MaxErr {
				row.MaxErr = d
				row.MaxTerm = e.Term
			}
			row.N++
		}
		if row.N > 0 {
			row.MAE = sa / float64(row.N)
			row.RMSE = math.Sqrt(ss / float64(row.N))
		} else {
			log.Warningf("model %s shares no terms with the truth", m)
		}
		rows = append(rows, row)
	}

	return rows
}

// WriteBias writes bias rows as CSV.
func WriteBias(w io.Writer, rows []BiasRow) error {

	wtr := csv.NewWriter(w)
	if err := wtr.Write([]string{"model", "n", "mae", "rmse", "max_err", "max_term"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Model, strconv.Itoa(r.N), formatNum(r.MAE), formatNum(r.RMSE), formatNum(r.MaxErr), r.MaxTerm}
		if err := wtr.Write(rec); err != nil {
			return err
		}
	}
	wtr.Flush()

	return wtr.Error()
}

// Runtime is one row of the runtime table.
type Runtime struct {
	Model      string
	Engine     string
	Seconds    float64
	Converged  bool
	Iterations int
	FuncEvals  int
	Warnings   int
}

// Runtimes builds the runtime table of a set of fits.
func Runtimes(results []*trialfit.Result) []Runtime {
	var rows []Runtime
	for _, r := range results {
		if r == nil {
			continue
		}
		rows = append(rows, Runtime{
			Model:      r.Name,
			Engine:     r.Engine,
			Seconds:    r.Elapsed.Seconds(),
			Converged:  r.Converged,
			Iterations: r.Iterations,
			FuncEvals:  r.FuncEvals,
			Warnings:   len(r.Diagnostics.Warnings),
		})
	}
	return rows
}

// WriteRuntimes writes runtime rows as CSV.
func WriteRuntimes(w io.Writer, rows []Runtime) error {

	wtr := csv.NewWriter(w)
	if err := wtr.Write([]string{"model", "engine", "seconds", "converged", "iterations", "func_evals", "warnings"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Model, r.Engine, formatNum(r.Seconds), strconv.FormatBool(r.Converged),
			strconv.Itoa(r.Iterations), strconv.Itoa(r.FuncEvals), strconv.Itoa(r.Warnings)}
		if err := wtr.Write(rec); err != nil {
			return err
		}
	}
	wtr.Flush()

	return wtr.Error()
}

// Summary renders the estimates of one model next to the truth, when a
// truth table is given.
func Summary(tab Table, model string, truth Table) string {

	rows := tab.Model(model)

	tv := make(map[string]float64)
	for _, e := range truth {
		tv[e.Term] = e.Estimate
	}

	var terms []string
	var est, se, tru, diff []float64
	for _, e := range rows {
		terms = append(terms, e.Term)
		est = append(est, e.Estimate)
		se = append(se, e.StdErr)
		t, ok := tv[e.Term]
		if !ok {
			t = math.NaN()
		}
		tru = append(tru, t)
		diff = append(diff, e.Estimate-t)
	}

	st := &statmodel.SummaryTable{
		Title: fmt.Sprintf("Estimates for %s", model),
		Top:   []string{fmt.Sprintf("Terms:  %d", len(rows))},
	}

	fn := statmodel.FloatFmt
	if truth == nil {
		st.ColNames = []string{"Term", "Estimate", "SE"}
		st.ColFmt = []statmodel.Fmter{statmodel.StringFmt, fn, fn}
		st.Cols = []interface{}{terms, est, se}
	} else {
		st.ColNames = []string{"Term", "Estimate", "SE", "Truth", "Error"}
		st.ColFmt = []statmodel.Fmter{statmodel.StringFmt, fn, fn, fn, fn}
		st.Cols = []interface{}{terms, est, se, tru, diff}
	}

	return st.String()
}
