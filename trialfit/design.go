package trialfit

import (
	"fmt"

	"github.com/kshedden/dstream/dstream"
	"github.com/kshedden/dstream/formula"

	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/statmodel"
)

// Column names of the outcome and the prior weight in a design.
const (
	ResponseName = "y"
	WeightName   = "w"
)

// Formulas of the pooled and the single replicate designs.  A string
// covariate expands to one indicator per level and no reference level
// is dropped, so the pooled design has no global intercept.
const (
	nestedFormula    = "trt + trt * x"
	replicateFormula = "1 + x"
)

// InterceptTerm is the name of the intercept column of a treatment.
func InterceptTerm(label string) string {
	return "trt" + label
}

// SlopeTerm is the name of the dose slope column of a treatment.
func SlopeTerm(label string) string {
	return "trt" + label + ":x"
}

// Design is the column layout of the nested fixed-effects model with
// one intercept and one slope per treatment and no global intercept.
type Design struct {

	// Data and Names are ready for glm.NewGLM: the response, the
	// covariates in term order and the weight.
	Data  [][]statmodel.Dtype
	Names []string

	// Covariate names in parameter order, all intercepts first.
	Terms []string
}

// rawData places the rows of a data set in a dstream with columns
// trt, x, y and w.  Rows of other replicates are skipped when rep is
// positive.
func rawData(ds *simtrial.Dataset, rep int) (dstream.Dstream, int, int) {

	var trt []string
	var x, y, w []float64
	var dead, total int
	for _, r := range ds.Rows {
		if rep > 0 && r.Replicate != rep {
			continue
		}
		trt = append(trt, r.Treatment)
		x = append(x, r.X)
		y = append(y, float64(r.Dead)/float64(ds.Trials))
		w = append(w, float64(ds.Trials))
		dead += r.Dead
		total += ds.Trials
	}

	da := []interface{}{trt, x, y, w}
	na := []string{"trt", "x", ResponseName, WeightName}

	return dstream.NewFromFlat(da, na), dead, total
}

// expand applies a formula to raw and returns the resulting columns by
// name.  The formula parser panics on bad input, which is returned as
// an error.
func expand(fml string, raw dstream.Dstream) (cols map[string][]float64, err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trialfit: formula %q: %v", fml, r)
		}
	}()

	f1 := formula.New(fml, raw).Keep(ResponseName, WeightName).Done()
	f2 := dstream.MemCopy(f1, true)

	names := f2.Names()
	cols = make(map[string][]float64, len(names))
	f2.Reset()
	for f2.Next() {
		for j, na := range names {
			cols[na] = append(cols[na], f2.GetPos(j).([]float64)...)
		}
	}

	return cols, nil
}

// NewDesign builds the fixed-effects design of a data set.  The
// response is the proportion dead and the weight is the number of
// trials.
func NewDesign(ds *simtrial.Dataset) (*Design, error) {

	if len(ds.Rows) == 0 {
		return nil, fmt.Errorf("trialfit: empty data set")
	}
	if ds.Trials <= 0 {
		return nil, fmt.Errorf("trialfit: %d trials per row", ds.Trials)
	}

	raw, _, _ := rawData(ds, 0)
	cols, err := expand(nestedFormula, raw)
	if err != nil {
		return nil, err
	}

	labels := ds.TreatmentLabels()

	d := &Design{}
	var xcols [][]float64
	for _, l := range labels {
		d.Terms = append(d.Terms, InterceptTerm(l))
		xcols = append(xcols, cols[fmt.Sprintf("trt[%s]", l)])
	}
	for _, l := range labels {
		d.Terms = append(d.Terms, SlopeTerm(l))
		xcols = append(xcols, cols[fmt.Sprintf("trt[%s]:x", l)])
	}

	d.Data = append(d.Data, cols[ResponseName])
	d.Names = append(d.Names, ResponseName)
	for j, c := range xcols {
		if len(c) != len(ds.Rows) {
			return nil, fmt.Errorf("trialfit: no design column for %s", d.Terms[j])
		}
		d.Data = append(d.Data, c)
		d.Names = append(d.Names, d.Terms[j])
	}
	d.Data = append(d.Data, cols[WeightName])
	d.Names = append(d.Names, WeightName)

	return d, nil
}

// replicateDesign is the intercept and slope design of the rows of a
// single replicate, along with the number dead and the number of
// trials in those rows.
func replicateDesign(ds *simtrial.Dataset, rep int) ([][]statmodel.Dtype, []string, int, int, error) {

	raw, dead, total := rawData(ds, rep)
	if total == 0 {
		return nil, nil, 0, 0, nil
	}

	cols, err := expand(replicateFormula, raw)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	names := []string{ResponseName, "icept", "x", WeightName}
	data := make([][]statmodel.Dtype, len(names))
	for j, na := range names {
		data[j] = cols[na]
	}

	return data, names, dead, total, nil
}
