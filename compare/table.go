// Package compare collects coefficient estimates from several fits,
// and from other software, into tidy tables for comparison against
// the generating values.
package compare

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/kshedden/dstream/dstream"
	"github.com/op/go-logging"

	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

var log = logging.MustGetLogger("compare")

// ErrBadTable is returned for an external estimate table that cannot
// be read.
var ErrBadTable = errors.New("compare: bad estimate table")

// TruthModel is the model name of the generating values.
const TruthModel = "truth"

// Estimate is one coefficient estimate of one model.
type Estimate struct {
	Model    string
	Term     string
	Estimate float64

	// StdErr is NaN when unavailable.
	StdErr float64
}

// Table is a tidy table of estimates.
type Table []Estimate

// FromResult converts a fit into a table.  The model is named after
// the fit.
func FromResult(res *trialfit.Result) Table {
	var tab Table
	for _, t := range res.Terms {
		tab = append(tab, Estimate{
			Model:    res.Name,
			Term:     t.Name,
			Estimate: t.Estimate,
			StdErr:   t.StdErr,
		})
	}
	return tab
}

// Truth returns the generating fixed effects as a table.
func Truth(p simtrial.Params) Table {
	eff := p.EffectTable()
	var tab Table
	for _, l := range p.Treatments {
		tab = append(tab, Estimate{Model: TruthModel, Term: trialfit.InterceptTerm(l), Estimate: eff[l].Intercept, StdErr: math.NaN()})
	}
	for _, l := range p.Treatments {
		tab = append(tab, Estimate{Model: TruthModel, Term: trialfit.SlopeTerm(l), Estimate: eff[l].Slope, StdErr: math.NaN()})
	}
	return tab
}

// NormalizeTerm maps the coefficient names used by other software to
// the names used here, for example "trt: A & x" to "trtA:x".
func NormalizeTerm(name string) string {
	s := strings.ReplaceAll(name, " ", "")
	s = strings.ReplaceAll(s, "&", ":")
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	if strings.HasPrefix(s, "trt:") {
		s = "trt" + s[len("trt:"):]
	}
	if strings.HasPrefix(s, "x:trt") {
		s = s[len("x:"):] + ":x"
	}
	return s
}

func parseNum(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "NA", "NAN":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// readColumns reads the named text columns of a CSV stream.  With
// header set the names are matched against the first row of the file,
// otherwise the file has exactly these columns and the first row is
// returned as data.  The csv stream panics on malformed input, which
// is returned as ErrBadTable.
func readColumns(r io.Reader, names []string, header bool) (cols [][]string, err error) {

	defer func() {
		if p := recover(); p != nil {
			cols, err = nil, fmt.Errorf("%w: %v", ErrBadTable, p)
		}
	}()

	types := make([]dstream.VarType, len(names))
	for j, na := range names {
		types[j] = dstream.VarType{Name: na, Type: dstream.String}
	}

	rdr := dstream.FromCSV(r).SetTypes(types)
	if header {
		rdr = rdr.HasHeader()
	}
	da := rdr.Done()

	cols = make([][]string, len(names))
	for da.Next() {
		for j := range cols {
			cols[j] = append(cols[j], da.GetPos(j).([]string)...)
		}
	}

	return cols, nil
}

// headerNames returns the column names in the first line of b as the
// csv stream spells them, that is without surrounding quotes.
func headerNames(b []byte) []string {

	line := string(b)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return nil
	}

	names := strings.Split(line, ",")
	for j, na := range names {
		if len(na) >= 2 && strings.HasPrefix(na, `"`) && strings.HasSuffix(na, `"`) {
			na = na[1 : len(na)-1]
		}
		names[j] = na
	}

	return names
}

// ReadExternal reads a CSV table of estimates produced elsewhere.  The
// header must name the columns variable, estimate and se, in any order
// and case; other columns are ignored.  Missing standard errors (NA or
// empty) become NaN.
func ReadExternal(r io.Reader, model string) (Table, error) {

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTable, err)
	}

	// Names as spelled in the file, by lower case name.
	want := []string{"variable", "estimate", "se"}
	spelled := make(map[string]string)
	for _, h := range headerNames(b) {
		k := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		spelled[k] = h
	}
	var names []string
	for _, k := range want {
		h, ok := spelled[k]
		if !ok {
			return nil, fmt.Errorf("%w: no %s column", ErrBadTable, k)
		}
		names = append(names, h)
	}

	cols, err := readColumns(bytes.NewReader(b), names, true)
	if err != nil {
		return nil, err
	}

	var tab Table
	for i := range cols[0] {
		line := i + 2
		est, err := parseNum(cols[1][i])
		if err != nil || math.IsNaN(est) {
			return nil, fmt.Errorf("%w: line %d: estimate %q", ErrBadTable, line, cols[1][i])
		}
		se, err := parseNum(cols[2][i])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: se %q", ErrBadTable, line, cols[2][i])
		}

		tab = append(tab, Estimate{
			Model:    model,
			Term:     NormalizeTerm(cols[0][i]),
			Estimate: est,
			StdErr:   se,
		})
	}

	if len(tab) == 0 {
		return nil, fmt.Errorf("%w: no estimates", ErrBadTable)
	}

	log.Debugf("read %d estimates for %s", len(tab), model)
	return tab, nil
}

// Models returns the model names in order of first appearance.
func (tab Table) Models() []string {
	seen := make(map[string]bool)
	var models []string
	for _, e := range tab {
		if !seen[e.Model] {
			seen[e.Model] = true
			models = append(models, e.Model)
		}
	}
	return models
}

// Terms returns the term names in order of first appearance.
func (tab Table) Terms() []string {
	seen := make(map[string]bool)
	var terms []string
	for _, e := range tab {
		if !seen[e.Term] {
			seen[e.Term] = true
			terms = append(terms, e.Term)
		}
	}
	return terms
}

// Model returns the rows of one model.
func (tab Table) Model(model string) Table {
	var out Table
	for _, e := range tab {
		if e.Model == model {
			out = append(out, e)
		}
	}
	return out
}

func formatNum(x float64) string {
	if math.IsNaN(x) {
		return "NA"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// WriteCSV writes the table with header model,term,estimate,se.
// Missing values are written as NA.
func WriteCSV(w io.Writer, tab Table) error {

	wtr := csv.NewWriter(w)
	if err := wtr.Write([]string{"model", "term", "estimate", "se"}); err != nil {
		return err
	}
	for _, e := range tab {
		rec := []string{e.Model, e.Term, formatNum(e.Estimate), formatNum(e.StdErr)}
		if err := wtr.Write(rec); err != nil {
			return err
		}
	}
	wtr.Flush()

	return wtr.Error()
}

// tableHeader is the header written by WriteCSV.
var tableHeader = []string{"model", "term", "estimate", "se"}

// ReadCSV reads a table written by WriteCSV.
func ReadCSV(r io.Reader) (Table, error) {

	// The header is read as the first data row and checked.
	cols, err := readColumns(r, tableHeader, false)
	if err != nil {
		return nil, err
	}
	for j, h := range tableHeader {
		if cols[j][0] != h {
			return nil, fmt.Errorf("%w: header column %d is %q", ErrBadTable, j+1, cols[j][0])
		}
	}

	var tab Table
	for i := 1; i < len(cols[0]); i++ {
		est, err1 := parseNum(cols[2][i])
		se, err2 := parseNum(cols[3][i])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: line %d: bad number", ErrBadTable, i+1)
		}
		tab = append(tab, Estimate{Model: cols[0][i], Term: cols[1][i], Estimate: est, StdErr: se})
	}

	return tab, nil
}
