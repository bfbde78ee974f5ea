package statmodel

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func data1() ([]string, [][]Dtype) {
	x := [][]Dtype{
		{0, 1, 3, 2, 1, 1, 0},
		{1, 1, 1, 1, 1, 1, 1},
		{4, 1, -1, 3, 5, -5, 3},
	}
	return []string{"y", "x1", "x2"}, x
}

func data1b() ([]string, [][]Dtype) {
	x := [][]Dtype{
		{0, 1, 3, 2, 1, 1, 0},
		{1, 1, 1, 1, 1, 1, 1},
		{8, 2, -2, 6, 10, -10, 6},
	}
	return []string{"y", "x1", "x2"}, x
}

// A mock model for testing
type Mock struct {
	data [][]Dtype
	xpos []int
	hess []float64
}

func (m *Mock) Dataset() [][]Dtype {
	return m.data
}

func (m *Mock) LogLike(params Parameter, exact bool) float64 {
	return 0
}

func (m *Mock) Score(params Parameter, score []float64) {
}

func (m *Mock) Hessian(params Parameter, ht HessType, hess []float64) {
	copy(hess, m.hess)
}

func (m *Mock) NumParams() int {
	return len(m.xpos)
}

func (m *Mock) NumObs() int {
	return len(m.data[0])
}

func (m *Mock) Xpos() []int {
	return m.xpos
}

type mockParam []float64

func (p mockParam) GetCoeff() []float64  { return p }
func (p mockParam) SetCoeff(x []float64) { copy(p, x) }
func (p mockParam) Clone() Parameter     { return append(mockParam(nil), p...) }

func TestResult1(t *testing.T) {

	_, da := data1()
	model := &Mock{
		data: da,
		xpos: []int{1, 2},
	}

	params := []float64{1, 2}
	xnames := []string{"x1", "x2"}
	vcov := []float64{0, 0, 0, 0}

	r := NewBaseResults(model, 0, params, xnames, vcov)

	// Test fitted values on the training data.
	fv := []float64{9, 3, -1, 7, 11, -9, 7}
	if !floats.Equal(fv, r.FittedValues(nil)) {
		t.Fail()
	}

	// Test fitted values when passing new columns.
	_, da2 := data1b()
	fv = []float64{17, 5, -3, 13, 21, -19, 13}
	if !floats.Equal(fv, r.FittedValues(da2)) {
		t.Fail()
	}
}

func TestStdErrAndPValues(t *testing.T) {

	_, da := data1()
	model := &Mock{data: da, xpos: []int{1, 2}}

	r := NewBaseResults(model, 0, []float64{2, -1}, []string{"x1", "x2"}, []float64{4, 0, 0, 1})

	if !floats.EqualApprox(r.StdErr(), []float64{2, 1}, 1e-12) {
		t.Errorf("unexpected standard errors %v", r.StdErr())
	}
	if !floats.EqualApprox(r.ZScores(), []float64{1, -1}, 1e-12) {
		t.Errorf("unexpected z-scores %v", r.ZScores())
	}
	want := 2 * normcdf(-1)
	for _, p := range r.PValues() {
		if math.Abs(p-want) > 1e-12 {
			t.Errorf("p-value %f, want %f", p, want)
		}
	}

	nr := NewBaseResults(model, 0, []float64{2, -1}, []string{"x1", "x2"}, nil)
	if nr.StdErr() != nil || nr.PValues() != nil {
		t.Errorf("expected nil inference without a covariance matrix")
	}
}

func TestGetVcov(t *testing.T) {

	_, da := data1()
	model := &Mock{data: da, xpos: []int{1, 2}, hess: []float64{-4, 0, 0, -2}}

	vcov, err := GetVcov(model, mockParam{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(vcov, []float64{0.25, 0, 0, 0.5}, 1e-12) {
		t.Errorf("unexpected vcov %v", vcov)
	}

	model.hess = []float64{-1, -1, -1, -1}
	if _, err := GetVcov(model, mockParam{0, 0}); !errors.Is(err, ErrSingularHessian) {
		t.Errorf("expected ErrSingularHessian, got %v", err)
	}
}

func TestSummaryTable(t *testing.T) {

	st := &SummaryTable{
		Title:    "Test table",
		Top:      []string{"Rows: 3", "Engine: irls"},
		ColNames: []string{"Variable", "Estimate"},
		ColFmt:   []Fmter{StringFmt, FloatFmt},
		Cols:     []interface{}{[]string{"a", "bb", "ccc"}, []float64{1, 2.5, -3}},
		Msg:      []string{"done"},
	}

	s := st.String()
	for _, want := range []string{"Test table", "Engine: irls", "ccc", "2.5000", "-3.0000", "done"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary is missing %q:\n%s", want, s)
		}
	}
}
