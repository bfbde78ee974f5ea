package simtrial

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

func scalarClose(x, y, eps float64) bool {
	return math.Abs(x-y) <= eps
}

func TestDefaultParams(t *testing.T) {

	p := DefaultParams()

	if len(p.XGrid) != 15 || p.XGrid[14] != 28 {
		t.Errorf("unexpected grid %v", p.XGrid)
	}
	if len(p.Intercepts) != 24 {
		t.Fatalf("got %d intercepts", len(p.Intercepts))
	}
	if p.Intercepts[0] != -3 || !scalarClose(p.Intercepts[23], 0.45, 1e-12) {
		t.Errorf("unexpected intercept range %v .. %v", p.Intercepts[0], p.Intercepts[23])
	}
	want := []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.3}
	for k := 0; k < 4; k++ {
		if !floats.EqualApprox(p.Slopes[6*k:6*k+6], want, 1e-12) {
			t.Errorf("slope block %d is %v", k, p.Slopes[6*k:6*k+6])
		}
	}
	if p.Treatments[0] != "A" || p.Treatments[23] != "X" {
		t.Errorf("unexpected labels %v", p.Treatments)
	}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestScenarioSeed42(t *testing.T) {

	p := DefaultParams()
	ds, err := Generate(p, rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	if len(ds.Rows) != 15*24*3 {
		t.Errorf("got %d rows", len(ds.Rows))
	}
	if ds.NumReplicates() != 72 {
		t.Errorf("got %d replicates", ds.NumReplicates())
	}
	if len(ds.RandomEffects) != 72 {
		t.Errorf("got %d random effect draws", len(ds.RandomEffects))
	}
	for i, r := range ds.Rows {
		if r.Dead < 0 || r.Alive < 0 || r.Dead+r.Alive != 25 {
			t.Fatalf("row %d: dead=%d alive=%d", i, r.Dead, r.Alive)
		}
	}

	want := (math.Log(-math.Log(0.01)) - (-3.0)) / 0.05
	if !scalarClose(ds.CriticalDose["A"], want, 1e-9) {
		t.Errorf("critical dose of A is %v, want %v", ds.CriticalDose["A"], want)
	}
}

func TestDeterminism(t *testing.T) {

	gen := func(seed uint64) []byte {
		ds, err := Generate(DefaultParams(), rand.NewSource(seed))
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := WriteCSV(&buf, ds); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	a, b := gen(42), gen(42)
	if !bytes.Equal(a, b) {
		t.Errorf("same seed produced different output")
	}
	if bytes.Equal(a, gen(43)) {
		t.Errorf("different seeds produced identical output")
	}
}

func TestRowOrder(t *testing.T) {

	p := DefaultParams()
	ds, err := Generate(p, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}

	// Dose fastest, then treatment, then repeat index.
	nx := len(p.XGrid)
	if ds.Rows[1].X != 2 || ds.Rows[1].Treatment != "A" {
		t.Errorf("second row is %+v", ds.Rows[1])
	}
	if ds.Rows[nx].Treatment != "B" || ds.Rows[nx].X != 0 {
		t.Errorf("row %d is %+v", nx, ds.Rows[nx])
	}
	first := ds.Rows[nx*len(p.Treatments)]
	if first.Treatment != "A" || first.Replicate != 2 {
		t.Errorf("first row of the second repeat is %+v", first)
	}
	if ds.Rows[0].Replicate != 1 || ds.Rows[nx].Replicate != 4 {
		t.Errorf("unexpected replicate ids %d, %d", ds.Rows[0].Replicate, ds.Rows[nx].Replicate)
	}
}

func TestReplicateConsistency(t *testing.T) {

	ds, err := Generate(DefaultParams(), rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	// The random part of the linear predictor is re0 + re1*x for a
	// single (re0, re1) per replicate: fit it from two rows and check
	// the rest.
	type pt struct{ x, r float64 }
	byRep := make(map[int][]pt)
	for i, row := range ds.Rows {
		fe := ds.Effects[row.Treatment]
		r := ds.LinearPredictor(i) - (fe.Intercept + fe.Slope*row.X)
		byRep[row.Replicate] = append(byRep[row.Replicate], pt{row.X, r})
		if ds.ReplicateTreatment[row.Replicate] != row.Treatment {
			t.Fatalf("replicate %d is mapped to two treatments", row.Replicate)
		}
	}

	for rep, pts := range byRep {
		a, b := pts[0], pts[len(pts)-1]
		slope := (b.r - a.r) / (b.x - a.x)
		icept := a.r - slope*a.x
		for _, q := range pts {
			if !scalarClose(icept+slope*q.x, q.r, 1e-9) {
				t.Fatalf("replicate %d: random part is not shared", rep)
			}
		}
		re := ds.RandomEffects[rep]
		if !scalarClose(icept, re.Intercept, 1e-9) || !scalarClose(slope, re.Slope, 1e-9) {
			t.Errorf("replicate %d: recovered (%v, %v), drawn %+v", rep, icept, slope, re)
		}
	}
}

func TestProbabilityBounds(t *testing.T) {

	ds, err := Generate(DefaultParams(), rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	for i := range ds.Rows {
		p := ds.Prob(i)
		if !(p > 0 && p < 1) {
			t.Fatalf("row %d has probability %v", i, p)
		}
	}

	for _, eta := range []float64{-800, -40, 0, 5, 40, 800} {
		p := InvCloglog(eta)
		if !(p > 0 && p < 1) {
			t.Errorf("InvCloglog(%v) = %v", eta, p)
		}
	}
}

func TestCriticalDose(t *testing.T) {

	for _, c := range []struct{ b0, b1, q float64 }{
		{-3, 0.05, 0.99},
		{0.45, 0.3, 0.99},
		{-1, 0.2, 0.5},
	} {
		x0 := CriticalDose(c.b0, c.b1, c.q)
		if !scalarClose(InvCloglog(c.b0+c.b1*x0), c.q, 1e-12) {
			t.Errorf("CriticalDose(%v, %v, %v) = %v does not reach the threshold", c.b0, c.b1, c.q, x0)
		}
	}

	if !scalarClose(CloglogLink(InvCloglog(-1.3)), -1.3, 1e-12) {
		t.Errorf("link and inverse link do not agree")
	}
}

func TestValidate(t *testing.T) {

	for _, c := range []struct {
		name string
		edit func(*Params)
	}{
		{"negative variance", func(p *Params) { p.Cov[0][0] = -0.06 }},
		{"not psd", func(p *Params) { p.Cov = [2][2]float64{{0.01, 0.1}, {0.1, 0.01}} }},
		{"asymmetric", func(p *Params) { p.Cov[0][1] = 0.001 }},
		{"zero trials", func(p *Params) { p.Trials = 0 }},
		{"zero repeats", func(p *Params) { p.Repeats = 0 }},
		{"short intercepts", func(p *Params) { p.Intercepts = p.Intercepts[:10] }},
		{"long slopes", func(p *Params) { p.Slopes = append(p.Slopes, 0.1) }},
		{"duplicate label", func(p *Params) { p.Treatments[1] = "A" }},
		{"empty grid", func(p *Params) { p.XGrid = nil }},
		{"zero slope", func(p *Params) { p.Slopes[3] = 0 }},
		{"threshold", func(p *Params) { p.Threshold = 1 }},
	} {
		p := DefaultParams()
		c.edit(&p)
		ds, err := Generate(p, rand.NewSource(42))
		if !errors.Is(err, ErrInvalidParam) {
			t.Errorf("%s: expected ErrInvalidParam, got %v", c.name, err)
		}
		if ds != nil {
			t.Errorf("%s: partial result returned", c.name)
		}
	}
}

func TestInvalidCovWritesNothing(t *testing.T) {

	path := filepath.Join(t.TempDir(), "data.csv")

	p := DefaultParams()
	p.Cov[1][1] = -0.0001
	if _, err := GenerateFile(path, p, rand.NewSource(42)); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact exists after a failed generation")
	}

	if _, err := GenerateFile(path, DefaultParams(), rand.NewSource(42)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestSingularCov(t *testing.T) {

	p := DefaultParams()
	p.Cov = [2][2]float64{{1, 1}, {1, 1}}

	ds, err := Generate(p, rand.NewSource(7))
	if err != nil {
		t.Fatal(err)
	}
	for rep, re := range ds.RandomEffects {
		if !scalarClose(re.Intercept, re.Slope, 1e-10) {
			t.Errorf("replicate %d: perfectly correlated offsets differ: %+v", rep, re)
		}
	}

	p.Cov = [2][2]float64{{0.06, 0}, {0, 0}}
	ds, err = Generate(p, rand.NewSource(7))
	if err != nil {
		t.Fatal(err)
	}
	for rep, re := range ds.RandomEffects {
		if !scalarClose(re.Slope, 0, 1e-15) {
			t.Errorf("replicate %d: slope offset %v with zero variance", rep, re.Slope)
		}
	}
}

func TestCSVRoundTrip(t *testing.T) {

	ds, err := Generate(DefaultParams(), rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, ds); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "x,trt,rep,dead,alive\n0,A,1,") {
		t.Errorf("unexpected start of file: %.40q", buf.String())
	}

	back, err := ReadCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back.Trials != 25 || len(back.Rows) != len(ds.Rows) {
		t.Fatalf("read back %d rows with %d trials", len(back.Rows), back.Trials)
	}
	for i := range ds.Rows {
		if back.Rows[i] != ds.Rows[i] {
			t.Fatalf("row %d: %+v != %+v", i, back.Rows[i], ds.Rows[i])
		}
	}
	if back.HasTruth() {
		t.Errorf("loaded data should not carry generating effects")
	}
	if back.NumReplicates() != 72 || len(back.TreatmentLabels()) != 24 {
		t.Errorf("unexpected structure after reading")
	}
}

func TestReadCSVErrors(t *testing.T) {

	for _, in := range []string{
		"",
		"a,b,c,d,e\n",
		"x,trt,rep,dead,alive\n",
		"x,trt,rep,dead,alive\n0,A,1,3,22\n2,A,1,3,21\n",
		"x,trt,rep,dead,alive\n0,A,1,3,22\n0,B,1,3,22\n",
		"x,trt,rep,dead,alive\n0,A,1,-3,28\n",
		"x,trt,rep,dead,alive\nzero,A,1,3,22\n",
		"x,trt,rep,dead,alive\n0,A,1,3\n",
		"x,trt,rep,dead\n0,A,1,3\n",
	} {
		if _, err := ReadCSV(strings.NewReader(in)); err == nil {
			t.Errorf("expected an error for %q", in)
		}
	}
}

func TestReadCSVChunks(t *testing.T) {

	// More rows than are read at a time.
	p := DefaultParams()
	p.Repeats = 12
	ds, err := Generate(p, rand.NewSource(7))
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Rows) <= csvChunk {
		t.Fatalf("only %d rows", len(ds.Rows))
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, ds); err != nil {
		t.Fatal(err)
	}
	back, err := ReadCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Rows) != len(ds.Rows) {
		t.Fatalf("read back %d of %d rows", len(back.Rows), len(ds.Rows))
	}
	for i := range ds.Rows {
		if back.Rows[i] != ds.Rows[i] {
			t.Fatalf("row %d: %+v != %+v", i, back.Rows[i], ds.Rows[i])
		}
	}
}

func TestCriticalDoseFile(t *testing.T) {

	ds, err := Generate(DefaultParams(), rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteCriticalDoses(&buf, ds); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 25 || !strings.HasPrefix(lines[1], "A,") || !strings.HasPrefix(lines[24], "X,") {
		t.Errorf("unexpected critical dose file:\n%s", buf.String())
	}
}
