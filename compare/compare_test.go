package compare

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

func smallParams() simtrial.Params {
	p := simtrial.DefaultParams()
	p.Treatments = []string{"A", "B"}
	p.Intercepts = []float64{-2, -1}
	p.Slopes = []float64{0.2, 0.25}
	return p
}

func TestTruth(t *testing.T) {
	tab := Truth(smallParams())
	require.Len(t, tab, 4)
	require.Equal(t, []string{"trtA", "trtB", "trtA:x", "trtB:x"}, tab.Terms())
	require.Equal(t, []string{TruthModel}, tab.Models())
	require.Equal(t, -1.0, tab[1].Estimate)
	require.Equal(t, 0.2, tab[2].Estimate)
	require.True(t, math.IsNaN(tab[0].StdErr))
}

func TestFromResult(t *testing.T) {
	res := &trialfit.Result{
		Name: "bfgs",
		Terms: []trialfit.Term{
			{Name: "trtA", Estimate: -2.1, StdErr: 0.2},
			{Name: "trtA:x", Estimate: 0.21, StdErr: math.NaN()},
		},
	}
	tab := FromResult(res)
	require.Len(t, tab, 2)
	require.Equal(t, "bfgs", tab[0].Model)
	require.Equal(t, 0.2, tab[0].StdErr)
	require.True(t, math.IsNaN(tab[1].StdErr))
}

func TestNormalizeTerm(t *testing.T) {
	for in, want := range map[string]string{
		"trtA":       "trtA",
		"trtA:x":     "trtA:x",
		"trt: A":     "trtA",
		"trt: A & x": "trtA:x",
		"x:trtB":     "trtB:x",
	} {
		require.Equal(t, want, NormalizeTerm(in), in)
	}
}

func TestReadExternal(t *testing.T) {

	in := "Variable,Estimate,SE,z\n" +
		"trt: A,-2.05,0.11,1\n" +
		"trt: A & x,0.198,NA,2\n" +
		"trtB,-0.95,,3\n"

	tab, err := ReadExternal(strings.NewReader(in), "julia")
	require.NoError(t, err)
	require.Len(t, tab, 3)
	require.Equal(t, Estimate{Model: "julia", Term: "trtA", Estimate: -2.05, StdErr: 0.11}, tab[0])
	require.Equal(t, "trtA:x", tab[1].Term)
	require.True(t, math.IsNaN(tab[1].StdErr))
	require.True(t, math.IsNaN(tab[2].StdErr))

	// Column order does not matter.
	tab, err = ReadExternal(strings.NewReader("se,variable,estimate\n0.1,trtA,-2\n"), "m")
	require.NoError(t, err)
	require.Equal(t, -2.0, tab[0].Estimate)

	// Quoted header and row names, as written by R.
	in = "\"\",\"Variable\",\"Estimate\",\"SE\"\n\"1\",\"trt: B\",-1.02,0.2\n"
	tab, err = ReadExternal(strings.NewReader(in), "r")
	require.NoError(t, err)
	require.Equal(t, Table{{Model: "r", Term: "trtB", Estimate: -1.02, StdErr: 0.2}}, tab)

	for _, bad := range []string{
		"",
		"variable,estimate\ntrtA,1\n",
		"variable,estimate,se\n",
		"variable,estimate,se\ntrtA,abc,0.1\n",
		"variable,estimate,se\ntrtA,NA,0.1\n",
		"variable,estimate,se\ntrtA,1,x\n",
		"variable,estimate,se\ntrtA,1\n",
		"variable,estimate,se\ntrtA,1,0.1,9\n",
	} {
		_, err := ReadExternal(strings.NewReader(bad), "m")
		require.True(t, errors.Is(err, ErrBadTable), "input %q: %v", bad, err)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	tab := append(Truth(smallParams()), Estimate{Model: "m", Term: "trtA", Estimate: -2.01, StdErr: 0.3})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tab))
	require.True(t, strings.HasPrefix(buf.String(), "model,term,estimate,se\ntruth,trtA,-2,NA\n"))

	back, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, back, len(tab))
	for i := range tab {
		require.Equal(t, tab[i].Model, back[i].Model)
		require.Equal(t, tab[i].Term, back[i].Term)
		require.Equal(t, tab[i].Estimate, back[i].Estimate)
		require.Equal(t, math.IsNaN(tab[i].StdErr), math.IsNaN(back[i].StdErr))
	}

	for _, bad := range []string{"", "a,b,c,d\n", "model,term,estimate\n", "model,term,estimate,se\nm,t,1\n"} {
		_, err = ReadCSV(strings.NewReader(bad))
		require.ErrorIs(t, err, ErrBadTable, bad)
	}
}

func TestBias(t *testing.T) {
	truth := Truth(smallParams())
	tab := Table{
		{Model: "m1", Term: "trtA", Estimate: -2.1},
		{Model: "m1", Term: "trtB", Estimate: -0.8},
		{Model: "m1", Term: "other", Estimate: 100},
		{Model: "m2", Term: "trtA:x", Estimate: 0.2},
		{Model: "m3", Term: "nothing", Estimate: 1},
	}
	tab = append(tab, truth...)

	rows := Bias(tab, truth)
	require.Len(t, rows, 3)

	require.Equal(t, "m1", rows[0].Model)
	require.Equal(t, 2, rows[0].N)
	require.InDelta(t, 0.15, rows[0].MAE, 1e-12)
	require.InDelta(t, math.Sqrt((0.01+0.04)/2), rows[0].RMSE, 1e-12)
	require.Equal(t, "trtB", rows[0].MaxTerm)

	require.Equal(t, 1, rows[1].N)
	require.InDelta(t, 0, rows[1].MAE, 1e-12)

	require.Equal(t, 0, rows[2].N)
	require.True(t, math.IsNaN(rows[2].MAE))

	var buf bytes.Buffer
	require.NoError(t, WriteBias(&buf, rows))
	require.Contains(t, buf.String(), "m3,0,NA,NA,NA,")
}

func TestRuntimes(t *testing.T) {
	res := []*trialfit.Result{
		{Name: "a", Engine: "bfgs", Elapsed: 1500 * time.Millisecond, Converged: true, FuncEvals: 40},
		nil,
		{Name: "b", Engine: "neldermead", Elapsed: time.Second},
	}
	res[2].Diagnostics.Warnings = []string{"w"}

	rows := Runtimes(res)
	require.Len(t, rows, 2)
	require.Equal(t, 1.5, rows[0].Seconds)
	require.Equal(t, 1, rows[1].Warnings)

	var buf bytes.Buffer
	require.NoError(t, WriteRuntimes(&buf, rows))
	require.Contains(t, buf.String(), "a,bfgs,1.5,true,0,40,0\n")
}

func TestSummary(t *testing.T) {
	truth := Truth(smallParams())
	tab := Table{
		{Model: "m", Term: "trtA", Estimate: -2.1, StdErr: 0.1},
		{Model: "m", Term: "trtA:x", Estimate: 0.19, StdErr: 0.01},
	}

	s := Summary(tab, "m", truth)
	require.Contains(t, s, "Estimates for m")
	require.Contains(t, s, "trtA:x")
	require.Contains(t, s, "Truth")
	require.Contains(t, s, "-0.1000")

	s = Summary(tab, "m", nil)
	require.NotContains(t, s, "Truth")
}

func TestPlot(t *testing.T) {
	truth := Truth(smallParams())
	tab := Table{
		{Model: "m", Term: "trtA", Estimate: -2.1, StdErr: 0.1},
		{Model: "m", Term: "trtA:x", Estimate: 0.19, StdErr: math.NaN()},
	}
	tab = append(tab, truth...)

	fname := filepath.Join(t.TempDir(), "coef.png")
	require.NoError(t, Plot(tab, nil, fname))
	st, err := os.Stat(fname)
	require.NoError(t, err)
	require.True(t, st.Size() > 0)

	require.Error(t, Plot(tab, []string{"nosuch"}, filepath.Join(t.TempDir(), "x.png")))
}
