package compare

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
)

// CoefPlotter draws the estimates of several models side by side with
// +/- 2 SE error bars, one column per term.
type CoefPlotter struct {
	plt *plot.Plot

	terms []string

	// Number of models added so far, and in total.
	nmodel int
	total  int

	// Horizontal spread of the models within a term column.
	spread float64

	width  vg.Length
	height vg.Length
}

// errPoints pairs the estimates of a model with their error bars.
type errPoints struct {
	plotter.XYs
	plotter.YErrors
}

// NewCoefPlotter returns a CoefPlotter for the given terms, in axis
// order, with room for nmodel models per term.
func NewCoefPlotter(terms []string, nmodel int) *CoefPlotter {

	cp := &CoefPlotter{
		plt:    plot.New(),
		terms:  terms,
		total:  nmodel,
		spread: 0.6,
		width:  vg.Length(3 + 0.35*float64(len(terms))),
		height: 4,
	}

	cp.plt.Y.Label.Text = "Estimate"
	cp.plt.NominalX(terms...)
	cp.plt.X.Tick.Label.Rotation = math.Pi / 2
	cp.plt.X.Tick.Label.XAlign = text.XRight
	cp.plt.Legend.Top = true
	cp.plt.Add(plotter.NewGrid())

	return cp
}

// Title sets the plot title.
func (cp *CoefPlotter) Title(title string) *CoefPlotter {
	cp.plt.Title.Text = title
	return cp
}

// Width sets the width of the plot in inches.
func (cp *CoefPlotter) Width(w float64) *CoefPlotter {
	cp.width = vg.Length(w)
	return cp
}

// Height sets the height of the plot in inches.
func (cp *CoefPlotter) Height(h float64) *CoefPlotter {
	cp.height = vg.Length(h)
	return cp
}

// Add plots the estimates of one model.  Terms the model lacks are
// left out, and estimates without a standard error have no bar.
func (cp *CoefPlotter) Add(tab Table, model string) error {

	est := make(map[string]Estimate)
	for _, e := range tab.Model(model) {
		est[e.Term] = e
	}

	if cp.nmodel >= cp.total {
		return fmt.Errorf("compare: plot has room for %d models", cp.total)
	}

	// Models are spread evenly within a term column.
	var off float64
	if cp.total > 1 {
		off = -cp.spread/2 + float64(cp.nmodel)*cp.spread/float64(cp.total-1)
	}

	var pts errPoints
	for j, t := range cp.terms {
		e, ok := est[t]
		if !ok || math.IsNaN(e.Estimate) {
			continue
		}
		pts.XYs = append(pts.XYs, plotter.XY{X: float64(j) + off, Y: e.Estimate})
		se := e.StdErr
		if math.IsNaN(se) {
			se = 0
		}
		pts.YErrors = append(pts.YErrors, struct{ Low, High float64 }{2 * se, 2 * se})
	}
	if len(pts.XYs) == 0 {
		return fmt.Errorf("compare: model %s has none of the plotted terms", model)
	}

	sc, err := plotter.NewScatter(pts.XYs)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = plotutil.Color(cp.nmodel)
	sc.GlyphStyle.Shape = plotutil.Shape(cp.nmodel)

	eb, err := plotter.NewYErrorBars(pts)
	if err != nil {
		return err
	}
	eb.LineStyle.Color = plotutil.Color(cp.nmodel)

	cp.plt.Add(sc, eb)
	cp.plt.Legend.Add(model, sc)
	cp.nmodel++

	return nil
}

// Save writes the plot to fname; the format follows the extension.
func (cp *CoefPlotter) Save(fname string) error {
	return cp.plt.Save(cp.width*vg.Inch, cp.height*vg.Inch, fname)
}

// Plot draws the given terms for every model in tab and writes the plot
// to fname.  All terms are plotted when terms is nil.
func Plot(tab Table, terms []string, fname string) error {

	if terms == nil {
		terms = tab.Terms()
	}

	models := tab.Models()
	cp := NewCoefPlotter(terms, len(models)).Title("Coefficient estimates +/- 2 SE")
	for _, m := range models {
		if err := cp.Add(tab, m); err != nil {
			log.Warningf("not plotting %s: %v", m, err)
		}
	}
	if cp.nmodel == 0 {
		return fmt.Errorf("compare: nothing to plot")
	}

	return cp.Save(fname)
}
