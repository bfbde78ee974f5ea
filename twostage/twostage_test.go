package twostage

import (
	"context"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

func scalarClose(x, y, eps float64) bool {
	return math.Abs(x-y) <= eps
}

func TestProject(t *testing.T) {

	a := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	p, err := project(a)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < 2; j++ {
		for k := 0; k < 2; k++ {
			if !scalarClose(p[j][k], 1.5, 1e-12) {
				t.Errorf("projection %v", p)
			}
		}
	}

	// PSD matrices are unchanged.
	b := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	p, err = project(b)
	if err != nil {
		t.Fatal(err)
	}
	if !scalarClose(p[0][0], 2, 1e-12) || !scalarClose(p[0][1], 0.5, 1e-12) || !scalarClose(p[1][1], 1, 1e-12) {
		t.Errorf("projection %v", p)
	}
}

func rep(id int, trt string, b0, b1 float64) *trialfit.ReplicateEstimate {
	return &trialfit.ReplicateEstimate{
		Replicate: id,
		Treatment: trt,
		Effect:    simtrial.Effect{Intercept: b0, Slope: b1},
		Vcov:      [2][2]float64{{0.5, 0}, {0, 0.01}},
		Converged: true,
	}
}

func TestPool(t *testing.T) {

	est := &Estimate{
		Replicates: []*trialfit.ReplicateEstimate{
			rep(1, "A", 1, 0.1),
			rep(2, "A", 3, 0.3),
			rep(3, "B", 0, 0),
			rep(4, "B", 2, 0.2),
		},
	}
	if err := est.pool(); err != nil {
		t.Fatal(err)
	}

	want := [2][2]float64{{1.5, 0.2}, {0.2, 0.01}}
	for j := 0; j < 2; j++ {
		for k := 0; k < 2; k++ {
			if !scalarClose(est.RawCov[j][k], want[j][k], 1e-12) {
				t.Errorf("raw covariance %v, want %v", est.RawCov, want)
			}
		}
	}
	if est.NumReplicates != 4 {
		t.Errorf("%d replicates", est.NumReplicates)
	}

	// The raw estimate is indefinite, its projection has rank one.
	det := est.Cov[0][0]*est.Cov[1][1] - est.Cov[0][1]*est.Cov[1][0]
	if !scalarClose(det, 0, 1e-12) || est.Cov[0][0] <= 0 {
		t.Errorf("projected covariance %v", est.Cov)
	}
	if !scalarClose(math.Abs(est.Corr), 1, 1e-8) {
		t.Errorf("correlation %v", est.Corr)
	}

	// One replicate per treatment leaves no degrees of freedom.
	est = &Estimate{
		Replicates: []*trialfit.ReplicateEstimate{rep(1, "A", 1, 0.1), rep(2, "B", 0, 0)},
	}
	if err := est.pool(); err == nil {
		t.Errorf("expected an error without within-treatment replication")
	}
}

func TestFit(t *testing.T) {

	p := simtrial.DefaultParams()
	ds, err := simtrial.Generate(p, rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}

	est, err := Fit(context.Background(), ds, "")
	if err != nil {
		t.Fatal(err)
	}

	if est.NumReplicates+len(est.Skipped) != 72 {
		t.Errorf("%d fitted and %d skipped replicates", est.NumReplicates, len(est.Skipped))
	}
	if est.NumReplicates < 60 {
		t.Errorf("only %d replicates could be fit", est.NumReplicates)
	}

	c := est.Cov
	if c[0][0] < 0 || c[1][1] < 0 || c[0][0]*c[1][1]-c[0][1]*c[1][0] < -1e-12 {
		t.Errorf("covariance %v is not PSD", c)
	}
	if est.Singular && est.SingularReason == "" {
		t.Errorf("singular without a reason")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Fit(ctx, ds, ""); err == nil {
		t.Errorf("canceled context accepted")
	}
}
