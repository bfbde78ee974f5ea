package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveFit("bfgs", 0.5, nil)
	m.ObserveFit("bfgs", 1.5, nil)
	m.ObserveFit("neldermead", 0, errors.New("failed"))
	m.SetRows(2352)

	require.Equal(t, 1.0, testutil.ToFloat64(m.FitFailures.WithLabelValues("neldermead")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.FitFailures.WithLabelValues("bfgs")))
	require.Equal(t, 2352.0, testutil.ToFloat64(m.GeneratedRows))
	require.Equal(t, 1, testutil.CollectAndCount(m.FitDuration))
}

func TestTextfile(t *testing.T) {
	m := New()
	m.ObserveFit("irls", 0.02, nil)
	m.SetRows(10)

	path := filepath.Join(t.TempDir(), "cloglogsim.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	require.Contains(t, s, "cloglogsim_fit_duration_seconds_count{engine=\"irls\"} 1")
	require.Contains(t, s, "cloglogsim_generated_rows 10")
}

func TestNil(t *testing.T) {
	var m *Metrics
	m.ObserveFit("bfgs", 1, nil)
	m.SetRows(1)
	require.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}
