package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Emberwhirl/mixedmodels-misc/artifact"
	"github.com/Emberwhirl/mixedmodels-misc/compare"
	"github.com/Emberwhirl/mixedmodels-misc/config"
	"github.com/Emberwhirl/mixedmodels-misc/resultsdb"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

func smallConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Generator.NumTreatments = 3
	cfg.Generator.Repeats = 4
	cfg.Fits = []trialfit.Spec{
		{Name: "irls", Engine: trialfit.IRLS},
		{Name: "bfgs", Engine: trialfit.BFGS},
		{Name: "broken", Engine: "simplex"},
	}
	cfg.Output.Dir = t.TempDir()
	return cfg
}

func TestRunPipeline(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "")
	cfg := smallConfig(t)

	ext := filepath.Join(t.TempDir(), "other.csv")
	require.NoError(t, os.WriteFile(ext, []byte("variable,estimate,se\ntrt: A,-3.1,0.2\ntrt: A & x,0.06,0.01\n"), 0o644))
	cfg.External = []config.ExternalTable{{Model: "other", Path: ext}}

	s, err := newSession(ctx, cfg, 42)
	require.NoError(t, err)
	s.profile = 0.95
	require.NoError(t, execute(ctx, s, "run"))
	require.NoError(t, s.finish())

	for _, key := range []string{cfg.Output.Data, cfg.Output.Doses, cfg.Output.Estimates,
		cfg.Output.Runtimes, cfg.Output.Bias, cfg.Output.Plot} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, key))
		require.NoError(t, err, key)
		require.Contains(t, s.summary.Artifacts, key)
	}
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, cfg.Output.Metrics))
	require.NoError(t, err)

	require.Len(t, s.summary.Fits, 3)
	require.NotEmpty(t, s.summary.Fits[2].Error)
	require.NotNil(t, s.summary.Fits[0].LogLike)
	require.NotNil(t, s.summary.RandomEffects)
	require.Len(t, s.summary.Intervals, 3)

	models := make(map[string]bool)
	for _, b := range s.summary.Bias {
		models[b.Model] = true
	}
	require.Equal(t, map[string]bool{"irls": true, "bfgs": true, "other": true}, models)

	_, err = json.Marshal(s.summary)
	require.NoError(t, err)

	db, err := resultsdb.Open(filepath.Join(cfg.Output.Dir, cfg.Output.Database))
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	tab, err := db.Estimates(ctx, "other")
	require.NoError(t, err)
	require.Len(t, tab, 2)
}

func TestStepwise(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "memory")
	cfg := smallConfig(t)
	cfg.Fits = cfg.Fits[:1]

	s, err := newSession(ctx, cfg, 7)
	require.NoError(t, err)
	require.Equal(t, artifact.DriverMemory, s.store.Driver())

	// Nothing to fit yet.
	_, err = s.fit(ctx, nil)
	require.ErrorIs(t, err, artifact.ErrNotFound)

	require.NoError(t, execute(ctx, s, "generate"))
	require.NoError(t, execute(ctx, s, "fit"))

	// Data read back from CSV carry no truth, so the estimates are
	// compared with the configured generator.
	b, err := artifact.GetBytes(ctx, s.store, cfg.Output.Estimates)
	require.NoError(t, err)
	require.NotContains(t, string(b), compare.TruthModel)

	require.NoError(t, execute(ctx, s, "compare"))
	require.Len(t, s.summary.Bias, 1)
	require.Equal(t, 6, s.summary.Bias[0].N)

	// A second fit of the same data comes from the checkpoint.
	require.NoError(t, execute(ctx, s, "fit"))
	require.True(t, s.summary.Fits[0].Cached)

	require.Error(t, execute(ctx, s, "nosuch"))
}

func TestAllFitsFail(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "memory")
	cfg := smallConfig(t)
	cfg.Fits = []trialfit.Spec{{Name: "broken", Engine: "simplex"}}

	s, err := newSession(ctx, cfg, 1)
	require.NoError(t, err)
	require.Error(t, execute(ctx, s, "run"))
}
