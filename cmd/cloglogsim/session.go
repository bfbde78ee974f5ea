package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"

	"github.com/Emberwhirl/mixedmodels-misc/artifact"
	"github.com/Emberwhirl/mixedmodels-misc/checkpoint"
	"github.com/Emberwhirl/mixedmodels-misc/compare"
	"github.com/Emberwhirl/mixedmodels-misc/config"
	"github.com/Emberwhirl/mixedmodels-misc/metrics"
	"github.com/Emberwhirl/mixedmodels-misc/resultsdb"
	"github.com/Emberwhirl/mixedmodels-misc/runner"
	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
	"github.com/Emberwhirl/mixedmodels-misc/twostage"
)

// session holds what the commands of one invocation share.
type session struct {
	cfg     *config.Config
	dir     string
	seed    uint64
	profile float64

	store   artifact.Store
	metrics *metrics.Metrics
	summary *RunSummary

	// truth is set once data are generated in this session.
	truth compare.Table
}

// newSession creates the output directory and the artifact store.
// Without a configured driver the artifacts go to the output
// directory.
func newSession(ctx context.Context, cfg *config.Config, seed uint64) (*session, error) {

	dir := cfg.Output.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var store artifact.Store
	var err error
	if os.Getenv("CLOGLOG_ARTIFACT_DRIVER") == "" {
		store, err = artifact.NewFilesystem(dir)
	} else {
		store, err = artifact.Open(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	log.Infof("Artifact store: %s", store.Driver())

	return &session{
		cfg:     cfg,
		dir:     dir,
		seed:    seed,
		store:   store,
		metrics: metrics.New(),
		summary: &RunSummary{Seed: seed},
	}, nil
}

// local returns the path of a local output file, or "" when the
// output is disabled.
func (s *session) local(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(s.dir, name)
}

// put stores an artifact unless its key is empty.
func (s *session) put(ctx context.Context, key string, b []byte) error {
	if key == "" {
		return nil
	}
	if _, err := artifact.PutBytes(ctx, s.store, key, b); err != nil {
		return err
	}
	s.summary.Artifacts = append(s.summary.Artifacts, key)
	log.Infof("Wrote %s (%d bytes)", key, len(b))
	return nil
}

func (s *session) openDB() (*resultsdb.DB, error) {
	path := s.local(s.cfg.Output.Database)
	if path == "" {
		return nil, nil
	}
	return resultsdb.Open(path)
}

// generate draws a data set from the configured generator and stores
// it with its critical doses.
func (s *session) generate(ctx context.Context) (*simtrial.Dataset, error) {

	p, err := s.cfg.Generator.Params()
	if err != nil {
		return nil, err
	}

	ds, err := simtrial.Generate(p, rand.NewSource(s.seed))
	if err != nil {
		return nil, err
	}
	log.Noticef("Generated %d rows: %d treatments, %d replicates, %d trials per row",
		len(ds.Rows), len(p.Treatments), ds.NumReplicates(), ds.Trials)
	s.metrics.SetRows(len(ds.Rows))
	s.truth = compare.Truth(p)

	var buf bytes.Buffer
	if err := simtrial.WriteCSV(&buf, ds); err != nil {
		return nil, err
	}
	if err := s.put(ctx, s.cfg.Output.Data, buf.Bytes()); err != nil {
		return nil, err
	}

	buf.Reset()
	if err := simtrial.WriteCriticalDoses(&buf, ds); err != nil {
		return nil, err
	}
	if err := s.put(ctx, s.cfg.Output.Doses, buf.Bytes()); err != nil {
		return nil, err
	}

	return ds, nil
}

// loadData reads the stored data set.
func (s *session) loadData(ctx context.Context) (*simtrial.Dataset, error) {
	b, err := artifact.GetBytes(ctx, s.store, s.cfg.Output.Data)
	if err != nil {
		return nil, err
	}
	ds, err := simtrial.ReadCSV(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Output.Data, err)
	}
	log.Noticef("Read %d rows from %s", len(ds.Rows), s.cfg.Output.Data)
	return ds, nil
}

// fit runs the configured fits on ds, reading ds from the store when
// it is nil, and returns the estimate table.
func (s *session) fit(ctx context.Context, ds *simtrial.Dataset) (compare.Table, error) {

	var err error
	if ds == nil {
		if ds, err = s.loadData(ctx); err != nil {
			return nil, err
		}
	}

	hash, err := runner.DataHash(ds)
	if err != nil {
		return nil, err
	}
	s.summary.Data = &DataSummary{
		Rows:       len(ds.Rows),
		Replicates: ds.NumReplicates(),
		Treatments: len(ds.TreatmentLabels()),
		Hash:       hash,
	}

	var cp *checkpoint.Store
	if path := s.local(s.cfg.Output.Checkpoint); path != "" {
		if cp, err = checkpoint.Open(path); err != nil {
			return nil, err
		}
		defer cp.Close()
	}

	r := &runner.Runner{Parallel: s.cfg.Parallel, Checkpoint: cp, Metrics: s.metrics}
	outcomes, err := r.Run(ctx, ds, s.cfg.Fits)
	if err != nil {
		return nil, err
	}
	s.summary.Fits = fitSummaries(outcomes)

	results := runner.Results(outcomes)
	if len(results) == 0 && len(outcomes) > 0 {
		return nil, fmt.Errorf("all %d fits failed", len(outcomes))
	}

	var tab compare.Table
	for _, res := range results {
		log.Noticef("%-12s %-10s lnL=%.4f converged=%t time=%v", res.Name, res.Engine,
			res.LogLike, res.Converged, res.Elapsed)
		for _, w := range res.Diagnostics.Warnings {
			log.Warningf("%s: %s", res.Name, w)
		}
		if res.Summary != "" {
			log.Debug(res.Summary)
		}
		tab = append(tab, compare.FromResult(res)...)
	}
	if ds.HasTruth() {
		tab = append(tab, s.truth...)
	}

	var buf bytes.Buffer
	if err := compare.WriteCSV(&buf, tab); err != nil {
		return nil, err
	}
	if err := s.put(ctx, s.cfg.Output.Estimates, buf.Bytes()); err != nil {
		return nil, err
	}

	buf.Reset()
	if err := compare.WriteRuntimes(&buf, compare.Runtimes(results)); err != nil {
		return nil, err
	}
	if err := s.put(ctx, s.cfg.Output.Runtimes, buf.Bytes()); err != nil {
		return nil, err
	}

	link := ""
	if len(s.cfg.Fits) > 0 {
		link = s.cfg.Fits[0].Link
	}
	if est, err := twostage.Fit(ctx, ds, link); err != nil {
		log.Warningf("No random-effect covariance estimate: %v", err)
	} else {
		s.summary.RandomEffects = randomEffectSummary(est)
		if est.Singular {
			log.Warningf("Random-effect covariance is singular: %s", est.SingularReason)
		}
	}

	if s.profile > 0 {
		iv, err := trialfit.ProfileIntervals(ctx, ds, link, s.profile, nil)
		if err != nil {
			log.Warningf("Profile intervals failed: %v", err)
		}
		for _, v := range iv {
			log.Infof("%-10s %8.4f  [%8.4f, %8.4f]", v.Term, v.Estimate, v.Lower, v.Upper)
			s.summary.Intervals = append(s.summary.Intervals, IntervalSummary{
				Term:     v.Term,
				Estimate: v.Estimate,
				Lower:    finite(v.Lower),
				Upper:    finite(v.Upper),
			})
		}
	}

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	if db != nil {
		defer db.Close()
		if err := db.WriteEstimates(ctx, tab); err != nil {
			return nil, err
		}
		if err := db.WriteRuns(ctx, runner.Runs(outcomes)); err != nil {
			return nil, err
		}
		log.Infof("Wrote %d estimates to %s", len(tab), db.Path())
	}

	return tab, nil
}

// compare adds the external tables to tab, reading tab from the store
// when it is nil, and reports the bias of every model.
func (s *session) compare(ctx context.Context, tab compare.Table) error {

	if tab == nil {
		b, err := artifact.GetBytes(ctx, s.store, s.cfg.Output.Estimates)
		if err != nil {
			return err
		}
		if tab, err = compare.ReadCSV(bytes.NewReader(b)); err != nil {
			return fmt.Errorf("%s: %w", s.cfg.Output.Estimates, err)
		}
	}

	for _, ext := range s.cfg.External {
		f, err := os.Open(ext.Path)
		if err != nil {
			return err
		}
		et, err := compare.ReadExternal(f, ext.Model)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", ext.Path, err)
		}
		log.Infof("Read %d estimates of %s from %s", len(et), ext.Model, ext.Path)
		tab = append(tab, et...)
	}

	truth := tab.Model(compare.TruthModel)
	if len(truth) == 0 {
		p, err := s.cfg.Generator.Params()
		if err != nil {
			return err
		}
		log.Notice("No truth in the estimate table, using the configured generator")
		truth = compare.Truth(p)
		tab = append(tab, truth...)
	}

	rows := compare.Bias(tab, truth)
	for _, r := range rows {
		log.Noticef("%-12s n=%d MAE=%.4f RMSE=%.4f max=%.4f (%s)", r.Model, r.N, r.MAE, r.RMSE, r.MaxErr, r.MaxTerm)
	}
	for _, m := range tab.Models() {
		if m != compare.TruthModel {
			log.Info(compare.Summary(tab, m, truth))
		}
	}
	s.summary.Bias = biasSummaries(rows)

	var buf bytes.Buffer
	if err := compare.WriteBias(&buf, rows); err != nil {
		return err
	}
	if err := s.put(ctx, s.cfg.Output.Bias, buf.Bytes()); err != nil {
		return err
	}

	if s.cfg.Output.Plot != "" {
		if err := s.plot(ctx, tab); err != nil {
			return err
		}
	}

	db, err := s.openDB()
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if err := db.WriteEstimates(ctx, tab); err != nil {
			return err
		}
		if err := db.WriteBias(ctx, rows); err != nil {
			return err
		}
	}

	return nil
}

// plot renders the coefficient plot to a scratch file and stores it.
func (s *session) plot(ctx context.Context, tab compare.Table) error {

	tmp, err := os.MkdirTemp("", "cloglogsim-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	fname := filepath.Join(tmp, filepath.Base(s.cfg.Output.Plot))
	if err := compare.Plot(tab, nil, fname); err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	b, err := os.ReadFile(fname)
	if err != nil {
		return err
	}
	return s.put(ctx, s.cfg.Output.Plot, b)
}

// finish writes the metrics textfile.
func (s *session) finish() error {
	path := s.local(s.cfg.Output.Metrics)
	if path == "" {
		return nil
	}
	if err := s.metrics.WriteTextfile(path); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
