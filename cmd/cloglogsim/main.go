/*

Cloglogsim generates synthetic dose-response trials from a
complementary log-log binomial mixed model, fits them with several
optimization engines, and compares the estimates with the generating
values and with tables produced by other software.

Generate a trial, fit it and compare the fits in one go:

	cloglogsim run

or step by step:

	cloglogsim --seed 7 generate
	cloglogsim fit
	cloglogsim compare

Settings are read from an optional hjson file given with --config.

*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/Emberwhirl/mixedmodels-misc/config"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("cloglogsim")
var formatter = logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)

// modules lists the package loggers whose level follows --loglevel.
var modules = []string{
	"cloglogsim", "simtrial", "glm", "trialfit", "twostage", "diagnose",
	"compare", "runner", "checkpoint", "resultsdb", "artifact", "config",
}

// command-line options
var (
	app = kingpin.New("cloglogsim", "cloglog dose-response simulation and fit comparison").Version(version)

	configF  = app.Flag("config", "hjson parameter file").ExistingFile()
	seed     = app.Flag("seed", "random generator seed").Default("42").Uint64()
	outDir   = app.Flag("out", "output directory (overrides the configuration)").String()
	parallel = app.Flag("parallel", "number of fits to run at once (overrides the configuration)").Int()
	profile  = app.Flag("profile", "coverage of profile likelihood intervals for the slopes, 0 to skip").Default("0").Float64()
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json summary to a file").String()

	generateCmd = app.Command("generate", "generate a synthetic trial")
	fitCmd      = app.Command("fit", "fit the stored trial with every configured engine")
	compareCmd  = app.Command("compare", "compare stored and external estimates with the truth")
	runCmd      = app.Command("run", "generate, fit and compare")
)

// loadConfig reads the configuration and applies the command line
// overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configF != "" {
		var err error
		if cfg, err = config.Load(*configF); err != nil {
			return nil, err
		}
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *parallel > 0 {
		cfg.Parallel = *parallel
	}
	return cfg, nil
}

// execute runs one command.
func execute(ctx context.Context, s *session, command string) error {
	switch command {
	case generateCmd.FullCommand():
		_, err := s.generate(ctx)
		return err
	case fitCmd.FullCommand():
		_, err := s.fit(ctx, nil)
		return err
	case compareCmd.FullCommand():
		return s.compare(ctx, nil)
	case runCmd.FullCommand():
		ds, err := s.generate(ctx)
		if err != nil {
			return err
		}
		tab, err := s.fit(ctx, ds)
		if err != nil {
			return err
		}
		return s.compare(ctx, tab)
	}
	return fmt.Errorf("unknown command %s", command)
}

func writeSummary(summary *RunSummary) {
	if *jsonF == "" {
		return
	}
	j, err := json.Marshal(summary)
	if err != nil {
		log.Error(err)
		return
	}
	log.Debug(string(j))
	if err := os.WriteFile(*jsonF, j, 0o644); err != nil {
		log.Error("Error creating json output file:", err)
	}
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}

	log.Info(version)
	log.Info("Command line:", os.Args)
	log.Infof("Random seed=%v", *seed)

	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := newSession(ctx, cfg, *seed)
	if err != nil {
		log.Fatal(err)
	}
	s.profile = *profile
	s.summary.Version = version
	s.summary.CommandLine = os.Args
	s.summary.Command = command

	runErr := execute(ctx, s, command)

	if err := s.finish(); err != nil {
		log.Error(err)
	}

	s.summary.TotalTime = time.Since(startTime).Seconds()
	log.Noticef("Running time: %v", time.Since(startTime))
	writeSummary(s.summary)

	if runErr != nil {
		log.Critical(runErr)
		stop()
		os.Exit(1)
	}
}
