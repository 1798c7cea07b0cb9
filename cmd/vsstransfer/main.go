package main

// vsstransfer program
// Replays a legacy file-versioning database's history into a
// content-addressed history graph (spec.md §1), the same way the
// teacher's gitp4transfer replays a git fast-export stream into a
// Perforce journal - the mirror-image problem.

import (
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/vsstransfer/vsstransfer/analyzer"
	"github.com/vsstransfer/vsstransfer/changeset"
	"github.com/vsstransfer/vsstransfer/config"
	"github.com/vsstransfer/vsstransfer/historywriter"
	"github.com/vsstransfer/vsstransfer/internal/buildinfo"
	"github.com/vsstransfer/vsstransfer/legacydb"
	"github.com/vsstransfer/vsstransfer/pathmap"
	"github.com/vsstransfer/vsstransfer/replay"
)

func newWriter(cfg *config.Config, workDir string, logger *logrus.Logger) (historywriter.Writer, func(), error) {
	switch cfg.Backend {
	case historywriter.BackendStreamingPipe:
		f, err := os.OpenFile(cfg.TargetHistory, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w := historywriter.NewFastImportPipe(f, workDir, "master", logger)
		return w, func() { f.Close() }, nil
	case historywriter.BackendNativeProcess, historywriter.BackendManagedLib:
		return nil, nil, &historywriter.UnsupportedBackendError{Backend: cfg.Backend}
	default:
		return nil, nil, &historywriter.UnsupportedBackendError{Backend: cfg.Backend}
	}
}

func flatten(result *analyzer.Result) []legacydb.Revision {
	var out []legacydb.Revision
	for _, bucket := range result.SortedRevisions {
		out = append(out, bucket.Revisions...)
	}
	return out
}

func errorPolicy(strict bool) replay.ErrorPolicy {
	return func(err error) replay.Outcome {
		if strict {
			return replay.OutcomeAbort
		}
		return replay.OutcomeIgnore
	}
}

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"YAML config file (legacy_root, target_history, root_projects, ...).",
		).Required().Short('c').String()
		legacyRoot = kingpin.Flag(
			"legacy.root",
			"Override config's legacy_root (manifest.yaml describing the legacy database).",
		).String()
		targetHistory = kingpin.Flag(
			"target.history",
			"Override config's target_history output path.",
		).String()
		strict = kingpin.Flag(
			"strict",
			"Turn ignore_errors off so writer errors abort the run, and exit with code 3 if content errors were skipped.",
		).Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(buildinfo.Print("vsstransfer")).Author("vsstransfer")
	kingpin.CommandLine.Help = "Replays a legacy file-versioning database's history into a content-addressed history graph.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(2)
	}
	if *legacyRoot != "" {
		cfg.LegacyRoot = *legacyRoot
	}
	if *targetHistory != "" {
		cfg.TargetHistory = *targetHistory
	}
	if *strict {
		cfg.IgnoreErrors = false
	}

	startTime := time.Now()
	logger.Infof("%v", buildinfo.Print("vsstransfer"))
	logger.Infof("Starting %s, legacy.root: %s, target.history: %s", startTime, cfg.LegacyRoot, cfg.TargetHistory)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	db, err := legacydb.LoadFixtureFile(cfg.LegacyRoot)
	if err != nil {
		logger.Errorf("error loading legacy database: %v", err)
		os.Exit(2)
	}

	var roots []legacydb.PhysicalID
	for _, r := range cfg.RootProjects {
		roots = append(roots, legacydb.PhysicalID(r))
	}

	az, err := analyzer.New(db, logger, cfg.ExcludeGlobs)
	if err != nil {
		logger.Errorf("error constructing analyzer: %v", err)
		os.Exit(2)
	}
	result, err := az.Analyze(roots)
	if err != nil {
		logger.Errorf("error analyzing legacy database: %v", err)
		os.Exit(1)
	}
	logger.Infof("analyzed %d files, %d revisions, %d destroyed", result.FileCount, result.RevisionCount, len(result.DestroyedSet))

	cb := changeset.New(changeset.Config{
		AnyCommentWindow:  time.Duration(cfg.AnyCommentWindowSeconds) * time.Second,
		SameCommentWindow: time.Duration(cfg.SameCommentWindowSeconds) * time.Second,
	}, logger)
	changesets := cb.Build(flatten(result))
	logger.Infof("built %d changesets", len(changesets))

	pm := pathmap.New(logger)
	for _, root := range roots {
		name := string(root)
		if item, err := db.Item(root); err == nil {
			name = item.LogicalName
		}
		workingPath := name
		if cfg.ExportProjectToGitRoot && len(roots) == 1 {
			workingPath = ""
		}
		pm.SetRoot(root, workingPath, name)
	}

	workDir := cfg.TargetHistory + ".work"
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.Errorf("error creating working directory %s: %v", workDir, err)
		os.Exit(2)
	}
	writer, closeWriter, err := newWriter(cfg, workDir, logger)
	if err != nil {
		logger.Errorf("error constructing history writer: %v", err)
		os.Exit(2)
	}
	defer closeWriter()

	replayCfg := replay.Config{
		EmailDomain:            cfg.EmailDomain,
		ForceAnnotatedTags:     cfg.ForceAnnotatedTags,
		ExportProjectToGitRoot: cfg.ExportProjectToGitRoot,
		DefaultComment:         cfg.DefaultComment,
		CommitInterval:         cfg.CommitInterval,
		FromDate:               cfg.ParsedFromDate,
		ToDate:                 cfg.ParsedToDate,
		IgnoreErrors:           cfg.IgnoreErrors,
		ErrorPolicy:            errorPolicy(!cfg.IgnoreErrors),
		WorkDir:                workDir,
		SourceEncoding:         cfg.SourceEncoding,
		TranscodeUTF8:          cfg.TranscodeUTF8,
	}
	engine := replay.New(db, pm, writer, logger, replayCfg)
	defer engine.Close()

	stats, err := engine.Replay(changesets)
	if err != nil {
		logger.Errorf("replay aborted: %v", err)
		os.Exit(1)
	}
	logger.Infof("replay complete in %s: %+v", time.Since(startTime), *stats)

	if *strict && (stats.ContentErrors > 0 || stats.WriterErrorsIgnored > 0) {
		os.Exit(3)
	}
}
