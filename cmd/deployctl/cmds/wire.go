package cmds

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/deployctl/pkg/build"
	"github.com/go-go-golems/deployctl/pkg/changes"
	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/dispatch"
	"github.com/go-go-golems/deployctl/pkg/docker"
	"github.com/go-go-golems/deployctl/pkg/engine"
	"github.com/go-go-golems/deployctl/pkg/github"
	"github.com/go-go-golems/deployctl/pkg/notify"
	"github.com/go-go-golems/deployctl/pkg/oracle"
	"github.com/go-go-golems/deployctl/pkg/report"
	"github.com/go-go-golems/deployctl/pkg/security"
	"github.com/go-go-golems/deployctl/pkg/state"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/rs/zerolog/log"
)

type pipelineDeps struct {
	opts      rootOptions
	cfg       *config.File
	event     trigger.EventContext
	buildTime time.Time
	events    message.Publisher
}

// resolveHead fills in the head commit from the checked-out repository when
// the environment did not provide one.
func resolveHead(ev trigger.EventContext, hist *changes.GitHistory) trigger.EventContext {
	if ev.HeadSHA != "" {
		return ev
	}
	head, err := hist.Head()
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve HEAD")
		return ev
	}
	ev.HeadSHA = head
	return ev
}

// registryServer is the host part of an image registry prefix.
func registryServer(registry string) string {
	host, _, _ := strings.Cut(registry, "/")
	return host
}

// newPipeline wires the real collaborators. The returned cleanup releases
// the docker client.
func newPipeline(d pipelineDeps) (*engine.Pipeline, func(), error) {
	cfg, opts := d.cfg, d.opts

	hist, err := changes.OpenGitHistory(opts.RepoRoot)
	if err != nil {
		return nil, nil, err
	}
	ev := resolveHead(d.event, hist)

	tree := os.DirFS(opts.RepoRoot)
	detector := &changes.Detector{Config: cfg, History: hist, Tree: tree}
	runner := toolexec.New(toolexec.Options{ShutdownTimeout: 5 * time.Second})

	cleanup := func() {}
	var imageEngine docker.Engine = docker.DryRun{}
	if !opts.DryRun {
		dc, err := docker.New("")
		if err != nil {
			return nil, nil, err
		}
		if err := dc.WithRegistryAuth(
			os.Getenv(cfg.GitOps.RegistryUser),
			os.Getenv(cfg.GitOps.RegistryToken),
			registryServer(cfg.Registry),
		); err != nil {
			_ = dc.Close()
			return nil, nil, err
		}
		imageEngine = dc
		cleanup = func() { _ = dc.Close() }
	}

	token := os.Getenv(cfg.GitOps.TokenEnv)
	gh, err := github.New(cfg.GitOps.APIURL, token)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	scanner := &security.Scanner{
		Config:     cfg,
		Engine:     imageEngine,
		Runner:     runner,
		RepoRoot:   opts.RepoRoot,
		OutputDir:  filepath.Join(opts.RepoRoot, state.StateDirName, "scan"),
		Repository: ev.Repository,
		CommitSHA:  ev.HeadSHA,
		Ref:        ev.Ref,
		RunID:      ev.RunID,
	}
	if !opts.DryRun && token != "" {
		scanner.Store = gh
	}

	var sender dispatch.Sender = gh
	if opts.DryRun {
		sender = dispatch.DryRun{}
	}

	builder := &build.VersionBuilder{
		Config:             cfg,
		Oracle:             &oracle.Command{Runner: runner, Config: cfg.Oracle, RepoRoot: opts.RepoRoot},
		Engine:             imageEngine,
		Event:              ev,
		RepoRoot:           opts.RepoRoot,
		HasBuildDescriptor: detector.HasBuildDescriptor,
	}
	if !d.buildTime.IsZero() {
		bt := d.buildTime
		builder.Now = func() time.Time { return bt }
	}

	notifier := notify.New(os.Getenv(cfg.Notify.WebhookEnv))
	notifier.DryRun = opts.DryRun

	p := &engine.Pipeline{
		Config:     cfg,
		Event:      ev,
		RepoRoot:   opts.RepoRoot,
		Detector:   detector,
		Scanner:    scanner,
		Auditor:    &security.Auditor{Config: cfg, Runner: runner, RepoRoot: opts.RepoRoot, Tree: tree},
		Builder:    builder,
		Dispatcher: &dispatch.Dispatcher{Sender: sender, Repository: cfg.GitOps.Repository, EventType: cfg.GitOps.EventType},
		Notifier:   notifier,
		Report:     stepSummary,
		Events:     d.events,
		Opts:       engine.Options{Timeout: opts.Timeout},
	}
	return p, cleanup, nil
}

// stepSummary appends the markdown summary to $GITHUB_STEP_SUMMARY when the
// runner provides one.
func stepSummary(ctx context.Context, s report.RunSummary) error {
	path := os.Getenv("GITHUB_STEP_SUMMARY")
	if path == "" {
		log.Debug().Msg("no step summary file; summary not written")
		return nil
	}
	return state.AppendSummary(path, s.Markdown())
}
