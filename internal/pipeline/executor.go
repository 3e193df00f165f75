package pipeline

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgforge/internal/artifacts"
	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/metrics"
)

// MaxDiagnosticBytes bounds the failure text stored on a record.
const MaxDiagnosticBytes = 2048

// ErrSkipStage is returned by a stage that had nothing to do.
var ErrSkipStage = stdErrors.New("stage skipped")

// Registry is the part of build.Registry the executor drives.
type Registry interface {
	Start(id string) (build.Record, error)
	Advance(id, stage string, progress int, message string) error
	AppendLog(id, message string) error
	Complete(id, artifactPath string, size int64) (build.Record, error)
	Fail(id, stage, diagnostic string) (build.Record, error)
}

// ArtifactStore retains produced artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, id, src string) (artifacts.Artifact, error)
	Delete(id string) error
}

// ExpiryScheduler arranges deletion of a retained artifact.
type ExpiryScheduler interface {
	ScheduleArtifactExpiry(id string)
}

// Job is the per-build state shared by the stages of one run.
type Job struct {
	ID     string
	Owner  string
	Config build.Config
	Source build.Source

	Workdir    string
	SourceRoot string
	Env        []string
	Icon       IconResolution

	// ArtifactPath is the located toolchain output inside the source tree.
	ArtifactPath string

	stage      StageName
	lastOutput string
}

// Executor runs builds dispatched by the scheduler.
type Executor struct {
	cfg      config.PipelineConfig
	registry Registry
	store    ArtifactStore
	runner   Runner
	expiry   ExpiryScheduler
	recorder metrics.Recorder
	clock    clockwork.Clock
	environ  func() []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunner replaces the subprocess runner.
func WithRunner(r Runner) Option { return func(e *Executor) { e.runner = r } }

// WithExpiry registers the component that expires retained artifacts.
func WithExpiry(s ExpiryScheduler) Option { return func(e *Executor) { e.expiry = s } }

// WithRecorder injects a metrics recorder.
func WithRecorder(m metrics.Recorder) Option {
	return func(e *Executor) {
		if m != nil {
			e.recorder = m
		}
	}
}

// WithClock injects the clock used for stage timing.
func WithClock(c clockwork.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithEnviron overrides the parent environment source.
func WithEnviron(fn func() []string) Option { return func(e *Executor) { e.environ = fn } }

// NewExecutor creates an executor over the given registry and store.
func NewExecutor(cfg config.PipelineConfig, registry Registry, store ArtifactStore, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		runner:   &ExecRunner{},
		recorder: metrics.NoopRecorder{},
		clock:    clockwork.NewRealClock(),
		environ:  os.Environ,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan returns the ordered stage descriptors for a build variant.
func (e *Executor) Plan(variant build.Variant) []StageDef {
	return NewPlan().
		Add(StageExtract, 10, 0, e.extract).
		AddIf(e.cfg.Dependencies.Enabled(), StageDependencies, 25, e.cfg.Dependencies.Timeout, e.command(StageDependencies, e.cfg.Dependencies)).
		Add(StageManifest, 35, 0, e.manifest).
		AddIf(e.cfg.Platform.Enabled(), StagePlatform, 50, e.cfg.Platform.Timeout, e.command(StagePlatform, e.cfg.Platform)).
		AddIf(e.cfg.Sync.Enabled(), StageSync, 60, e.cfg.Sync.Timeout, e.command(StageSync, e.cfg.Sync)).
		AddIf(e.cfg.Assets.Enabled(), StageAssets, 70, e.cfg.Assets.Timeout, e.assets).
		Add(StageCompile, 90, e.compileCommand(variant).Timeout, e.compile).
		Build()
}

// CleanWorkRoot removes workdirs left behind by a previous process.
func (e *Executor) CleanWorkRoot() error {
	entries, err := os.ReadDir(e.cfg.WorkRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.FileSystemError("list work root").WithCause(err).WithContext("path", e.cfg.WorkRoot).Build()
	}
	for _, entry := range entries {
		p := filepath.Join(e.cfg.WorkRoot, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			return errors.FileSystemError("remove stale workdir").WithCause(err).WithContext("path", p).Build()
		}
		slog.Info("Removed stale workdir", logfields.Path(p))
	}
	return nil
}

var stageMessages = map[StageName]string{
	StageExtract:      "Extracting sources",
	StageDependencies: "Installing dependencies",
	StageManifest:     "Generating toolchain manifest",
	StagePlatform:     "Adding platform",
	StageSync:         "Syncing web assets",
	StageAssets:       "Generating icons and theme",
	StageCompile:      "Compiling",
}

// Run executes one build end to end. It satisfies queue.Runner.
func (e *Executor) Run(ctx context.Context, id string) {
	rec, err := e.registry.Start(id)
	if err != nil {
		slog.Warn("Dispatched build could not start", logfields.BuildID(id), logfields.Error(err))
		return
	}

	cancel := context.CancelFunc(func() {})
	if e.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
	}
	defer cancel()

	job := &Job{
		ID:      id,
		Owner:   rec.Owner,
		Config:  rec.Config,
		Source:  rec.Config.Source,
		Workdir: filepath.Join(e.cfg.WorkRoot, id),
		stage:   StageExtract,
	}
	job.Config.Source = nil

	// A building record may only leave through complete or failed.
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Build panicked", logfields.BuildID(id), logfields.Stage(string(job.stage)), slog.Any("panic", p))
			e.fail(job, &StageError{Kind: StageErrorFailed, Stage: job.stage, Err: fmt.Errorf("internal error: %v", p)})
		}
	}()

	started := e.clock.Now()
	slog.Info("Build started", logfields.BuildID(id), logfields.Owner(job.Owner))

	if err := e.runStages(ctx, job, e.Plan(job.Config.Variant)); err != nil {
		e.fail(job, err)
		return
	}
	e.finish(ctx, job, started)
}

func (e *Executor) runStages(ctx context.Context, job *Job, stages []StageDef) error {
	for _, st := range stages {
		job.stage = st.Name
		if err := ctx.Err(); err != nil {
			return &StageError{Kind: kindFor(err), Stage: st.Name, Err: err}
		}
		if err := e.registry.Advance(job.ID, string(st.Name), st.Progress, stageMessages[st.Name]); err != nil {
			return &StageError{Kind: StageErrorFailed, Stage: st.Name, Err: err}
		}

		stageCtx, cancel := ctx, context.CancelFunc(func() {})
		if st.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		}
		t0 := e.clock.Now()
		err := st.Fn(stageCtx, job)
		ctxErr := stageCtx.Err()
		cancel()
		dur := e.clock.Since(t0)
		e.recorder.ObserveStageDuration(string(st.Name), dur)

		switch {
		case err == nil:
			e.recorder.IncStageResult(string(st.Name), metrics.ResultSuccess)
			slog.Debug("Stage complete", logfields.BuildID(job.ID), logfields.Stage(string(st.Name)), logfields.DurationMS(float64(dur.Milliseconds())))
		case stdErrors.Is(err, ErrSkipStage):
			e.recorder.IncStageResult(string(st.Name), metrics.ResultSkipped)
			_ = e.registry.AppendLog(job.ID, fmt.Sprintf("Skipped %s: nothing to process", st.Name))
		default:
			kind := StageErrorFailed
			if ctxErr != nil {
				kind = kindFor(ctxErr)
				if !stdErrors.Is(err, ctxErr) {
					err = fmt.Errorf("%w: %w", ctxErr, err)
				}
			}
			if kind == StageErrorTimeout {
				e.recorder.IncStageResult(string(st.Name), metrics.ResultTimeout)
			} else {
				e.recorder.IncStageResult(string(st.Name), metrics.ResultFailed)
			}
			return &StageError{Kind: kind, Stage: st.Name, Err: err}
		}
	}
	return nil
}

func kindFor(ctxErr error) StageErrorKind {
	if stdErrors.Is(ctxErr, context.DeadlineExceeded) {
		return StageErrorTimeout
	}
	return StageErrorCanceled
}

// finish retains the artifact, completes the record and only then removes the workdir.
func (e *Executor) finish(ctx context.Context, job *Job, started time.Time) {
	art, err := e.store.Put(ctx, job.ID, job.ArtifactPath)
	if err != nil {
		e.fail(job, &StageError{Kind: StageErrorFailed, Stage: StageCompile, Err: fmt.Errorf("retain artifact: %w", err)})
		return
	}
	if _, err := e.registry.Complete(job.ID, art.Path, art.Size); err != nil {
		slog.Error("Failed to complete build", logfields.BuildID(job.ID), logfields.Error(err))
		_ = e.store.Delete(job.ID)
		e.removeWorkdir(job)
		return
	}
	e.removeWorkdir(job)
	if e.expiry != nil {
		e.expiry.ScheduleArtifactExpiry(job.ID)
	}
	slog.Info("Build complete",
		logfields.BuildID(job.ID),
		logfields.Owner(job.Owner),
		logfields.Artifact(art.Path),
		logfields.Bytes(art.Size),
		logfields.DurationMS(float64(e.clock.Since(started).Milliseconds())))
}

// fail removes the workdir and any artifact before recording the failure.
func (e *Executor) fail(job *Job, err error) {
	var se *StageError
	if !stdErrors.As(err, &se) {
		se = &StageError{Kind: StageErrorFailed, Stage: StageExtract, Err: err}
	}

	for _, line := range tailLines(job.lastOutput, e.cfg.LogTail) {
		_ = e.registry.AppendLog(job.ID, line)
	}

	e.removeWorkdir(job)
	if derr := e.store.Delete(job.ID); derr != nil {
		slog.Error("Failed to remove partial artifact", logfields.BuildID(job.ID), logfields.Error(derr))
	}

	diagnostic := Diagnostic(se, job.lastOutput)
	if _, ferr := e.registry.Fail(job.ID, string(se.Stage), diagnostic); ferr != nil {
		slog.Error("Failed to record build failure", logfields.BuildID(job.ID), logfields.Error(ferr))
	}

	classified := se.Classify()
	slog.Warn("Build failed",
		logfields.BuildID(job.ID),
		logfields.Owner(job.Owner),
		logfields.Stage(string(se.Stage)),
		slog.String("kind", string(se.Kind)),
		logfields.Error(classified))
}

func (e *Executor) removeWorkdir(job *Job) {
	if job.Workdir == "" {
		return
	}
	if err := os.RemoveAll(job.Workdir); err != nil {
		slog.Error("Failed to remove workdir", logfields.BuildID(job.ID), logfields.Path(job.Workdir), logfields.Error(err))
	}
}

// Classify converts the stage failure into a pipeline error.
func (e *StageError) Classify() *errors.ClassifiedError {
	return errors.PipelineError(fmt.Sprintf("stage %s %s", e.Stage, e.Kind)).
		WithCause(e.Err).
		WithContext("stage", string(e.Stage)).
		WithContext("kind", string(e.Kind)).
		Build()
}

// Diagnostic renders the text stored on a failed record, bounded to
// MaxDiagnosticBytes. The most recent output is kept when truncating.
func Diagnostic(se *StageError, output string) string {
	var msg string
	switch se.Kind {
	case StageErrorTimeout:
		msg = fmt.Sprintf("stage %s timed out", se.Stage)
	case StageErrorCanceled:
		msg = fmt.Sprintf("stage %s interrupted by service shutdown", se.Stage)
	default:
		msg = fmt.Sprintf("stage %s failed: %v", se.Stage, se.Err)
	}
	if out := strings.TrimSpace(output); out != "" {
		msg += "\n" + out
	}
	return truncateTail(msg, MaxDiagnosticBytes)
}

func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const marker = "..."
	cut := len(s) - (limit - len(marker))
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return marker + s[cut:]
}

func tailLines(output string, n int) []string {
	if n <= 0 {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	out := make([]string, 0, n)
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// extract materializes the source and resolves the per-build environment.
func (e *Executor) extract(_ context.Context, job *Job) error {
	if job.Source == nil {
		return fmt.Errorf("build source is no longer available")
	}
	if err := os.MkdirAll(e.cfg.WorkRoot, 0o750); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}
	if err := os.Mkdir(job.Workdir, 0o700); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	src := filepath.Join(job.Workdir, "src")
	if err := job.Source.Extract(src); err != nil {
		return err
	}
	job.Source = nil
	job.SourceRoot = projectRoot(src)

	icon, err := ResolveIcon(job.SourceRoot, job.Config.Icon, filepath.Join(job.Workdir, "icon", "icon"+iconExt(job.Config.Icon)))
	if err != nil {
		return err
	}
	job.Icon = icon
	job.Env = BuildEnv(e.environ(), e.cfg.EnvDenyList, job.ID, job.Config, icon.Path)
	return nil
}

// projectRoot descends into a lone top-level directory, the usual shape of
// an archive created from a project folder.
func projectRoot(src string) string {
	entries, err := os.ReadDir(src)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return src
	}
	return filepath.Join(src, entries[0].Name())
}

func iconExt(icon []byte) string {
	if bytes.HasPrefix(icon, []byte{0xFF, 0xD8, 0xFF}) {
		return ".jpg"
	}
	return ".png"
}

func (e *Executor) manifest(_ context.Context, job *Job) error {
	path, err := WriteManifest(job.SourceRoot, e.cfg.ManifestFile, e.cfg.WebDir, job.Config)
	if err != nil {
		return err
	}
	return e.registry.AppendLog(job.ID, "Wrote "+filepath.Base(path))
}

func (e *Executor) command(name StageName, sc config.StageCommand) Stage {
	return func(ctx context.Context, job *Job) error {
		return e.invoke(ctx, job, name, sc)
	}
}

func (e *Executor) invoke(ctx context.Context, job *Job, stage StageName, sc config.StageCommand) error {
	dir := job.SourceRoot
	if sc.Dir != "" {
		if !filepath.IsLocal(sc.Dir) {
			return fmt.Errorf("stage directory %q escapes the source tree", sc.Dir)
		}
		dir = filepath.Join(job.SourceRoot, sc.Dir)
	}
	res, err := e.runner.Run(ctx, Invocation{Stage: stage, Command: sc.Command, Dir: dir, Env: job.Env})
	job.lastOutput = res.Output
	return err
}

func (e *Executor) assets(ctx context.Context, job *Job) error {
	if job.Icon.Origin == IconDefault && job.Config.ThemeColor == "" {
		return ErrSkipStage
	}
	return e.invoke(ctx, job, StageAssets, e.cfg.Assets)
}

func (e *Executor) compileCommand(variant build.Variant) config.StageCommand {
	if variant == build.VariantRelease {
		return e.cfg.CompileRelease
	}
	return e.cfg.CompileDebug
}

func (e *Executor) compile(ctx context.Context, job *Job) error {
	sc, rel := e.compileCommand(job.Config.Variant), e.cfg.ArtifactDebug
	if job.Config.Variant == build.VariantRelease {
		rel = e.cfg.ArtifactRelease
	}
	if !sc.Enabled() {
		return fmt.Errorf("no compile command configured for %s builds", job.Config.Variant)
	}
	if err := e.invoke(ctx, job, StageCompile, sc); err != nil {
		return err
	}

	p, ok := regularFile(job.SourceRoot, filepath.ToSlash(rel))
	if !ok {
		return fmt.Errorf("toolchain reported success but no artifact exists at %s", rel)
	}
	job.ArtifactPath = p
	return nil
}
