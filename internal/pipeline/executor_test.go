package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgforge/internal/artifacts"
	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/quota"
)

// dirSource extracts a fixed file set.
type dirSource map[string]string

func (d dirSource) Extract(root string) error {
	for name, body := range d {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// fakeRunner records invocations and lets tests script outcomes per stage.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Invocation
	on    map[StageName]func(ctx context.Context, inv Invocation) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.on[inv.Stage]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, inv)
	}
	return Result{Output: string(inv.Stage) + " ok"}, nil
}

func (f *fakeRunner) stages() []StageName {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StageName, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Stage)
	}
	return out
}

type holdQueue struct{ ids []string }

func (q *holdQueue) Enqueue(id string) (int, error) { q.ids = append(q.ids, id); return len(q.ids), nil }
func (q *holdQueue) Remove(string) bool              { return false }
func (q *holdQueue) Pending() int                    { return len(q.ids) }
func (q *holdQueue) Position(string) (int, bool)     { return 0, false }

type expiryLog struct {
	mu  sync.Mutex
	ids []string
}

func (e *expiryLog) ScheduleArtifactExpiry(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

type harness struct {
	cfg      config.PipelineConfig
	registry *build.Registry
	store    *artifacts.FSStore
	runner   *fakeRunner
	expiry   *expiryLog
	exec     *Executor
}

func testPipelineConfig(t *testing.T) config.PipelineConfig {
	t.Helper()
	return config.PipelineConfig{
		WorkRoot:        filepath.Join(t.TempDir(), "work"),
		Timeout:         5 * time.Second,
		EnvDenyList:     config.DefaultEnvDenyList,
		LogTail:         5,
		ManifestFile:    "capacitor.config.json",
		WebDir:          "dist",
		Dependencies:    config.StageCommand{Command: []string{"npm", "install"}},
		Platform:        config.StageCommand{Command: []string{"npx", "cap", "add", "android"}},
		Sync:            config.StageCommand{Command: []string{"npx", "cap", "sync", "android"}},
		Assets:          config.StageCommand{Command: []string{"npx", "@capacitor/assets", "generate"}},
		CompileDebug:    config.StageCommand{Command: []string{"./gradlew", "assembleDebug"}, Dir: "android"},
		CompileRelease:  config.StageCommand{Command: []string{"./gradlew", "assembleRelease"}, Dir: "android"},
		ArtifactDebug:   "android/app/build/outputs/apk/debug/app-debug.apk",
		ArtifactRelease: "android/app/build/outputs/apk/release/app-release-unsigned.apk",
	}
}

func newHarness(t *testing.T, mutate func(*config.PipelineConfig)) *harness {
	t.Helper()
	cfg := testPipelineConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := artifacts.NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)

	reg := build.NewRegistry(quota.DefaultLimits())
	reg.AttachQueue(&holdQueue{})

	h := &harness{
		cfg:      cfg,
		registry: reg,
		store:    store,
		runner:   &fakeRunner{on: map[StageName]func(context.Context, Invocation) (Result, error){}},
		expiry:   &expiryLog{},
	}
	// Compile produces the artifact by default.
	h.runner.on[StageCompile] = func(_ context.Context, inv Invocation) (Result, error) {
		root := filepath.Dir(inv.Dir)
		rel := cfg.ArtifactDebug
		if slices.Contains(inv.Command, "assembleRelease") {
			rel = cfg.ArtifactRelease
		}
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return Result{}, err
		}
		return Result{Output: "BUILD SUCCESSFUL"}, os.WriteFile(p, []byte("apk-payload"), 0o600)
	}
	h.exec = NewExecutor(cfg, reg, store,
		WithRunner(h.runner),
		WithExpiry(h.expiry),
		WithEnviron(func() []string {
			return []string{"PATH=/usr/bin", "HOME=/home/svc", "PKGFORGE_ADMIN_KEY=topsecret", "AWS_SECRET_ACCESS_KEY=x", "npm_config_authToken=y"}
		}),
	)
	return h
}

func (h *harness) admit(t *testing.T, cfg build.Config) string {
	t.Helper()
	rec, _, err := h.registry.Admit(identity.Principal("aa11"), cfg)
	require.NoError(t, err)
	return rec.ID
}

func baseConfig(src build.Source) build.Config {
	return build.Config{AppName: "Demo", PackageID: "com.example.demo", Variant: build.VariantDebug, Source: src}
}

func TestExecutorSuccess(t *testing.T) {
	h := newHarness(t, nil)
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}", "dist/index.html": "<html></html>"}))

	h.exec.Run(context.Background(), id)

	rec, ok := h.registry.Lookup(id)
	require.True(t, ok)
	require.Equal(t, build.StatusComplete, rec.Status, "error: %s", rec.Error)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, int64(len("apk-payload")), rec.ArtifactSize)
	assert.Equal(t, filepath.Join(h.store.Dir(), id+".apk"), rec.ArtifactPath)

	data, err := os.ReadFile(rec.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "apk-payload", string(data))

	// No icon and no color: assets is skipped, not invoked.
	assert.Equal(t, []StageName{StageDependencies, StagePlatform, StageSync, StageCompile}, h.runner.stages())

	_, err = os.Stat(filepath.Join(h.cfg.WorkRoot, id))
	assert.True(t, os.IsNotExist(err), "workdir removed after success")
	assert.Equal(t, []string{id}, h.expiry.ids)

	var messages []string
	for _, l := range rec.Logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "Installing dependencies")
	assert.Contains(t, messages, "Skipped assets: nothing to process")
}

func TestExecutorScrubsEnvironment(t *testing.T) {
	h := newHarness(t, nil)
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))
	h.exec.Run(context.Background(), id)

	h.runner.mu.Lock()
	env := h.runner.calls[0].Env
	h.runner.mu.Unlock()

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "PKGFORGE_APP_ID=com.example.demo")
	assert.Contains(t, env, "PKGFORGE_BUILD_ID="+id)
	for _, kv := range env {
		assert.NotContains(t, kv, "topsecret")
		assert.False(t, strings.HasPrefix(kv, "AWS_SECRET_ACCESS_KEY="))
		assert.False(t, strings.HasPrefix(kv, "npm_config_authToken="))
	}
}

func TestExecutorStageFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.on[StageDependencies] = func(context.Context, Invocation) (Result, error) {
		return Result{ExitCode: 1, Output: "npm ERR! 404 left-pad"}, fmt.Errorf("%w (exit code 1)", ErrNonZeroExit)
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))

	h.exec.Run(context.Background(), id)

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Equal(t, string(StageDependencies), rec.FailedStage)
	assert.Contains(t, rec.Error, "npm ERR! 404 left-pad")
	assert.Equal(t, 25, rec.Progress)
	assert.Equal(t, []StageName{StageDependencies}, h.runner.stages(), "later stages never run")

	_, err := os.Stat(filepath.Join(h.cfg.WorkRoot, id))
	assert.True(t, os.IsNotExist(err))
	_, err = h.store.Stat(id)
	assert.Error(t, err, "no artifact for failed builds")
	assert.Empty(t, h.expiry.ids)
}

func TestExecutorTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.PipelineConfig) { c.Timeout = 100 * time.Millisecond })
	h.runner.on[StageSync] = func(ctx context.Context, _ Invocation) (Result, error) {
		<-ctx.Done()
		return Result{ExitCode: -1}, ctx.Err()
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))

	start := time.Now()
	h.exec.Run(context.Background(), id)
	assert.Less(t, time.Since(start), 3*time.Second)

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Equal(t, string(StageSync), rec.FailedStage)
	assert.Contains(t, rec.Error, "timed out")
	assert.NotContains(t, h.runner.stages(), StageCompile)
}

func TestExecutorStagePanicFailsBuild(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.on[StageSync] = func(context.Context, Invocation) (Result, error) {
		var counts map[string]int
		counts["sync"]++
		return Result{}, nil
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))

	require.NotPanics(t, func() { h.exec.Run(context.Background(), id) })

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Equal(t, string(StageSync), rec.FailedStage)
	assert.Contains(t, rec.Error, "internal error")
	assert.Equal(t, 0, h.registry.ActiveCount("aa11"), "identity slot released")

	_, err := os.Stat(filepath.Join(h.cfg.WorkRoot, id))
	assert.True(t, os.IsNotExist(err), "workdir removed after panic")
	_, err = h.store.Stat(id)
	assert.Error(t, err)
}

func TestExecutorPerStageTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.PipelineConfig) { c.Platform.Timeout = 50 * time.Millisecond })
	h.runner.on[StagePlatform] = func(ctx context.Context, _ Invocation) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))
	h.exec.Run(context.Background(), id)

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Equal(t, string(StagePlatform), rec.FailedStage)
}

func TestExecutorMissingArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.on[StageCompile] = func(context.Context, Invocation) (Result, error) {
		return Result{Output: "BUILD SUCCESSFUL"}, nil
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))
	h.exec.Run(context.Background(), id)

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Equal(t, string(StageCompile), rec.FailedStage)
	assert.Contains(t, rec.Error, "no artifact")
}

func TestExecutorReleaseVariantAndAssets(t *testing.T) {
	h := newHarness(t, nil)
	cfg := baseConfig(dirSource{"demo/package.json": "{}", "demo/www/index.html": "<html></html>"})
	cfg.Variant = build.VariantRelease
	cfg.Icon = []byte("\x89PNG\r\n\x1a\nrest")
	cfg.ThemeColor = "#112233"
	id := h.admit(t, cfg)

	var manifest []byte
	h.runner.on[StagePlatform] = func(_ context.Context, inv Invocation) (Result, error) {
		var err error
		manifest, err = os.ReadFile(filepath.Join(inv.Dir, "capacitor.config.json"))
		return Result{}, err
	}

	h.exec.Run(context.Background(), id)

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusComplete, rec.Status, "error: %s", rec.Error)
	assert.Contains(t, h.runner.stages(), StageAssets)
	assert.Contains(t, string(manifest), `"appId": "com.example.demo"`)
	assert.Contains(t, string(manifest), `"webDir": "dist"`)

	h.runner.mu.Lock()
	var assetsEnv []string
	for _, c := range h.runner.calls {
		if c.Stage == StageAssets {
			assetsEnv = c.Env
			assert.True(t, strings.HasSuffix(c.Dir, "demo"), "lone top-level directory is the project root")
		}
	}
	h.runner.mu.Unlock()
	assert.Contains(t, assetsEnv, "PKGFORGE_THEME_COLOR=#112233")
	assert.Contains(t, assetsEnv, "PKGFORGE_BUILD_TYPE=release")
	found := false
	for _, kv := range assetsEnv {
		if strings.HasPrefix(kv, EnvIconPath+"=") && strings.HasSuffix(kv, "icon.png") {
			found = true
		}
	}
	assert.True(t, found, "caller icon exported to the toolchain")
}

func TestExecutorShutdownCancelsBuild(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	h.runner.on[StageDependencies] = func(ctx context.Context, _ Invocation) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	id := h.admit(t, baseConfig(dirSource{"package.json": "{}"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.exec.Run(ctx, id)
		close(done)
	}()
	<-started
	cancel()
	<-done

	rec, _ := h.registry.Lookup(id)
	require.Equal(t, build.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "shutdown")
}

func TestCleanWorkRoot(t *testing.T) {
	h := newHarness(t, nil)
	stale := filepath.Join(h.cfg.WorkRoot, "leftover", "src")
	require.NoError(t, os.MkdirAll(stale, 0o750))

	require.NoError(t, h.exec.CleanWorkRoot())
	entries, err := os.ReadDir(h.cfg.WorkRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiagnosticIsBounded(t *testing.T) {
	se := &StageError{Kind: StageErrorFailed, Stage: StageCompile, Err: ErrNonZeroExit}
	out := strings.Repeat("é", 3000) + "\nFAILURE: Build failed with an exception."
	d := Diagnostic(se, out)
	assert.LessOrEqual(t, len(d), MaxDiagnosticBytes)
	assert.True(t, strings.HasSuffix(d, "Build failed with an exception."), "most recent output kept")
	assert.True(t, strings.HasPrefix(d, "..."))

	short := Diagnostic(se, "")
	assert.Equal(t, "stage compile failed: toolchain exited with non-zero status", short)
}

func TestStageErrorClassify(t *testing.T) {
	se := &StageError{Kind: StageErrorTimeout, Stage: StageSync, Err: context.DeadlineExceeded}
	ce := se.Classify()
	assert.Equal(t, "pipeline", string(ce.Category()))
	stage, _ := ce.Context().GetString("stage")
	assert.Equal(t, "sync", stage)
	assert.ErrorIs(t, se, context.DeadlineExceeded)
}
