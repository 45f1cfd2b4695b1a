package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"thermalign/internal/config"
	"thermalign/internal/orchestrator"
	"thermalign/internal/pipeline"
	"thermalign/internal/register"
	"thermalign/internal/server"
	"thermalign/internal/storage"
)

func TestAlignCommandRunsEveryPair(t *testing.T) {
	root, fakes := newTestRoot(t)
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "aligned")
	touch(t, filepath.Join(in, "DJI_20250101120000_0001_T.JPG"))
	touch(t, filepath.Join(in, "DJI_20250101120005_0001_Z.JPG"))
	touch(t, filepath.Join(in, "DJI_20250101120100_0002_T.JPG"))
	touch(t, filepath.Join(in, "DJI_20250101120101_0002_Z.JPG"))

	output, err := execute(root, "align", in, out, "--workers", "3",
		"--force-fallback", "DJI_20250101120005_0001", "--timeout", "5s")
	if err != nil {
		t.Fatalf("align failed: %v\n%s", err, output)
	}

	if fakes.workers != 3 {
		t.Fatalf("expected 3 workers, got %d", fakes.workers)
	}
	if got := fakes.reg.FallbackPairs; len(got) != 2 || got[1] != "DJI_20250101120005_0001" {
		t.Fatalf("expected CLI override appended to configured ones, got %v", got)
	}
	if fakes.reg.EstimateTimeout.Duration != 5*time.Second {
		t.Fatalf("expected timeout override, got %v", fakes.reg.EstimateTimeout)
	}
	if len(fakes.pipe.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(fakes.pipe.jobs))
	}
	if !fakes.pipe.stopped {
		t.Fatalf("expected pipeline to be stopped after the run")
	}
	if !strings.Contains(output, "Done. Pairs processed: 2") {
		t.Fatalf("expected summary line, got:\n%s", output)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output directory to be created: %v", err)
	}
}

func TestAlignCommandFailsWithoutPairs(t *testing.T) {
	root, _ := newTestRoot(t)
	in := t.TempDir()
	touch(t, filepath.Join(in, "IMG_0001.JPG"))

	_, err := execute(root, "align", in, t.TempDir())
	if !errors.Is(err, orchestrator.ErrNoPairs) {
		t.Fatalf("expected ErrNoPairs, got %v", err)
	}

	_, err = execute(root, "align", filepath.Join(in, "missing"), t.TempDir())
	if !errors.Is(err, orchestrator.ErrInputUnreadable) {
		t.Fatalf("expected ErrInputUnreadable, got %v", err)
	}
}

func TestAlignCommandValidatesArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(root, "align", t.TempDir()); err == nil {
		t.Fatalf("expected error for missing output directory")
	}
}

func TestPairsCommandPrintsMatching(t *testing.T) {
	root, fakes := newTestRoot(t)
	in := t.TempDir()
	touch(t, filepath.Join(in, "DJI_20250101120000_0001_T.JPG"))
	touch(t, filepath.Join(in, "DJI_20250101120005_0001_Z.JPG"))
	touch(t, filepath.Join(in, "DJI_20250101120300_0009_T.JPG"))

	output, err := execute(root, "pairs", in)
	if err != nil {
		t.Fatalf("pairs failed: %v", err)
	}
	for _, want := range []string{
		"DJI_20250101120000_0001_T.JPG <-> DJI_20250101120005_0001_Z.JPG (dt=5s)",
		"unmatched thermal: DJI_20250101120300_0009_T.JPG",
		"1 pairs",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
	if fakes.pipe != nil {
		t.Fatalf("pairs must not start a pipeline")
	}
}

func TestRunsCommandListsLedger(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordRunStart("run-abc", "/in", "/out"); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordRunComplete("run-abc", "completed", storage.RunSummary{PairsTotal: 2, PairsSucceeded: 2}, ""); err != nil {
		t.Fatal(err)
	}

	output, err := execute(root, "runs", "--limit", "5")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(output, "run-abc") || !strings.Contains(output, "ok=2") {
		t.Fatalf("unexpected runs output:\n%s", output)
	}

	root.store = nil
	if _, err := execute(root, "runs"); err == nil {
		t.Fatalf("expected error when the ledger is disabled")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, fakes := newTestRoot(t)
	var gotAddr string
	var gotRunner server.Runner
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, runner server.Runner, feed server.Subscriber, log *slog.Logger) error {
		gotAddr = addr
		gotRunner = runner
		if feed == nil {
			t.Errorf("expected pipeline feed")
		}
		return nil
	}

	if _, err := execute(root, "serve", "--addr", ":9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != ":9999" {
		t.Fatalf("expected addr :9999, got %s", gotAddr)
	}
	if _, ok := gotRunner.(*orchestrator.Orchestrator); !ok {
		t.Fatalf("expected orchestrator runner, got %T", gotRunner)
	}
	if fakes.pipe == nil || !fakes.pipe.stopped {
		t.Fatalf("expected serve to start and stop a pipeline")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "ransac_threshold: 5") || !strings.Contains(showOut, "estimate_timeout: 1m0s") {
		t.Fatalf("unexpected yaml output:\n%s", showOut)
	}

	jsonOut, err := execute(root, "config", "show", "--format", "json")
	if err != nil {
		t.Fatalf("config show json failed: %v", err)
	}
	if !strings.Contains(jsonOut, `"flann_trees": 5`) {
		t.Fatalf("unexpected json output:\n%s", jsonOut)
	}

	validOut, err := execute(root, "config", "validate")
	if err != nil || !strings.Contains(validOut, "Configuration is valid") {
		t.Fatalf("expected valid configuration, got %v\n%s", err, validOut)
	}

	root.cfg.Alignment.Ratio = 2
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation failure for ratio 2")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "thermalign "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

type testFakes struct {
	pipe    *fakePipeline
	workers int
	reg     config.Registration
}

func newTestRoot(t *testing.T) (*Root, *testFakes) {
	t.Helper()

	t.Setenv("THERMALIGN_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Alignment.FallbackPairs = []string{"DJI_20240101000000_0099"}
	cfg.Processing.ParallelJobs = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fakes := &testFakes{}
	root := &Root{
		cfg:   cfg,
		log:   logger,
		store: nil,
		pipeFactory: func(ctx context.Context, workers int, reg config.Registration) pipelineClient {
			fakes.workers = workers
			fakes.reg = reg
			fakes.pipe = &fakePipeline{}
			return fakes.pipe
		},
		serveFn: server.Serve,
	}
	return root, fakes
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// fakePipeline answers every job immediately with a fallback result.
type fakePipeline struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	stopped bool
}

func (f *fakePipeline) Submit(ctx context.Context, job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if job.Reply != nil {
		job.Reply <- pipeline.Result{Job: job, Method: register.MethodFallback, Reason: register.ReasonOverride}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	ch := make(chan pipeline.Result)
	return ch, func() {}
}

func (f *fakePipeline) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
