package output

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

// fileDriver stages one text file per product and appends a line per write.
type fileDriver struct {
	*Base
	closeErr error
}

type lineFile struct {
	f   *os.File
	err error
}

func (l *lineFile) Close() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	return l.err
}

func newFileDriver(params *Params) (Driver, error) {
	return &fileDriver{Base: NewBase("Lines", "TEXT", params, ".txt")}, nil
}

func (d *fileDriver) Open(ctx context.Context) error {
	if err := d.BeginOpen(ctx); err != nil {
		return err
	}
	for _, p := range d.Params.Products {
		_, staging, err := d.Planner.Plan(p, nil)
		if err != nil {
			return err
		}
		f, err := os.Create(staging)
		if err != nil {
			return IOError(staging, err)
		}
		if err := d.AddHandle(HandleKey{Product: p.Name}, staging, &lineFile{f: f, err: d.closeErr}); err != nil {
			return err
		}
	}
	return nil
}

func (d *fileDriver) Write(product, measurement string, c Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		_, err := res.(*lineFile).f.WriteString(measurement + " " + c.Y.String() + "\n")
		return err
	})
}

func (d *fileDriver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(key HandleKey, res io.Closer) error {
		_, err := res.(*lineFile).f.WriteString("attrs\n")
		return err
	})
}

func testParams(t *testing.T, names ...string) *Params {
	p := &Params{Storage: testStorage("Lines"), OutputPath: t.TempDir()}
	for _, n := range names {
		p.Products = append(p.Products, testProduct(n, "{name}.txt"))
	}
	return p
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("NetCDF CF", newFileDriver); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("Lines", newFileDriver); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"netcdfcf", "NETCDF\tcf", " net cdf c f "} {
		if _, err := r.Resolve(name); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}
	if err := r.Register("netcdf cf", newFileDriver); !errors.Is(err, ErrUsage) {
		t.Errorf("duplicate registration: expected usage error, got %v", err)
	}
	if _, err := r.Resolve("GeoTIFF"); !errors.Is(err, ErrNoSuchOutputDriver) {
		t.Errorf("expected no such driver, got %v", err)
	}
	if got := r.Names(); len(got) != 2 || got[0] != "Lines" || got[1] != "NetCDF CF" {
		t.Errorf("unexpected names %v", got)
	}

	params := testParams(t, "a")
	params.Storage.Driver = "nope"
	if _, err := r.New(params); !errors.Is(err, ErrNoSuchOutputDriver) {
		t.Errorf("expected no such driver, got %v", err)
	}
	if entries := listDir(t, params.OutputPath); len(entries) != 0 {
		t.Errorf("expected no files, got %v", entries)
	}
}

func TestBaseCommit(t *testing.T) {
	params := testParams(t, "a", "b")
	d, _ := newFileDriver(params)

	if err := d.Write("a", "aa", Chunk{}); !errors.Is(err, ErrUsage) {
		t.Errorf("write before open: expected usage error, got %v", err)
	}

	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(ctx); !errors.Is(err, ErrUsage) {
		t.Errorf("second open: expected usage error, got %v", err)
	}
	if d.State() != StateOpen {
		t.Errorf("expected open, got %s", d.State())
	}
	if err := d.Write("a", "aa", Chunk{Y: Span(0, 1)}); err != nil {
		t.Fatal(err)
	}
	if err := d.Write("zz", "aa", Chunk{}); !errors.Is(err, ErrNoOutputFileOpen) {
		t.Errorf("unknown product: expected no output file open, got %v", err)
	}
	if err := d.WriteGlobalAttributes(map[string]interface{}{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	var hookSawStaged bool
	d.(*fileDriver).OnCommit(func() error {
		hookSawStaged = len(listDir(t, params.OutputPath)) == 2
		return nil
	})

	paths, err := d.Close(true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(params.OutputPath, "a.txt"), filepath.Join(params.OutputPath, "b.txt")}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("want %v, got %v", want, paths)
	}
	if !hookSawStaged {
		t.Error("commit hook should run before the renames")
	}
	if got := listDir(t, params.OutputPath); len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Errorf("unexpected directory contents %v", got)
	}
	data, _ := os.ReadFile(want[0])
	if string(data) != "aa [0:1)\nattrs\n" {
		t.Errorf("unexpected contents %q", data)
	}
	if d.State() != StateCommitted {
		t.Errorf("expected committed, got %s", d.State())
	}

	again, err := d.Close(false)
	if err != nil || len(again) != 2 || again[0] != want[0] {
		t.Errorf("second close should repeat the first result, got %v %v", again, err)
	}
	if err := d.Write("a", "aa", Chunk{}); !errors.Is(err, ErrUsage) {
		t.Errorf("write after close: expected usage error, got %v", err)
	}
}

func TestBaseDiscard(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	paths, err := d.Close(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".tmp") {
		t.Fatalf("expected one staging path, got %v", paths)
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Errorf("staging file should be kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("destination must not exist after discard")
	}
	if d.State() != StateDiscarded {
		t.Errorf("expected discarded, got %s", d.State())
	}
}

func TestBaseHandleCloseFailureDiscards(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	d.(*fileDriver).closeErr = errors.New("flush failed")
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	paths, err := d.Close(true)
	if !errors.Is(err, ErrOutputIO) {
		t.Fatalf("expected i/o error, got %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".tmp") {
		t.Errorf("expected staging paths, got %v", paths)
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Error("destination must not exist after a failed close")
	}
}

func TestBaseCommitHookFailureDiscards(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.(*fileDriver).OnCommit(func() error { return errors.New("sidecar failed") })
	if _, err := d.Close(true); err == nil {
		t.Fatal("expected hook error")
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Error("destination must not exist when a commit hook fails")
	}
}

// sidecarHook writes name.meta next to the outputs of product name.
func sidecarHook(dir, name string) CommitHook {
	path := filepath.Join(dir, name+".meta")
	return CommitHook{
		Writes: []string{path},
		Run:    func() error { return os.WriteFile(path, []byte(name), 0o644) },
		Undo:   func() error { return os.Remove(path) },
	}
}

func TestDestinationAppearsBeforeCommit(t *testing.T) {
	params := testParams(t, "a", "b")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		d.(*fileDriver).AddCommitHook(sidecarHook(params.OutputPath, name))
	}
	other := filepath.Join(params.OutputPath, "b.txt")
	if err := os.WriteFile(other, []byte("other run"), 0o644); err != nil {
		t.Fatal(err)
	}

	paths, err := d.Close(true)
	if !errors.Is(err, ErrOutputAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if d.State() != StateDiscarded {
		t.Errorf("expected discarded, got %s", d.State())
	}
	if len(paths) != 2 || !strings.HasSuffix(paths[0], ".tmp") || !strings.HasSuffix(paths[1], ".tmp") {
		t.Errorf("expected both staging paths, got %v", paths)
	}
	got := listDir(t, params.OutputPath)
	if len(got) != 3 || got[2] != "b.txt" {
		t.Errorf("expected two staged files and the other run's b.txt, got %v", got)
	}
	if data, _ := os.ReadFile(other); string(data) != "other run" {
		t.Error("existing output was modified")
	}
}

func TestExistingHookOutputDiscards(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.(*fileDriver).AddCommitHook(sidecarHook(params.OutputPath, "a"))
	meta := filepath.Join(params.OutputPath, "a.meta")
	if err := os.WriteFile(meta, []byte("other run"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Close(true); !errors.Is(err, ErrOutputAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if data, _ := os.ReadFile(meta); string(data) != "other run" {
		t.Error("existing sidecar was overwritten")
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Error("destination must not exist after a refused commit")
	}
}

func TestPartialCommitReverted(t *testing.T) {
	params := testParams(t, "a", "b")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fd := d.(*fileDriver)
	fd.AddCommitHook(sidecarHook(params.OutputPath, "a"))
	other := filepath.Join(params.OutputPath, "b.txt")
	// b.txt appears after the destinations were checked
	fd.OnCommit(func() error { return os.WriteFile(other, []byte("other run"), 0o644) })

	paths, err := d.Close(true)
	if !errors.Is(err, ErrOutputAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if d.State() != StateDiscarded {
		t.Errorf("expected discarded, got %s", d.State())
	}
	if len(paths) != 2 || !strings.HasSuffix(paths[0], ".tmp") || !strings.HasSuffix(paths[1], ".tmp") {
		t.Errorf("expected both staging paths, got %v", paths)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("staged file %s should be kept: %v", p, err)
		}
	}
	for _, name := range []string{"a.txt", "a.meta"} {
		if _, err := os.Stat(filepath.Join(params.OutputPath, name)); !os.IsNotExist(err) {
			t.Errorf("%s must not exist after a failed commit", name)
		}
	}
	if data, _ := os.ReadFile(other); string(data) != "other run" {
		t.Error("existing output was modified")
	}
}

func TestCommitUnopened(t *testing.T) {
	d, _ := newFileDriver(testParams(t, "a"))
	paths, err := d.Close(true)
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if len(paths) != 0 || d.State() != StateDiscarded {
		t.Errorf("unexpected result %v in state %s", paths, d.State())
	}
}

func TestSession(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	paths, err := Session(context.Background(), d, func(ctx context.Context) error {
		return d.Write("a", "aa", Chunk{Y: Span(0, 3)})
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != filepath.Join(params.OutputPath, "a.txt") {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestSessionError(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	boom := errors.New("boom")
	paths, err := Session(context.Background(), d, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".tmp") {
		t.Errorf("expected staging paths, got %v", paths)
	}
	if d.State() != StateDiscarded {
		t.Errorf("expected discarded, got %s", d.State())
	}
}

func TestSessionCancelled(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Session(ctx, d, func(ctx context.Context) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Error("destination must not exist after cancellation")
	}
}

func TestSessionPanic(t *testing.T) {
	params := testParams(t, "a")
	d, _ := newFileDriver(params)
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("expected panic to propagate, got %v", r)
			}
		}()
		Session(context.Background(), d, func(ctx context.Context) error { panic("kaboom") })
	}()
	if d.State() != StateDiscarded {
		t.Errorf("expected discarded after panic, got %s", d.State())
	}
	if _, err := os.Stat(filepath.Join(params.OutputPath, "a.txt")); !os.IsNotExist(err) {
		t.Error("destination must not exist after a panic")
	}
}

func TestSessionOpenFailure(t *testing.T) {
	params := testParams(t, "a", "b")
	if err := os.WriteFile(filepath.Join(params.OutputPath, "b.txt"), []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, _ := newFileDriver(params)
	called := false
	paths, err := Session(context.Background(), d, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOutputAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if called {
		t.Error("body must not run when open fails")
	}
	if len(paths) != 1 {
		t.Errorf("expected the staged file of product a, got %v", paths)
	}
	if d, _ := os.ReadFile(filepath.Join(params.OutputPath, "b.txt")); string(d) != "done" {
		t.Error("existing output was modified")
	}
}

func TestConcurrentWrites(t *testing.T) {
	params := testParams(t, "a", "b", "c")
	d, _ := newFileDriver(params)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	count := 0
	g, _ := errgroup.WithContext(context.Background())
	for _, prod := range []string{"a", "b", "c"} {
		for y := 0; y < 20; y++ {
			prod, y := prod, y
			g.Go(func() error {
				mu.Lock()
				count++
				mu.Unlock()
				return d.Write(prod, "aa", Chunk{Y: Span(y, y+1)})
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	paths, err := d.Close(true)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, p := range paths {
		data, _ := os.ReadFile(p)
		lines += strings.Count(string(data), "\n")
	}
	if lines != count {
		t.Errorf("expected %d lines, got %d", count, lines)
	}
}
