package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dieynaba77/datacube-core/logger"
)

// Driver writes the products of one task to one physical format.
//
// Open must be called once before any Write. Writes to different handles may
// run concurrently; writes to the same handle are serialized by the driver.
// Close(true) publishes every staged file at its destination and returns the
// destinations; Close(false) publishes nothing and returns the staging paths.
type Driver interface {
	Name() string
	Format() string
	State() State
	Open(ctx context.Context) error
	Write(product, measurement string, chunk Chunk) error
	WriteGlobalAttributes(attrs map[string]interface{}) error
	Close(success bool) ([]string, error)
}

// State is a position in the driver lifecycle.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateClosing
	StateCommitted
	StateDiscarded
)

var stateNames = map[State]string{
	StateUnopened:  "unopened",
	StateOpen:      "open",
	StateClosing:   "closing",
	StateCommitted: "committed",
	StateDiscarded: "discarded",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// HandleKey identifies an open file. Measurement is empty when a product
// keeps all its measurements in one file.
type HandleKey struct {
	Product     string
	Measurement string
}

func (k HandleKey) String() string {
	if k.Measurement == "" {
		return k.Product
	}
	return k.Product + "/" + k.Measurement
}

type handle struct {
	mu     sync.Mutex
	res    io.Closer
	path   string
	closed bool
}

// Base implements the lifecycle shared by every driver: the state machine,
// the handle table, staging and the commit. Concrete drivers embed it.
type Base struct {
	Params  *Params
	Planner *Planner
	Log     *logger.Logger

	name   string
	format string

	mu      sync.Mutex
	state   State
	handles map[HandleKey]*handle
	order   []HandleKey
	hooks   []CommitHook

	closeOnce  sync.Once
	closePaths []string
	closeErr   error
}

// NewBase creates the shared state of a driver writing files with the given
// extensions below params.OutputPath.
func NewBase(name, format string, params *Params, validExtensions ...string) *Base {
	return &Base{
		Params:  params,
		Planner: NewPlanner(params.OutputPath, validExtensions...),
		Log:     params.Log().WithComponent("output." + NormalizeName(name)),
		name:    name,
		format:  format,
		handles: map[HandleKey]*handle{},
	}
}

func (b *Base) Name() string   { return b.name }
func (b *Base) Format() string { return b.format }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BeginOpen moves an unopened driver to Open. A driver opens once.
func (b *Base) BeginOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateUnopened {
		return Errorf(KindUsage, "%s driver opened in state %s", b.name, b.state)
	}
	b.state = StateOpen
	return nil
}

// AddHandle records an open file resource under key. path is the staging
// path it writes, for logging.
func (b *Base) AddHandle(key HandleKey, path string, res io.Closer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return Errorf(KindUsage, "cannot add handle %s in state %s", key, b.state)
	}
	if _, ok := b.handles[key]; ok {
		return Errorf(KindUsage, "handle %s opened twice", key)
	}
	b.handles[key] = &handle{res: res, path: path}
	b.order = append(b.order, key)
	b.Log.Debug("opened output file", map[string]interface{}{"handle": key.String(), "path": path})
	return nil
}

// Keys returns the handle keys in the order they were opened.
func (b *Base) Keys() []HandleKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]HandleKey(nil), b.order...)
}

// Use runs fn with the resource of the handle for (product, measurement)
// while holding that handle's lock. A product kept in one file is found
// whatever the measurement.
func (b *Base) Use(product, measurement string, fn func(res io.Closer) error) error {
	b.mu.Lock()
	switch b.state {
	case StateUnopened:
		b.mu.Unlock()
		return Errorf(KindUsage, "write to %s before open", HandleKey{product, measurement})
	case StateOpen:
	default:
		state := b.state
		b.mu.Unlock()
		return Errorf(KindUsage, "write to %s in state %s", HandleKey{product, measurement}, state)
	}
	h, ok := b.handles[HandleKey{Product: product, Measurement: measurement}]
	if !ok {
		h, ok = b.handles[HandleKey{Product: product}]
	}
	b.mu.Unlock()
	if !ok {
		return Errorf(KindNoOutputFileOpen, "no file open for %s", HandleKey{product, measurement})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Errorf(KindUsage, "write to %s after close", HandleKey{product, measurement})
	}
	return fn(h.res)
}

// Each runs fn for every handle in open order, holding each handle's lock.
func (b *Base) Each(fn func(key HandleKey, res io.Closer) error) error {
	if s := b.State(); s != StateOpen {
		return Errorf(KindUsage, "%s driver used in state %s", b.name, s)
	}
	keys := b.Keys()
	if len(keys) == 0 {
		return Errorf(KindNoOutputFileOpen, "%s driver has no open files", b.name)
	}
	for _, key := range keys {
		if err := b.Use(key.Product, key.Measurement, func(res io.Closer) error {
			return fn(key, res)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Resources calls fn with every resource in open order, in any state. It
// takes no handle locks.
func (b *Base) Resources(fn func(key HandleKey, res io.Closer)) {
	b.mu.Lock()
	keys := append([]HandleKey(nil), b.order...)
	res := make([]io.Closer, len(keys))
	for i, k := range keys {
		res[i] = b.handles[k].res
	}
	b.mu.Unlock()
	for i, k := range keys {
		fn(k, res[i])
	}
}

// CommitHook runs during a successful close, after every handle is closed
// and before any rename. An error from Run discards the task.
type CommitHook struct {
	// Writes lists the files Run creates. Like the planned destinations they
	// must not exist when the commit starts.
	Writes []string
	Run    func() error
	// Undo removes what Run wrote when the renames do not all happen.
	Undo func() error
}

// OnCommit registers fn as a commit hook that writes nothing to undo.
func (b *Base) OnCommit(fn func() error) {
	b.AddCommitHook(CommitHook{Run: fn})
}

// AddCommitHook registers h. Hooks run in registration order.
func (b *Base) AddCommitHook(h CommitHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Close closes every handle exactly once, then commits or discards. Later
// calls return the result of the first.
func (b *Base) Close(success bool) ([]string, error) {
	b.closeOnce.Do(func() {
		b.closePaths, b.closeErr = b.close(success)
	})
	return b.closePaths, b.closeErr
}

func (b *Base) close(success bool) ([]string, error) {
	b.mu.Lock()
	opened := b.state != StateUnopened
	b.state = StateClosing
	keys := append([]HandleKey(nil), b.order...)
	hooks := append([]CommitHook(nil), b.hooks...)
	b.mu.Unlock()

	var errs []error
	if success && !opened {
		errs = append(errs, Errorf(KindUsage, "%s driver closed for commit but never opened", b.name))
	}
	for _, key := range keys {
		h := b.handles[key]
		h.mu.Lock()
		if !h.closed {
			h.closed = true
			if err := h.res.Close(); err != nil {
				errs = append(errs, IOError(h.path, fmt.Errorf("closing %s: %w", key, err)))
			}
		}
		h.mu.Unlock()
	}

	plan := b.Planner.Renames()
	if success && len(errs) == 0 {
		if err := checkTargets(plan, hooks); err != nil {
			errs = append(errs, err)
		}
	}
	var ran []CommitHook
	if success && len(errs) == 0 {
		for _, hook := range hooks {
			if err := hook.Run(); err != nil {
				errs = append(errs, err)
				break
			}
			ran = append(ran, hook)
		}
	}

	if !success || len(errs) > 0 {
		errs = append(errs, undoHooks(ran)...)
		staged := plan.Staging()
		b.setState(StateDiscarded)
		b.Log.Warn("discarding output", map[string]interface{}{"staged": staged, "requested_commit": success})
		return staged, errors.Join(errs...)
	}

	pairs := plan.Renames()
	dests, err := plan.Commit()
	if err != nil {
		errs = []error{err}
		stuck, rerr := plan.Revert(pairs[:len(dests)])
		if rerr != nil {
			errs = append(errs, rerr)
		}
		errs = append(errs, undoHooks(ran)...)
		b.setState(StateDiscarded)
		b.Log.Error("commit failed", map[string]interface{}{"error": err.Error(), "reverted": len(dests) - len(stuck), "stuck": stuck})
		return append(stuck, plan.Staging()...), errors.Join(errs...)
	}
	for _, d := range dests {
		b.Log.Info("committed output", map[string]interface{}{"path": d})
	}
	b.setState(StateCommitted)
	return dests, nil
}

// checkTargets fails with OutputAlreadyExists when a planned destination or
// a file a hook writes appeared after it was planned.
func checkTargets(plan *RenamePlan, hooks []CommitHook) error {
	for _, r := range plan.Renames() {
		if err := CheckAbsent(r.Destination); err != nil {
			return err
		}
	}
	for _, h := range hooks {
		for _, path := range h.Writes {
			if err := CheckAbsent(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func undoHooks(ran []CommitHook) []error {
	var errs []error
	for i := len(ran) - 1; i >= 0; i-- {
		if ran[i].Undo == nil {
			continue
		}
		if err := ran[i].Undo(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// Session opens d, runs fn and closes d on every exit path, panics
// included. The close commits only when fn succeeds and ctx is still live.
func Session(ctx context.Context, d Driver, fn func(ctx context.Context) error) (paths []string, err error) {
	if err := d.Open(ctx); err != nil {
		paths, cerr := d.Close(false)
		return paths, errors.Join(err, cerr)
	}
	defer func() {
		r := recover()
		if err == nil && r == nil {
			err = ctx.Err()
		}
		success := r == nil && err == nil
		var cerr error
		paths, cerr = d.Close(success)
		err = errors.Join(err, cerr)
		if r != nil {
			panic(r)
		}
	}()
	return nil, fn(ctx)
}

// MergeAttributes overlays attribute maps in increasing precedence: driver
// defaults, then attributes from the producing transformation, then the
// caller's configuration.
func MergeAttributes(defaults, plugin, config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(plugin)+len(config))
	for _, m := range []map[string]interface{}{defaults, plugin, config} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// VariableAttributes merges the attributes of measurement m of a product
// with the driver defaults and the task's per-variable configuration.
func (b *Base) VariableAttributes(m Measurement) map[string]interface{} {
	defaults := map[string]interface{}{
		"long_name":             m.Name,
		"coverage_content_type": "modelResult",
	}
	return MergeAttributes(defaults, m.Attrs, b.Params.VarAttributes[m.Name])
}
