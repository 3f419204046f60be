package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const dirPermissionBits = 0o755

// Planner turns product templates into destination and staging paths and
// records each pair in a RenamePlan.
type Planner struct {
	// Base is the directory destination paths are relative to.
	Base string
	// ValidExtensions lists the suffixes, with their dot, the driver writes.
	ValidExtensions []string

	renames *RenamePlan
}

// NewPlanner creates a planner with an empty RenamePlan.
func NewPlanner(base string, validExtensions ...string) *Planner {
	return &Planner{Base: base, ValidExtensions: validExtensions, renames: &RenamePlan{}}
}

// Renames returns the plan the planner registers pairs in.
func (p *Planner) Renames() *RenamePlan { return p.renames }

// Render renders the product template with the call parameters.
func (p *Planner) Render(product *OutputProduct, extra map[string]interface{}) (string, error) {
	return Render(product.FilePathTemplate, renderParams(product, extra))
}

// Destination renders the destination path and checks its suffix.
func (p *Planner) Destination(product *OutputProduct, extra map[string]interface{}) (string, error) {
	rel, err := p.Render(product, extra)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(p.Base, rel)
	if !p.validSuffix(dest) {
		return "", Errorf(KindInvalidOutputPath, "suffix %q is not one of %v", filepath.Ext(dest), p.ValidExtensions).WithPath(dest)
	}
	return dest, nil
}

func (p *Planner) validSuffix(path string) bool {
	ext := filepath.Ext(path)
	for _, v := range p.ValidExtensions {
		if strings.EqualFold(ext, v) {
			return true
		}
	}
	return false
}

// Plan renders and validates the destination, refuses to overwrite it,
// creates its parent directories and registers a staging path for it.
func (p *Planner) Plan(product *OutputProduct, extra map[string]interface{}) (dest, staging string, err error) {
	dest, err = p.Destination(product, extra)
	if err != nil {
		return "", "", err
	}
	if err := CheckAbsent(dest); err != nil {
		return "", "", err
	}
	if p.renames.Planned(dest) {
		return "", "", Errorf(KindOutputAlreadyExists, "destination planned twice in one task").WithPath(dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), dirPermissionBits); err != nil {
		return "", "", IOError(filepath.Dir(dest), err)
	}
	staging = StagingPath(dest)
	p.renames.Add(staging, dest)
	return dest, staging, nil
}

// StagingPath returns a unique hidden path next to dest.
func StagingPath(dest string) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.NewString()))
}

// CheckAbsent fails with OutputAlreadyExists when path exists.
func CheckAbsent(path string) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return Errorf(KindOutputAlreadyExists, "destination exists").WithPath(path)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return IOError(path, err)
	}
}

// Rename is one staging to destination pair.
type Rename struct {
	Staging     string
	Destination string
}

// RenamePlan is the ordered set of renames performed at commit. It is safe
// for concurrent use.
type RenamePlan struct {
	mu      sync.Mutex
	renames []Rename
}

// Add registers a pair.
func (rp *RenamePlan) Add(staging, dest string) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.renames = append(rp.renames, Rename{Staging: staging, Destination: dest})
}

// Renames returns a copy of the registered pairs in registration order.
func (rp *RenamePlan) Renames() []Rename {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return append([]Rename(nil), rp.renames...)
}

// Staging returns every staging path in registration order.
func (rp *RenamePlan) Staging() []string {
	renames := rp.Renames()
	out := make([]string, len(renames))
	for i, r := range renames {
		out[i] = r.Staging
	}
	return out
}

// Planned reports whether dest is already the destination of a pair.
func (rp *RenamePlan) Planned(dest string) bool {
	for _, r := range rp.Renames() {
		if r.Destination == dest {
			return true
		}
	}
	return false
}

// Destination returns the destination registered for staging.
func (rp *RenamePlan) Destination(staging string) (string, bool) {
	for _, r := range rp.Renames() {
		if r.Staging == staging {
			return r.Destination, true
		}
	}
	return "", false
}

// Commit renames every staging path onto its destination in registration
// order and returns the destinations. The plan is consumed: a second Commit
// renames nothing.
func (rp *RenamePlan) Commit() ([]string, error) {
	rp.mu.Lock()
	renames := rp.renames
	rp.renames = nil
	rp.mu.Unlock()

	out := make([]string, 0, len(renames))
	for i, r := range renames {
		if err := AtomicRename(r.Staging, r.Destination); err != nil {
			rp.mu.Lock()
			rp.renames = append(renames[i:], rp.renames...)
			rp.mu.Unlock()
			return out, err
		}
		out = append(out, r.Destination)
	}
	return out, nil
}

// Revert moves committed pairs back onto their staging paths, last first,
// and returns them to the plan. It returns the destinations it could not
// move back.
func (rp *RenamePlan) Revert(committed []Rename) ([]string, error) {
	var stuck []string
	var errs []error
	var back []Rename
	for i := len(committed) - 1; i >= 0; i-- {
		r := committed[i]
		if err := os.Rename(r.Destination, r.Staging); err != nil {
			stuck = append(stuck, r.Destination)
			errs = append(errs, IOError(r.Destination, err))
			continue
		}
		back = append([]Rename{r}, back...)
	}
	rp.mu.Lock()
	rp.renames = append(back, rp.renames...)
	rp.mu.Unlock()
	return stuck, errors.Join(errs...)
}

// AtomicRename moves staging onto dest with a single rename. dest must not
// exist.
func AtomicRename(staging, dest string) error {
	if filepath.Dir(filepath.Clean(staging)) != filepath.Dir(filepath.Clean(dest)) {
		return Errorf(KindUsage, "staging %q is not in the directory of its destination", staging).WithPath(dest)
	}
	if err := CheckAbsent(dest); err != nil {
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		return IOError(dest, err)
	}
	return nil
}
