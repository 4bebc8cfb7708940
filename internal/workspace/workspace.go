// Package workspace manages the on-disk layout of a workspace directory:
// staging runs, committed runs, named caches, the step-run symlink index,
// and state.json. Runs are committed via write-temp-then-rename, and
// pruning works off an explicit keep set.
package workspace

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid"

	"github.com/kilnrun/kiln/internal/errs"
)

const (
	stagingDir  = "staging"
	runsDir     = "runs"
	cachesDir   = "caches"
	stepRunsDir = "step-runs"
	stateFile   = "state.json"
	lockFile    = "daemon.json"
)

// Workspace is a handle to one on-disk workspace directory.
type Workspace struct {
	Root string // absolute path to this workspace's directory
}

// Create makes a new workspace directory named name under root and
// initializes its subdirectories. It is not an error if the workspace
// already exists (create is idempotent, matching "created on first use").
func Create(root, name string) (*Workspace, error) {
	if !validName(name) {
		return nil, errs.New(errs.ValidationError, "invalid workspace name %q", name)
	}
	w := &Workspace{Root: filepath.Join(root, name)}
	for _, d := range []string{stagingDir, runsDir, cachesDir, stepRunsDir} {
		if err := os.MkdirAll(filepath.Join(w.Root, d), 0o755); err != nil {
			return nil, errs.Wrap(errs.StagingFailed, err, "creating workspace directory %s", d)
		}
	}
	return w, nil
}

// Open opens an existing workspace, failing if it is absent.
func Open(root, name string) (*Workspace, error) {
	w := &Workspace{Root: filepath.Join(root, name)}
	info, err := os.Stat(w.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.ValidationError, "workspace %q does not exist", name)
		}
		return nil, errs.Wrap(errs.StagingFailed, err, "opening workspace %q", name)
	}
	if !info.IsDir() {
		return nil, errs.New(errs.ValidationError, "workspace path %q is not a directory", w.Root)
	}
	return w, nil
}

// List returns the names of workspaces under root.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StagingFailed, err, "listing workspaces under %s", root)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes a workspace and everything under it.
func Remove(root, name string) error {
	if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "removing workspace %q", name)
	}
	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name
}

// StatePath returns the path to this workspace's state.json.
func (w *Workspace) StatePath() string { return filepath.Join(w.Root, stateFile) }

// LockPath returns the path to this workspace's daemon.json lock file.
func (w *Workspace) LockPath() string { return filepath.Join(w.Root, lockFile) }

// StagingRunPath returns the in-progress directory for runId.
func (w *Workspace) StagingRunPath(runID string) string {
	return filepath.Join(w.Root, stagingDir, runID)
}

// RunPath returns the committed directory for runId.
func (w *Workspace) RunPath(runID string) string {
	return filepath.Join(w.Root, runsDir, runID)
}

// RunArtifactsPath returns the artifacts subdirectory of a committed run.
func (w *Workspace) RunArtifactsPath(runID string) string {
	return filepath.Join(w.RunPath(runID), "artifacts")
}

// StagingArtifactsPath returns the artifacts subdirectory of a staging run,
// the directory a step's container output mount should target.
func (w *Workspace) StagingArtifactsPath(runID string) string {
	return filepath.Join(w.StagingRunPath(runID), "artifacts")
}

// CachePath returns the directory for a named persistent cache.
func (w *Workspace) CachePath(name string) string {
	return filepath.Join(w.Root, cachesDir, name)
}

// stepRunLinkPath returns the step-run index entry path for stepID.
func (w *Workspace) stepRunLinkPath(stepID string) string {
	return filepath.Join(w.Root, stepRunsDir, stepID)
}

// CleanupStaging removes every in-progress staging directory. Called once
// at session start: a prior process's crash leaves no partially-committed
// run behind, only orphaned staging dirs.
func (w *Workspace) CleanupStaging() error {
	dir := filepath.Join(w.Root, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return errs.Wrap(errs.StagingFailed, err, "reading staging directory")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errs.Wrap(errs.StagingFailed, err, "removing stale staging dir %s", e.Name())
		}
	}
	return nil
}

// ListRuns returns the run ids currently committed under runs/.
func (w *Workspace) ListRuns() ([]string, error) {
	dir := filepath.Join(w.Root, runsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StagingFailed, err, "listing runs")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListCaches returns the names of currently-provisioned caches.
func (w *Workspace) ListCaches() ([]string, error) {
	dir := filepath.Join(w.Root, cachesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StagingFailed, err, "listing caches")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ScratchPath returns a throwaway directory for a setup phase invocation,
// which produces no artifact and so needs no staging/commit lifecycle.
func (w *Workspace) ScratchPath(runID string) string {
	return filepath.Join(w.Root, stagingDir, runID+"-setup")
}

// CommitRun promotes a completed staging run into runs/ via a single
// rename. Callers must have already written meta.json and the run's
// artifacts into the staging directory.
func (w *Workspace) CommitRun(runID string) error {
	if err := os.Rename(w.StagingRunPath(runID), w.RunPath(runID)); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "committing run %s", runID)
	}
	return nil
}

// DiscardStaging removes a run's staging directory after a failed
// attempt; a failing run writes no commit.
func (w *Workspace) DiscardStaging(runID string) error {
	if err := os.RemoveAll(w.StagingRunPath(runID)); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "discarding staging run %s", runID)
	}
	return nil
}

// PrepareCache idempotently ensures a named cache directory exists.
func (w *Workspace) PrepareCache(name string) error {
	if err := os.MkdirAll(w.CachePath(name), 0o755); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "preparing cache %q", name)
	}
	return nil
}

// PruneRuns removes every runs/<id> whose id is neither in keepSet nor
// referenced by a step-runs/ index entry. Callers pass the union of an
// explicit keep list and statestore.Store.ActiveRunIDs(); the step-run
// index is consulted here as well so an index entry always protects its
// target even if the state file and index have drifted.
func (w *Workspace) PruneRuns(keepSet map[string]bool) ([]string, error) {
	ids, err := w.ListRuns()
	if err != nil {
		return nil, err
	}
	linked, err := w.stepRunReferencedIDs()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		if keepSet[id] || linked[id] {
			continue
		}
		if err := os.RemoveAll(w.RunPath(id)); err != nil {
			return removed, errs.Wrap(errs.StagingFailed, err, "pruning run %s", id)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// stepRunReferencedIDs returns the set of run ids the step-run index
// currently points at.
func (w *Workspace) stepRunReferencedIDs() (map[string]bool, error) {
	entries, err := os.ReadDir(filepath.Join(w.Root, stepRunsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StagingFailed, err, "reading step-runs index")
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if id, ok := w.ResolveStepRun(e.Name()); ok {
			out[id] = true
		}
	}
	return out, nil
}

// UpdateStepRunLink atomically points step-runs/<stepId> at runId, via a
// temp symlink plus rename. Platforms without symlink support can
// substitute a plain file containing the target id; only the
// atomic-replacement property matters, so that substitution is not made
// here since the target platform is assumed to support os.Symlink.
func (w *Workspace) UpdateStepRunLink(stepID, runID string) error {
	dir := filepath.Join(w.Root, stepRunsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "creating step-runs directory")
	}
	link := w.stepRunLinkPath(stepID)
	tmp := link + ".tmp-new"
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Join("..", runsDir, runID), tmp); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "creating step-run symlink for %s", stepID)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StagingFailed, err, "renaming step-run symlink for %s", stepID)
	}
	return nil
}

// RemoveStepRunLink drops step-runs/<stepId>, if present, so the index
// stays consistent when a step's state entry is forgotten.
func (w *Workspace) RemoveStepRunLink(stepID string) error {
	if err := os.Remove(w.stepRunLinkPath(stepID)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StagingFailed, err, "removing step-run symlink for %s", stepID)
	}
	return nil
}

// ResolveStepRun reads the current run id pointed to by step-runs/<stepId>.
// Returns "", false if no entry exists.
func (w *Workspace) ResolveStepRun(stepID string) (string, bool) {
	target, err := os.Readlink(w.stepRunLinkPath(stepID))
	if err != nil {
		return "", false
	}
	return filepath.Base(target), true
}

// NewRunID mints a time-sortable unique run id using oklog/ulid, with
// crypto/rand as the entropy source so ids are unguessable as well as
// ordered.
func NewRunID() string {
	ms := ulid.Timestamp(time.Now())
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ms, entropy)
	if err != nil {
		// ulid.New only fails if the timestamp overflows 48 bits, which
		// does not happen for any real wall-clock time.
		panic("workspace: unreachable ulid generation failure: " + err.Error())
	}
	return id.String()
}
