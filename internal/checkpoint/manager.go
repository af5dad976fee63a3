// Package checkpoint persists run and batch snapshots as JSON files. Writes
// are atomic (temp file, fsync, rename) so an interrupted process never
// leaves a truncated checkpoint behind, and a cross-process file lock guards
// each run against concurrent resumes.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/rendis/loom/pkg/schema"
)

// batchPrefix distinguishes batch checkpoint files from run checkpoints in
// the shared directory. Run ids may not use it.
const batchPrefix = "batch-"

// Manager reads and writes checkpoints under a single directory,
// conventionally ~/.loom/checkpoints.
type Manager struct {
	dir string
}

// NewManager creates the checkpoint directory if needed and returns a
// manager rooted there.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeCheckpointIO, "checkpoint directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "creating checkpoint directory %s", dir).WithCause(err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the managed checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Save writes a run checkpoint, replacing any previous snapshot for the same
// run. It returns the file path.
func (m *Manager) Save(ctx context.Context, cp *schema.Checkpoint) (string, error) {
	if cp == nil {
		return "", schema.NewError(schema.ErrCodeCheckpointIO, "nil checkpoint")
	}
	if err := validRunID(cp.RunID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCheckpointIO, "encoding checkpoint for run %s", cp.RunID).WithCause(err)
	}
	return m.writeAtomic(runFileName(cp.RunID), data)
}

// Load reads the checkpoint for a run.
func (m *Manager) Load(runID string) (*schema.Checkpoint, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	path := filepath.Join(m.dir, runFileName(runID))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for run %s", runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "reading checkpoint %s", path).WithCause(err)
	}

	var cp schema.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "checkpoint %s is corrupt", path).WithCause(err)
	}
	if cp.Version != schema.CheckpointVersion {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO,
			"checkpoint %s has format version %d, this build reads %d", path, cp.Version, schema.CheckpointVersion)
	}
	return &cp, nil
}

// Delete removes a run's checkpoint and its lock file.
func (m *Manager) Delete(runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(m.dir, runFileName(runID))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for run %s", runID)
		}
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "deleting checkpoint for run %s", runID).WithCause(err)
	}
	os.Remove(filepath.Join(m.dir, lockFileName(runID)))
	return nil
}

// List reads every run checkpoint in the directory, newest first.
func (m *Manager) List() ([]*schema.Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "reading checkpoint directory %s", m.dir).WithCause(err)
	}

	var cps []*schema.Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, batchPrefix) {
			continue
		}
		cp, err := m.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].UpdatedAt.After(cps[j].UpdatedAt) })
	return cps, nil
}

// SaveBatch writes a batch job checkpoint, replacing any previous snapshot
// for the same job.
func (m *Manager) SaveBatch(ctx context.Context, cp *schema.BatchCheckpoint) (string, error) {
	if cp == nil || cp.Job == nil {
		return "", schema.NewError(schema.ErrCodeCheckpointIO, "nil batch checkpoint")
	}
	if err := validJobID(cp.Job.JobID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCheckpointIO, "encoding checkpoint for job %s", cp.Job.JobID).WithCause(err)
	}
	return m.writeAtomic(batchFileName(cp.Job.JobID), data)
}

// LoadBatch reads the checkpoint for a batch job.
func (m *Manager) LoadBatch(jobID string) (*schema.BatchCheckpoint, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	path := filepath.Join(m.dir, batchFileName(jobID))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for batch job %s", jobID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "reading checkpoint %s", path).WithCause(err)
	}

	var cp schema.BatchCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "checkpoint %s is corrupt", path).WithCause(err)
	}
	if cp.Version != schema.CheckpointVersion {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO,
			"checkpoint %s has format version %d, this build reads %d", path, cp.Version, schema.CheckpointVersion)
	}
	if cp.Job == nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "checkpoint %s has no job payload", path)
	}
	return &cp, nil
}

// DeleteBatch removes a batch job's checkpoint and its lock file.
func (m *Manager) DeleteBatch(jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(m.dir, batchFileName(jobID))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for batch job %s", jobID)
		}
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "deleting checkpoint for batch job %s", jobID).WithCause(err)
	}
	os.Remove(filepath.Join(m.dir, lockFileName(batchPrefix+jobID)))
	return nil
}

// ListBatches reads every batch checkpoint in the directory, newest first.
func (m *Manager) ListBatches() ([]*schema.BatchCheckpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "reading checkpoint directory %s", m.dir).WithCause(err)
	}

	var cps []*schema.BatchCheckpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, batchPrefix) {
			continue
		}
		cp, err := m.LoadBatch(strings.TrimSuffix(strings.TrimPrefix(name, batchPrefix), ".json"))
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Job.UpdatedAt.After(cps[j].Job.UpdatedAt) })
	return cps, nil
}

// AcquireRunLock takes the cross-process lock guarding a run. It fails fast
// when another process already holds it; the returned release func must be
// called once the run reaches a terminal state.
func (m *Manager) AcquireRunLock(runID string) (func(), error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	return m.acquire(lockFileName(runID), "run "+runID)
}

// AcquireBatchLock takes the cross-process lock guarding a batch job.
func (m *Manager) AcquireBatchLock(jobID string) (func(), error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	return m.acquire(lockFileName(batchPrefix+jobID), "batch job "+jobID)
}

func (m *Manager) acquire(lockName, what string) (func(), error) {
	lock := flock.New(filepath.Join(m.dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "locking %s", what).WithCause(err)
	}
	if !locked {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointIO, "%s is held by another process", what)
	}
	return func() { _ = lock.Unlock() }, nil
}

// writeAtomic writes data through a temp file in the checkpoint directory
// and renames it into place, so readers only ever see complete files.
func (m *Manager) writeAtomic(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(m.dir, name+".tmp-*")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCheckpointIO, "creating temp file in %s", m.dir).WithCause(err)
	}
	tmpPath := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodeCheckpointIO, "writing checkpoint %s", name).WithCause(werr)
	}

	path := filepath.Join(m.dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodeCheckpointIO, "replacing checkpoint %s", name).WithCause(err)
	}
	return path, nil
}

func runFileName(runID string) string {
	return runID + ".json"
}

func batchFileName(jobID string) string {
	return batchPrefix + jobID + ".json"
}

func lockFileName(name string) string {
	return name + ".lock"
}

// validRunID rejects ids that cannot safely name a file in the checkpoint
// directory. The batch- prefix is reserved for batch checkpoints.
func validRunID(id string) error {
	if err := validFileID(id, "run"); err != nil {
		return err
	}
	if strings.HasPrefix(id, batchPrefix) {
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "run id %q uses the reserved %q prefix", id, batchPrefix)
	}
	return nil
}

func validJobID(id string) error {
	return validFileID(id, "job")
}

func validFileID(id, kind string) error {
	if id == "" {
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "empty %s id", kind)
	}
	if id == "." || id == ".." || filepath.Base(id) != id {
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "%s id %q is not a valid file name", kind, id)
	}
	return nil
}
