// Package snapshot implements SnapshotManager and the rollback path of
// §4.7: pre-edit byte capture, retention-based expiry, and hash-validated
// restoration onto the fix branch.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

// Manager captures, expires, and rolls back Snapshots.
type Manager struct {
	store     store.Store
	vcs       vcs.VcsClient
	clock     clock.Clock
	retention time.Duration
}

func New(s store.Store, vc vcs.VcsClient, clk clock.Clock, retention time.Duration) *Manager {
	return &Manager{store: s, vcs: vc, clock: clk, retention: retention}
}

// HashContent returns the hex sha256 digest of content, the hashing scheme
// used throughout SnapshotFile.ContentHash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Capture reads the pre-change bytes of every path in files at ref and
// writes them into a new active Snapshot. If any read fails the
// remediation must abort without a partial Snapshot (§4.7).
func (m *Manager) Capture(ctx context.Context, repo, remediationID, branch, baseCommitSHA string, files []string) (types.Snapshot, error) {
	captured := make([]types.SnapshotFile, 0, len(files))
	for _, path := range files {
		f, err := m.vcs.GetFileAtRef(ctx, repo, baseCommitSHA, path)
		if err != nil {
			return types.Snapshot{}, fmt.Errorf("snapshot: capturing %s at %s: %w", path, baseCommitSHA, err)
		}
		captured = append(captured, types.SnapshotFile{
			Path:         path,
			ContentHash:  HashContent(f.Content),
			ContentBytes: f.Content,
		})
	}

	now := m.clock.Now()
	snap := types.Snapshot{
		SnapshotID:    uuid.NewString(),
		Repository:    repo,
		RemediationID: remediationID,
		Branch:        branch,
		BaseCommitSHA: baseCommitSHA,
		Files:         captured,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.retention),
		Status:        types.SnapshotActive,
	}
	if err := snap.Validate(); err != nil {
		return types.Snapshot{}, err
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return types.Snapshot{}, err
	}
	return snap, nil
}

// FileOutcome is the per-file result of a Rollback.
type FileOutcome struct {
	Path          string `json:"path"`
	Restored      bool   `json:"restored"`
	HashMismatch  bool   `json:"hash_mismatch"`
	Error         string `json:"error,omitempty"`
}

// Result is the outcome of a Rollback.
type Result struct {
	Partial  bool          `json:"partial"`
	Outcomes []FileOutcome `json:"outcomes"`
}

// Rollback writes every Snapshot file's captured bytes back onto
// fixBranch in a new commit per file. A file whose current hash does not
// match the snapshot's captured-at-capture-time hash is still written
// (best effort), but the overall Result is flagged partial (§4.7).
func (m *Manager) Rollback(ctx context.Context, snap types.Snapshot, fixBranch string) (Result, error) {
	result := Result{Outcomes: make([]FileOutcome, 0, len(snap.Files))}

	for _, file := range snap.Files {
		current, err := m.vcs.GetFileAtRef(ctx, snap.Repository, fixBranch, file.Path)
		mismatch := false
		var sha string
		if err == nil {
			sha = current.SHA
			mismatch = HashContent(current.Content) != file.ContentHash
		}

		writeErr := m.vcs.PutFile(ctx, snap.Repository, fixBranch, file.Path, file.ContentBytes, sha,
			fmt.Sprintf("rollback: restore %s from snapshot %s", file.Path, snap.SnapshotID))

		outcome := FileOutcome{Path: file.Path, HashMismatch: mismatch}
		if writeErr != nil {
			outcome.Error = writeErr.Error()
			result.Partial = true
		} else {
			outcome.Restored = true
		}
		if mismatch {
			result.Partial = true
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if err := m.store.UpdateSnapshotStatus(ctx, snap.SnapshotID, types.SnapshotRolledBack); err != nil {
		return result, err
	}
	return result, nil
}

// ExpireDue deletes every Snapshot the Store lists as past its retention
// window and returns how many it deleted, per the scheduled-cleanup job
// of §4.9. Snapshots are deleted directly, not first marked expired.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	due, err := m.store.ListExpiredSnapshots(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, s := range due {
		if err := m.store.DeleteSnapshot(ctx, s.SnapshotID); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// VerifyRoundTrip reports whether restored holds, for every file in snap,
// content whose hash equals the captured hash. It returns an integrity
// error for a missing file and ErrSnapshotMismatch for a differing hash.
func VerifyRoundTrip(snap types.Snapshot, restored map[string][]byte) error {
	for _, f := range snap.Files {
		got, ok := restored[f.Path]
		if !ok {
			return domainerrors.New(domainerrors.CategoryIntegrity, "snapshot_hash_mismatch",
				fmt.Sprintf("no restored content for %s", f.Path), nil)
		}
		if HashContent(got) != f.ContentHash {
			return domainerrors.ErrSnapshotMismatch
		}
	}
	return nil
}
