package lifecycle

import (
	"context"
	"fmt"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
)

// SnapResult reports one snap invocation.
type SnapResult struct {
	Tag    string   `json:"tag"`
	Pruned []string `json:"pruned,omitempty"`
}

// Snap creates a timestamped ZFS snapshot on the tenant's dataset. With
// prune, only the newest snapshotRetention snapshots survive, destroyed
// oldest-first.
func (e *Engine) Snap(ctx context.Context, name string, prune bool) (*SnapResult, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	r, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	if r.Find(name) == nil {
		return nil, lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", name))
	}

	tag := e.Deps.Clock().UTC().Format("20060102T150405Z")
	if _, err := e.Deps.ZFS.Snapshot(e.DatasetPath(name), tag); err != nil {
		return nil, err
	}
	res := &SnapResult{Tag: tag}

	if prune {
		pruned, err := e.Deps.ZFS.PruneSnapshots(e.DatasetPath(name), e.Cfg.ZFS.SnapshotRetention)
		if err != nil {
			return res, err
		}
		res.Pruned = pruned
	}
	e.logger.Info().Str("tenant", name).Str("tag", tag).Int("pruned", len(res.Pruned)).Msg("Snapshot created")
	return res, nil
}
