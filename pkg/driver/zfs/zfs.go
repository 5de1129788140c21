// Package zfs is a narrow façade over github.com/mistifyio/go-zfs/v3
// exposing exactly the operations the lifecycle engine needs: dataset
// create/destroy and snapshot create/list/prune, with destroy
// idempotent on a missing dataset so reconciliation can re-run it.
package zfs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	gozfs "github.com/mistifyio/go-zfs/v3"
)

// Driver is satisfied by *ZFS and by fakes in tests.
type Driver interface {
	CreateDataset(path string, quota, compression string) error
	DestroyDataset(path string, recursive bool) error
	Snapshot(path, tag string) (string, error)
	ListSnapshots(path string) ([]string, error)
	PruneSnapshots(path string, keep int) ([]string, error)
	DatasetExists(path string) (bool, error)
	// ListChildren returns the direct child filesystems of path, by
	// their final path component.
	ListChildren(path string) ([]string, error)
}

// ZFS implements Driver against the real zfs(8) binary via go-zfs.
type ZFS struct{}

// New returns the real ZFS driver.
func New() *ZFS { return &ZFS{} }

// CreateDataset creates path (e.g. "tank/lobsterd/tenants/alice") with
// the given quota and compression properties. Creation fails if the
// dataset already exists.
func (z *ZFS) CreateDataset(path string, quota, compression string) error {
	props := map[string]string{}
	if quota != "" {
		props["quota"] = quota
	}
	if compression != "" {
		props["compression"] = compression
	}
	if _, err := gozfs.CreateFilesystem(path, props); err != nil {
		return lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("create dataset %s", path), err)
	}
	return nil
}

// DestroyDataset destroys path, recursively destroying children/snapshots
// when recursive is true. Destroying a dataset that doesn't exist is
// success.
func (z *ZFS) DestroyDataset(path string, recursive bool) error {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("lookup dataset %s", path), err)
	}
	flags := gozfs.DestroyDefault
	if recursive {
		flags = gozfs.DestroyRecursive
	}
	if err := ds.Destroy(flags); err != nil {
		return lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("destroy dataset %s", path), err)
	}
	return nil
}

// DatasetExists reports whether path currently exists.
func (z *ZFS) DatasetExists(path string) (bool, error) {
	_, err := gozfs.GetDataset(path)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("lookup dataset %s", path), err)
	}
	return true, nil
}

// snapshotTagLayout matches the ISO-ish timestamp format snap() uses to
// tag snapshots.
const snapshotTagLayout = "20060102T150405Z"

// Snapshot creates a snapshot tagged with tag (or, if empty, the current
// UTC time in snapshotTagLayout) on path and returns the tag used.
func (z *ZFS) Snapshot(path, tag string) (string, error) {
	if tag == "" {
		tag = time.Now().UTC().Format(snapshotTagLayout)
	}
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		return "", lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("lookup dataset %s", path), err)
	}
	if _, err := ds.Snapshot(tag, false); err != nil {
		return "", lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("snapshot %s@%s", path, tag), err)
	}
	return tag, nil
}

// ListSnapshots returns the tags of path's snapshots, oldest first.
func (z *ZFS) ListSnapshots(path string) ([]string, error) {
	snaps, err := gozfs.Snapshots(path)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("list snapshots of %s", path), err)
	}
	tags := make([]string, 0, len(snaps))
	for _, s := range snaps {
		tags = append(tags, tagOf(s.Name))
	}
	sort.Strings(tags)
	return tags, nil
}

// PruneSnapshots keeps only the newest `keep` snapshots on path,
// destroying the rest oldest-first, and returns the tags it destroyed.
func (z *ZFS) PruneSnapshots(path string, keep int) ([]string, error) {
	snaps, err := gozfs.Snapshots(path)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("list snapshots of %s", path), err)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })

	if len(snaps) <= keep {
		return nil, nil
	}
	toDestroy := snaps[:len(snaps)-keep]
	var destroyed []string
	for _, s := range toDestroy {
		if err := s.Destroy(gozfs.DestroyDefault); err != nil {
			return destroyed, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("prune snapshot %s", s.Name), err)
		}
		destroyed = append(destroyed, tagOf(s.Name))
	}
	return destroyed, nil
}

// ListChildren returns the direct child filesystems of path, named by
// their final path component, for orphan detection.
func (z *ZFS) ListChildren(path string) ([]string, error) {
	ds, err := gozfs.GetDataset(path)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("lookup dataset %s", path), err)
	}
	children, err := ds.Children(1)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ZfsError, fmt.Sprintf("list children of %s", path), err)
	}
	var names []string
	for _, c := range children {
		if c.Type != gozfs.DatasetFilesystem {
			continue
		}
		if i := strings.LastIndexByte(c.Name, '/'); i >= 0 {
			names = append(names, c.Name[i+1:])
		}
	}
	sort.Strings(names)
	return names, nil
}

func tagOf(fullName string) string {
	if i := strings.IndexByte(fullName, '@'); i >= 0 {
		return fullName[i+1:]
	}
	return fullName
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "dataset does not exist") ||
		strings.Contains(err.Error(), "does not exist") ||
		strings.Contains(err.Error(), "no such pool")
}
