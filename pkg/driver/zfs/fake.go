package zfs

import "sort"

// Fake is an in-memory Driver used by lifecycle/reconciler tests so they
// don't need a real zpool.
type Fake struct {
	Datasets  map[string]bool
	Snapshots map[string][]string
}

// NewFake returns an empty Fake driver.
func NewFake() *Fake {
	return &Fake{Datasets: map[string]bool{}, Snapshots: map[string][]string{}}
}

func (f *Fake) CreateDataset(path string, quota, compression string) error {
	f.Datasets[path] = true
	return nil
}

func (f *Fake) DestroyDataset(path string, recursive bool) error {
	delete(f.Datasets, path)
	delete(f.Snapshots, path)
	return nil
}

func (f *Fake) DatasetExists(path string) (bool, error) {
	return f.Datasets[path], nil
}

func (f *Fake) Snapshot(path, tag string) (string, error) {
	f.Snapshots[path] = append(f.Snapshots[path], tag)
	return tag, nil
}

func (f *Fake) ListSnapshots(path string) ([]string, error) {
	out := append([]string(nil), f.Snapshots[path]...)
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ListChildren(path string) ([]string, error) {
	prefix := path + "/"
	var names []string
	for ds := range f.Datasets {
		if len(ds) > len(prefix) && ds[:len(prefix)] == prefix {
			rest := ds[len(prefix):]
			if !containsSlash(rest) {
				names = append(names, rest)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

func (f *Fake) PruneSnapshots(path string, keep int) ([]string, error) {
	tags := f.Snapshots[path]
	sort.Strings(tags)
	if len(tags) <= keep {
		return nil, nil
	}
	destroyed := append([]string(nil), tags[:len(tags)-keep]...)
	f.Snapshots[path] = tags[len(tags)-keep:]
	return destroyed, nil
}

var _ Driver = (*Fake)(nil)
