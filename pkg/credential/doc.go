// Package credential stores operational certificates per trust anchor.
//
// Each anchor the device has enrolled with owns a Record: the anchor
// certificate, the server endpoint, and every retained credential version.
// Versions are numbered from 1, strictly increasing, and never reused, even
// across a crash in the middle of a write. At most one version per anchor is
// current (active or pending-renewal) at any time.
//
// Two implementations exist: MemoryStore for tests and diskless devices, and
// FileStore, which persists to an afero filesystem:
//
//	store := credential.NewFileStore(afero.NewOsFs(), "/var/lib/trustpoint", credential.StoreConfig{})
//	if err := store.Load(); err != nil {
//		return err
//	}
package credential
