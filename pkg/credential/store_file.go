package credential

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
)

// RecordFormatVersion is the current version of the record.json format.
const RecordFormatVersion = 1

// On-disk layout below the store directory:
//
//	anchors/<fingerprint>/anchor.pem
//	anchors/<fingerprint>/record.json
//	anchors/<fingerprint>/v<N>.pem   leaf followed by chain
//	anchors/<fingerprint>/v<N>.key   PKCS#8, mode 0600
const (
	anchorsDir     = "anchors"
	anchorFileName = "anchor.pem"
	recordFileName = "record.json"
	tmpSuffix      = ".tmp"
)

// recordSchema is the JSON schema record.json must satisfy.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "saved_at", "fingerprint", "endpoint", "last_version", "credentials"],
  "properties": {
    "version": {"type": "integer", "enum": [1]},
    "saved_at": {"type": "string"},
    "fingerprint": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "acquired_at": {"type": "string"},
    "endpoint": {
      "type": "object",
      "required": ["host", "port"],
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535}
      }
    },
    "domain": {"type": "string"},
    "last_version": {"type": "integer", "minimum": 0},
    "credentials": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["version", "status", "issued_at", "expires_at", "status_changed_at"],
        "properties": {
          "version": {"type": "integer", "minimum": 1},
          "status": {"enum": ["active", "pending-renewal", "expired", "revoked", "superseded"]},
          "key_ref": {"type": "string", "pattern": "^(v[0-9]+\\.key)?$"},
          "issued_at": {"type": "string"},
          "expires_at": {"type": "string"},
          "status_changed_at": {"type": "string"}
        }
      }
    }
  }
}`

var compiledRecordSchema *gojsonschema.Schema

func init() {
	var err error
	compiledRecordSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	if err != nil {
		panic(fmt.Sprintf("credential: compile record schema: %v", err))
	}
}

type recordFile struct {
	Version     int              `json:"version"`
	SavedAt     time.Time        `json:"saved_at"`
	Fingerprint string           `json:"fingerprint"`
	AcquiredAt  time.Time        `json:"acquired_at"`
	Endpoint    Endpoint         `json:"endpoint"`
	Domain      string           `json:"domain,omitempty"`
	LastVersion uint64           `json:"last_version"`
	Credentials []credentialFile `json:"credentials"`
}

type credentialFile struct {
	Version         uint64    `json:"version"`
	Status          Status    `json:"status"`
	KeyRef          string    `json:"key_ref,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// FileStore is a durable Store on an afero filesystem.
type FileStore struct {
	*versionedStore
	dir string
}

// NewFileStore creates a store rooted at dir on fs. Call Load to read
// existing state.
func NewFileStore(fs afero.Fs, dir string, cfg StoreConfig) *FileStore {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	b := &fileBackend{fs: fs, dir: dir, clock: clock, logger: cfg.Logger}
	return &FileStore{versionedStore: newVersionedStore(b, cfg), dir: dir}
}

// Dir returns the store root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

type fileBackend struct {
	fs     afero.Fs
	dir    string
	clock  func() time.Time
	logger *slog.Logger
}

func (b *fileBackend) debugLog(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *fileBackend) anchorDir(fp string) string {
	return filepath.Join(b.dir, anchorsDir, fp)
}

func versionFile(version uint64, ext string) string {
	return "v" + strconv.FormatUint(version, 10) + ext
}

// writeFileSync writes data and fsyncs it before closing.
func (b *fileBackend) writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := b.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic replaces path via a synced temp file and rename.
func (b *fileBackend) writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + tmpSuffix
	if err := b.writeFileSync(tmp, data, perm); err != nil {
		_ = b.fs.Remove(tmp)
		return err
	}
	if err := b.fs.Rename(tmp, path); err != nil {
		_ = b.fs.Remove(tmp)
		return err
	}
	b.syncDir(filepath.Dir(path))
	return nil
}

// syncDir makes a rename durable where the filesystem supports it.
func (b *fileBackend) syncDir(dir string) {
	d, err := b.fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (b *fileBackend) saveAnchor(a *TrustAnchor) error {
	dir := b.anchorDir(a.Fingerprint)
	if err := b.fs.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return b.writeFileAtomic(filepath.Join(dir, anchorFileName), cert.EncodeCertPEM(a.Certificate), 0o644)
}

func (b *fileBackend) saveRecord(r *Record) error {
	rf := recordFile{
		Version:     RecordFormatVersion,
		SavedAt:     b.clock().UTC(),
		Fingerprint: r.Anchor.Fingerprint,
		AcquiredAt:  r.Anchor.AcquiredAt.UTC(),
		Endpoint:    r.Endpoint,
		Domain:      r.Domain,
		LastVersion: r.LastVersion,
		Credentials: make([]credentialFile, 0, len(r.Credentials)),
	}
	for _, c := range r.Credentials {
		rf.Credentials = append(rf.Credentials, credentialFile{
			Version:         c.Version,
			Status:          c.Status,
			KeyRef:          c.KeyRef,
			IssuedAt:        c.IssuedAt.UTC(),
			ExpiresAt:       c.ExpiresAt.UTC(),
			StatusChangedAt: c.StatusChangedAt.UTC(),
		})
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	return b.writeFileAtomic(filepath.Join(b.anchorDir(r.Anchor.Fingerprint), recordFileName), data, 0o600)
}

func (b *fileBackend) saveMaterial(fp string, c *Credential, key crypto.Signer) (string, error) {
	dir := b.anchorDir(fp)
	keyPEM, err := cert.EncodePrivateKeyPEM(key)
	if err != nil {
		return "", err
	}
	keyRef := versionFile(c.Version, ".key")
	if err := b.writeFileSync(filepath.Join(dir, keyRef), keyPEM, 0o600); err != nil {
		return "", fmt.Errorf("write key: %w", err)
	}
	certs := append([]*x509.Certificate{c.Certificate}, c.Chain...)
	if err := b.writeFileSync(filepath.Join(dir, versionFile(c.Version, ".pem")), cert.EncodeChainPEM(certs), 0o644); err != nil {
		return "", fmt.Errorf("write certificate: %w", err)
	}
	b.syncDir(dir)
	return keyRef, nil
}

func (b *fileBackend) loadSigner(fp string, c *Credential) (crypto.Signer, error) {
	if filepath.Base(c.KeyRef) != c.KeyRef {
		return nil, fmt.Errorf("%w: bad key reference %q", ErrCorruptRecord, c.KeyRef)
	}
	data, err := afero.ReadFile(b.fs, filepath.Join(b.anchorDir(fp), c.KeyRef))
	if err != nil {
		return nil, err
	}
	return cert.DecodeKeyPEM(data)
}

func (b *fileBackend) removeMaterial(fp string, c *Credential) error {
	dir := b.anchorDir(fp)
	for _, name := range []string{versionFile(c.Version, ".key"), versionFile(c.Version, ".pem")} {
		if err := b.fs.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (b *fileBackend) load() ([]*Record, error) {
	root := filepath.Join(b.dir, anchorsDir)
	entries, err := afero.ReadDir(b.fs, root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := b.loadAnchor(e.Name())
		if err != nil {
			return nil, fmt.Errorf("anchor %s: %w", e.Name(), err)
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

func (b *fileBackend) loadAnchor(fp string) (*Record, error) {
	dir := b.anchorDir(fp)
	data, err := afero.ReadFile(b.fs, filepath.Join(dir, recordFileName))
	if errors.Is(err, os.ErrNotExist) {
		// Crash before the first version was reserved.
		b.debugLog("removing anchor without record", "anchor", fp)
		return nil, b.fs.RemoveAll(dir)
	}
	if err != nil {
		return nil, err
	}
	rf, err := decodeRecordFile(data)
	if err != nil {
		return nil, err
	}
	if rf.Fingerprint != fp {
		return nil, fmt.Errorf("%w: fingerprint %s in directory %s", ErrCorruptRecord, rf.Fingerprint, fp)
	}

	anchorPEM, err := afero.ReadFile(b.fs, filepath.Join(dir, anchorFileName))
	if err != nil {
		return nil, err
	}
	anchorCert, err := cert.DecodeCertPEM(anchorPEM)
	if err != nil {
		return nil, err
	}
	if cert.Fingerprint(anchorCert) != fp {
		return nil, fmt.Errorf("%w: anchor certificate does not match fingerprint", ErrCorruptRecord)
	}

	r := &Record{
		Anchor:      &TrustAnchor{Fingerprint: fp, Certificate: anchorCert, AcquiredAt: rf.AcquiredAt},
		Endpoint:    rf.Endpoint,
		Domain:      rf.Domain,
		LastVersion: rf.LastVersion,
	}
	referenced := make(map[uint64]bool)
	for _, cf := range rf.Credentials {
		c := &Credential{
			Version:           cf.Version,
			Status:            cf.Status,
			KeyRef:            cf.KeyRef,
			AnchorFingerprint: fp,
			IssuedAt:          cf.IssuedAt,
			ExpiresAt:         cf.ExpiresAt,
			StatusChangedAt:   cf.StatusChangedAt,
		}
		if c.KeyRef != "" {
			chain, err := afero.ReadFile(b.fs, filepath.Join(dir, versionFile(c.Version, ".pem")))
			if errors.Is(err, os.ErrNotExist) && !c.Status.Current() {
				// Pruned on disk but not in the record.
				b.debugLog("version material missing, treating as pruned", "anchor", fp, "version", c.Version)
				c.KeyRef = ""
				r.Credentials = append(r.Credentials, c)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("version %d certificate: %w", c.Version, err)
			}
			certs, err := cert.DecodeChainPEM(chain)
			if err != nil {
				return nil, fmt.Errorf("version %d certificate: %w", c.Version, err)
			}
			c.Certificate, c.Chain = certs[0], certs[1:]
			referenced[c.Version] = true
		}
		r.Credentials = append(r.Credentials, c)
	}

	if err := b.removeOrphans(fp, referenced); err != nil {
		return nil, err
	}
	return r, nil
}

// decodeRecordFile validates and decodes record.json.
func decodeRecordFile(data []byte) (*recordFile, error) {
	result, err := compiledRecordSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, strings.Join(msgs, "; "))
	}

	rf := &recordFile{}
	if err := json.Unmarshal(data, rf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var (
		prev    uint64
		current int
	)
	for _, c := range rf.Credentials {
		if c.Version <= prev || c.Version > rf.LastVersion {
			return nil, fmt.Errorf("%w: version %d out of order (last %d)", ErrCorruptRecord, c.Version, rf.LastVersion)
		}
		prev = c.Version
		if c.Status.Current() {
			current++
		}
	}
	if current > 1 {
		return nil, fmt.Errorf("%w: %d current versions", ErrCorruptRecord, current)
	}
	return rf, nil
}

// removeOrphans deletes version material that no committed credential
// references, plus stale temp files. Both are left by a crash inside Put.
func (b *fileBackend) removeOrphans(fp string, referenced map[uint64]bool) error {
	dir := b.anchorDir(fp)
	entries, err := afero.ReadDir(b.fs, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		orphan := strings.HasSuffix(name, tmpSuffix)
		if v, ok := parseVersionFile(name); ok && !referenced[v] {
			orphan = true
		}
		if !orphan {
			continue
		}
		b.debugLog("removing orphaned file", "anchor", fp, "file", name)
		if err := b.fs.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func parseVersionFile(name string) (uint64, bool) {
	ext := filepath.Ext(name)
	if ext != ".pem" && ext != ".key" {
		return 0, false
	}
	base := strings.TrimSuffix(name, ext)
	if !strings.HasPrefix(base, "v") {
		return 0, false
	}
	v, err := strconv.ParseUint(base[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var _ Store = (*FileStore)(nil)
