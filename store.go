package acm

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// fileStore implements the two filesystem roots: a read-only failover
// overlay and a read-write snapshot cache, laid out as
// "{root}/{tenant}/{group}/{dataId}".
type fileStore struct {
	failoverBase string
	snapshotBase string
	log          *logrus.Entry
}

func newFileStore(cfg *Config) *fileStore {
	return &fileStore{
		failoverBase: cfg.FailoverBase,
		snapshotBase: cfg.SnapshotBase,
		log:          cfg.logger(),
	}
}

func keyPath(root string, k Key) string {
	parts := append([]string{root}, k.relPath()...)
	return filepath.Join(parts...)
}

// readFailover returns (content, true) if the file exists under
// failoverBase, else (nil, false). It never falls through to the snapshot.
func (s *fileStore) readFailover(k Key) ([]byte, bool) {
	if s.failoverBase == "" {
		return nil, false
	}
	return readFile(keyPath(s.failoverBase, k))
}

// readSnapshot returns (content, true) if the file exists under snapshotBase.
func (s *fileStore) readSnapshot(k Key) ([]byte, bool) {
	if s.snapshotBase == "" {
		return nil, false
	}
	return readFile(keyPath(s.snapshotBase, k))
}

func readFile(path string) ([]byte, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return b, true
}

// writeSnapshot writes content atomically (write-temp-then-rename),
// creating parent directories as needed. Errors are logged and swallowed: a
// snapshot write failure must never fail the caller's Get.
func (s *fileStore) writeSnapshot(k Key, content []byte) {
	if s.snapshotBase == "" {
		return
	}
	path := keyPath(s.snapshotBase, k)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logf("snapshot mkdir %s failed: %s", dir, err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".acm-snapshot-*")
	if err != nil {
		s.logf("snapshot tempfile in %s failed: %s", dir, err)
		return
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(content)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		s.logf("snapshot write %s failed: write=%v close=%v", path, writeErr, closeErr)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		s.logf("snapshot rename to %s failed: %s", path, err)
	}
}

// deleteSnapshot unlinks the snapshot file if present; ENOENT is ignored.
func (s *fileStore) deleteSnapshot(k Key) {
	if s.snapshotBase == "" {
		return
	}
	if err := os.Remove(keyPath(s.snapshotBase, k)); err != nil && !os.IsNotExist(err) {
		s.logf("snapshot delete %s failed: %s", keyPath(s.snapshotBase, k), err)
	}
}

func (s *fileStore) logf(format string, args ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Debugf(format, args...)
}
