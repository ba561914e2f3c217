package larch

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// commitRecordName is the file whose presence marks a transaction
// durable. Grounded on the teacher's Compact.go swap dance (write to a
// temp file, then atomically rename it over the live file); the journal
// generalizes that single swap into an arbitrary batch of staged
// writes and deletes. It has no staged rename operation.
const commitRecordName = "commit"

// Journal provides atomic batched writes over a directory. Within a
// transaction, writes are staged to a shadow path ("<path>.new"), and
// deletes are recorded as tombstones. Commit fsyncs every shadow, writes
// a commit record, rotates shadows/tombstones into place, then removes
// the commit record. Recovery at Open replays or rolls back depending on
// whether the commit record survived a crash.
type Journal struct {
	dir     string
	writes  map[string][]byte
	deletes map[string]bool
	log     *logrus.Logger
}

// NewJournal returns a fresh, empty transaction rooted at dir.
func NewJournal(dir string, log *logrus.Logger) *Journal {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Journal{
		dir:     dir,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
		log:     log,
	}
}

// Write stages data to be written atomically at path (relative to the
// journal's directory) on Commit. A later Write to the same path
// overrides an earlier one; a later Delete cancels it.
func (j *Journal) Write(relPath string, data []byte) {
	delete(j.deletes, relPath)
	j.writes[relPath] = data
}

// Delete stages path (relative to the journal's directory) for removal
// on Commit. Write-then-delete within one transaction collapses to just
// the delete.
func (j *Journal) Delete(relPath string) {
	delete(j.writes, relPath)
	j.deletes[relPath] = true
}

// Empty reports whether the transaction has nothing staged.
func (j *Journal) Empty() bool {
	return len(j.writes) == 0 && len(j.deletes) == 0
}

// Commit durably applies every staged write and delete, in four phases:
// fsync shadows, write the commit record, rotate shadows/tombstones into
// place, remove the commit record.
func (j *Journal) Commit() error {
	if j.Empty() {
		return nil
	}

	for relPath, data := range j.writes {
		shadow := filepath.Join(j.dir, relPath+".new")
		if err := os.MkdirAll(filepath.Dir(shadow), 0o755); err != nil {
			return err
		}
		if err := writeFileSynced(shadow, data); err != nil {
			return err
		}
	}

	commitPath := filepath.Join(j.dir, commitRecordName)
	if err := writeFileSynced(commitPath, []byte("commit")); err != nil {
		return err
	}

	if err := j.rotate(); err != nil {
		return err
	}

	if err := os.Remove(commitPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	j.log.WithFields(logrus.Fields{
		"writes":  len(j.writes),
		"deletes": len(j.deletes),
	}).Debug("larch: journal commit complete")

	j.writes = make(map[string][]byte)
	j.deletes = make(map[string]bool)
	return nil
}

// rotate renames every shadow onto its final path and unlinks every
// tombstoned path. Idempotent: re-running it after a crash mid-rotate is
// safe because renaming a shadow that's already gone, or removing a
// final path that's already gone, are both treated as success.
func (j *Journal) rotate() error {
	for relPath := range j.writes {
		final := filepath.Join(j.dir, relPath)
		shadow := final + ".new"
		if err := os.Rename(shadow, final); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}

	for relPath := range j.deletes {
		final := filepath.Join(j.dir, relPath)
		if err := os.Remove(final); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return fsyncDir(j.dir)
}

// Recover runs at Open. If a commit record exists, the prior transaction
// reached durability and phase 3 (rotate) is replayed, which is safe
// because rotate is idempotent. If no commit record exists, the prior
// transaction never became durable and every shadow is rolled back by
// unlinking it. Read-only opens skip recovery entirely: the journal is
// invisible and any half-committed state is left exactly as found.
func Recover(dir string, readOnly bool, log *logrus.Logger) error {
	if readOnly {
		return nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	commitPath := filepath.Join(dir, commitRecordName)
	committed := fileExists(commitPath)

	shadows, err := findShadows(dir)
	if err != nil {
		return err
	}

	if committed {
		log.WithField("shadows", len(shadows)).Info("larch: replaying committed journal")
		for _, shadow := range shadows {
			final := shadow[:len(shadow)-len(".new")]
			if err := os.Rename(shadow, final); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		if err := fsyncDir(dir); err != nil {
			return err
		}
		if err := os.Remove(commitPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if len(shadows) > 0 {
		log.WithField("shadows", len(shadows)).Warn("larch: rolling back uncommitted journal")
	}
	for _, shadow := range shadows {
		if err := os.Remove(shadow); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

func findShadows(dir string) ([]string, error) {
	var shadows []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".new" {
			shadows = append(shadows, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return shadows, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
