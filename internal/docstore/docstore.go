// Package docstore keeps named task documents in a data directory.
package docstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/kosmos/internal/taskdoc"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrExists       = errors.New("document already exists")
	ErrInvalidName  = errors.New("invalid document name")
	ErrBackupFailed = errors.New("backup failed")
)

// backupInfix separates the document name from the backup timestamp.
const backupInfix = ".backup."

// Entry describes one stored document.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Backup describes a backup copy written before a mutation.
type Backup struct {
	Document string    `json:"document"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Content  []byte    `json:"-"`
	Created  time.Time `json:"created"`
}

// Store is a directory of .kosmos.md files.
type Store struct {
	dir string
	now func() time.Time
}

// New opens the store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// CheckName reports whether name is a plain task document file name.
func CheckName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == taskdoc.FileSuffix {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !strings.HasSuffix(name, taskdoc.FileSuffix) {
		return fmt.Errorf("%w: %q must end with %s", ErrInvalidName, name, taskdoc.FileSuffix)
	}
	return nil
}

// Path returns the file path of name.
func (s *Store) Path(name string) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether name is stored.
func (s *Store) Exists(name string) bool {
	p, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Load reads the document text.
func (s *Store) Load(name string) (string, error) {
	p, err := s.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

// List returns the stored documents sorted by name. Backups are excluded.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list data dir: %w", err)
	}
	out := []Entry{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), taskdoc.FileSuffix) || strings.Contains(e.Name(), backupInfix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Create writes a new document. It fails with ErrExists if name is taken.
func (s *Store) Create(name, text string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	return f.Close()
}

// Backup copies the current content of name to
// <name>.backup.<unix-ms> and syncs it to disk.
func (s *Store) Backup(name string) (*Backup, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackupFailed, name, err)
	}

	created := s.now()
	path := p + backupInfix + strconv.FormatInt(created.UnixMilli(), 10)
	// Two backups in the same millisecond must not overwrite each other.
	for i := 1; fileExists(path); i++ {
		path = p + backupInfix + strconv.FormatInt(created.UnixMilli(), 10) + "-" + strconv.Itoa(i)
	}
	if err := writeSynced(path, data, os.O_WRONLY|os.O_CREATE|os.O_EXCL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	return &Backup{Document: name, Path: path, Size: int64(len(data)), Content: data, Created: created}, nil
}

// Save replaces the content of an existing document. The prior content is
// backed up first; if the backup fails nothing is written.
func (s *Store) Save(name, text string) (*Backup, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	b, err := s.Backup(name)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(p, []byte(text)); err != nil {
		return b, fmt.Errorf("save %s: %w", name, err)
	}
	return b, nil
}

// Delete removes a document after backing it up.
func (s *Store) Delete(name string) (*Backup, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	b, err := s.Backup(name)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(p); err != nil {
		return b, fmt.Errorf("delete %s: %w", name, err)
	}
	return b, nil
}

// Backups lists the backup files of name, oldest first.
func (s *Store) Backups(name string) ([]string, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(p + backupInfix + "*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeSynced(path string, data []byte, flag int) error {
	f, err := os.OpenFile(path, flag, 0644)
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

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() { os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
