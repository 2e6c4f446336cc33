// Package fileset holds the live, in-memory files of one project.
package fileset

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

const (
	DefaultFileID      = "1"
	DefaultFileName    = "main.js"
	DefaultFileContent = "// Default file content"
	NewFileContent     = "// New file"
	MaxNameLength      = 255
)

var ErrInvalidName = errors.New("invalid file name")

// The live files of a project. The default file always has an entry.
type FileSet struct {
	ProjectID string

	mu        sync.Mutex
	order     []string
	files     map[string]*store.File
	defaultID string
}

// Creates a file set holding only the placeholder default file
func New(projectID string) *FileSet {
	fs := &FileSet{
		ProjectID: projectID,
		files:     make(map[string]*store.File),
	}
	fs.insert(store.File{
		ID:      DefaultFileID,
		Name:    DefaultFileName,
		Path:    "/" + DefaultFileName,
		Content: DefaultFileContent,
	})
	fs.defaultID = DefaultFileID
	return fs
}

// Materializes a file set from stored files. The first file becomes the
// default; files without an id get a fresh one.
func FromFiles(projectID string, files []store.File) *FileSet {
	if len(files) == 0 {
		return New(projectID)
	}
	fs := &FileSet{
		ProjectID: projectID,
		files:     make(map[string]*store.File, len(files)),
	}
	for i, f := range files {
		if f.ID == "" {
			if i == 0 {
				f.ID = DefaultFileID
			} else {
				f.ID = nextID()
			}
		}
		if f.Path == "" {
			f.Path = "/" + f.Name
		}
		if _, dup := fs.files[f.ID]; dup {
			continue
		}
		fs.insert(f)
		if i == 0 {
			fs.defaultID = f.ID
		}
	}
	return fs
}

func (fs *FileSet) insert(f store.File) {
	fs.files[f.ID] = &f
	fs.order = append(fs.order, f.ID)
}

// Tx is the view of a file set inside its critical section. It must not
// be retained after Update returns.
type Tx struct {
	fs *FileSet
}

// Runs fn with exclusive access to the file set. Callers may enqueue
// outbound events from fn so that every recipient sees this project's
// changes in the order they were applied, but must not block in it.
func (fs *FileSet) Update(fn func(tx *Tx)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(&Tx{fs: fs})
}

// Replaces the content of fileID. Returns false when no such file exists.
func (tx *Tx) UpdateContent(fileID, content string) bool {
	f, ok := tx.fs.files[fileID]
	if !ok {
		return false
	}
	f.Content = content
	return true
}

// Adds a new file named name and returns a copy of it.
func (tx *Tx) CreateFile(name string) (store.File, error) {
	name, err := ValidateName(name)
	if err != nil {
		return store.File{}, err
	}
	id := nextID()
	for tx.fs.files[id] != nil {
		id = nextID()
	}
	f := store.File{
		ID:      id,
		Name:    name,
		Path:    "/" + name,
		Content: NewFileContent,
	}
	tx.fs.insert(f)
	return f, nil
}

// Returns copies of every file, default first.
func (tx *Tx) Files() []store.File {
	fs := tx.fs
	out := make([]store.File, 0, len(fs.order))
	out = append(out, *fs.files[fs.defaultID])
	for _, id := range fs.order {
		if id == fs.defaultID {
			continue
		}
		out = append(out, *fs.files[id])
	}
	return out
}

func (tx *Tx) DefaultID() string { return tx.fs.defaultID }

func (fs *FileSet) UpdateContent(fileID, content string) (ok bool) {
	fs.Update(func(tx *Tx) { ok = tx.UpdateContent(fileID, content) })
	return ok
}

func (fs *FileSet) CreateFile(name string) (f store.File, err error) {
	fs.Update(func(tx *Tx) { f, err = tx.CreateFile(name) })
	return f, err
}

// Flatten returns the persisted form of the set: the default file first,
// then the rest in insertion order, one entry per id.
func (fs *FileSet) Flatten() (files []store.File) {
	fs.Update(func(tx *Tx) { files = tx.Files() })
	return files
}

func (fs *FileSet) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.order)
}

// ValidateName trims name and checks it is usable as a file name.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidName
		}
	}
	return name, nil
}

var lastID atomic.Int64

// Time-based ids, strictly increasing within the process.
func nextID() string {
	for {
		now := time.Now().UnixMilli()
		prev := lastID.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastID.CompareAndSwap(prev, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}
