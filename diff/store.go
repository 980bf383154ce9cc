package diff

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/minios-linux/lokit-engine/locale"
)

// DefaultDir is the default snapshot directory, relative to the project root.
const DefaultDir = ".lokit-engine/snapshots"

// DefaultDomain is used for requests without a content domain.
const DefaultDomain = "default"

//go:embed schema/snapshot.schema.json
var snapshotSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("snapshot.schema.json", strings.NewReader(snapshotSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("snapshot.schema.json")
	})
	return compiledSchema, compiledSchemaErr
}

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

// Scope identifies one snapshot file. Different scopes never share a file,
// so processes translating different locales do not contend.
type Scope struct {
	Source string
	Target string
	Domain string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s->%s", s.domain(), locale.Normalize(s.Source), locale.Normalize(s.Target))
}

func (s Scope) domain() string {
	d := strings.TrimSpace(s.Domain)
	if d == "" {
		return DefaultDomain
	}
	return d
}

// relPath builds the snapshot path below the store directory:
// "<domain>/<source>_<target>.json".
func (s Scope) relPath() string {
	domain := sanitize(s.domain())
	name := sanitize(locale.Normalize(s.Source)) + "_" + sanitize(locale.Normalize(s.Target)) + ".json"
	return filepath.Join(domain, name)
}

// sanitize maps s to a single path element. Bytes outside [A-Za-z0-9.-]
// and a leading dot are percent-escaped, so distinct inputs never share a
// file and "." or ".." cannot leave the store directory.
func sanitize(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.' && i == 0:
			fmt.Fprintf(&b, "%%%02X", c)
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store reads and writes snapshot files below a directory.
//
// Writes go through a temporary file that is renamed over the target, so a
// crash leaves either the old or the new snapshot. Concurrent writers to the
// same scope are not supported; callers keep one writer per scope.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the snapshot file path of scope.
func (s *Store) Path(scope Scope) string {
	return filepath.Join(s.dir, scope.relPath())
}

// Load reads the snapshot of scope. A missing file yields an empty snapshot.
func (s *Store) Load(scope Scope) (Snapshot, error) {
	path := s.Path(scope)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snap, nil
}

// Decode validates data against the snapshot schema and decodes it.
func Decode(data []byte) (Snapshot, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// Save atomically replaces the snapshot of scope.
func (s *Store) Save(scope Scope, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap == nil {
		snap = Snapshot{}
	}
	path := s.Path(scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Remove deletes the snapshot of scope. Removing a missing snapshot is not
// an error.
func (s *Store) Remove(scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(scope)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// FileStat describes one snapshot file.
type FileStat struct {
	// Path is relative to the store directory.
	Path string
	Keys int
}

// Files lists every snapshot file with its key count, sorted by path.
func (s *Store) Files() ([]FileStat, error) {
	var out []FileStat
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		snap, err := Decode(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		rel, _ := filepath.Rel(s.dir, path)
		out = append(out, FileStat{Path: filepath.ToSlash(rel), Keys: len(snap)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Stats returns the number of snapshot files and total keys.
func (s *Store) Stats() (files, keys int, err error) {
	list, err := s.Files()
	if err != nil {
		return 0, 0, err
	}
	for _, f := range list {
		keys += f.Keys
	}
	return len(list), keys, nil
}
