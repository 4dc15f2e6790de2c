// Package content is a small document store that replicates its entities through the
// replication packages. It stands in for the content system the transport serves.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/replerr"
)

// ErrNotFound is returned for unknown entities and versions.
var ErrNotFound = errors.New("not found")

const (
	entitiesDir = "entities"
	appliedDir  = "applied"
	entityFile  = "entity.json"
	versionsDir = "versions"
)

// Version is one stored version of an entity. Reference versions have no body.
type Version struct {
	Version   string    `json:"version"`
	Reference bool      `json:"reference,omitempty"`
	Date      time.Time `json:"date"`
}

// Entity is the stored state of a replicated document.
type Entity struct {
	ID       string    `json:"id"`
	Owner    string    `json:"owner"`
	Versions []Version `json:"versions"`
	Conflict bool      `json:"conflict,omitempty"`
}

// Latest returns the most recent version.
func (e *Entity) Latest() (Version, bool) {
	if len(e.Versions) == 0 {
		return Version{}, false
	}
	return e.Versions[len(e.Versions)-1], true
}

func (e *Entity) version(v string) int {
	for i := range e.Versions {
		if e.Versions[i].Version == v {
			return i
		}
	}
	return -1
}

// Change is a new version to store. MessageID is empty for local changes.
type Change struct {
	MessageID       string
	Entity          string
	Owner           string
	Version         string
	PreviousVersion string
	Reference       bool
	Date            time.Time
	Body            io.Reader
}

// Result describes what applying a replicated change did.
type Result struct {
	Duplicate bool // the message was applied before
	Conflict  bool // the change disagrees with local state, the entity is flagged
}

// Store keeps entities and their versions on a billy filesystem. Replicated changes
// are applied at most once per message id.
type Store struct {
	fs     billy.Filesystem
	logger zerolog.Logger

	mu sync.Mutex
}

// NewStore creates a store on fs.
func NewStore(fs billy.Filesystem, logger zerolog.Logger) (*Store, error) {
	for _, dir := range []string{entitiesDir, appliedDir} {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		fs:     fs,
		logger: logger.With().Str("component", "content").Logger(),
	}, nil
}

func escape(s string) string { return url.PathEscape(s) }

func (s *Store) entityDir(id string) string { return path.Join(entitiesDir, escape(id)) }

func (s *Store) versionPath(id, version string) string {
	return path.Join(s.entityDir(id), versionsDir, escape(version))
}

// Get returns the entity id.
func (s *Store) Get(id string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *Store) load(id string) (*Entity, error) {
	data, err := util.ReadFile(s.fs, path.Join(s.entityDir(id), entityFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read entity %s: %w", id, err)
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entity %s: %w", id, err)
	}
	return &e, nil
}

func (s *Store) save(e *Entity) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	return s.writeAtomic(path.Join(s.entityDir(e.ID), entityFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// writeAtomic writes name through a temporary file and a rename.
func (s *Store) writeAtomic(name string, write func(io.Writer) error) error {
	if err := s.fs.MkdirAll(path.Dir(name), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}
	tmp := name + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) applied(messageID string) bool {
	if messageID == "" {
		return false
	}
	_, err := s.fs.Stat(path.Join(appliedDir, escape(messageID)))
	return err == nil
}

func (s *Store) markApplied(messageID string) error {
	if messageID == "" {
		return nil
	}
	f, err := s.fs.Create(path.Join(appliedDir, escape(messageID)))
	if err != nil {
		return fmt.Errorf("mark %s applied: %w", messageID, err)
	}
	return f.Close()
}

// Apply stores a new version. A change that disagrees with the local owner or does not
// follow the latest local version is still stored, and the entity is flagged as in
// conflict.
func (s *Store) Apply(c Change) (Result, error) {
	if c.Entity == "" || c.Version == "" {
		return Result{}, replerr.Newf("apply change", "entity and version are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied(c.MessageID) {
		return Result{Duplicate: true}, nil
	}

	e, err := s.load(c.Entity)
	if errors.Is(err, ErrNotFound) {
		e = &Entity{ID: c.Entity, Owner: c.Owner}
	} else if err != nil {
		return Result{}, err
	}

	var res Result
	if e.Owner != "" && c.Owner != "" && e.Owner != c.Owner {
		res.Conflict = true
	}
	if latest, ok := e.Latest(); ok && c.PreviousVersion != "" && latest.Version != c.PreviousVersion && latest.Version != c.Version {
		res.Conflict = true
	}

	date := c.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	v := Version{Version: c.Version, Reference: c.Reference, Date: date}

	i := e.version(c.Version)
	switch {
	case i >= 0 && (c.Reference || !e.Versions[i].Reference):
		// already stored with at least as much content
	default:
		if !c.Reference {
			body := c.Body
			if body == nil {
				body = eofReader{}
			}
			err := s.writeAtomic(s.versionPath(c.Entity, c.Version), func(w io.Writer) error {
				_, err := io.Copy(w, body)
				return err
			})
			if err != nil {
				return Result{}, replerr.New("apply change", err)
			}
		}
		if i >= 0 {
			e.Versions[i] = v
		} else {
			e.Versions = append(e.Versions, v)
			sort.SliceStable(e.Versions, func(a, b int) bool { return e.Versions[a].Date.Before(e.Versions[b].Date) })
		}
	}
	if res.Conflict {
		e.Conflict = true
	}
	if err := s.save(e); err != nil {
		return Result{}, replerr.New("apply change", err)
	}
	if err := s.markApplied(c.MessageID); err != nil {
		return Result{}, replerr.New("apply change", err)
	}

	s.logger.Debug().
		Str("entity", c.Entity).
		Str("version", c.Version).
		Bool("reference", c.Reference).
		Bool("conflict", res.Conflict).
		Msg("Version stored")
	return res, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Delete removes versions of an entity, or the whole entity when versions is empty.
// Deleting what is not there succeeds.
func (s *Store) Delete(messageID, id string, versions []string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied(messageID) {
		return Result{Duplicate: true}, nil
	}

	e, err := s.load(id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Result{}, err
	case len(versions) == 0:
		if err := util.RemoveAll(s.fs, s.entityDir(id)); err != nil {
			return Result{}, replerr.New("delete entity", err)
		}
	default:
		for _, v := range versions {
			i := e.version(v)
			if i < 0 {
				continue
			}
			e.Versions = append(e.Versions[:i], e.Versions[i+1:]...)
			if err := s.fs.Remove(s.versionPath(id, v)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return Result{}, replerr.New("delete version", err)
			}
		}
		if err := s.save(e); err != nil {
			return Result{}, replerr.New("delete version", err)
		}
	}

	if err := s.markApplied(messageID); err != nil {
		return Result{}, replerr.New("delete entity", err)
	}
	s.logger.Debug().Str("entity", id).Strs("versions", versions).Msg("Entity deleted")
	return Result{}, nil
}

// SetConflict sets or clears the conflict flag of an entity.
func (s *Store) SetConflict(messageID, id string, conflict bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied(messageID) {
		return Result{Duplicate: true}, nil
	}
	e, err := s.load(id)
	if err != nil {
		return Result{}, err
	}
	e.Conflict = conflict
	if err := s.save(e); err != nil {
		return Result{}, replerr.New("set conflict", err)
	}
	if err := s.markApplied(messageID); err != nil {
		return Result{}, replerr.New("set conflict", err)
	}
	return Result{Conflict: conflict}, nil
}

// Open returns the body of a version. Reference versions have none.
func (s *Store) Open(id, version string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.load(id)
	if err != nil {
		return nil, err
	}
	i := e.version(version)
	if i < 0 {
		return nil, fmt.Errorf("version %s of %s: %w", version, id, ErrNotFound)
	}
	if e.Versions[i].Reference {
		return nil, fmt.Errorf("version %s of %s is a reference: %w", version, id, ErrNotFound)
	}
	f, err := s.fs.Open(s.versionPath(id, version))
	if err != nil {
		return nil, fmt.Errorf("open version %s of %s: %w", version, id, err)
	}
	return f, nil
}

// Read returns the whole body of a version.
func (s *Store) Read(id, version string) ([]byte, error) {
	rc, err := s.Open(id, version)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// List returns every entity, sorted by id.
func (s *Store) List() ([]*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fs.ReadDir(entitiesDir)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var out []*Entity
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		id, err := url.PathUnescape(info.Name())
		if err != nil {
			continue
		}
		e, err := s.load(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("entity", id).Msg("Skipping unreadable entity")
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
