// Package authfiles is the local-directory fallback for auth state. Each
// session gets a directory holding creds.json and one file per key:
//
//	<root>/<session>/creds.json
//	<root>/<session>/keys/<category>/<key id>
//
// Names are path-escaped. All writes go through a temp file and a rename.
package authfiles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/filex"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

const (
	credsFile = "creds.json"
	keysDir   = "keys"
	dirMode   = 0o700
	fileMode  = 0o600
)

type FileRepository struct {
	root string
}

// NewFileRepository creates root if needed.
func NewFileRepository(root string) (*FileRepository, error) {
	abs, err := filex.EnsureDir(root, dirMode)
	if err != nil {
		return nil, err
	}
	return &FileRepository{root: abs}, nil
}

// Root is the absolute directory holding all sessions.
func (r *FileRepository) Root() string { return r.root }

func (r *FileRepository) sessionDir(sessionID string) (string, error) {
	if err := common.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(r.root, sessionID), nil
}

// Load reads a session's auth state, or returns common.ErrorNotFound when no
// credentials file exists.
func (r *FileRepository) Load(sessionID string) (*models.AuthState, error) {
	dir, err := r.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := filex.ReadFile(filepath.Join(dir, credsFile))
	if err != nil {
		return nil, fmt.Errorf("read creds: %w", err)
	}
	if raw == nil {
		return nil, common.ErrorNotFound
	}

	state := models.NewAuthState()
	if err := json.Unmarshal(raw, &state.Creds); err != nil {
		return nil, fmt.Errorf("decode creds: %w", err)
	}

	err = r.walkKeys(dir, func(category, id, path string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		state.Keys.Set(category, id, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}

	return state, nil
}

// Save writes the full state. Key files whose content is unchanged are left
// alone; key files no longer present in state are removed.
func (r *FileRepository) Save(sessionID string, state *models.AuthState) error {
	if state == nil {
		return errors.New("save: nil auth state")
	}
	dir, err := r.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, keysDir), dirMode); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	raw, err := json.MarshalIndent(state.Creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode creds: %w", err)
	}
	if err := filex.WriteFileAtomic(filepath.Join(dir, credsFile), raw, fileMode); err != nil {
		return fmt.Errorf("write creds: %w", err)
	}

	wanted := make(map[string]struct{}, state.Keys.Len())
	for category, bucket := range state.Keys {
		catDir := filepath.Join(dir, keysDir, escapeName(category))
		if err := os.MkdirAll(catDir, dirMode); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		for id, value := range bucket {
			if id == "" {
				return fmt.Errorf("empty key id in category %q", category)
			}
			path := filepath.Join(catDir, escapeName(id))
			wanted[path] = struct{}{}

			existing, err := filex.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			if existing != nil && bytes.Equal(existing, value) {
				continue
			}
			if err := filex.WriteFileAtomic(path, value, fileMode); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
		}
	}

	return r.pruneKeys(dir, wanted)
}

// Remove deletes the session directory. A missing directory is not an error.
func (r *FileRepository) Remove(sessionID string) error {
	dir, err := r.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// List returns every session directory that holds credentials. LastActiveAt
// is the credentials file's modification time.
func (r *FileRepository) List() ([]models.SessionRecord, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}

	var out []models.SessionRecord
	for _, e := range entries {
		if !e.IsDir() || common.ValidateSessionID(e.Name()) != nil {
			continue
		}
		fi, err := os.Stat(filepath.Join(r.root, e.Name(), credsFile))
		if err != nil {
			continue
		}
		out = append(out, models.SessionRecord{
			SessionID:    e.Name(),
			LastActiveAt: fi.ModTime(),
			IsActive:     true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.Before(out[j].LastActiveAt) })
	return out, nil
}

func (r *FileRepository) walkKeys(dir string, fn func(category, id, path string) error) error {
	base := filepath.Join(dir, keysDir)
	categories, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, c := range categories {
		if !c.IsDir() {
			continue
		}
		category, err := url.PathUnescape(c.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(base, c.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || strings.Contains(f.Name(), ".tmp-") {
				continue
			}
			id, err := url.PathUnescape(f.Name())
			if err != nil {
				continue
			}
			if err := fn(category, id, filepath.Join(base, c.Name(), f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FileRepository) pruneKeys(dir string, wanted map[string]struct{}) error {
	var stale []string
	err := r.walkKeys(dir, func(_, _, path string) error {
		if _, ok := wanted[path]; !ok {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove key: %w", err)
		}
		// drops the category directory once it is empty
		_ = os.Remove(filepath.Dir(path))
	}
	return nil
}

// escapeName turns an arbitrary key name into a single safe path element.
func escapeName(s string) string {
	e := url.PathEscape(s)
	if e == "." || e == ".." {
		e = strings.ReplaceAll(e, ".", "%2E")
	}
	return e
}
