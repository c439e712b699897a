package plan

import (
	"fmt"
	"path/filepath"

	"taskdesk/internal/fsutil"
)

// Store persists plan documents, one markdown file per plan, each write a
// full idempotent overwrite of current state. All writes for a given plan
// must come from the goroutine driving that plan; the store itself adds no
// locking.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns where the given plan is (or would be) persisted.
func (st *Store) Path(id string) string {
	return filepath.Join(st.dir, id+".md")
}

// Save writes the plan document atomically, bumping its updated-at stamp.
func (st *Store) Save(p *Plan) error {
	p.Touch()
	if err := fsutil.AtomicWrite(st.Path(p.ID), Markdown(p)); err != nil {
		return fmt.Errorf("failed to persist plan %s: %w", p.ID, err)
	}
	return nil
}
