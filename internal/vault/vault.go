// Package vault manages the queue directories that encode pipeline state.
// Each stage is a directory; a unit of work is a single file, and moving it
// between stages is an atomic rename. The whole queue is inspectable with a
// plain directory listing.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"taskdesk/internal/fsutil"
)

// Stage names a queue directory.
type Stage string

const (
	StageInbox         Stage = "Inbox"          // new, unprocessed units of work
	StageNeedsAction   Stage = "Needs_Action"   // approved/auto-approved, awaiting execution
	StageNeedsApproval Stage = "Needs_Approval" // pending a human decision
	StageDone          Stage = "Done"           // terminal, successful or archived
	StageFailed        Stage = "Failed"         // terminal, unsuccessful
	StagePlans         Stage = "Plans"          // live plan documents
)

// Stages returns every queue directory a vault must contain.
func Stages() []Stage {
	return []Stage{
		StageInbox,
		StageNeedsAction,
		StageNeedsApproval,
		StageDone,
		StageFailed,
		StagePlans,
	}
}

// Vault is a single-process owner of a set of queue directories.
type Vault struct {
	root string
}

// Open creates all stage directories under root (idempotent) and returns
// the vault. A directory that cannot be created is a fatal startup
// condition for the caller.
func Open(root string) (*Vault, error) {
	for _, stage := range Stages() {
		path := filepath.Join(root, string(stage))
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", path, err)
		}
	}
	return &Vault{root: root}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// Dir returns the absolute directory for a stage.
func (v *Vault) Dir(stage Stage) string {
	return filepath.Join(v.root, string(stage))
}

// Path returns the absolute path of a named unit of work in a stage.
func (v *Vault) Path(stage Stage, name string) string {
	return filepath.Join(v.Dir(stage), name)
}

// Move transitions a unit of work from one stage to another with an atomic
// rename. An existing file at the destination is never overwritten; the
// incoming file gets a timestamp suffix instead. Returns the destination
// basename the file landed at.
func (v *Vault) Move(name string, from, to Stage) (string, error) {
	return v.MoveAs(name, from, to, name)
}

// MoveAs is Move with a different destination basename, used when a
// terminal status suffix is appended during archival.
func (v *Vault) MoveAs(name string, from, to Stage, destName string) (string, error) {
	src := v.Path(from, name)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("cannot move %s out of %s: %w", name, from, err)
	}

	landed, err := fsutil.MoveNoClobber(src, v.Path(to, destName))
	if err != nil {
		return "", err
	}
	return filepath.Base(landed), nil
}

// List returns the basenames of all regular files in a stage, sorted.
// Hidden files (in-flight temp files included) are skipped.
func (v *Vault) List(stage Stage) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(stage))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", stage, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// ItemName builds the canonical filename for a unit of work: a UTC
// timestamp plus a short slug derived from the title.
func ItemName(title string, now time.Time) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "task"
	}
	return fmt.Sprintf("%s-%s.md", now.UTC().Format("20060102-150405"), slug)
}
