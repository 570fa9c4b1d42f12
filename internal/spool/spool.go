// Package spool implements the on-disk four-directory bounce mail queue:
// incoming, processing, done, and failed. Enqueue is crash-safe via a
// temp-file-then-rename write with an fsync in between.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Spool owns the four lifecycle directories under root.
type Spool struct {
	root       string
	Incoming   string
	Processing string
	Done       string
	Failed     string
}

// New returns a Spool rooted at root. Call EnsureDirs before using it.
func New(root string) *Spool {
	return &Spool{
		root:       root,
		Incoming:   filepath.Join(root, "incoming"),
		Processing: filepath.Join(root, "processing"),
		Done:       filepath.Join(root, "done"),
		Failed:     filepath.Join(root, "failed"),
	}
}

// EnsureDirs creates any missing lifecycle directory.
func (s *Spool) EnsureDirs() error {
	for _, dir := range []string{s.Incoming, s.Processing, s.Done, s.Failed} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}
	return nil
}

// EnqueueMail writes payload into incoming/ under a fresh time-ordered name
// and returns the final path. The write is all-or-nothing: any failure
// between creating the temp file and the final rename removes the temp
// file, leaving no partial .eml behind.
func (s *Spool) EnqueueMail(payload []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("spool: generate id: %w", err)
	}

	final := filepath.Join(s.Incoming, id.String()+".eml")
	tmp := final + ".tmp"

	if err := writeTempAndRename(tmp, final, payload); err != nil {
		return "", err
	}
	return final, nil
}

// writeTempAndRename is the shared crash-safe write primitive used by both
// the spool and the local delivery hook CLI: create the temp file
// exclusively, write, fsync, close, rename; clean up the temp file on any
// failure in that sequence so enqueue is all-or-nothing.
func writeTempAndRename(tmp, final string, payload []byte) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spool: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("spool: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spool: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spool: rename to final: %w", err)
	}
	return nil
}

// WriteTempAndRename exposes the crash-safe write primitive for the local
// delivery hook CLI, which names files differently than EnqueueMail.
func WriteTempAndRename(tmp, final string, payload []byte) error {
	return writeTempAndRename(tmp, final, payload)
}

// Claim attempts to move name from incoming/ to processing/, returning the
// new path. If another worker already claimed it, os.IsNotExist(err) is
// true on the returned error; callers should treat that as "skip silently".
func (s *Spool) Claim(name string) (string, error) {
	from := filepath.Join(s.Incoming, name)
	to := filepath.Join(s.Processing, name)
	if err := os.Rename(from, to); err != nil {
		return "", err
	}
	return to, nil
}

// Commit moves a claimed file from processing/ to done/ or failed/
// depending on outcome. This rename is the commit point: a crash before it
// leaves the file in processing/, and the dispatcher moves it back to
// incoming/ for another try at its next startup.
func (s *Spool) Commit(processingPath string, success bool) error {
	name := filepath.Base(processingPath)
	dest := s.Failed
	if success {
		dest = s.Done
	}
	to := filepath.Join(dest, name)
	if err := os.Rename(processingPath, to); err != nil {
		return fmt.Errorf("spool: commit rename: %w", err)
	}
	return nil
}

// IsEmlFile reports whether name is a visible, fully-written .eml file:
// not a dotfile and not ending in .tmp.
func IsEmlFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.HasSuffix(name, ".eml")
}
