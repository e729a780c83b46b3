// Package pathpolicy resolves and authorizes filesystem paths requested by
// an operator against a configured allow-list of roots, shared by the
// dispatcher's file operations and the SFTP subsystem so the two surfaces
// can never disagree about what is reachable.
package pathpolicy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileBytes is the ceiling for read_file/write_file RPC calls (see
// DESIGN.md's "Shared 10 MiB ceiling" resolution). The SFTP subsystem's
// read/write handlers do not apply it.
const MaxFileBytes = 10 << 20 // 10 MiB

// ErrDenied is returned when a path falls outside every allowed root.
var ErrDenied = errors.New("pathpolicy: path outside allowed roots")

// Policy holds an immutable set of allow-listed roots, each resolved to an
// absolute, symlink-free form at construction time.
type Policy struct {
	roots []string
}

// New resolves each configured root to its absolute, symlink-evaluated form
// and builds a Policy. Roots that do not yet exist are resolved with
// filepath.Abs only (EvalSymlinks requires the path to exist); this lets an
// operator allow-list a directory that the agent will create on demand.
func New(roots []string) (*Policy, error) {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("pathpolicy: resolve root %q: %w", r, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, abs)
	}
	return &Policy{roots: resolved}, nil
}

// Resolve validates path against the allow-list and returns its canonical
// absolute form. Symlinks are followed for any path segment that currently
// exists; a symlink that escapes the allow-list is rejected even if the
// literal path string looked contained.
func (p *Policy) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathpolicy: resolve %q: %w", path, err)
	}

	resolved, rest := abs, ""
	for {
		real, err := filepath.EvalSymlinks(resolved)
		if err == nil {
			resolved = filepath.Join(real, rest)
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("pathpolicy: evaluate symlinks for %q: %w", path, err)
		}
		rest = filepath.Join(filepath.Base(resolved), rest)
		resolved = filepath.Dir(resolved)
	}

	if !p.contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}
	return resolved, nil
}

// ResolvePair validates a rename/copy-style (source, destination) pair.
// Per DESIGN.md's Open Question resolution, the two paths need not share
// the same allowed root — each is checked independently.
func (p *Policy) ResolvePair(src, dst string) (string, string, error) {
	rsrc, err := p.Resolve(src)
	if err != nil {
		return "", "", err
	}
	rdst, err := p.Resolve(dst)
	if err != nil {
		return "", "", err
	}
	return rsrc, rdst, nil
}

func (p *Policy) contains(resolved string) bool {
	if len(p.roots) == 0 {
		return true
	}
	for _, root := range p.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Roots returns the resolved allow-list, for diagnostics/logging only.
func (p *Policy) Roots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}
