package manifest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Rules decide which files of a build output are deployed
type Rules struct {
	// AcceptedRoots are relative directory prefixes whose files are deployed.
	// Files directly in the root directory are always deployed.
	AcceptedRoots []string
	// ExcludeDirs are directory names pruned at any depth
	ExcludeDirs []string
	// ExcludeExts are file extensions without the dot, compared lowercased
	ExcludeExts []string
	// ExcludeSuffixes are file name endings that are never deployed
	ExcludeSuffixes []string
	// SegmentPrefix makes AcceptedRoots match whole path segments only.
	// By default the match is a plain string prefix, so "wwwrootX" is
	// accepted by "wwwroot".
	SegmentPrefix bool
}

// Entry is a deployable file
type Entry struct {
	Path string // slash-separated, relative to the root
	Ext  string // lowercased extension without the dot
}

// Manifest is the ordered list of files deployed by one run
type Manifest struct {
	Root    string
	Entries []Entry
}

// Build walks root and returns every file the rules include, in walk order
func Build(root string, rules Rules) (*Manifest, error) {
	m := &Manifest{Root: root}

	excludedDirs := toSet(rules.ExcludeDirs, false)
	excludedExts := toSet(rules.ExcludeExts, true)
	accepted := make([]string, 0, len(rules.AcceptedRoots))
	for _, r := range rules.AcceptedRoots {
		accepted = append(accepted, normalize(r))
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			// Pruning here means nothing below an excluded directory is visited
			if p != root && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		dir := ""
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			dir = rel[:i]
		}
		if dir != "" && !acceptsDir(dir, accepted, rules.SegmentPrefix) {
			return nil
		}

		if !isRegular(p, d) {
			return nil
		}

		ext := Ext(d.Name())
		if excludedExts[ext] || hasAnySuffix(d.Name(), rules.ExcludeSuffixes) {
			return nil
		}

		m.Entries = append(m.Entries, Entry{Path: rel, Ext: ext})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Included reports whether a file name passes the extension and suffix rules
func (r Rules) Included(name string) bool {
	return !toSet(r.ExcludeExts, true)[Ext(name)] && !hasAnySuffix(name, r.ExcludeSuffixes)
}

// Accepts reports whether files in the slash-separated relative directory dir
// are deployed. The root directory ("" or ".") is always accepted.
func (r Rules) Accepts(dir string) bool {
	dir = normalize(dir)
	if dir == "" || dir == "." {
		return true
	}
	roots := make([]string, 0, len(r.AcceptedRoots))
	for _, root := range r.AcceptedRoots {
		roots = append(roots, normalize(root))
	}
	return acceptsDir(dir, roots, r.SegmentPrefix)
}

// Paths returns the relative paths in order
func (m *Manifest) Paths() []string {
	paths := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		paths[i] = e.Path
	}
	return paths
}

// Len returns the number of files
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// WriteListFile writes one relative path per line, the format an archiver
// reads through an @listfile argument. This keeps the file list off the
// command line, which is length limited on Windows.
func (m *Manifest) WriteListFile(path string) error {
	return os.WriteFile(path, []byte(strings.Join(m.Paths(), "\n")), 0644)
}

// Ext returns the lowercased extension of name without the dot. Names that
// only start with a dot, like ".gitignore", have no extension.
func Ext(name string) string {
	ext := filepath.Ext(strings.TrimLeft(name, "."))
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
}

func acceptsDir(dir string, roots []string, segment bool) bool {
	for _, root := range roots {
		if !strings.HasPrefix(dir, root) {
			continue
		}
		if !segment || len(dir) == len(root) || dir[len(root)] == '/' {
			return true
		}
	}
	return false
}

func isRegular(p string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func hasAnySuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	return strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
}

func toSet(items []string, lower bool) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if lower {
			item = strings.ToLower(strings.TrimPrefix(item, "."))
		}
		set[item] = true
	}
	return set
}
