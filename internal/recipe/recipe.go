// Package recipe parses the .jigdo recipe text format describing which
// mirrors and local directories a template's file parts can be fetched
// from. Grounded in libigdo/jigdo.c.
package recipe

import (
	"math/rand"
	"sort"

	"github.com/dadap/pigdo/internal/md5sum"
	"github.com/dadap/pigdo/internal/pigdoerr"
)

// Server is a named collection of mirrors and local directories that may
// hold copies of the files a .jigdo recipe references.
type Server struct {
	Name       string
	Mirrors    []string // base URIs; a file's path is appended to one of these
	LocalDirs  []string // file:// URIs of absolute local directories, checked before any mirror
}

// FileEntry is one [Parts] line: an MD5 sum paired with a path relative to
// a named Server's base.
type FileEntry struct {
	MD5        md5sum.Digest
	Path       string
	ServerIdx  int // index into Recipe.Servers; avoids a pointer graph
	LocalMatch int // index into Servers[ServerIdx].LocalDirs, or -1
}

// Recipe is the arena-style, fully parsed contents of a .jigdo file: an
// index-referenced model (per spec.md §9's pointer-graph-to-arena guidance)
// so Servers and Files may grow without invalidating existing references.
type Recipe struct {
	Version      string
	Generator    string
	ImageName    string
	TemplateName string
	TemplateMD5  md5sum.Digest

	Servers []Server
	Files   []FileEntry
}

// serverIndex returns the index of the server named name, creating one if
// it doesn't already exist. Grounded in jigdo.c's getServer().
func (r *Recipe) serverIndex(name string) int {
	for i := range r.Servers {
		if r.Servers[i].Name == name {
			return i
		}
	}

	r.Servers = append(r.Servers, Server{Name: name})
	return len(r.Servers) - 1
}

// sortFiles orders Files by MD5 so LookupFile can binary search them,
// mirroring jigdo.c's qsort()/bsearch() pairing on fileMD5Cmp.
func (r *Recipe) sortFiles() {
	sort.Slice(r.Files, func(i, j int) bool {
		return md5sum.Cmp(r.Files[i].MD5, r.Files[j].MD5) < 0
	})
}

// LookupFile returns every FileEntry whose MD5 matches key. The .jigdo
// format permits multiple entries sharing an MD5 (duplicate content served
// from different paths/servers), so all matches are returned, widened out
// from the binary search hit exactly as findFileByMD5() does in jigdo.c.
func (r *Recipe) LookupFile(key md5sum.Digest) []FileEntry {
	n := len(r.Files)
	idx := sort.Search(n, func(i int) bool {
		return md5sum.Cmp(r.Files[i].MD5, key) >= 0
	})

	if idx == n || !md5sum.Equal(r.Files[idx].MD5, key) {
		return nil
	}

	lo := idx
	for lo > 0 && md5sum.Equal(r.Files[lo-1].MD5, key) {
		lo--
	}

	hi := idx
	for hi+1 < n && md5sum.Equal(r.Files[hi+1].MD5, key) {
		hi++
	}

	return r.Files[lo : hi+1]
}

// MirrorURIs returns every mirror URI a FileEntry's path may be fetched
// from: only the local directory match if the engine's local-copy scan
// found one, otherwise every mirror registered on the entry's server in
// declaration order, rotated to start at a randomly chosen mirror on each
// call. Grounded in jigdo.c's selectMirror(), generalized from a single
// random pick to the full candidate list so the fetch collaborator can
// retry across mirrors per spec.md's retry policy.
func (r *Recipe) MirrorURIs(f FileEntry) []string {
	server := r.Servers[f.ServerIdx]

	if f.LocalMatch >= 0 {
		return []string{dircat(server.LocalDirs[f.LocalMatch], f.Path)}
	}

	if len(server.Mirrors) == 0 {
		return nil
	}

	uris := make([]string, len(server.Mirrors))
	// Randomize the starting mirror so repeated runs don't hammer the same
	// one first, matching the spirit of selectMirror()'s rand() pick while
	// still giving the caller every candidate to retry through.
	start := rand.Intn(len(server.Mirrors))
	for i := range uris {
		uris[i] = dircat(server.Mirrors[(start+i)%len(server.Mirrors)], f.Path)
	}

	return uris
}

// LocalDirs returns the local directories registered for the server that
// owns f, in the order the engine's local-copy scan probes them.
func (r *Recipe) LocalDirs(f FileEntry) []string {
	return r.Servers[f.ServerIdx].LocalDirs
}

// AddMirror registers a mirror or local directory for a named server, from
// a "Server=URI-or-path" string as accepted by the -m/--mirror flag or a
// .jigdo [Servers] line. Grounded in jigdo.c's addServerMirror().
func (r *Recipe) AddMirror(serverMirror string) error {
	name, value, ok := splitKeyEqualsValue(serverMirror)
	if !ok || name == "" || value == "" {
		return pigdoerr.Wrapf(pigdoerr.ErrConfig, "malformed server mirror entry %q", serverMirror)
	}

	idx := r.serverIndex(name)

	if isLocalPath(value) {
		abs, err := resolveLocalDir(value)
		if err != nil {
			return err
		}
		r.Servers[idx].LocalDirs = append(r.Servers[idx].LocalDirs, abs)
		return nil
	}

	r.Servers[idx].Mirrors = append(r.Servers[idx].Mirrors, value)
	return nil
}
