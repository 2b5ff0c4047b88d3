package recipe

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/dadap/pigdo/internal/pigdoerr"
)

// oneDotX is the only .jigdo format major version pigdo understands: a
// major version bump would signal a potentially incompatible format
// change, per jigdo.c's freadJigdoFileJigdoSection().
const oneDotX = "1."

// Parse reads a .jigdo recipe from r (already decompressed by the caller
// via decompress.GunzipReplace if necessary) and returns its parsed contents.
// Grounded in libigdo/jigdo.c's readJigdoFile() and its per-section helpers.
func Parse(r io.Reader) (*Recipe, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	rec := &Recipe{}

	if err := parseJigdoSection(lines, rec); err != nil {
		return nil, err
	}
	if err := parseImageSection(lines, rec); err != nil {
		return nil, err
	}
	if err := parsePartsSections(lines, rec); err != nil {
		return nil, err
	}
	if err := parseServersSection(lines, rec); err != nil {
		return nil, err
	}

	rec.sortFiles()

	return rec, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "read recipe").Error())
	}
	return lines, nil
}

// findSection returns the index of the first line after a "[name]" header,
// or -1 if the section doesn't appear.
func findSection(lines []string, name string) int {
	header := "[" + name + "]"
	for i, l := range lines {
		if strings.TrimSpace(l) == header {
			return i + 1
		}
	}
	return -1
}

// sectionBody returns the lines belonging to the section starting at start,
// stopping at the next "[...]" header or EOF.
func sectionBody(lines []string, start int) []string {
	for i := start; i < len(lines); i++ {
		if isSectionHeader(lines[i]) {
			return lines[start:i]
		}
	}
	return lines[start:]
}

func isSectionHeader(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")
}

func splitKeyEqualsValue(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	return key, value, key != "" && value != ""
}

func parseJigdoSection(lines []string, rec *Recipe) error {
	start := findSection(lines, "Jigdo")
	if start < 0 {
		return pigdoerr.Wrap(pigdoerr.ErrConfig, "missing [Jigdo] section")
	}

	for _, l := range sectionBody(lines, start) {
		key, value, ok := splitKeyEqualsValue(l)
		if !ok {
			continue
		}
		switch key {
		case "Version":
			rec.Version = value
		case "Generator":
			rec.Generator = value
		}
	}

	if !strings.HasPrefix(rec.Version, oneDotX) {
		return pigdoerr.Wrapf(pigdoerr.ErrConfig, "unsupported .jigdo version %q", rec.Version)
	}

	return nil
}

func parseImageSection(lines []string, rec *Recipe) error {
	start := findSection(lines, "Image")
	if start < 0 {
		return pigdoerr.Wrap(pigdoerr.ErrConfig, "missing [Image] section")
	}

	for _, l := range sectionBody(lines, start) {
		key, value, ok := splitKeyEqualsValue(l)
		if !ok {
			continue
		}
		switch key {
		case "Filename":
			rec.ImageName = value
		case "Template":
			rec.TemplateName = value
		case "Template-MD5Sum":
			md5, err := decodeMD5Base64(value)
			if err != nil {
				return err
			}
			rec.TemplateMD5 = md5
		}
	}

	if rec.ImageName == "" || rec.TemplateName == "" {
		return pigdoerr.Wrap(pigdoerr.ErrConfig, "[Image] section missing Filename or Template")
	}

	return nil
}

// parsePartsSections handles zero, one, or many [Parts] sections, each
// holding "md5base64=server:path" lines. Grounded in
// freadJigdoFilePartsSections().
func parsePartsSections(lines []string, rec *Recipe) error {
	for start := 0; ; {
		idx := findSectionFrom(lines, "Parts", start)
		if idx < 0 {
			break
		}

		for _, l := range sectionBody(lines, idx) {
			if err := parsePartsLine(l, rec); err != nil {
				return err
			}
		}

		start = idx
	}

	return nil
}

func findSectionFrom(lines []string, name string, from int) int {
	header := "[" + name + "]"
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == header {
			return i + 1
		}
	}
	return -1
}

func parsePartsLine(line string, rec *Recipe) error {
	if t := strings.TrimSpace(line); strings.HasPrefix(t, ";") || strings.HasPrefix(t, "#") {
		return nil // comment lines are ignored
	}

	key, value, ok := splitKeyEqualsValue(line)
	if !ok {
		return nil // lines without a non-empty key=value pair are ignored
	}

	md5, err := decodeMD5Base64(key)
	if err != nil {
		return pigdoerr.Wrapf(pigdoerr.ErrConfig, "bad MD5 in [Parts] entry %q: %v", line, err)
	}

	serverName, path, ok := strings.Cut(value, ":")
	if !ok {
		return pigdoerr.Wrapf(pigdoerr.ErrConfig, "malformed [Parts] entry %q", line)
	}
	serverName = strings.TrimSpace(serverName)
	path = strings.TrimSpace(path)

	rec.Files = append(rec.Files, FileEntry{
		MD5:        md5,
		Path:       path,
		ServerIdx:  rec.serverIndex(serverName),
		LocalMatch: -1,
	})

	return nil
}

func parseServersSection(lines []string, rec *Recipe) error {
	start := findSection(lines, "Servers")
	if start < 0 {
		return nil // a recipe with no [Servers] section relies on -m flags only
	}

	for _, l := range sectionBody(lines, start) {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, ";") || strings.HasPrefix(t, "#") {
			continue
		}
		if err := rec.AddMirror(t); err != nil {
			return err
		}
	}

	return nil
}

func dircat(dir, file string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}

func isLocalPath(value string) bool {
	return strings.HasPrefix(value, "file://") || !strings.Contains(value, "://")
}

func resolveLocalDir(value string) (string, error) {
	path := strings.TrimPrefix(value, "file://")

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", pigdoerr.Wrap(pigdoerr.ErrConfig, errors.Wrap(err, "resolve local mirror path").Error())
	}

	return "file://" + abs, nil
}
