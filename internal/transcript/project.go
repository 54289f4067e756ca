package transcript

import (
	"os"
	"path/filepath"
	"strings"
)

// Extension is the suffix of transcript files.
const Extension = ".jsonl"

// SessionID is the transcript file name without its extension.
func SessionID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ProjectDirOf decodes the project directory of a transcript stored as
// <root>/<encoded project>/<session>.jsonl.
func ProjectDirOf(path string) string {
	return DecodeProjectDir(filepath.Base(filepath.Dir(path)))
}

// DecodeProjectDir reverses Claude's project directory encoding, which
// replaces every path separator with '-'. Because '-' is also legal inside
// names, each '-' becomes '/' only where the resulting prefix is an existing
// directory. If no existing path matches, every '-' becomes '/'. Names that
// do not start with '-' are returned unchanged.
func DecodeProjectDir(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}
	parts := strings.Split(encoded[1:], "-")
	if decoded, ok := resolve("", parts[0], parts[1:]); ok {
		return decoded
	}
	return strings.ReplaceAll(encoded, "-", "/")
}

// resolve searches for an existing path made of prefix, the current segment
// and the remaining parts, joining each part with either '/' or '-'.
func resolve(prefix, segment string, rest []string) (string, bool) {
	here := prefix + "/" + segment
	if len(rest) == 0 {
		_, err := os.Stat(here)
		return here, err == nil
	}
	if segment != "" && isDir(here) {
		if p, ok := resolve(here, rest[0], rest[1:]); ok {
			return p, true
		}
	}
	return resolve(prefix, segment+"-"+rest[0], rest[1:])
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
