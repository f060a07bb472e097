// Package keyname turns arbitrary local paths into object keys that are safe
// on every supported cloud provider.
//
// A legal key is relative, its directory segments use only [A-Za-z0-9_-],
// and its filename is an optional leading dot, a base of [A-Za-z0-9_-] and
// at most one extension of the same characters.
package keyname

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// ErrUnusablePath is returned for paths that cannot name an object at all.
var ErrUnusablePath = errors.New("path cannot be remediated")

var (
	legalSegment  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	legalFilename = regexp.MustCompile(`^\.?[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)?$`)
	illegalChars  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

func unusable(path string) bool {
	switch path {
	case "", ".", "..", "/":
		return true
	}
	return false
}

// IsLegal reports whether key can be used unchanged as an object key.
func IsLegal(key string) bool {
	if unusable(key) || strings.HasPrefix(key, "/") {
		return false
	}
	segments := strings.Split(key, "/")
	filename := segments[len(segments)-1]
	for _, seg := range segments[:len(segments)-1] {
		if !legalSegment.MatchString(seg) {
			return false
		}
	}
	return legalFilename.MatchString(filename)
}

// Remediate maps path to a legal key. Non-ASCII text is romanized, any other
// illegal character becomes '_', and a leading '/' or empty segment is
// dropped. If the result is in used, "_N" is inserted before the extension
// with the smallest N >= 1 that is not in used.
func Remediate(path string, used []string) (string, error) {
	if unusable(path) {
		return "", fmt.Errorf("%w: %q", ErrUnusablePath, path)
	}
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnusablePath, path)
	}

	out := make([]string, 0, len(segments))
	for _, seg := range segments[:len(segments)-1] {
		out = append(out, clean(seg))
	}
	dir := strings.Join(out, "/")

	base, ext := splitExt(segments[len(segments)-1])
	base = cleanBase(base)
	if ext != "" {
		ext = "." + clean(ext[1:])
	}

	key := join(dir, base+ext)
	if !slices.Contains(used, key) {
		return key, nil
	}
	for n := 1; ; n++ {
		candidate := join(dir, base+"_"+strconv.Itoa(n)+ext)
		if !slices.Contains(used, candidate) {
			return candidate, nil
		}
	}
}

func join(dir, filename string) string {
	if dir == "" {
		return filename
	}
	return dir + "/" + filename
}

// clean romanizes s and replaces what is left outside [A-Za-z0-9_-].
func clean(s string) string {
	s = illegalChars.ReplaceAllString(unidecode.Unidecode(s), "_")
	if s == "" {
		return "_"
	}
	return s
}

// cleanBase keeps a single leading dot so hidden files stay hidden.
func cleanBase(base string) string {
	if rest, ok := strings.CutPrefix(base, "."); ok {
		return "." + clean(rest)
	}
	return clean(base)
}

// splitExt splits a filename at its last dot. Leading dots belong to the base,
// so ".profile" has no extension and "file." has the extension ".".
func splitExt(name string) (base, ext string) {
	lead := len(name) - len(strings.TrimLeft(name, "."))
	i := strings.LastIndexByte(name[lead:], '.')
	if i < 0 {
		return name, ""
	}
	return name[:lead+i], name[lead+i:]
}
