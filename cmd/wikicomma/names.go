// SPDX-License-Identifier: MIT

package main

import (
	"strings"
)

// normalizePageName maps a wiki page name to the form used for on-disk path
// components. Wikidot page names use ':' to separate category from slug
// ("nav:side"), which is unsafe on some filesystems, so every colon becomes
// an underscore. The mapping is idempotent.
func normalizePageName(name string) string {
	return strings.ReplaceAll(name, ":", "_")
}

// fileNameEscapes is the fixed substitution table for file name components.
// '%' must be part of the table so that decoding stays unambiguous.
var fileNameEscapes = map[byte]string{
	'%':  "%25",
	'\\': "%5C",
	'/':  "%2F",
	':':  "%3A",
	'*':  "%2A",
	'?':  "%3F",
	'"':  "%22",
	'<':  "%3C",
	'>':  "%3E",
	'|':  "%7C",
}

var fileNameUnescapes = map[string]byte{
	"25": '%',
	"5C": '\\',
	"2F": '/',
	"3A": ':',
	"2A": '*',
	"3F": '?',
	"22": '"',
	"3C": '<',
	"3E": '>',
	"7C": '|',
	"2E": '.',
}

// encodeFileName substitutes filesystem-unsafe characters in a file name so
// the result is always a plain directory entry: no path separators survive,
// and the names "." and ".." cannot be produced.
func encodeFileName(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		if esc, ok := fileNameEscapes[name[i]]; ok {
			sb.WriteString(esc)
		} else {
			sb.WriteByte(name[i])
		}
	}
	encoded := sb.String()
	switch encoded {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return encoded
}

// decodeFileName reverses encodeFileName. Escape sequences outside the
// substitution table are kept verbatim, so decoding never fails; encoding the
// result again yields the same canonical form.
func decodeFileName(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); {
		if name[i] == '%' && i+3 <= len(name) {
			if c, ok := fileNameUnescapes[strings.ToUpper(name[i+1:i+3])]; ok {
				sb.WriteByte(c)
				i += 3
				continue
			}
		}
		sb.WriteByte(name[i])
		i++
	}
	return sb.String()
}
