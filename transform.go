package sigma

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
)

func transformBase64(in string) ([]string, error) {
	if hasWildcard(in) {
		return nil, fmt.Errorf("wildcards are not allowed in base64 encoded values")
	}
	return []string{base64.StdEncoding.EncodeToString([]byte(unescapeSigma(in)))}, nil
}

// transformBase64Offset produces the three encodings of a value that can appear inside a longer
// base64 blob, depending on the byte offset of the value in the original plaintext
func transformBase64Offset(in string) ([]string, error) {
	if hasWildcard(in) {
		return nil, fmt.Errorf("wildcards are not allowed in base64 encoded values")
	}
	in = unescapeSigma(in)
	if len(in) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	out := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		shifted := append(bytes.Repeat([]byte(" "), i), in...)
		encoded := base64.StdEncoding.EncodeToString(shifted)
		start := []int{0, 2, 3}[i]
		end := len(encoded) + []int{0, -3, -2}[(len(in)+i)%3]
		if start > end {
			continue
		}
		out = append(out, encoded[start:end])
	}
	return out, nil
}

func encodeUTF16(in string, bigEndian, bom bool) string {
	units := utf16.Encode([]rune(in))
	buf := make([]byte, 0, len(units)*2+2)
	if bom {
		buf = append(buf, 0xFF, 0xFE)
	}
	for _, u := range units {
		if bigEndian {
			buf = append(buf, byte(u>>8), byte(u))
		} else {
			buf = append(buf, byte(u), byte(u>>8))
		}
	}
	return string(buf)
}

func transformUTF16LE(in string) ([]string, error) { return []string{encodeUTF16(in, false, false)}, nil }
func transformUTF16BE(in string) ([]string, error) { return []string{encodeUTF16(in, true, false)}, nil }
func transformUTF16(in string) ([]string, error)   { return []string{encodeUTF16(in, false, true)}, nil }

var (
	windashDashes = []string{"-", "/", "–", "—", "―"}
	windashOption = regexp.MustCompile(`(^|\s)[-/]`)
)

// transformWindash permutes command line option prefixes, windows tools accept any dash variant or slash
func transformWindash(in string) ([]string, error) {
	seen := make(map[string]bool, len(windashDashes))
	out := make([]string, 0, len(windashDashes))
	for _, dash := range windashDashes {
		variant := windashOption.ReplaceAllStringFunc(in, func(m string) string {
			return m[:len(m)-1] + dash
		})
		if !seen[variant] {
			seen[variant] = true
			out = append(out, variant)
		}
	}
	return out, nil
}

var placeholderPattern = regexp.MustCompile(`%[A-Za-z0-9_.\-]+%`)

// transformExpand replaces %name% tokens with every value bound to that placeholder
// multiple placeholders in a single value produce the cartesian product
func (r *ModifierRegistry) transformExpand(in string) ([]string, error) {
	out := []string{in}
	for _, token := range placeholderPattern.FindAllString(in, -1) {
		values, ok := r.placeholders.Lookup(token)
		if !ok {
			return nil, fmt.Errorf("unknown placeholder %s", token)
		}
		next := make([]string, 0, len(out)*len(values))
		for _, partial := range out {
			for _, v := range values {
				next = append(next, strings.Replace(partial, token, v, 1))
			}
		}
		out = next
	}
	return out, nil
}
