package ics

import (
	"strings"
	"unicode/utf8"
)

// MaxLineOctets is the RFC 5545 physical line limit, excluding CRLF.
const MaxLineOctets = 75

const foldSep = "\r\n "

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
	",", `\,`,
	"\n", `\n`,
	"\r", `\n`,
)

// Escape escapes TEXT special characters and folds the result.
// Backslash is replaced first so escapes are never doubled.
func Escape(text string) string {
	return Fold(EscapeText(text))
}

// EscapeText escapes TEXT special characters without folding.
func EscapeText(text string) string {
	return textEscaper.Replace(text)
}

// Fold splits s into chunks of at most MaxLineOctets bytes joined by
// CRLF + space. A chunk never ends inside a UTF-8 sequence.
func Fold(s string) string {
	return fold(s, MaxLineOctets)
}

// FoldLine folds a whole "NAME:value" content line so that no physical
// line, counting the leading space of continuations, exceeds
// MaxLineOctets.
func FoldLine(line string) string {
	if len(line) <= MaxLineOctets {
		return line
	}
	cut := runeCut(line, MaxLineOctets)
	return line[:cut] + foldSep + fold(line[cut:], MaxLineOctets-1)
}

func fold(s string, width int) string {
	if len(s) <= width {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + len(s)/width*len(foldSep))

	rest := s
	for len(rest) > width {
		cut := runeCut(rest, width)
		b.WriteString(rest[:cut])
		b.WriteString(foldSep)
		rest = rest[cut:]
	}
	b.WriteString(rest)
	return b.String()
}

// runeCut returns the largest cut <= width that does not split a UTF-8
// sequence. len(s) must exceed width.
func runeCut(s string, width int) int {
	cut := width
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = width
	}
	return cut
}

var newlineNormalizer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Unfold normalizes line endings to LF and joins continuation lines
// (those starting with a space or tab) onto the previous line.
func Unfold(s string) string {
	s = newlineNormalizer.Replace(s)
	s = strings.ReplaceAll(s, "\n ", "")
	return strings.ReplaceAll(s, "\n\t", "")
}
