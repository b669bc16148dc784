package implementors

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	scriptPreamble = "(function() {var implementors = {};\n"
	scriptTrailer  = `
            if (window.register_implementors) {
                window.register_implementors(implementors);
            } else {
                window.pending_implementors = implementors;
            }

})()`
)

// SyntaxError describes a malformed implementors script.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("implementors script: offset %d: %s", e.Offset, e.Msg)
}

// ParseScript decodes a generated implementors script of the form
//
//	(function() {var implementors = {};
//	implementors["crate"] = [{text:"…",synthetic:false,types:["crate::Type"]},];
//	…
//	})()
//
// Record order within each library is preserved. Duplicate libraries,
// records without types and anything after the last assignment other than
// the register-or-pend trailer are rejected.
func ParseScript(data []byte) (Index, error) {
	s := &scriptScanner{src: string(data)}

	wrapped := false
	if i := strings.Index(s.src, "var implementors = {};"); i >= 0 {
		s.pos = i + len("var implementors = {};")
		wrapped = true
	}

	idx := make(Index)
	for {
		s.skipSpace()
		if !s.statement() {
			break
		}
		if err := s.expect('['); err != nil {
			return nil, err
		}

		s.skipSpace()
		libOffset := s.pos
		lib, err := s.str()
		if err != nil {
			return nil, err
		}
		if err := s.expect(']'); err != nil {
			return nil, err
		}
		if err := s.expect('='); err != nil {
			return nil, err
		}
		recs, err := s.records()
		if err != nil {
			return nil, err
		}
		if err := s.expect(';'); err != nil {
			return nil, err
		}

		if _, dup := idx[lib]; dup {
			return nil, fmt.Errorf("offset %d: %q: %w", libOffset, lib, ErrDuplicateLibrary)
		}
		idx[lib] = recs
	}

	if err := s.trailer(wrapped); err != nil {
		return nil, err
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// RenderScript encodes idx in the generated script format accepted by
// ParseScript. Libraries are written in sorted order.
func RenderScript(idx Index) []byte {
	var b strings.Builder
	b.WriteString(scriptPreamble)
	for _, lib := range idx.Libraries() {
		b.WriteString("implementors[")
		writeJSString(&b, lib)
		b.WriteString("] = [")
		for _, rec := range idx[lib] {
			b.WriteString("{text:")
			writeJSString(&b, rec.Text)
			b.WriteString(",synthetic:")
			b.WriteString(strconv.FormatBool(rec.Synthetic))
			b.WriteString(",types:[")
			for i, t := range rec.Types {
				if i > 0 {
					b.WriteByte(',')
				}
				writeJSString(&b, t)
			}
			b.WriteString("]},")
		}
		b.WriteString("];\n")
	}
	b.WriteString(scriptTrailer)
	return []byte(b.String())
}

func writeJSString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\u2028', '\u2029':
			fmt.Fprintf(b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

type scriptScanner struct {
	src string
	pos int
}

// statement reports whether an implementors[...] assignment starts at pos
// and consumes the identifier.
func (s *scriptScanner) statement() bool {
	if !s.hasPrefix("implementors") {
		return false
	}
	save := s.pos
	s.pos += len("implementors")
	s.skipSpace()
	if s.peek() != '[' {
		s.pos = save
		return false
	}
	return true
}

// compactTrailer is the register-or-pend block with whitespace removed.
const compactTrailer = "if(window.register_implementors){window.register_implementors(implementors);}else{window.pending_implementors=implementors;}"

// trailer accepts what may follow the last assignment: the register-or-pend
// block and the closing of the wrapper function. A bare statement list may
// instead simply end.
func (s *scriptScanner) trailer(wrapped bool) error {
	s.skipSpace()
	rest := strings.Join(strings.Fields(s.src[s.pos:]), "")
	rest = strings.TrimPrefix(rest, compactTrailer)
	rest = strings.TrimSuffix(rest, ";")
	switch {
	case rest == "})()":
		return nil
	case rest == "" && !wrapped:
		return nil
	case rest == "":
		return s.errorf("missing end of wrapper function")
	}
	snippet := s.src[s.pos:]
	if len(snippet) > 24 {
		snippet = snippet[:24]
	}
	return s.errorf("unexpected %q", snippet)
}

func (s *scriptScanner) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: s.pos, Msg: fmt.Sprintf(format, args...)}
}

func (s *scriptScanner) hasPrefix(p string) bool {
	return strings.HasPrefix(s.src[s.pos:], p)
}

func (s *scriptScanner) skipSpace() {
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func (s *scriptScanner) peek() byte {
	if s.pos >= len(s.src) {
		return 0
	}
	return s.src[s.pos]
}

func (s *scriptScanner) expect(c byte) error {
	s.skipSpace()
	if s.peek() != c {
		if s.pos >= len(s.src) {
			return s.errorf("expected %q, got end of input", c)
		}
		return s.errorf("expected %q, got %q", c, s.src[s.pos])
	}
	s.pos++
	return nil
}

// consume skips c if it is the next non-space byte.
func (s *scriptScanner) consume(c byte) bool {
	s.skipSpace()
	if s.peek() == c {
		s.pos++
		return true
	}
	return false
}

func (s *scriptScanner) records() ([]Record, error) {
	if err := s.expect('['); err != nil {
		return nil, err
	}
	recs := []Record{}
	for {
		if s.consume(']') {
			return recs, nil
		}
		rec, err := s.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		if !s.consume(',') {
			if err := s.expect(']'); err != nil {
				return nil, err
			}
			return recs, nil
		}
	}
}

func (s *scriptScanner) record() (Record, error) {
	var rec Record
	if err := s.expect('{'); err != nil {
		return rec, err
	}
	for {
		if s.consume('}') {
			return rec, nil
		}
		s.skipSpace()
		keyOffset := s.pos
		key := s.ident()
		if key == "" {
			return rec, s.errorf("expected field name")
		}
		if err := s.expect(':'); err != nil {
			return rec, err
		}
		s.skipSpace()

		var err error
		switch key {
		case "text":
			rec.Text, err = s.str()
		case "synthetic":
			rec.Synthetic, err = s.boolean()
		case "types":
			rec.Types, err = s.stringList()
		default:
			return rec, &SyntaxError{Offset: keyOffset, Msg: fmt.Sprintf("unknown field %q", key)}
		}
		if err != nil {
			return rec, err
		}

		if !s.consume(',') {
			if err := s.expect('}'); err != nil {
				return rec, err
			}
			return rec, nil
		}
	}
}

func (s *scriptScanner) ident() string {
	start := s.pos
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || s.pos > start && c >= '0' && c <= '9' {
			s.pos++
			continue
		}
		break
	}
	return s.src[start:s.pos]
}

func (s *scriptScanner) boolean() (bool, error) {
	switch {
	case s.hasPrefix("true"):
		s.pos += 4
		return true, nil
	case s.hasPrefix("false"):
		s.pos += 5
		return false, nil
	}
	return false, s.errorf("expected boolean")
}

func (s *scriptScanner) stringList() ([]string, error) {
	if err := s.expect('['); err != nil {
		return nil, err
	}
	var out []string
	for {
		if s.consume(']') {
			return out, nil
		}
		s.skipSpace()
		v, err := s.str()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if !s.consume(',') {
			if err := s.expect(']'); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
}

// str decodes a single- or double-quoted JavaScript string literal.
func (s *scriptScanner) str() (string, error) {
	q := s.peek()
	if q != '"' && q != '\'' {
		return "", s.errorf("expected string")
	}
	start := s.pos
	s.pos++

	var b strings.Builder
	for {
		if s.pos >= len(s.src) {
			return "", &SyntaxError{Offset: start, Msg: "unterminated string"}
		}
		c := s.src[s.pos]
		switch {
		case c == q:
			s.pos++
			return b.String(), nil
		case c == '\n':
			return "", s.errorf("newline in string")
		case c != '\\':
			b.WriteByte(c)
			s.pos++
			continue
		}

		// escape sequence
		s.pos++
		if s.pos >= len(s.src) {
			return "", &SyntaxError{Offset: start, Msg: "unterminated string"}
		}
		e := s.src[s.pos]
		s.pos++
		switch e {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0':
			b.WriteByte(0)
		case 'x':
			r, err := s.hex(2)
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		case 'u':
			r, err := s.unicodeEscape()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		case '\n':
			// line continuation
		default:
			b.WriteByte(e)
		}
	}
}

// unicodeEscape decodes the rest of a \u escape: \u{X...}, or \uXXXX with a
// following low surrogate escape when XXXX is a high surrogate. Unpaired
// surrogates become U+FFFD.
func (s *scriptScanner) unicodeEscape() (rune, error) {
	if s.peek() == '{' {
		end := strings.IndexByte(s.src[s.pos:], '}')
		if end < 2 || end > 7 {
			return 0, s.errorf("invalid code point escape")
		}
		s.pos++
		r, err := s.hex(end - 1)
		if err != nil {
			return 0, err
		}
		s.pos++
		if !utf8.ValidRune(r) {
			return utf8.RuneError, nil
		}
		return r, nil
	}

	r, err := s.hex(4)
	if err != nil {
		return 0, err
	}
	if !utf16.IsSurrogate(r) {
		return r, nil
	}
	if r < 0xdc00 && s.hasPrefix(`\u`) {
		save := s.pos
		s.pos += 2
		lo, err := s.hex(4)
		if err == nil {
			if pair := utf16.DecodeRune(r, lo); pair != utf8.RuneError {
				return pair, nil
			}
		}
		s.pos = save
	}
	return utf8.RuneError, nil
}

func (s *scriptScanner) hex(n int) (rune, error) {
	if s.pos+n > len(s.src) {
		return 0, s.errorf("short hex escape")
	}
	v, err := strconv.ParseUint(s.src[s.pos:s.pos+n], 16, 32)
	if err != nil {
		return 0, s.errorf("invalid hex escape %q", s.src[s.pos:s.pos+n])
	}
	s.pos += n
	return rune(v), nil
}
