package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
)

var (
	defPattern   = regexp.MustCompile(`^(?:async\s+)?def\s+([\p{L}_][\p{L}\p{N}_]*)`)
	classPattern = regexp.MustCompile(`^class\s+([\p{L}_][\p{L}\p{N}_]*)`)

	// Statements that only parse as Python 2. String literals are reduced
	// to a single quote before matching.
	py2Statement = regexp.MustCompile(`^(?:print|exec)\s+([\p{L}_][\p{L}\p{N}_]*|[\p{N}"])`)
	py2Except    = regexp.MustCompile(`^except\s+[\p{L}_][\p{L}\p{N}_.]*\s*,\s*[\p{L}_][\p{L}\p{N}_]*\s*:$`)
	py2Raise     = regexp.MustCompile(`^raise\s+[^,(\[{]+,`)
	py2Unicode   = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])ur"`)
	leadingZero  = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_.])0+[1-9][0-9_]*([.eEjJ]?)`)
	doubledEqual = regexp.MustCompile(`=\s+=`)
)

// exprKeywords may follow a bare print or exec name in a valid expression
var exprKeywords = map[string]bool{
	"in": true, "is": true, "and": true, "or": true, "not": true, "if": true, "else": true,
}

const danglingOperators = "=+-/%&|^<>~@"

var closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

// logicalLine is one Python statement line, joined across brackets,
// backslash continuations and multi-line strings.
type logicalLine struct {
	start     int // first byte of the first physical line
	textStart int // first byte after the indentation
	end       int // last byte of the last physical line, exclusive
	indent    int
	last      byte   // last code byte outside comments, 0 for blank lines
	code      string // statement without comments, each string literal reduced to one quote
}

func (l logicalLine) blank() bool {
	return l.last == 0
}

// scanLines splits src into logical lines. It reports false on tokenizer
// errors: an unterminated string, an unbalanced bracket or a character
// that never appears in Python code.
func scanLines(src []byte) ([]logicalLine, bool) {
	var (
		lines     []logicalLine
		cur       *logicalLine
		code      strings.Builder
		open      []byte
		quote     byte
		triple    bool
		continued bool
	)

	for i := 0; i < len(src); {
		lineEnd := i
		for lineEnd < len(src) && src[lineEnd] != '\n' {
			lineEnd++
		}
		end := lineEnd
		if end > i && src[end-1] == '\r' {
			end--
		}

		j := i
		if cur == nil {
			indent := 0
			for j < end && (src[j] == ' ' || src[j] == '\t' || src[j] == '\f') {
				if src[j] == '\t' {
					indent = (indent/8 + 1) * 8
				} else if src[j] == ' ' {
					indent++
				}
				j++
			}
			cur = &logicalLine{start: i, textStart: j, indent: indent}
			code.Reset()
		} else if quote == 0 {
			code.WriteByte(' ')
		}

		continued = false
	scan:
		for j < end {
			c := src[j]
			if quote != 0 {
				switch {
				case c == '\\':
					continued = j == end-1
					j += 2
				case triple && c == quote && j+2 < end && src[j+1] == quote && src[j+2] == quote:
					quote = 0
					cur.last = c
					j += 3
				case !triple && c == quote:
					quote = 0
					cur.last = c
					j++
				default:
					j++
				}
				continue
			}

			switch c {
			case '#':
				break scan
			case '"', '\'':
				if j+2 < end && src[j+1] == c && src[j+2] == c {
					triple = true
					j += 3
				} else {
					triple = false
					j++
				}
				quote = c
				cur.last = c
				code.WriteByte('"')
				continue
			case '(', '[', '{':
				open = append(open, c)
			case ')', ']', '}':
				if len(open) == 0 || open[len(open)-1] != closers[c] {
					return nil, false
				}
				open = open[:len(open)-1]
			case '`', '$', '?':
				return nil, false
			case '\\':
				if j == end-1 {
					continued = true
					j++
					continue
				}
			}
			if c != ' ' && c != '\t' && c != '\f' {
				cur.last = c
			}
			code.WriteByte(c)
			j++
		}

		if quote != 0 && !triple && !continued {
			return nil, false
		}
		cur.end = end
		if quote == 0 && len(open) == 0 && !continued {
			cur.code = strings.TrimSpace(code.String())
			lines = append(lines, *cur)
			cur = nil
		}
		i = lineEnd + 1
	}

	if cur != nil {
		if quote != 0 || len(open) > 0 || continued {
			return nil, false
		}
		cur.code = strings.TrimSpace(code.String())
		lines = append(lines, *cur)
	}
	return lines, true
}

// checkSyntax rejects block structure Python would not compile: unexpected
// indents, dedents to an unknown level, block openers without a body and
// decorators that decorate nothing. It also rejects statements that only
// parse as Python 2.
func checkSyntax(lines []logicalLine) bool {
	indents := []int{0}
	opener, decorator := false, false
	for _, ln := range lines {
		if ln.blank() {
			continue
		}
		switch top := indents[len(indents)-1]; {
		case opener:
			if ln.indent <= top {
				return false
			}
			indents = append(indents, ln.indent)
		case ln.indent > top:
			return false
		default:
			for ln.indent < indents[len(indents)-1] {
				indents = indents[:len(indents)-1]
			}
			if ln.indent != indents[len(indents)-1] {
				return false
			}
		}

		isDecorator := strings.HasPrefix(ln.code, "@")
		if decorator && !isDecorator && !defPattern.MatchString(ln.code) && !classPattern.MatchString(ln.code) {
			return false
		}
		if !validStatement(ln.code) {
			return false
		}
		opener = ln.last == ':'
		decorator = isDecorator
	}
	return !opener && !decorator
}

func validStatement(code string) bool {
	if code == "" {
		return true
	}
	if m := py2Statement.FindStringSubmatch(code); m != nil && !exprKeywords[m[1]] {
		return false
	}
	if py2Except.MatchString(code) || py2Raise.MatchString(code) || py2Unicode.MatchString(code) {
		return false
	}
	if strings.Contains(code, "<>") || doubledEqual.MatchString(code) {
		return false
	}
	for _, m := range leadingZero.FindAllStringSubmatch(code, -1) {
		if m[1] == "" {
			return false
		}
	}
	return !strings.ContainsRune(danglingOperators, rune(code[len(code)-1]))
}

type pyDef struct {
	kind     domain.UnitKind
	name     string
	indent   int
	prefix   string // indentation text of the definition line
	start    int
	doc      string
	cutStart int // bytes removed from the code to produce CodeNoDoc
	cutEnd   int
}

// Python extracts documented functions and classes from Python source
func Python(_ string, src []byte) []Unit {
	if !utf8.Valid(src) {
		return nil
	}
	lines, ok := scanLines(src)
	if !ok || !checkSyntax(lines) {
		return nil
	}

	var (
		units     []Unit
		stack     []*pyDef
		decorated = -1
		lastEnd   = 0
	)

	finish := func(d *pyDef, end int) {
		if d.doc == "" {
			return
		}
		code := string(src[d.start:end])
		bare := string(src[d.start:d.cutStart])
		if d.cutEnd < end {
			bare += string(src[d.cutEnd:end])
		}
		units = append(units, Unit{
			Kind:      d.kind,
			Name:      d.name,
			Code:      dedent(code, d.prefix),
			CodeNoDoc: strings.TrimRight(dedent(bare, d.prefix), " \t\r\n"),
			Doc:       d.doc,
			Span:      domain.Span{Start: d.start, End: end},
		})
	}

	for idx, ln := range lines {
		if ln.blank() {
			continue
		}
		for len(stack) > 0 && ln.indent <= stack[len(stack)-1].indent {
			finish(stack[len(stack)-1], lastEnd)
			stack = stack[:len(stack)-1]
		}

		text := string(src[ln.textStart:ln.end])
		if strings.HasPrefix(text, "@") {
			if decorated < 0 {
				decorated = ln.start
			}
			lastEnd = ln.end
			continue
		}

		var kind domain.UnitKind
		var name string
		if m := defPattern.FindStringSubmatch(text); m != nil {
			kind, name = domain.UnitKindFunction, m[1]
		} else if m := classPattern.FindStringSubmatch(text); m != nil {
			kind, name = domain.UnitKindClass, m[1]
		}

		if kind != "" {
			d := &pyDef{
				kind:   kind,
				name:   qualify(stack, name),
				indent: ln.indent,
				prefix: string(src[ln.start:ln.textStart]),
				start:  ln.start,
			}
			if decorated >= 0 {
				d.start = decorated
			}
			if ln.last == ':' {
				attachDocstring(d, src, lines, idx)
			} else {
				attachInlineDocstring(d, src, ln)
			}
			stack = append(stack, d)
		}
		decorated = -1
		lastEnd = ln.end
	}
	for i := len(stack) - 1; i >= 0; i-- {
		finish(stack[i], lastEnd)
	}

	sort.SliceStable(units, func(i, j int) bool { return units[i].Span.Start < units[j].Span.Start })
	return units
}

func qualify(stack []*pyDef, name string) string {
	if len(stack) == 0 {
		return name
	}
	return stack[len(stack)-1].name + "." + name
}

// attachDocstring looks for a string literal as the first body statement
func attachDocstring(d *pyDef, src []byte, lines []logicalLine, header int) {
	for j := header + 1; j < len(lines); j++ {
		body := lines[j]
		if body.blank() {
			continue
		}
		if body.indent <= lines[header].indent {
			return
		}
		stmt := string(src[body.textStart:body.end])
		literal, n, ok := docLiteral(stmt)
		if !ok {
			return
		}
		doc := cleanDoc(literal)
		if doc == "" {
			return
		}
		d.doc = doc
		if after, more := separatorEnd(stmt, n); more {
			d.cutStart = body.textStart
			d.cutEnd = body.textStart + after
			return
		}
		d.cutStart = body.start
		d.cutEnd = body.end
		if d.cutEnd < len(src) && src[d.cutEnd] == '\r' {
			d.cutEnd++
		}
		if d.cutEnd < len(src) && src[d.cutEnd] == '\n' {
			d.cutEnd++
		}
		return
	}
}

// attachInlineDocstring handles a body written on the header line itself,
// as in def f(): "doc"
func attachInlineDocstring(d *pyDef, src []byte, ln logicalLine) {
	raw := string(src[ln.textStart:ln.end])
	colon := headerColon(raw)
	if colon < 0 {
		return
	}
	off := colon + 1
	for off < len(raw) && (raw[off] == ' ' || raw[off] == '\t') {
		off++
	}
	literal, n, ok := docLiteral(raw[off:])
	if !ok {
		return
	}
	doc := cleanDoc(literal)
	if doc == "" {
		return
	}
	after, _ := separatorEnd(raw[off:], n)
	d.doc = doc
	d.cutStart = ln.textStart + off
	d.cutEnd = ln.textStart + off + after
}

// headerColon returns the index of the colon ending a def or class header
func headerColon(raw string) int {
	depth := 0
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case '"', '\'':
			delim := raw[i : i+1]
			if strings.HasPrefix(raw[i:], strings.Repeat(delim, 3)) {
				delim = strings.Repeat(delim, 3)
			}
			i += len(delim)
			for i < len(raw) && !strings.HasPrefix(raw[i:], delim) {
				if raw[i] == '\\' {
					i++
				}
				i++
			}
			i += len(delim) - 1
		case '#':
			return -1
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// docLiteral returns the contents of a statement made of one string literal
// and the length of that literal including its prefix and quotes.
func docLiteral(stmt string) (string, int, bool) {
	s := stmt
	prefix := 0
	if s != "" && strings.ContainsRune("rRuU", rune(s[0])) {
		s = s[1:]
		prefix = 1
	}
	if s == "" || (s[0] != '"' && s[0] != '\'') {
		return "", 0, false
	}

	delim := s[:1]
	if strings.HasPrefix(s, strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	body := s[len(delim):]

	for i := 0; i < len(body); i++ {
		if body[i] == '\\' {
			i++
			continue
		}
		if strings.HasPrefix(body[i:], delim) {
			rest := strings.TrimSpace(body[i+len(delim):])
			if rest != "" && !strings.HasPrefix(rest, "#") && !strings.HasPrefix(rest, ";") {
				return "", 0, false
			}
			return body[:i], prefix + 2*len(delim) + i, true
		}
	}
	return "", 0, false
}

// separatorEnd extends a literal of length n past a following semicolon and
// the blanks after it. It reports whether another statement follows.
func separatorEnd(stmt string, n int) (int, bool) {
	rest := strings.TrimLeft(stmt[n:], " \t")
	if !strings.HasPrefix(rest, ";") {
		return n, false
	}
	next := strings.TrimLeft(rest[1:], " \t")
	if next == "" || strings.HasPrefix(next, "#") {
		return n, false
	}
	return len(stmt) - len(next), true
}
