package decoder

import "strings"

type tokenKind int

const (
	tokStart tokenKind = iota // <name ...>
	tokEnd                    // </name>
	tokText                   // character data between tags
	tokCDATA                  // <![CDATA[...]]>
)

type token struct {
	kind tokenKind
	name string // tag name for tokStart / tokEnd
	text string // payload for tokText / tokCDATA
}

// lex splits buf into tokens. It stops at the first construct that is not
// complete yet (a tag without '>', a CDATA section without "]]>"); the
// remainder is picked up by the next scan once more bytes arrived.
func lex(buf string) []token {
	var toks []token
	i := 0
	for i < len(buf) {
		if buf[i] != '<' {
			j := strings.IndexByte(buf[i:], '<')
			if j < 0 {
				// Trailing text has no terminating tag yet.
				return toks
			}
			toks = append(toks, token{kind: tokText, text: buf[i : i+j]})
			i += j
			continue
		}

		rest := buf[i:]
		switch {
		case strings.HasPrefix(rest, "<![CDATA["):
			end := strings.Index(rest, "]]>")
			if end < 0 {
				return toks
			}
			toks = append(toks, token{kind: tokCDATA, text: rest[len("<![CDATA["):end]})
			i += end + len("]]>")

		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest, "-->")
			if end < 0 {
				return toks
			}
			i += end + len("-->")

		case strings.HasPrefix(rest, "<?"), strings.HasPrefix(rest, "<!"):
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return toks
			}
			i += end + 1

		case len(rest) > 1 && rest[1] == '/':
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return toks
			}
			toks = append(toks, token{kind: tokEnd, name: tagName(rest[2:end])})
			i += end + 1

		default:
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return toks
			}
			inner := rest[1:end]
			selfClosing := strings.HasSuffix(inner, "/")
			name := tagName(strings.TrimSuffix(inner, "/"))
			toks = append(toks, token{kind: tokStart, name: name})
			if selfClosing {
				toks = append(toks, token{kind: tokEnd, name: name})
			}
			i += end + 1
		}
	}
	return toks
}

// tagName extracts the element name from the inside of a tag, dropping
// attributes.
func tagName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}
