package langfile

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

func parseJSON(data []byte) (*File, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing JSON: invalid document")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("JSON root must be an object")
	}

	f := newFile(FormatJSON)
	collectJSON(root, nil, f)
	return f, nil
}

// collectJSON walks an object in document order and appends leaf entries.
func collectJSON(obj gjson.Result, prefix []string, f *File) {
	obj.ForEach(func(key, value gjson.Result) bool {
		path := append(append([]string(nil), prefix...), key.String())
		switch {
		case value.IsObject():
			collectJSON(value, path, f)
		case value.Type == gjson.String:
			f.add(Entry{Path: path, Value: value.String()})
		default:
			// Numbers, booleans, null and arrays are passed through.
			f.add(Entry{Path: path, Raw: value.Raw})
		}
		return true
	})
}

func (f *File) marshalJSON() ([]byte, error) {
	var b strings.Builder
	writeJSONObject(&b, f.tree(), 1)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func writeJSONObject(b *strings.Builder, t *tree, depth int) {
	if len(t.keys) == 0 {
		b.WriteString("{}")
		return
	}
	indent := strings.Repeat("  ", depth)
	b.WriteString("{\n")
	for i, key := range t.keys {
		b.WriteString(indent)
		b.WriteString(jsonString(key))
		b.WriteString(": ")
		if child, ok := t.children[key]; ok {
			writeJSONObject(b, child, depth+1)
		} else {
			e := t.leaves[key]
			if e.Translatable() {
				b.WriteString(jsonString(e.Value))
			} else {
				b.WriteString(e.Raw)
			}
		}
		if i < len(t.keys)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(strings.Repeat("  ", depth-1))
	b.WriteByte('}')
}

// jsonString encodes s as a JSON string without escaping HTML characters.
func jsonString(s string) string {
	var b strings.Builder
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
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
