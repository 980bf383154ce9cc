// Package decoder extracts translation items from provider output that
// arrives in arbitrary fragments.
//
// The recognized format is
//
//	<translations>
//	  <item>
//	    <key>greeting</key>
//	    <trx><![CDATA[Hallo]]></trx>
//	    <comment><![CDATA[informal]]></comment>
//	  </item>
//	</translations>
//
// with an optional comment and an optional root element. Every AddChunk
// re-scans the whole accumulated buffer; the grammar carries no state
// between items, so a full re-scan always yields the same prefix of items
// and a half-received item is simply not matched until it completes.
// Delivery is tracked per key, so each key reaches callbacks at most once
// however the bytes were split.
package decoder

import (
	"errors"
	"html"
	"strings"
)

// ErrMalformedResponse reports non-empty provider output that contained no
// complete item. It is not fatal; callers decide whether to retry.
var ErrMalformedResponse = errors.New("malformed response: no complete item")

// rootElement is the wrapper synthesized around documents without one.
const rootElement = "translations"

// Item is one decoded translation.
type Item struct {
	Key         string
	Translation string
	Comment     string
}

// Decoder accumulates fragments and delivers completed items. It is not safe
// for concurrent use; one decoder serves one provider response.
type Decoder struct {
	buf       strings.Builder
	seen      map[string]bool
	delivered []Item
	callbacks []func(Item)
}

// New creates an empty decoder.
func New() *Decoder {
	return &Decoder{seen: make(map[string]bool)}
}

// OnItem registers a callback invoked once per newly completed key.
func (d *Decoder) OnItem(fn func(Item)) {
	d.callbacks = append(d.callbacks, fn)
}

// AddChunk appends a fragment and returns the items completed by it, in
// document order. Callbacks run before AddChunk returns.
func (d *Decoder) AddChunk(chunk string) []Item {
	d.buf.WriteString(chunk)

	var fresh []Item
	for _, it := range parse(normalize(d.buf.String())) {
		if d.seen[it.Key] {
			continue
		}
		d.seen[it.Key] = true
		d.delivered = append(d.delivered, it)
		fresh = append(fresh, it)
		for _, fn := range d.callbacks {
			fn(it)
		}
	}
	return fresh
}

// Items re-scans the whole buffer and returns every complete item. When a
// key occurs twice the first occurrence wins.
func (d *Decoder) Items() []Item {
	return dedupe(parse(normalize(d.buf.String())))
}

// Delivered returns the items handed out so far, in delivery order.
func (d *Decoder) Delivered() []Item {
	out := make([]Item, len(d.delivered))
	copy(out, d.delivered)
	return out
}

// Buffer returns the raw accumulated text.
func (d *Decoder) Buffer() string {
	return d.buf.String()
}

// Normalized returns the buffer as it is scanned: trimmed to the markup,
// unescaped and wrapped in a root element when none is present.
func (d *Decoder) Normalized() string {
	return normalize(d.buf.String())
}

// Finish reports ErrMalformedResponse when the buffer holds text but no item
// could be decoded from it.
func (d *Decoder) Finish() error {
	if strings.TrimSpace(d.buf.String()) != "" && len(d.Items()) == 0 {
		return ErrMalformedResponse
	}
	return nil
}

// Reset clears the buffer and the delivery record. Callbacks are kept.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.seen = make(map[string]bool)
	d.delivered = nil
}

// Decode parses a complete payload in one call.
func Decode(payload string) []Item {
	return dedupe(parse(normalize(payload)))
}

func dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.Key] {
			continue
		}
		seen[it.Key] = true
		out = append(out, it)
	}
	return out
}

// ---------------------------------------------------------------------------
// Pre-scan normalization
// ---------------------------------------------------------------------------

var unescaper = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\'`, `'`)

// prepare drops anything before the first '<' and after the last '>' and
// removes backslash escaping that providers add when the markup travels
// inside a JSON string.
func prepare(buf string) string {
	first := strings.IndexByte(buf, '<')
	last := strings.LastIndexByte(buf, '>')
	if first < 0 || last < first {
		return ""
	}
	return unescaper.Replace(buf[first : last+1])
}

// normalize is the pre-scan shared by every parse: trim, unescape and
// synthesize the root element. Items are only emitted on a closing item
// tag, so the synthesized closing root never completes a partial item.
func normalize(buf string) string {
	return wrapRoot(prepare(buf))
}

// wrapRoot adds the root element when the document starts with an item.
func wrapRoot(doc string) string {
	if doc == "" {
		return ""
	}
	for _, t := range lex(doc) {
		if t.kind != tokStart {
			continue
		}
		if t.name == "item" {
			return "<" + rootElement + ">" + doc + "</" + rootElement + ">"
		}
		return doc
	}
	return doc
}

// ---------------------------------------------------------------------------
// Item state machine
// ---------------------------------------------------------------------------

type state int

const (
	stOutside state = iota
	stItem
	stKey
	stTrx
	stComment
)

// field returns the element name collected in s.
func (s state) field() string {
	switch s {
	case stKey:
		return "key"
	case stTrx:
		return "trx"
	case stComment:
		return "comment"
	}
	return ""
}

type itemBuilder struct {
	key, trx, comment strings.Builder
	hasTrx            bool
}

func (b *itemBuilder) reset() {
	b.key.Reset()
	b.trx.Reset()
	b.comment.Reset()
	b.hasTrx = false
}

func (b *itemBuilder) target(s state) *strings.Builder {
	switch s {
	case stKey:
		return &b.key
	case stTrx:
		return &b.trx
	default:
		return &b.comment
	}
}

// parse walks the token stream and returns every well-formed item.
func parse(doc string) []Item {
	if doc == "" {
		return nil
	}

	var (
		items []Item
		st    = stOutside
		b     itemBuilder
	)

	for _, t := range lex(doc) {
		switch st {
		case stOutside:
			if t.kind == tokStart && t.name == "item" {
				b.reset()
				st = stItem
			}

		case stItem:
			switch {
			case t.kind == tokStart && t.name == "key":
				st = stKey
			case t.kind == tokStart && t.name == "trx":
				b.hasTrx = true
				st = stTrx
			case t.kind == tokStart && t.name == "comment":
				st = stComment
			case t.kind == tokStart && t.name == "item":
				// Unterminated previous item: start over.
				b.reset()
			case t.kind == tokEnd && t.name == "item":
				key := strings.TrimSpace(b.key.String())
				if key != "" && b.hasTrx {
					items = append(items, Item{
						Key:         key,
						Translation: strings.TrimSpace(b.trx.String()),
						Comment:     strings.TrimSpace(b.comment.String()),
					})
				}
				st = stOutside
			}

		case stKey, stTrx, stComment:
			out := b.target(st)
			switch {
			case t.kind == tokCDATA:
				out.WriteString(t.text)
			case t.kind == tokText:
				out.WriteString(html.UnescapeString(t.text))
			case t.kind == tokEnd && t.name == st.field():
				st = stItem
			case t.kind == tokStart && t.name == "item":
				b.reset()
				st = stItem
			case t.kind == tokEnd && t.name == "item":
				// Item closed while a field was open: drop it.
				st = stOutside
			case t.kind == tokStart:
				// Inline markup outside CDATA is kept literally.
				out.WriteString("<" + t.name + ">")
			case t.kind == tokEnd:
				out.WriteString("</" + t.name + ">")
			}
		}
	}
	return items
}
