package provider

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Static answers from a fixed table without any network access. Keys
// missing from Translations are rendered by Transform, or echoed as
// "[target] source" when Transform is nil. The payload is cut into
// FragmentSize byte pieces to exercise streaming consumers.
type Static struct {
	ID           string
	Translations map[string]string
	Transform    func(target, text string) string
	// Extra items are appended to every response, whether requested or not.
	Extra map[string]string
	// FragmentSize is the byte length of each fragment; 0 sends one piece.
	FragmentSize int
	// Usage is reported on the last fragment when set.
	Usage *Usage
	// Err, when set, is returned after the payload has been streamed.
	Err error
	// Calls counts Execute invocations.
	Calls int

	mu sync.Mutex
}

func (s *Static) Name() string {
	if s.ID != "" {
		return s.ID
	}
	return "static"
}

func (s *Static) Execute(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	s.mu.Lock()
	s.Calls++
	s.mu.Unlock()
	return func(yield func(Fragment, error) bool) {
		payload := s.render(req)
		size := s.FragmentSize
		if size <= 0 {
			size = len(payload)
		}
		for i := 0; i < len(payload); i += size {
			if err := ctx.Err(); err != nil {
				yield(Fragment{}, err)
				return
			}
			frag := Fragment{Text: payload[i:min(i+size, len(payload))]}
			if i+size >= len(payload) && s.Usage != nil {
				u := *s.Usage
				frag.Usage = &u
			}
			if !yield(frag, nil) {
				return
			}
		}
		if s.Err != nil {
			yield(Fragment{}, s.Err)
		}
	}
}

func (s *Static) render(req Request) string {
	var b strings.Builder
	b.WriteString("<translations>\n")
	write := func(key, value string) {
		fmt.Fprintf(&b, "<item><key>%s</key><trx>%s</trx></item>\n", key, cdata(value))
	}
	for _, key := range req.Keys {
		write(key, s.translate(req.TargetLocale, key, req.Texts[key]))
	}
	for key, value := range s.Extra {
		write(key, value)
	}
	b.WriteString("</translations>")
	return b.String()
}

func (s *Static) translate(target, key, text string) string {
	if v, ok := s.Translations[key]; ok {
		return v
	}
	if s.Transform != nil {
		return s.Transform(target, text)
	}
	return "[" + target + "] " + text
}
