// Package pipeline implements the staged translation pipeline.
//
// A pass walks a fixed list of stages (pre_process through output). Each
// stage runs its handlers in descending priority order; handlers mutate the
// Context and may yield output records. Process returns a lazy, single-use
// sequence: no handler runs until the consumer pulls, and the consumer can
// stop at any point. Global wrappers surround the whole stage walk, stage
// wrappers surround one stage. Termination handlers always run once the
// sequence finishes, whether it completed, failed or was abandoned.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Seq is a lazy stream of output records. A non-nil error is always the last
// element of the stream.
type Seq = iter.Seq2[Record, error]

// Handler runs inside one stage. It may return nil when it produces no
// output.
type Handler func(*Context) Seq

// Next continues execution inside a wrapper.
type Next func(*Context) Seq

// Wrapper surrounds the execution of the whole pipeline or of one stage.
type Wrapper func(c *Context, next Next) Seq

// Termination runs after every pass. err is nil for a completed pass.
type Termination func(c *Context, err error)

type prioritized[T any] struct {
	fn       T
	priority int
}

// Pipeline owns stage handlers, wrappers and event observers.
type Pipeline struct {
	mu            sync.RWMutex
	handlers      map[Stage][]prioritized[Handler]
	stageWrappers map[Stage][]prioritized[Wrapper]
	wrappers      []prioritized[Wrapper]
	terminations  []Termination
	observers     map[string][]Observer
	catchAll      []Observer

	log zerolog.Logger
	now func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for stage tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		handlers:      make(map[Stage][]prioritized[Handler]),
		stageWrappers: make(map[Stage][]prioritized[Wrapper]),
		observers:     make(map[string][]Observer),
		log:           zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// insertSorted appends v and keeps the slice ordered by descending priority.
// Equal priorities keep registration order.
func insertSorted[T any](list []prioritized[T], v prioritized[T]) []prioritized[T] {
	list = append(list, v)
	slices.SortStableFunc(list, func(a, b prioritized[T]) int {
		return b.priority - a.priority
	})
	return list
}

// RegisterStage adds a handler to stage. Higher priorities run first.
func (p *Pipeline) RegisterStage(stage Stage, h Handler, priority int) error {
	if !stage.Valid() {
		return &StageError{Stage: stage, Err: ErrUnknownStage}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[stage] = insertSorted(p.handlers[stage], prioritized[Handler]{h, priority})
	return nil
}

// RegisterStageWrapper wraps the handler execution of a single stage.
func (p *Pipeline) RegisterStageWrapper(stage Stage, w Wrapper, priority int) error {
	if !stage.Valid() {
		return &StageError{Stage: stage, Err: ErrUnknownStage}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stageWrappers[stage] = insertSorted(p.stageWrappers[stage], prioritized[Wrapper]{w, priority})
	return nil
}

// RegisterGlobalWrapper wraps the entire stage walk. The highest priority
// wrapper is the outermost one.
func (p *Pipeline) RegisterGlobalWrapper(w Wrapper, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrappers = insertSorted(p.wrappers, prioritized[Wrapper]{w, priority})
}

// RegisterMiddleware is an alias of RegisterGlobalWrapper.
func (p *Pipeline) RegisterMiddleware(w Wrapper, priority int) {
	p.RegisterGlobalWrapper(w, priority)
}

// OnTerminate registers a handler that runs after every pass.
func (p *Pipeline) OnTerminate(fn Termination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminations = append(p.terminations, fn)
}

// On subscribes o to the named event.
func (p *Pipeline) On(event string, o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers[event] = append(p.observers[event], o)
}

// Subscribe registers o for every event.
func (p *Pipeline) Subscribe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catchAll = append(p.catchAll, o)
}

// HandlerCount returns the number of handlers registered for stage.
func (p *Pipeline) HandlerCount(stage Stage) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[stage])
}

// Emit delivers ev to its named observers, then to catch-all observers.
func (p *Pipeline) Emit(ev Event) {
	p.mu.RLock()
	named := slices.Clone(p.observers[ev.Name])
	all := slices.Clone(p.catchAll)
	p.mu.RUnlock()

	for _, o := range named {
		o.OnEvent(ev)
	}
	for _, o := range all {
		o.OnEvent(ev)
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// snapshot is the registration state captured when a pass starts, so a
// plugin registering mid-pass never changes the running pass.
type snapshot struct {
	handlers      map[Stage][]prioritized[Handler]
	stageWrappers map[Stage][]prioritized[Wrapper]
	wrappers      []prioritized[Wrapper]
	terminations  []Termination
}

func (p *Pipeline) capture() snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := snapshot{
		handlers:      make(map[Stage][]prioritized[Handler], len(p.handlers)),
		stageWrappers: make(map[Stage][]prioritized[Wrapper], len(p.stageWrappers)),
		wrappers:      slices.Clone(p.wrappers),
		terminations:  slices.Clone(p.terminations),
	}
	for st, hs := range p.handlers {
		s.handlers[st] = slices.Clone(hs)
	}
	for st, ws := range p.stageWrappers {
		s.stageWrappers[st] = slices.Clone(ws)
	}
	return s
}

// Process starts a pass for req. The returned sequence is lazy and can be
// ranged over once; the Context is available immediately for inspection
// after (or while) the sequence is consumed.
func (p *Pipeline) Process(ctx context.Context, req Request) (Seq, *Context) {
	c := NewContext(ctx, req, p.now())
	var used atomic.Bool

	seq := func(yield func(Record, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Record{}, ErrConsumed)
			return
		}
		p.run(c, p.capture(), yield)
	}
	return seq, c
}

func (p *Pipeline) run(c *Context, s snapshot, yield func(Record, error) bool) {
	var (
		runErr     error
		terminated bool
		inConsumer bool
	)
	terminate := func() {
		if terminated {
			return
		}
		terminated = true
		for _, fn := range s.terminations {
			fn(c, runErr)
		}
	}

	log := p.log.With().
		Str("source", c.Request.SourceLocale).
		Str("target", c.Request.TargetLocale).
		Str("domain", c.Request.Domain).
		Logger()

	defer func() {
		r := recover()
		if r == nil {
			terminate()
			return
		}
		// A panic in the consumer's loop body is its own; the pass is
		// abandoned and the panic continues once terminations ran.
		if inConsumer {
			runErr = ErrAborted
			terminate()
			panic(r)
		}
		runErr = &StageError{Stage: c.CurrentStage(), Err: fmt.Errorf("panic: %v", r)}
		p.fail(c, runErr, log)
		terminate()
		yield(Record{}, runErr)
	}()

	p.Emit(Event{Name: EventTranslationStarted, Kind: KindLifecycle, Context: c})
	log.Debug().Int("keys", len(c.Request.Texts)).Msg("translation started")

	exec := chain(s.wrappers, func(c *Context) Seq {
		return p.execute(c, s, log)
	})

	if err := c.Request.Validate(); err != nil {
		runErr = err
	} else {
		for rec, err := range exec(c) {
			if err != nil {
				runErr = err
				break
			}
			inConsumer = true
			more := yield(rec, nil)
			inConsumer = false
			if !more {
				runErr = ErrAborted
				log.Debug().Msg("consumer stopped pulling")
				return
			}
		}
	}

	if runErr != nil {
		p.fail(c, runErr, log)
		// The caller sees the error only after every termination handler ran.
		terminate()
		yield(Record{}, runErr)
		return
	}

	c.complete(p.now())
	p.Emit(Event{Name: EventTranslationCompleted, Kind: KindLifecycle, Context: c})
	log.Debug().Dur("took", c.Duration()).Int("warnings", len(c.Warnings())).Msg("translation completed")
}

func (p *Pipeline) fail(c *Context, err error, log zerolog.Logger) {
	c.AddError(err.Error())
	p.Emit(Event{Name: EventTranslationFailed, Kind: KindLifecycle, Context: c, Err: err})
	log.Error().Err(err).Str("stage", string(c.CurrentStage())).Msg("translation failed")
}

// execute is the terminal of the global wrapper chain: it walks every stage.
func (p *Pipeline) execute(c *Context, s snapshot, log zerolog.Logger) Seq {
	return func(yield func(Record, error) bool) {
		for _, stage := range stageOrder {
			if err := c.Ctx().Err(); err != nil {
				yield(Record{}, stageError(stage, err))
				return
			}
			if err := c.Advance(stage); err != nil {
				yield(Record{}, stageError(stage, err))
				return
			}

			p.Emit(Event{Name: StageStarted(stage), Kind: KindStage, Context: c, Stage: stage})
			start := p.now()

			run := chain(s.stageWrappers[stage], func(c *Context) Seq {
				return runHandlers(s.handlers[stage], c)
			})
			for rec, err := range run(c) {
				if err != nil {
					yield(Record{}, stageError(stage, err))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}

			p.Emit(Event{Name: StageCompleted(stage), Kind: KindStage, Context: c, Stage: stage})
			log.Debug().Str("stage", string(stage)).Dur("took", p.now().Sub(start)).Msg("stage completed")
		}
	}
}

// runHandlers flattens the output of every handler of a stage.
func runHandlers(handlers []prioritized[Handler], c *Context) Seq {
	return func(yield func(Record, error) bool) {
		for _, h := range handlers {
			out := h.fn(c)
			if out == nil {
				continue
			}
			for rec, err := range out {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// chain composes wrappers right to left around terminal, so wrappers[0]
// ends up outermost.
func chain(wrappers []prioritized[Wrapper], terminal Next) Next {
	next := terminal
	for i := len(wrappers) - 1; i >= 0; i-- {
		w, inner := wrappers[i].fn, next
		next = func(c *Context) Seq {
			return w(c, inner)
		}
	}
	return next
}

// ---------------------------------------------------------------------------
// Handler helpers
// ---------------------------------------------------------------------------

// Do adapts a side-effect-only function to a Handler.
func Do(fn func(*Context) error) Handler {
	return func(c *Context) Seq {
		return func(yield func(Record, error) bool) {
			if err := fn(c); err != nil {
				yield(Record{}, err)
			}
		}
	}
}

// Records returns a Seq yielding records in order.
func Records(records ...Record) Seq {
	return func(yield func(Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Fail returns a Seq that yields only err.
func Fail(err error) Seq {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}

// Collect drains seq. Records yielded before a failure are returned along
// with the error.
func Collect(seq Seq) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
