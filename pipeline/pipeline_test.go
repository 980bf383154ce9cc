package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		Texts:        map[string]string{"a": "Hello", "b": "World"},
		SourceLocale: "en",
		TargetLocale: "de",
		Domain:       "messages",
	}
}

func TestProcessRunsStagesInOrder(t *testing.T) {
	p := New()

	var seen []Stage
	for _, st := range Stages() {
		require.NoError(t, p.RegisterStage(st, Do(func(c *Context) error {
			seen = append(seen, c.CurrentStage())
			return nil
		}), 0))
	}

	seq, c := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)

	assert.Equal(t, Stages(), seen)
	assert.Equal(t, StageOutput, c.CurrentStage())
	assert.False(t, c.CompletedAt().IsZero())
	assert.Empty(t, c.Errors())
}

func TestHandlersRunByDescendingPriority(t *testing.T) {
	p := New()
	var order []string
	add := func(name string, prio int) {
		require.NoError(t, p.RegisterStage(StagePreparation, Do(func(*Context) error {
			order = append(order, name)
			return nil
		}), prio))
	}
	add("low", 1)
	add("high", 10)
	add("mid", 5)
	add("mid-2", 5)

	seq, _ := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "mid-2", "low"}, order)
}

func TestRegisterStageRejectsUnknownStage(t *testing.T) {
	p := New()
	err := p.RegisterStage(Stage("bogus"), Do(func(*Context) error { return nil }), 0)
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestOutputIsFlattenedAndLazy(t *testing.T) {
	p := New()
	var calls int
	require.NoError(t, p.RegisterStage(StageTranslation, func(c *Context) Seq {
		calls++
		return Records(
			Record{Key: "a", Value: "Hallo", Locale: "de"},
			Record{Key: "b", Value: "Welt", Locale: "de"},
		)
	}, 0))
	require.NoError(t, p.RegisterStage(StageOutput, func(c *Context) Seq {
		calls++
		return Records(Record{Key: "c", Value: "!", Locale: "de"})
	}, 0))

	seq, _ := p.Process(context.Background(), testRequest())
	assert.Equal(t, 0, calls, "handlers must not run before the sequence is pulled")

	recs, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Key)
	assert.Equal(t, "c", recs[2].Key)
	assert.Equal(t, 2, calls)
}

func TestSequenceIsSingleUse(t *testing.T) {
	p := New()
	seq, _ := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)

	_, err = Collect(seq)
	require.ErrorIs(t, err, ErrConsumed)
}

func TestGlobalWrappersComposeOutermostFirst(t *testing.T) {
	p := New()
	var trace []string
	wrap := func(name string) Wrapper {
		return func(c *Context, next Next) Seq {
			return func(yield func(Record, error) bool) {
				trace = append(trace, name+">")
				for rec, err := range next(c) {
					rec.Value = name + "(" + rec.Value + ")"
					if !yield(rec, err) {
						return
					}
				}
				trace = append(trace, "<"+name)
			}
		}
	}
	p.RegisterGlobalWrapper(wrap("inner"), 1)
	p.RegisterMiddleware(wrap("outer"), 10)
	require.NoError(t, p.RegisterStage(StageTranslation, func(c *Context) Seq {
		return Records(Record{Key: "a", Value: "x"})
	}, 0))

	seq, _ := p.Process(context.Background(), testRequest())
	recs, err := Collect(seq)
	require.NoError(t, err)

	assert.Equal(t, []string{"outer>", "inner>", "<inner", "<outer"}, trace)
	require.Len(t, recs, 1)
	assert.Equal(t, "outer(inner(x))", recs[0].Value)
}

func TestStageWrapperOnlySurroundsItsStage(t *testing.T) {
	p := New()
	var trace []string
	for _, st := range []Stage{StageChunking, StageTranslation, StageConsensus} {
		require.NoError(t, p.RegisterStage(st, Do(func(c *Context) error {
			trace = append(trace, string(c.CurrentStage()))
			return nil
		}), 0))
	}
	require.NoError(t, p.RegisterStageWrapper(StageTranslation, func(c *Context, next Next) Seq {
		return func(yield func(Record, error) bool) {
			trace = append(trace, "before")
			for rec, err := range next(c) {
				if !yield(rec, err) {
					return
				}
			}
			trace = append(trace, "after")
		}
	}, 0))

	seq, _ := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunking", "before", "translation", "after", "consensus"}, trace)
}

func TestStageFailureRecordsErrorAndRunsTerminations(t *testing.T) {
	p := New()
	boom := errors.New("boom")

	require.NoError(t, p.RegisterStage(StagePreparation, func(c *Context) Seq {
		return Records(Record{Key: "a", Value: "early"})
	}, 0))
	require.NoError(t, p.RegisterStage(StageTranslation, Do(func(*Context) error { return boom }), 0))

	var laterStage bool
	require.NoError(t, p.RegisterStage(StageValidation, Do(func(*Context) error {
		laterStage = true
		return nil
	}), 0))

	var events []string
	p.Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind == KindLifecycle {
			events = append(events, ev.Name)
		}
	}))

	var termErr error
	var terminated int
	p.OnTerminate(func(c *Context, err error) {
		terminated++
		termErr = err
	})

	seq, c := p.Process(context.Background(), testRequest())
	var (
		recs              []Record
		err               error
		terminatedAtError int
	)
	for rec, e := range seq {
		if e != nil {
			err = e
			terminatedAtError = terminated
			break
		}
		recs = append(recs, rec)
	}

	require.Error(t, err)
	assert.Equal(t, 1, terminatedAtError, "terminations run before the error reaches the caller")
	assert.ErrorIs(t, err, boom)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageTranslation, se.Stage)

	require.Len(t, recs, 1, "records yielded before the failure stay valid")
	assert.False(t, laterStage)
	assert.Equal(t, 1, terminated)
	assert.ErrorIs(t, termErr, boom)
	require.Len(t, c.Errors(), 1)
	assert.True(t, strings.Contains(c.Errors()[0], "boom"))
	assert.True(t, c.CompletedAt().IsZero())
	assert.Equal(t, []string{EventTranslationStarted, EventTranslationFailed}, events)
}

func TestHandlerPanicFailsThePass(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStage(StageTranslation, func(c *Context) Seq {
		return Records(Record{Key: "a", Value: "A"})
	}, 0))
	require.NoError(t, p.RegisterStage(StageValidation, Do(func(*Context) error {
		panic("boom")
	}), 0))

	var failed bool
	p.On(EventTranslationFailed, ObserverFunc(func(Event) { failed = true }))
	var (
		terminated bool
		termErr    error
	)
	p.OnTerminate(func(c *Context, err error) {
		terminated = true
		termErr = err
	})

	seq, c := p.Process(context.Background(), testRequest())
	recs, err := Collect(seq)

	require.Len(t, recs, 1)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageValidation, se.Stage)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.True(t, terminated)
	assert.Equal(t, err, termErr)
	assert.True(t, failed)
	require.Len(t, c.Errors(), 1)
	assert.True(t, c.CompletedAt().IsZero())
}

func TestConsumerPanicAbortsAndPropagates(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStage(StageTranslation, func(c *Context) Seq {
		return Records(Record{Key: "a"}, Record{Key: "b"})
	}, 0))

	var termErr error
	p.OnTerminate(func(c *Context, err error) { termErr = err })

	seq, c := p.Process(context.Background(), testRequest())
	assert.PanicsWithValue(t, "consumer", func() {
		for range seq {
			panic("consumer")
		}
	})
	assert.ErrorIs(t, termErr, ErrAborted)
	assert.Empty(t, c.Errors())
}

func TestTerminationsRunWhenConsumerStops(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStage(StageTranslation, func(c *Context) Seq {
		return Records(Record{Key: "a"}, Record{Key: "b"}, Record{Key: "c"})
	}, 0))

	var termErr error
	p.OnTerminate(func(c *Context, err error) { termErr = err })

	seq, c := p.Process(context.Background(), testRequest())
	for rec, err := range seq {
		require.NoError(t, err)
		if rec.Key == "a" {
			break
		}
	}
	assert.ErrorIs(t, termErr, ErrAborted)
	assert.Empty(t, c.Errors())
}

func TestInvalidRequestFails(t *testing.T) {
	p := New()
	req := testRequest()
	req.TargetLocale = "?? nope"

	var terminated bool
	p.OnTerminate(func(*Context, error) { terminated = true })

	seq, _ := p.Process(context.Background(), req)
	_, err := Collect(seq)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, terminated)
}

func TestCancelledContextStopsBetweenStages(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.RegisterStage(StagePreProcess, Do(func(*Context) error {
		cancel()
		return nil
	}), 0))

	seq, c := p.Process(ctx, testRequest())
	_, err := Collect(seq)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StagePreProcess, c.CurrentStage())
}

func TestStageEventsBracketEachStage(t *testing.T) {
	p := New()
	var names []string
	p.Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind == KindStage {
			names = append(names, ev.Name)
		}
	}))

	seq, _ := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)

	require.Len(t, names, 2*len(Stages()))
	assert.Equal(t, StageStarted(StagePreProcess), names[0])
	assert.Equal(t, StageCompleted(StagePreProcess), names[1])
	assert.Equal(t, StageCompleted(StageOutput), names[len(names)-1])
}

func TestNamedObserverOnlyGetsItsEvent(t *testing.T) {
	p := New()
	var got []string
	p.On(EventTranslationCompleted, ObserverFunc(func(ev Event) {
		got = append(got, ev.Name)
	}))
	seq, _ := p.Process(context.Background(), testRequest())
	_, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{EventTranslationCompleted}, got)
}
