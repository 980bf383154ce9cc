package pipeline

// Lifecycle event names.
const (
	EventTranslationStarted   = "translation.started"
	EventTranslationCompleted = "translation.completed"
	EventTranslationFailed    = "translation.failed"
	EventTranslationProgress  = "translation.progress"
	EventTranslationItem      = "translation.item"
	EventDiffClassified       = "diff.classified"
	EventDiffRemoved          = "diff.removed"
)

// StageStarted returns the event name emitted before stage runs.
func StageStarted(stage Stage) string {
	return "stage." + string(stage) + ".started"
}

// StageCompleted returns the event name emitted after stage ran.
func StageCompleted(stage Stage) string {
	return "stage." + string(stage) + ".completed"
}

// EventKind tags which payload fields of an Event are set.
type EventKind int

const (
	KindLifecycle EventKind = iota // Err set on failure
	KindStage                      // Stage set
	KindProgress                   // Progress set
	KindItem                       // Record set
	KindDiff                       // Keys and Counts set
)

// Progress reports how many keys of a pass have been translated.
type Progress struct {
	Done  int
	Total int
}

// Event is delivered synchronously to observers.
type Event struct {
	Name    string
	Kind    EventKind
	Context *Context

	Stage    Stage
	Err      error
	Progress Progress
	Record   *Record
	Keys     []string
	Counts   map[string]int
}

// Observer receives pipeline events.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
