// Package progress reports download progress to the CLI without coupling the
// bootstrap code to any output format.
package progress

// Phase identifies a stage of the base-image fetch.
type Phase int

const (
	PhaseDownload Phase = iota
	PhaseCommit
	PhaseDone
)

// Event is one progress report. BytesTotal is -1 when the server did not
// send a Content-Length.
type Event struct {
	Phase      Phase
	BytesDone  int64
	BytesTotal int64
}

// Tracker receives events. A nil-safe no-op tracker is returned by Discard.
type Tracker interface {
	OnEvent(Event)
}

// TrackerFunc adapts a function to the Tracker interface.
type TrackerFunc func(Event)

func (f TrackerFunc) OnEvent(e Event) { f(e) }

// Discard returns a Tracker that drops all events.
func Discard() Tracker {
	return TrackerFunc(func(Event) {})
}
