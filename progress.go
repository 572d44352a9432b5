package warpsign

import "fmt"

// Phase names a stage of the sign orchestrator's pipeline, emitted in
// progress events as each bundle moves through it.
type Phase string

const (
	PhaseUnpack     Phase = "unpack"
	PhaseInventory  Phase = "inventory"
	PhaseAuth       Phase = "auth"
	PhaseReconcile  Phase = "reconcile"
	PhaseMutate     Phase = "mutate"
	PhaseRewrite    Phase = "rewrite"
	PhaseSign       Phase = "sign"
	PhaseRepack     Phase = "repack"
)

// Event is one progress notification sent to a ProgressSink.
type Event struct {
	Phase   Phase
	Current int
	Total   int
	Detail  string
}

// ProgressSink receives orchestrator progress events. The sink used by
// cmd/warpsign (TerminalSink) prints one line per event; tests substitute a
// RecordingSink. This replaces the teacher's package-level debugf tracing
// with an explicit collaborator, per the module-singleton redesign flag.
type ProgressSink interface {
	Progress(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Progress(Event) {}

// RecordingSink appends every event it receives, for use in tests.
type RecordingSink struct {
	Events []Event
}

func (s *RecordingSink) Progress(e Event) {
	s.Events = append(s.Events, e)
}

// TerminalSink writes a single line per event to the given writer.
type TerminalSink struct {
	Write func(string)
}

func (s TerminalSink) Progress(e Event) {
	if s.Write == nil {
		return
	}
	if e.Total > 0 {
		s.Write(fmt.Sprintf("[%s] %d/%d %s", e.Phase, e.Current, e.Total, e.Detail))
		return
	}
	s.Write(fmt.Sprintf("[%s] %s", e.Phase, e.Detail))
}
