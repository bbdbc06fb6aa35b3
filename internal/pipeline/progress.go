// =================================
// File: internal/pipeline/progress.go
// =================================
package pipeline

// Stage identifies a pipeline phase in progress events.
type Stage string

const (
	StageSignatures   Stage = "signatures"
	StageTransactions Stage = "transactions"
	StagePrices       Stage = "prices"
)

// ProgressEvent reports completion of work within a stage. Events are
// delivered on a buffered channel with non-blocking sends: a slow consumer
// loses events, it never stalls the fetch.
type ProgressEvent struct {
	Stage     Stage `json:"stage"`
	Completed int   `json:"completed"`
	Total     int   `json:"total"`
}

// Events exposes the pipeline's progress stream. The channel is never
// closed; consumers select on it alongside their own context.
func (p *Pipeline) Events() <-chan ProgressEvent {
	return p.events
}

func (p *Pipeline) emit(ev ProgressEvent) {
	select {
	case p.events <- ev:
	default:
	}
}
