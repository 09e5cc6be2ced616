package pipeline

// EventType tags the variants streamed to a resolution caller.
type EventType string

const (
	EventStatus EventType = "status"
	EventChunk  EventType = "chunk"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one element of a resolution stream. A stream is zero or more
// Status/Chunk events followed by exactly one Done or Error, never both.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

func statusEvent(msg string) Event { return Event{Type: EventStatus, Content: msg} }
func chunkEvent(text string) Event { return Event{Type: EventChunk, Content: text} }
func doneEvent() Event             { return Event{Type: EventDone} }
func errorEvent(msg string) Event  { return Event{Type: EventError, Content: msg} }

// Stage progress messages shown to the caller while backends work.
const (
	StatusCacheHit     = "Found cached query, fetching results..."
	StatusRetrieving   = "Looking up similar questions..."
	StatusGenerating   = "Generating SPARQL query..."
	StatusExecuting    = "Running query against the knowledge graph..."
	StatusSynthesizing = "Composing answer..."
)

// thinkingMessages rotate on the stream when synthesis stays quiet past
// the configured interval, so long model stalls still look alive.
var thinkingMessages = []string{
	"Still thinking...",
	"Working on it...",
	"Almost there...",
	"Putting the answer together...",
}

// User-safe failure messages. Backend error detail goes to logs only.
const (
	msgGenerationFailed  = "Sorry, I couldn't formulate a query for that question. Please try rephrasing it."
	msgQueryRejected     = "Sorry, the generated query was not accepted by the knowledge graph. Please try rephrasing your question."
	msgBackendTimeout    = "Sorry, the knowledge graph took too long to respond. Please try again shortly."
	msgBackendDown       = "Sorry, the knowledge graph is currently unavailable. Please try again later."
	msgSynthesisFailed   = "Sorry, I couldn't compose an answer right now. Please try again."
	msgRequestCancelled  = "Request cancelled."
)
