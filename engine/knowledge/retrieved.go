package knowledge

// Status tags the outcome of a retrieval request.
type Status string

const (
	// StatusOK means the search ran against the vector store.
	StatusOK Status = "ok"
	// StatusDegraded means a fallback response was produced because some
	// stage of the query path failed.
	StatusDegraded Status = "degraded"
)

// RetrievedContext represents a chunk returned by the retrieval service.
type RetrievedContext struct {
	ID            string
	Content       string
	Score         float64
	TokenEstimate int
	Metadata      map[string]any
}
