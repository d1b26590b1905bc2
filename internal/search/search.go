package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSOP  ResultType = "sop"
	ResultStep ResultType = "step"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	SOPID    string     `json:"sopId"`
	Category string     `json:"category,omitempty"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCategory string
	PublishedOnly  bool
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SOPRecord is the data we index for a procedure.
type SOPRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	CreatedBy   string `json:"createdBy"`
}

// StepRecord is the data we index for a step.
type StepRecord struct {
	ID           string `json:"id"`
	SOPID        string `json:"sopId"`
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
	SafetyNotes  string `json:"safetyNotes"`
	Category     string `json:"category"`
	Status       string `json:"status"`
}
