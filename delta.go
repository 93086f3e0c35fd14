package streamproxy

// FunctionCall is a single tool invocation decoded from the stream.
type FunctionCall struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// Delta is one decoded unit of model output. Reason and Body carry the
// text accumulated over all fragments seen so far for the response;
// Function entries are only ever appended. Done is set when the terminal
// chunk marker has been observed.
//
// Error, Status and Message are populated instead of the text fields when
// the upstream answered the intercepted request with an HTTP error.
type Delta struct {
	Reason   string         `json:"reason"`
	Body     string         `json:"body"`
	Function []FunctionCall `json:"function"`
	Done     bool           `json:"done"`

	Error   bool   `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// Connection metadata, filled in by the proxy before publishing.
	Host    string `json:"host,omitempty"`
	Path    string `json:"path,omitempty"`
	Session string `json:"session,omitempty"`
}
