package proxy

// State is the progress of one dispatch.
type State int

// Dispatch states. A dispatch moves from Forwarding to HeadersReceived and
// then through one of the two body states to Completed, or ends in Faulted
// on a backend transport error or a client disconnect.
const (
	StateForwarding State = iota
	StateHeadersReceived
	StateRawBodyPassthrough
	StateBufferedJSONTransform
	StateCompleted
	StateFaulted
)

var stateNames = [...]string{
	StateForwarding:            "forwarding",
	StateHeadersReceived:       "headers_received",
	StateRawBodyPassthrough:    "raw_body_passthrough",
	StateBufferedJSONTransform: "buffered_json_transform",
	StateCompleted:             "completed",
	StateFaulted:               "faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
