package relay

// FrameType identifies a frame on the duplex attach channel.
type FrameType string

const (
	FrameOutput FrameType = "output"
	FrameInput  FrameType = "input"
	FrameResize FrameType = "resize"
	FrameEnded  FrameType = "ended"
)

// Frame is one message on the attach wire. Data rides as base64 in JSON.
// The ended frame, not connection teardown, is the authoritative
// end-of-stream signal for clients.
type Frame struct {
	Type     FrameType `json:"type"`
	Data     []byte    `json:"data,omitempty"`
	Rows     uint16    `json:"rows,omitempty"`
	Cols     uint16    `json:"cols,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
}
