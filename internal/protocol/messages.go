package protocol

import "time"

// DecodeRequest asks the decode worker to transcribe one audio source.
type DecodeRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	AudioSource string `json:"audio_source"`
}

// SegmentResult is the text-bearing part of an output entry.
type SegmentResult struct {
	Text string `json:"text"`
}

// OutputSegment is one ordered recognition result.
type OutputSegment struct {
	Start    float64       `json:"start,omitempty"`
	Duration float64       `json:"duration,omitempty"`
	Result   SegmentResult `json:"result"`
}

// DecodeResult is the terminal reply for a DecodeRequest.
type DecodeResult struct {
	RequestID  string          `json:"request_id,omitempty"`
	Status     string          `json:"status"`
	Text       string          `json:"text"`
	Output     []OutputSegment `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Complete reports whether the result carries a transcript.
func (r DecodeResult) Complete() bool {
	return r.Status == StatusComplete
}

const StatusComplete = "complete"

const (
	SubjectDecodeRequest = "stt.decode.request"
	SubjectDecodeResult  = "stt.decode.result"
	QueueDecoders        = "stt-decoders"
)

// SubjectNodeDecodeRequest addresses the decode worker of one node. Requests
// naming a node-local locator such as a blob must be sent here, since other
// workers in the queue group cannot resolve them.
func SubjectNodeDecodeRequest(nodeID string) string {
	return "stt.decode.node." + nodeID + ".request"
}
