package protocol

import "time"

// Wire-protocol limits.
const (
	// MaxFileSize is the largest accepted upload (100 MiB).
	MaxFileSize = 100 * 1024 * 1024

	// FileTTL is how long an uploaded file stays retrievable.
	FileTTL = 15 * time.Minute

	// MaxFrameSize bounds one inbound websocket frame. Base64 inflates
	// payloads by 4/3, so this sits above MaxFileSize with headroom for
	// the JSON envelope.
	MaxFrameSize = MaxFileSize/3*4 + 4096
)
