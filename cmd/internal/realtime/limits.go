package realtime

import "time"

const (
	// Read limit applied to every websocket frame.
	maxFrameBytes = 64 << 10

	// Longest accepted message body, in runes.
	maxMessageChars = 4000

	// Undelivered messages replayed to a member on join.
	maxReplayMessages = 200

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Gateway defaults, overridable through GatewayConfig.
const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
