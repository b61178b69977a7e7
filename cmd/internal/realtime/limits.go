package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// DefaultDedupWindow is how long an accepted send suppresses identical retries.
	DefaultDedupWindow = 10 * time.Second

	// DefaultPersistTimeout bounds one message write, detached from the sender's connection.
	DefaultPersistTimeout = 5 * time.Second

	// DefaultPresenceTTL is how long a shared presence entry survives without a heartbeat.
	DefaultPresenceTTL = 90 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
