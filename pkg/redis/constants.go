package redis

import "time"

// Top-level key namespace shared with the backend that publishes bridge events.
const NamespaceChat = "chat"

// Redis contexts define the second-level key prefixes.
const (
	ContextNonce    = "nonce"    // single-use bridge nonces
	ContextPresence = "presence" // cluster-wide room membership index
	ContextNode     = "node"     // node liveness heartbeats
	ContextSecurity = "security" // rejected-envelope audit stream
)

// TTL constants define the time-to-live durations for different types of data
const (
	TTLNonce         = 60 * time.Second // equals the replay window
	TTLNodeHeartbeat = 30 * time.Second
)

// Default pub/sub channel names, matching the existing deployment.
const (
	DefaultBridgeChannel  = "vsystem_chat_event"
	DefaultClusterChannel = "vsystem_chat_bus"
)
