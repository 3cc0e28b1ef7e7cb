package protocol

// Envelope limits.
const (
	// MaxCommandSize bounds a client command. Commands are tiny; anything
	// larger is rejected before it is unmarshalled.
	MaxCommandSize = 4 * 1024
	// MaxTopicLength bounds a topic name.
	MaxTopicLength = 64
)
