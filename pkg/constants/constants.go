// Package constants defines magic numbers and default values used throughout gohttpstream
package constants

import "time"

// Connection defaults.
const (
	DefaultDialTimeout = 30 * time.Second
)

// HTTP/2 settings profile we advertise. The receive window is sized so
// credit updates amortize, MAX_CONCURRENT_STREAMS is 0 since we never
// accept peer-initiated streams, and PUSH is disabled.
const (
	H2HeaderTableSize   = 4096
	H2EnablePush        = 0
	H2MaxConcurrentStrm = 0
	H2InitialWindowSize = 1_048_575
	H2MaxFrameSize      = 1_048_576
	H2MaxHeaderListSize = 65_536
	H2ConnWindowCredit  = 1 << 30
)

// HTTP/1.1 limits.
const (
	H1MaxHeaderBytes   = 64 * 1024
	H1HeaderGrowthStep = 2 * 1024
	H1ChunkReadSize    = 1536
)

// Output queue limits.
const (
	H2QueueMaxBytes = 16 * 1024 * 1024 // 16 MiB back-pressure cap
)
