package state

import "time"

const (
	// TQMax is the best possible transmission quality.
	TQMax = 255
	// ExpectedSeqnoRange bounds the forward jump still treated as packet loss rather than a restart.
	ExpectedSeqnoRange = 65536
	// MaxWindowSize is the widest sequence window a bitmap can hold.
	MaxWindowSize = 64
)

var (
	TTLPrimary   = uint8(50)
	TTLSecondary = uint8(2)
	// TTLSlack is how far below the best TTL a same-seqno OGM may arrive and still update rankings.
	TTLSlack = 3

	DefaultOrigInterval = time.Second
	DefaultJitter       = 20 * time.Millisecond
	DefaultHopPenalty   = uint8(30)
	DefaultLocalWindow  = 64
	DefaultGlobalWindow = 5
	DefaultSelClass     = uint32(20)

	MaxAggregationDelay   = 100 * time.Millisecond
	MaxAggregationBytes   = 512
	MaxAggregationPackets = 32

	TQLocalBidirectSendMin = 1
	TQLocalBidirectRecvMin = 1
	TQTotalBidirectLimit   = 1

	PurgeTimeout    = 200 * time.Second
	PurgeInterval   = time.Second
	ResetProtection = 30 * time.Second

	DropLogDedupTTL = time.Second
	WorkerQueueLen  = 256
	EventBufferLen  = 1024
)
