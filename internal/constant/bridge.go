package constant

import "fmt"

const (
	ProductionEnvironment = "production"

	ExitConfigError   = 1
	ExitFatalUpstream = 2
	ExitInvalidCLI    = 64
)

// WebSocket close reason for clients whose outbound queue overflows.
const SlowConsumerReason = "slow_consumer"

// Client-facing error codes.
const (
	ErrCodeBadRequest            = "bad_request"
	ErrCodeNotConnected          = "not_connected"
	ErrCodeDuplicateSubscription = "duplicate_subscription"
	ErrCodeNotFound              = "not_found"
	ErrCodeNotOwned              = "not_owned"
	ErrCodeTerminal              = "terminal"
	ErrCodeInternal              = "internal"
)

const (
	MarketDataStreamName       = "market_data"
	MarketDataStreamSubjectAll = "market_data.*"
)

func GetMarketDataStreamSubject(symbol string) string {
	return fmt.Sprintf("market_data.%s", symbol)
}
