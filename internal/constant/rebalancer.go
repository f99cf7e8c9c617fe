package constant

import "fmt"

const (
	RebalancerStreamName       = "rebalancer"
	RebalancerStreamSubjectAll = "rebalancer.>"

	RebalancerDatabaseName = "rebalancer"
	RebalancerRedisName    = "rebalancer"

	ExchangeUpbit = "upbit"

	DefaultRecentOrdersLimit = 20
)

// GetRebalancerEventSubject returns the jetstream subject used to mirror session events.
func GetRebalancerEventSubject(ticker string) string {
	return fmt.Sprintf("rebalancer.events.%s", ticker)
}

// GetRebalancerLockKey returns the redis key guarding the single live worker for a ticker.
func GetRebalancerLockKey(ticker string) string {
	return fmt.Sprintf("rebalancer:%s:worker-lock", ticker)
}
