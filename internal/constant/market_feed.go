package constant

import "fmt"

const (
	MarketFeedStreamName          = "market_feed"
	MarketFeedStreamSubjectAll    = "market_feed.*"
	MarketFeedStreamSubjectData   = "market_feed.data"
	MarketFeedStreamSubjectBinary = "market_feed.binary"
	MarketFeedStreamSubjectAck    = "market_feed.ack"

	MarketFeedStreamSubjectSubscription = "market_feed.subscription"
	MarketFeedStreamSubjectCommand      = "market_feed.command"

	MarketFeedCommandQueueName  = "market_feed_relay"
	MarketFeedCommandQueueGroup = "market_feed_relay_group"

	// viper splits keys on dots, so handler timeouts are keyed by name, not subject
	MarketFeedCommandTimeoutKey = "market_feed_command"

	MarketFeedSubscriptionsRedisKey = "market_feed:subscriptions"
	MarketFeedAccessTokenRedisKey   = "market_feed:access_token"

	MarketFeedHealthServiceName = "market_feed_relay"

	MarketFeedDatabaseName = "market_data"
	MarketFeedRedisName    = "market_feed"

	MarketFeedHTTPPortKey = "market_feed_relay_http"
	MarketFeedGRPCPortKey = "market_feed_relay_grpc"
)

func GetMarketFeedStreamSubject(kind string) string {
	return fmt.Sprintf("%s.%s", MarketFeedStreamName, kind)
}
