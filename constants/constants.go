package constants

// Event types. Any other non-empty string is accepted as a custom event type.
const (
	EventInstallation = "installation"
	EventSubscription = "subscription"
)

// Fraud flags attached to events for backend-side trust scoring.
const (
	FlagSuspect  = "suspect"
	FlagEmulator = "emulator"
	FlagVPN      = "vpn"
	FlagProxy    = "proxy"
)

// Wire headers sent with every event batch.
const (
	HeaderAPIKey         = "X-Api-Key"
	HeaderPublisherID    = "X-Publisher-Id"
	HeaderAppID          = "X-App-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// EventsPath is the collection endpoint relative to the configured base URL.
const EventsPath = "/v1/events"

// Well-known payload keys the resolver and dedup logic read.
const (
	PayloadKeyURL            = "url"
	PayloadKeyReferrerURL    = "referrerUrl"
	PayloadKeySubscriptionID = "subscriptionId"
	PayloadKeyPlatform       = "platform"
	PayloadKeyOSVersion      = "osVersion"
	PayloadKeyAmount         = "amount"
	PayloadKeyCurrency       = "currency"
)

// Tracking defaults applied when the configuration omits a value.
const (
	DefaultSessionTimeoutMinutes = 30
	DefaultMaxRetries            = 3
	DefaultRetryDelayMs          = 1000
	DefaultBatchSize             = 20
	DefaultStoreCapacity         = 10000
	DefaultParallelism           = 2
)
