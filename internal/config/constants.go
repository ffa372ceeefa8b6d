package config

import "time"

// Constants defining default values for application configuration
const (
	DefaultDBPath       = "./ctimon.db"
	DefaultFeedsCSVPath = "./feeds.csv"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultHTTPTimeout    = 60 * time.Second

	DefaultLogLevel = "info"
)
