package discord

// EndpointGatewayBot returns the websocket URL and sharding advice for a bot.
const EndpointGatewayBot = "https://discord.com/api/v10/gateway/bot"

// GatewayBotResponse is the response from the gateway/bot endpoint.
type GatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int32             `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many identifies the bot has remaining
// and how wide its identify concurrency bucket is.
type SessionStartLimit struct {
	Total          int32 `json:"total"`
	Remaining      int32 `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int32 `json:"max_concurrency"`
}
