package serenity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zeyla/serenity/discord"
	"github.com/zeyla/serenity/pkg/limiter"
)

// GatewayProvider supplies the websocket URL and sharding advice used to
// bootstrap a manager.
type GatewayProvider interface {
	FetchGatewayBot(ctx context.Context, token string) (*discord.GatewayBotResponse, error)
}

// Client talks to the Discord REST API. Requests are rate limited to one per
// second, which is far below the global limit and avoids carrying a full
// bucket implementation for the single endpoint we call.
type Client struct {
	httpClient *http.Client
	limiter    *limiter.DurationLimiter
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		limiter: limiter.NewDurationLimiter(1, time.Second),
	}
}

func (c *Client) FetchGatewayBot(ctx context.Context, token string) (*discord.GatewayBotResponse, error) {
	err := c.limiter.Lock(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discord.EndpointGatewayBot, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gateway: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthenticationRejected
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	gatewayBot := &discord.GatewayBotResponse{}

	err = json.NewDecoder(resp.Body).Decode(gatewayBot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return gatewayBot, nil
}
