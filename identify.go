package serenity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeyla/serenity/pkg/bucketstore"
)

var (
	// StandardIdentifyLimit is the minimum spacing Discord enforces between
	// identifies that share a rate limit bucket.
	StandardIdentifyLimit = 5 * time.Second

	// IdentifyRateLimit adds headroom on top of the documented limit so that
	// clock skew between us and the gateway does not trip invalid sessions.
	IdentifyRateLimit = StandardIdentifyLimit + (500 * time.Millisecond)

	// IdentifyRetry is how long we wait before retrying an external identify
	// endpoint that failed without a Retry-After hint.
	IdentifyRetry = 5 * time.Second
)

// IdentifyProvider gates identify attempts. Identify blocks until the shard
// holds an identify slot or ctx is cancelled; slots for the same bucket are
// granted in request order.
type IdentifyProvider interface {
	Identify(ctx context.Context, shard *Shard) error
}

// IdentifyViaBuckets serialises identifies in-process. Shards that share a
// bot token and `shard_id % max_concurrency` share a bucket.
type IdentifyViaBuckets struct {
	buckets *bucketstore.BucketStore
}

func NewIdentifyViaBuckets() *IdentifyViaBuckets {
	return &IdentifyViaBuckets{
		buckets: bucketstore.NewBucketStore(),
	}
}

func (i *IdentifyViaBuckets) Identify(ctx context.Context, shard *Shard) error {
	bucketName := fmt.Sprintf(
		"identify:%s:%d",
		tokenHash(shard.manager.configuration.BotToken),
		shard.ShardID%shard.manager.maxConcurrency(),
	)

	return i.buckets.CreateWaitForBucket(ctx, bucketName, IdentifyRateLimit)
}

// IdentifyViaURL defers identify admission to an external endpoint shared by
// every process running shards for the same bot. The endpoint is POSTed a
// JSON body describing the shard and must return 2xx to grant a slot; any
// other status is retried after the X-Retry-After-Ms header, or IdentifyRetry
// when absent.
type IdentifyViaURL struct {
	URL     string
	Headers map[string]string

	Client *http.Client
}

func NewIdentifyViaURL(url string, headers map[string]string) *IdentifyViaURL {
	return &IdentifyViaURL{
		URL:     url,
		Headers: headers,
		Client:  http.DefaultClient,
	}
}

type identifyRequest struct {
	ShardID        int32  `json:"shard_id"`
	ShardCount     int32  `json:"shard_count"`
	TokenHash      string `json:"token_hash"`
	MaxConcurrency int32  `json:"max_concurrency"`
}

func (i *IdentifyViaURL) Identify(ctx context.Context, shard *Shard) error {
	body, err := json.Marshal(identifyRequest{
		ShardID:        shard.ShardID,
		ShardCount:     shard.manager.shardCount(),
		TokenHash:      tokenHash(shard.manager.configuration.BotToken),
		MaxConcurrency: shard.manager.maxConcurrency(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identify request: %w", err)
	}

	url := i.substitute(shard)

	for {
		wait, err := i.attempt(ctx, url, body)
		if err != nil {
			return err
		}

		if wait == 0 {
			return nil
		}

		shard.Logger.Debug().
			Dur("wait", wait).
			Msg("Identify endpoint deferred shard")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt performs one request against the endpoint. A zero wait with nil
// error means the slot was granted.
func (i *IdentifyViaURL) attempt(ctx context.Context, url string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create identify request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for name, value := range i.Headers {
		req.Header.Set(name, value)
	}

	resp, err := i.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return IdentifyRetry, nil
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}

	if retryAfter := resp.Header.Get("X-Retry-After-Ms"); retryAfter != "" {
		ms, err := strconv.ParseInt(retryAfter, 10, 64)
		if err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond, nil
		}
	}

	return IdentifyRetry, nil
}

func (i *IdentifyViaURL) substitute(shard *Shard) string {
	replacer := strings.NewReplacer(
		"{shard_id}", strconv.FormatInt(int64(shard.ShardID), 10),
		"{shard_count}", strconv.FormatInt(int64(shard.manager.shardCount()), 10),
		"{token_hash}", tokenHash(shard.manager.configuration.BotToken),
		"{max_concurrency}", strconv.FormatInt(int64(shard.manager.maxConcurrency()), 10),
	)

	return replacer.Replace(i.URL)
}
