package internal

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WelcomerTeam/Kook-Daemon/pkg/ratelimit"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const (
	apiPrefix = "/api/v3/"

	// Buckets with fewer requests remaining are shed locally about half of the time.
	LowWaterMark             = 10
	SoftThrottleProbability  = 0.5
	DefaultGlobalCooldown    = 60 * time.Second
	DefaultClientHTTPTimeout = 20 * time.Second
)

const (
	headerRateLimitLimit     = "X-Rate-Limit-Limit"
	headerRateLimitRemaining = "X-Rate-Limit-Remaining"
	headerRateLimitReset     = "X-Rate-Limit-Reset"
	headerRateLimitBucket    = "X-Rate-Limit-Bucket"
	headerRateLimitGlobal    = "X-Rate-Limit-Global"
)

var UserAgent = "KookDaemon/" + VERSION + " (https://github.com/WelcomerTeam/Kook-Daemon)"

// Client is the REST client. Every request goes through the bucket and global
// cooldown checks before touching the network.
type Client struct {
	Logger zerolog.Logger

	HTTP    *http.Client
	Buckets *ratelimit.Store

	Token     string
	BaseURL   string
	UserAgent string

	// Now and Random may be replaced in tests.
	Now    func() time.Time
	Random func() float64

	// OnFatal is called when the server's bucket model no longer matches ours.
	OnFatal func(err error)
}

// NewClient makes a new client.
func NewClient(logger zerolog.Logger, token string, baseURL string) *Client {
	random := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	randomMu := sync.Mutex{}

	return &Client{
		Logger: logger.With().Str("component", "client").Logger(),

		HTTP:    &http.Client{Timeout: DefaultClientHTTPTimeout},
		Buckets: ratelimit.NewStore(),

		Token:     token,
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		UserAgent: UserAgent,

		Now: time.Now,
		Random: func() float64 {
			randomMu.Lock()
			defer randomMu.Unlock()

			return random.Float64()
		},
	}
}

// envelope is the body of every API response.
type envelope struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data"`
}

// BucketForEndpoint returns the rate limit bucket a request to endpoint falls in.
func BucketForEndpoint(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}

	endpoint = strings.TrimPrefix(endpoint, apiPrefix)

	return strings.Trim(endpoint, "/")
}

// Fetch sends a request to endpoint, relative to the API root, and decodes
// the response data into out. body and out may be nil.
func (c *Client) Fetch(ctx context.Context, method string, endpoint string, body interface{}, out interface{}) error {
	bucketID := BucketForEndpoint(endpoint)
	now := c.Now()

	if c.Buckets.Disabled(now) {
		rateLimitRejections.WithLabelValues(bucketID, "global").Inc()

		return xerrors.Errorf("%s until %s: %w", bucketID, c.Buckets.DisabledUntil().Format(time.RFC3339), ErrGloballyThrottled)
	}

	if bucket, ok := c.Buckets.Bucket(bucketID); ok && !bucket.Expired(now) && bucket.Remaining < LowWaterMark {
		if c.Random() < SoftThrottleProbability {
			rateLimitRejections.WithLabelValues(bucketID, "bucket").Inc()

			return xerrors.Errorf("%s has %d remaining: %w", bucketID, bucket.Remaining, ErrBucketThrottled)
		}
	}

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Errorf("failed to marshal request body: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+strings.TrimPrefix(endpoint, "/"), reader)
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("User-Agent", c.UserAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to do request: %w", err)
	}

	defer res.Body.Close()

	err = c.handleRateLimitHeaders(bucketID, res.Header)
	if err != nil {
		return err
	}

	var response envelope

	err = json.NewDecoder(res.Body).Decode(&response)
	if err != nil {
		if res.StatusCode != http.StatusOK {
			return &APIError{Status: res.StatusCode, Message: http.StatusText(res.StatusCode)}
		}

		return xerrors.Errorf("failed to decode response: %w", err)
	}

	if res.StatusCode != http.StatusOK || response.Code != 0 {
		return &APIError{Status: res.StatusCode, Code: response.Code, Message: response.Message}
	}

	if out != nil && len(response.Data) > 0 {
		err = json.Unmarshal(response.Data, out)
		if err != nil {
			return xerrors.Errorf("failed to decode response data: %w", err)
		}
	}

	return nil
}

func (c *Client) handleRateLimitHeaders(requested string, header http.Header) error {
	now := c.Now()

	bucket, ok := parseRateLimitHeaders(header, now)

	if ok && !ratelimit.Related(requested, bucket.ID) {
		err := &FatalError{Err: xerrors.Errorf("requested %q, server reported %q: %w", requested, bucket.ID, ErrBucketMismatch)}

		c.Logger.Error().Err(err).Msg("Rate limit bucket desynchronised")

		if c.OnFatal != nil {
			c.OnFatal(err)
		}

		return err
	}

	if header.Get(headerRateLimitGlobal) != "" {
		until := now.Add(DefaultGlobalCooldown)

		// KOOK sends seconds until reset, not a timestamp.
		if reset, err := strconv.ParseInt(header.Get(headerRateLimitReset), 10, 64); err == nil {
			until = now.Add(time.Duration(reset) * time.Second)
		}

		c.Buckets.DisableUntil(until)

		c.Logger.Warn().
			Str("bucket", requested).
			Time("until", until).
			Msg("Global rate limit triggered")

		rateLimitRejections.WithLabelValues(requested, "global").Inc()

		return xerrors.Errorf("%s: %w", requested, ErrGloballyThrottled)
	}

	if ok {
		c.Buckets.Update(bucket)
	}

	return nil
}

// parseRateLimitHeaders reads bucket metadata. ok is false unless limit,
// remaining, reset and bucket are all present.
func parseRateLimitHeaders(header http.Header, now time.Time) (bucket ratelimit.Bucket, ok bool) {
	bucket.ID = header.Get(headerRateLimitBucket)
	if bucket.ID == "" {
		return bucket, false
	}

	limit, err := strconv.ParseInt(header.Get(headerRateLimitLimit), 10, 32)
	if err != nil {
		return bucket, false
	}

	remaining, err := strconv.ParseInt(header.Get(headerRateLimitRemaining), 10, 32)
	if err != nil {
		return bucket, false
	}

	reset, err := strconv.ParseInt(header.Get(headerRateLimitReset), 10, 64)
	if err != nil {
		return bucket, false
	}

	bucket.Limit = int32(limit)
	bucket.Remaining = int32(remaining)

	// Relative seconds, as KOOK sends them. Stored as an absolute unix time.
	bucket.ResetAt = now.Unix() + reset

	return bucket, true
}

// GatewayRequest are the parameters of a gateway URL request.
type GatewayRequest struct {
	Compress bool

	// Resume asks for a URL that continues an existing session.
	Resume    bool
	Sequence  int64
	SessionID string
}

// GatewayResult is the gateway the session should connect to.
type GatewayResult struct {
	URL string `json:"url"`
}

// OpenGateway requests a gateway URL.
func (c *Client) OpenGateway(ctx context.Context, request GatewayRequest) (result GatewayResult, err error) {
	values := url.Values{}

	if request.Compress {
		values.Set("compress", "1")
	} else {
		values.Set("compress", "0")
	}

	if request.Resume {
		values.Set("resume", "1")
		values.Set("sn", strconv.FormatInt(request.Sequence, 10))
		values.Set("session_id", request.SessionID)
	}

	err = c.Fetch(ctx, http.MethodGet, "gateway/index?"+values.Encode(), nil, &result)
	if err != nil {
		return result, xerrors.Errorf("failed to get gateway: %w", err)
	}

	if result.URL == "" {
		return result, xerrors.New("gateway response did not contain a url")
	}

	// The returned URL already carries compress. Resume parameters are sent
	// on the socket URL as well.
	if request.Resume {
		gatewayURL, err := url.Parse(result.URL)
		if err == nil {
			query := gatewayURL.Query()
			query.Set("resume", "1")
			query.Set("sn", strconv.FormatInt(request.Sequence, 10))
			query.Set("session_id", request.SessionID)
			gatewayURL.RawQuery = query.Encode()
			result.URL = gatewayURL.String()
		}
	}

	return result, nil
}

// User is the account the token belongs to.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	IdentifyNum string `json:"identify_num"`
	Bot         bool   `json:"bot"`
	Online      bool   `json:"online"`
}

// WhoAmI returns the bot's own user.
func (c *Client) WhoAmI(ctx context.Context) (user User, err error) {
	err = c.Fetch(ctx, http.MethodGet, "user/me", nil, &user)
	if err != nil {
		return user, xerrors.Errorf("failed to get current user: %w", err)
	}

	return user, nil
}
