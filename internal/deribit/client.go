// Package deribit is a minimal client for the options venue: it lists option
// instruments for hedge selection and keeps the venue auth token fresh.
package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitmor/loan-engine/internal/instrument"
)

// TokenTTL is how long a fetched auth token is reused.
const TokenTTL = 5 * time.Minute

var (
	ErrNoToken     = errors.New("deribit: auth response carried no access token")
	ErrNoResult    = errors.New("deribit: response carried no result")
	ErrBadResponse = errors.New("deribit: unexpected response status")
)

// Config configures the client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Currency     string  // e.g. BTC
	RatePerSec   float64 // 0 disables limiting
	Timeout      time.Duration
}

// tokenCache is the {token, fetchedAt} pair refreshed lazily on expiry.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

// Client talks to the venue's public JSON-RPC-over-HTTP API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tokens  tokenCache
	logger  *slog.Logger
	now     func() time.Time
}

// DefaultBaseURL is the production venue host. Request paths carry the
// /api/v2 prefix themselves.
const DefaultBaseURL = "https://www.deribit.com"

const apiPrefix = "/api/v2"

// NewClient constructs a client with sane defaults. A BaseURL that already
// ends in /api/v2 is accepted and trimmed.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "BTC"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), apiPrefix)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec) + 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ListInstruments returns the active option instruments of optionType
// ("put" or "call"). An empty optionType returns every option.
func (c *Client) ListInstruments(ctx context.Context, optionType string) ([]instrument.Instrument, error) {
	q := url.Values{}
	q.Set("currency", c.cfg.Currency)
	q.Set("kind", "option")

	var insts []instrument.Instrument
	if err := c.get(ctx, apiPrefix+"/public/get_instruments", q, true, &insts); err != nil {
		return nil, err
	}

	out := insts[:0]
	for _, inst := range insts {
		if optionType != "" && inst.OptionType != optionType {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// token returns the cached auth token, fetching a new one if it is older
// than TokenTTL. Without credentials it returns "".
func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" {
		return "", nil
	}

	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.token != "" && c.now().Sub(c.tokens.fetchedAt) < TokenTTL {
		return c.tokens.token, nil
	}

	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("client_secret", c.cfg.ClientSecret)
	q.Set("grant_type", "client_credentials")

	var res authResult
	if err := c.get(ctx, apiPrefix+"/public/auth", q, false, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", ErrNoToken
	}
	c.tokens.token = res.AccessToken
	c.tokens.fetchedAt = c.now()
	c.logger.Debug("deribit token refreshed")
	return c.tokens.token, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, authed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if authed {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("deribit auth: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s status=%d", ErrBadResponse, path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("deribit %s: decode: %w", path, err)
	}
	if env.Error != nil {
		return fmt.Errorf("deribit %s: %d %s", path, env.Error.Code, env.Error.Message)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return fmt.Errorf("%w: %s", ErrNoResult, path)
	}
	return json.Unmarshal(env.Result, out)
}
