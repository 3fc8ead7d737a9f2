// Package botconfig resolves which bot serves a business phone number.
package botconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"warelay/internal/domain"
	"warelay/internal/httpx"
	"warelay/internal/metrics"
)

// Resolver fetches bot configuration from the backend's integration
// endpoint and caches it per business phone.
type Resolver struct {
	baseURL    string
	referrer   string
	ttl        time.Duration
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
	validate   *validator.Validate
	group      singleflight.Group
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
}

type cached struct {
	cfg     domain.BotConfig
	expires time.Time
}

type Config struct {
	BaseURL    string
	Referrer   string
	CacheTTL   time.Duration // 0 disables caching
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

func New(cfg Config) *Resolver {
	if cfg.Client == nil {
		cfg.Client = httpx.SharedClient(10 * time.Second)
	}
	return &Resolver{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		referrer:   cfg.Referrer,
		ttl:        cfg.CacheTTL,
		maxRetries: cfg.MaxRetries,
		client:     cfg.Client,
		logger:     cfg.Logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		cache:      make(map[string]cached),
	}
}

// Resolve returns the bot configuration for businessPhone. Concurrent misses
// for the same phone share one fetch.
func (r *Resolver) Resolve(ctx context.Context, businessPhone string) (domain.BotConfig, error) {
	if businessPhone == "" {
		return domain.BotConfig{}, fmt.Errorf("%w: empty business phone", domain.ErrConfiguration)
	}
	if r.baseURL == "" {
		return domain.BotConfig{}, fmt.Errorf("%w: backend base URL not set", domain.ErrConfiguration)
	}
	if cfg, ok := r.lookup(businessPhone); ok {
		return cfg, nil
	}

	v, err, shared := r.group.Do(businessPhone, func() (any, error) {
		cfg, err := r.fetch(ctx, businessPhone)
		if err != nil {
			return domain.BotConfig{}, err
		}
		r.store(businessPhone, cfg)
		return cfg, nil
	})
	if err != nil {
		return domain.BotConfig{}, err
	}
	if shared {
		r.logger.Debug("bot config fetch shared", "phone", businessPhone)
	}
	return v.(domain.BotConfig), nil
}

// Invalidate drops the cached configuration for businessPhone.
func (r *Resolver) Invalidate(businessPhone string) {
	r.mu.Lock()
	delete(r.cache, businessPhone)
	r.mu.Unlock()
}

func (r *Resolver) lookup(phone string) (domain.BotConfig, bool) {
	if r.ttl <= 0 {
		return domain.BotConfig{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[phone]
	if !ok || !r.now().Before(c.expires) {
		return domain.BotConfig{}, false
	}
	return c.cfg, true
}

func (r *Resolver) store(phone string, cfg domain.BotConfig) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[phone] = cached{cfg: cfg, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, phone string) (cfg domain.BotConfig, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ConfigLookups.With(result).Inc()
	}()
	endpoint := r.baseURL + "/integrations/whatsapp/phone-number/" + url.PathEscape(phone)

	resp, err := httpx.DoWithRetry(ctx, r.client, r.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if r.referrer != "" {
			req.Header.Set("Referer", r.referrer)
		}
		return req, nil
	}, r.logger)
	if err != nil {
		return domain.BotConfig{}, fmt.Errorf("%w: lookup phone %s: %w", domain.ErrConfiguration, phone, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.BotConfig{}, fmt.Errorf("%w: read lookup response: %v", domain.ErrConfiguration, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.BotConfig{}, fmt.Errorf("%w: lookup phone %s: %w", domain.ErrConfiguration, phone,
			&httpx.StatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	if err := json.Unmarshal(body, &cfg); err != nil {
		return domain.BotConfig{}, fmt.Errorf("%w: decode lookup response: %v", domain.ErrConfiguration, err)
	}
	if err := r.validate.Struct(cfg); err != nil {
		return domain.BotConfig{}, fmt.Errorf("%w: phone %s: %v", domain.ErrConfiguration, phone, err)
	}
	r.logger.Info("bot config resolved", "phone", phone, "bot_id", cfg.BotID)
	return cfg, nil
}
