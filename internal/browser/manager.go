// Package browser talks to the local fingerprint-browser manager that owns the browser
// profiles. It opens and closes profile windows for the pool and resolves profile names
// for the account registry.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"resty.dev/v3"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
)

const (
	listPageSize = 100
	openRetryGap = time.Second
	// Message the manager returns while a previous close of the same window is in flight.
	closingMessage = "浏览器正在关闭中"
)

var errClosing = errors.New("browser is still closing")

type envelope[T any] struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    T      `json:"data"`
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listData struct {
	List []profile `json:"list"`
}

type openData struct {
	HTTP string `json:"http"`
	WS   string `json:"ws"`
}

// Manager is a client for the browser manager HTTP API.
type Manager struct {
	client      *resty.Client
	log         *zap.Logger
	ids         *cache.Cache
	args        []string
	retryWindow time.Duration
	retryGap    time.Duration
}

func NewManager(cfg config.BrowserConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := cfg.ProfileCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ManagerURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Manager{
		client:      client,
		log:         log.Named("browser"),
		ids:         cache.New(ttl, 2*ttl),
		args:        cfg.OpenArgs,
		retryWindow: cfg.OpenRetryWindow,
		retryGap:    openRetryGap,
	}
}

func (m *Manager) Close() error {
	return m.client.Close()
}

// Resolve maps a profile name to the manager's window id. Lookups are cached; a miss
// refreshes the whole profile list.
func (m *Manager) Resolve(ctx context.Context, name string) (string, error) {
	if id, ok := m.ids.Get(name); ok {
		return id.(string), nil
	}
	profiles, err := m.listProfiles(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range profiles {
		m.ids.SetDefault(p.Name, p.ID)
	}
	if id, ok := m.ids.Get(name); ok {
		return id.(string), nil
	}
	return "", fmt.Errorf("browser profile %q: %w", name, apperr.ErrNotFound)
}

func (m *Manager) listProfiles(ctx context.Context) ([]profile, error) {
	var all []profile
	for page := 0; ; page++ {
		var body envelope[listData]
		if err := m.post(ctx, "/browser/list", map[string]int{"page": page, "pageSize": listPageSize}, &body); err != nil {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		all = append(all, body.Data.List...)
		if len(body.Data.List) < listPageSize {
			return all, nil
		}
	}
}

// Open starts the profile's window and returns its remote debugging endpoint. While the
// manager is still closing the window from a previous use, Open keeps retrying for up to
// the configured retry window.
func (m *Manager) Open(ctx context.Context, binding string) (string, error) {
	id, err := m.Resolve(ctx, binding)
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(m.retryWindow)
	for {
		endpoint, err := m.open(ctx, id)
		if err == nil {
			m.log.Debug("window opened", zap.String("binding", binding), zap.String("endpoint", endpoint))
			return endpoint, nil
		}
		if !errors.Is(err, errClosing) || time.Now().After(deadline) {
			return "", fmt.Errorf("open window %s: %w", binding, err)
		}
		m.log.Info("window still closing, retrying", zap.String("binding", binding))
		select {
		case <-time.After(m.retryGap):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Manager) open(ctx context.Context, id string) (string, error) {
	var body envelope[openData]
	args := m.args
	if args == nil {
		args = []string{}
	}
	err := m.post(ctx, "/browser/open", map[string]any{"id": id, "args": args}, &body)
	if err != nil {
		return "", err
	}
	if body.Data.HTTP == "" {
		return "", errors.New("manager returned no debug address")
	}
	if strings.HasPrefix(body.Data.HTTP, "http://") || strings.HasPrefix(body.Data.HTTP, "https://") {
		return body.Data.HTTP, nil
	}
	return "http://" + body.Data.HTTP, nil
}

// CloseWindow closes the profile's window. It satisfies the pool's Provider together with
// Open and Probe.
func (m *Manager) CloseWindow(ctx context.Context, binding string) error {
	id, err := m.Resolve(ctx, binding)
	if err != nil {
		return err
	}
	var body envelope[any]
	if err := m.post(ctx, "/browser/close", map[string]string{"id": id}, &body); err != nil {
		return fmt.Errorf("close window %s: %w", binding, err)
	}
	return nil
}

// Probe checks that the manager still knows the window and that its debugging endpoint
// answers.
func (m *Manager) Probe(ctx context.Context, binding, endpoint string) error {
	id, err := m.Resolve(ctx, binding)
	if err != nil {
		return err
	}
	var body envelope[any]
	if err := m.post(ctx, "/browser/detail", map[string]string{"id": id}, &body); err != nil {
		return fmt.Errorf("window detail %s: %w", binding, err)
	}
	resp, err := m.client.R().
		SetContext(ctx).
		Get(strings.TrimRight(endpoint, "/") + "/json/version")
	if err != nil {
		return fmt.Errorf("probe %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("probe %s: status %d", endpoint, resp.StatusCode())
	}
	return nil
}

func (m *Manager) post(ctx context.Context, path string, payload any, out interface{ ok() (bool, string) }) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal([]byte(resp.String()), out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	if ok, msg := out.ok(); !ok {
		if strings.Contains(msg, closingMessage) {
			return errClosing
		}
		return fmt.Errorf("%s: %s", path, msg)
	}
	return nil
}

func (e *envelope[T]) ok() (bool, string) { return e.Success, e.Msg }

// Provider adapts Manager to the pool's Provider interface, whose Close closes one
// binding's window.
type Provider struct{ *Manager }

func (p Provider) Close(ctx context.Context, binding string) error {
	return p.CloseWindow(ctx, binding)
}
