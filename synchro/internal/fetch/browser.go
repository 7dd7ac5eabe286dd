package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless renderer.
type BrowserConfig struct {
	// RemoteURL connects to an already-running Chrome DevTools endpoint
	// instead of launching a local browser.
	RemoteURL string
	// NavTimeout bounds a single page navigation. Default: 60s.
	NavTimeout time.Duration
	// Stealth applies evasion scripts to every page.
	Stealth bool
	// BlockResources aborts image, media, font and stylesheet requests.
	BlockResources bool
	Logger         *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer renders JavaScript-heavy pages to HTML through headless Chrome.
// The browser is launched on first use and shared by all renders.
type Renderer struct {
	cfg    BrowserConfig
	logger *slog.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRenderer creates a Renderer. No browser is started until the first Render.
func NewRenderer(cfg BrowserConfig) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg, logger: cfg.Logger}
}

func (r *Renderer) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-gpu").
			Set("no-sandbox").
			Set("disable-dev-shm-usage")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		r.launcher = l
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if r.launcher != nil {
			r.launcher.Cleanup()
			r.launcher = nil
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		r.logger.Warn("ignore cert errors", "error", err)
	}

	r.browser = b
	r.logger.Info("browser started", "remote", r.cfg.RemoteURL != "")
	return b, nil
}

// Render navigates to url and returns the post-load DOM as HTML.
func (r *Renderer) Render(ctx context.Context, url string) (string, error) {
	b, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := r.newPage(b)
	if err != nil {
		return "", fmt.Errorf("new page: %w", err)
	}
	defer page.Close()

	if r.cfg.BlockResources {
		router := page.HijackRequests()
		router.MustAdd("*", func(hctx *rod.Hijack) {
			switch hctx.Request.Type() {
			case proto.NetworkResourceTypeImage,
				proto.NetworkResourceTypeMedia,
				proto.NetworkResourceTypeFont,
				proto.NetworkResourceTypeStylesheet:
				hctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			default:
				hctx.ContinueRequest(&proto.FetchContinueRequest{})
			}
		})
		go router.Run()
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavTimeout)
	defer cancel()
	page = page.Context(navCtx)

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}

	res, err := page.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("capture DOM %s: %w", url, err)
	}
	return res.Value.Str(), nil
}

func (r *Renderer) newPage(b *rod.Browser) (*rod.Page, error) {
	if r.cfg.Stealth {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: ""})
}

// Close shuts down the browser and, when locally launched, its process.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	if r.launcher != nil {
		r.launcher.Cleanup()
		r.launcher = nil
	}
	return err
}
