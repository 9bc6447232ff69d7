package browser

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// Inspector reads tab state from the DevTools endpoint of a browser session.
// It attaches to the running browser and never closes it.
type Inspector struct {
	host        string
	waitTimeout time.Duration
	logger      zerolog.Logger
}

// NewInspector creates an inspector for DevTools ports on the local host.
func NewInspector(logger zerolog.Logger) *Inspector {
	return &Inspector{
		host:        "127.0.0.1",
		waitTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "browser_inspector").Logger(),
	}
}

// ListPages returns the open tabs of the browser behind port.
func (i *Inspector) ListPages(ctx context.Context, port int) ([]PageInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	browser, err := i.connect(ctx, port)
	if err != nil {
		return nil, err
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to list pages: %v", err)}
	}

	infos := make([]PageInfo, 0, len(pages))
	for _, page := range pages {
		info, err := page.Info()
		if err != nil {
			i.logger.Debug().Err(err).Str("target_id", string(page.TargetID)).Msg("Skipping page without info")
			continue
		}
		infos = append(infos, PageInfo{
			ID:    string(info.TargetID),
			URL:   info.URL,
			Title: info.Title,
		})
	}
	return infos, nil
}

// Screenshot captures a PNG of the tab with targetID, or of the first tab
// when targetID is empty.
func (i *Inspector) Screenshot(ctx context.Context, port int, targetID string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	browser, err := i.connect(ctx, port)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if targetID == "" {
		pages, err := browser.Pages()
		if err != nil {
			return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to list pages: %v", err)}
		}
		if len(pages) == 0 {
			return nil, &BrowserError{Code: ErrCodeNotFound, Message: "No open pages"}
		}
		page = pages.First()
	} else {
		page, err = browser.PageFromTarget(proto.TargetTargetID(targetID))
		if err != nil {
			return nil, &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("Page not found: %s", targetID)}
		}
	}

	data, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeScreenshot, Message: fmt.Sprintf("Failed to capture screenshot: %v", err)}
	}
	return data, nil
}

func (i *Inspector) connect(ctx context.Context, port int) (*rod.Browser, error) {
	if err := ValidateCDPPort(port); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(i.host, strconv.Itoa(port))

	if err := i.waitForCDP(ctx, addr); err != nil {
		return nil, err
	}

	controlURL, err := launcher.ResolveURL(addr)
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to resolve DevTools URL: %v", err)}
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to connect to CDP: %v", err)}
	}
	return browser, nil
}

// waitForCDP polls until the DevTools port accepts connections.
func (i *Inspector) waitForCDP(ctx context.Context, addr string) error {
	deadline := time.Now().Add(i.waitTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return &BrowserError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("CDP endpoint %s not available after %v", addr, i.waitTimeout),
	}
}

// ValidateCDPPort validates a DevTools port number
func ValidateCDPPort(port int) error {
	if port <= 0 || port > 65535 {
		return &BrowserError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("invalid CDP port: %d", port)}
	}
	return nil
}
