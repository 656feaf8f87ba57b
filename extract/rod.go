package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const readContentJS = `() => {
	const root = document.querySelector("[data-preview-content]") || document.body;
	return JSON.stringify({
		text: root ? root.innerText : "",
		html: root ? root.innerHTML : "",
		lang: document.documentElement.lang || "",
	});
}`

// RodPreview renders the preview in a headless browser, so content built by
// scripts is visible to prompts.
type RodPreview struct {
	loader
	URL string
	// ControlURL connects to a running browser. Empty launches one.
	ControlURL string

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodPreview creates a browser-rendered preview of url.
func NewRodPreview(url, controlURL string) *RodPreview {
	p := &RodPreview{URL: url, ControlURL: controlURL}
	p.fetch = p.render
	return p
}

func (p *RodPreview) connect() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser != nil {
		return p.browser, nil
	}
	controlURL := p.ControlURL
	if controlURL == "" {
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	p.browser = b
	return b, nil
}

func (p *RodPreview) render(ctx context.Context) (*Content, error) {
	b, err := p.connect()
	if err != nil {
		return nil, err
	}
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: p.URL})
	if err != nil {
		return nil, fmt.Errorf("open preview: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load preview: %w", err)
	}
	res, err := page.Eval(readContentJS)
	if err != nil {
		return nil, fmt.Errorf("read preview: %w", err)
	}
	var c Content
	if err := json.Unmarshal([]byte(res.Value.Str()), &c); err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	c.Text = cleanLines(c.Text)
	return &c, nil
}

// Close shuts down the browser connection.
func (p *RodPreview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser == nil {
		return nil
	}
	err := p.browser.Close()
	p.browser = nil
	return err
}
