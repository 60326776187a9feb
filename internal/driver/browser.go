// File: internal/driver/browser.go
// Package driver provides the two interchangeable portal session
// drivers: a headless Chrome implementation for the portals that need
// real rendering, and a raw HTTP session for the ones that do not.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

// Browser is the chromedp backed Driver.
type Browser struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	navTimeout  time.Duration
	opTimeout   time.Duration
	log         *zap.Logger
}

// NewBrowser launches a headless Chrome and opens one tab for the run.
func NewBrowser(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", "ko-KR"),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(1440, 960),
	)
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	ctxOpts := []chromedp.ContextOption{}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, cancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// Starting the browser now surfaces launch failures early instead
	// of on the first navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      cancel,
		navTimeout:  cfg.NavigationTimeout,
		opTimeout:   cfg.RequestTimeout,
		log:         logger.Named("driver.browser"),
	}, nil
}

var (
	_ schemas.Driver       = (*Browser)(nil)
	_ schemas.HeaderPoster = (*Browser)(nil)
)

// run executes actions on the tab under a timeout while honoring the
// caller's context.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) Navigate(ctx context.Context, rawURL string) error {
	if err := b.run(ctx, b.navTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate to %s: %w", rawURL, err)
	}
	return nil
}

func (b *Browser) Reload(ctx context.Context) error {
	if err := b.run(ctx, b.navTimeout,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, b.opTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (b *Browser) PageSource(ctx context.Context) (string, error) {
	var src string
	if err := b.run(ctx, b.opTimeout, chromedp.OuterHTML("html", &src, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page source: %w", err)
	}
	return src, nil
}

// visibleExpr builds the JS probe for existence and visibility checks.
// Selectors are XPath, matching the HTTP driver.
func visibleExpr(selector string, visibility bool) string {
	check := "true"
	if visibility {
		check = "(function(el){const s=window.getComputedStyle(el);" +
			"return s.display!=='none'&&s.visibility!=='hidden';})(n)"
	}
	return fmt.Sprintf(
		`(function(){const n=document.evaluate(%q,document,null,`+
			`XPathResult.FIRST_ORDERED_NODE_TYPE,null).singleNodeValue;`+
			`if(!n)return false;return %s;})()`,
		selector, check)
}

func (b *Browser) Exists(ctx context.Context, selector string) bool {
	var found bool
	if err := b.run(ctx, b.opTimeout, chromedp.Evaluate(visibleExpr(selector, false), &found)); err != nil {
		b.log.Debug("exists probe failed", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return found
}

func (b *Browser) IsVisible(ctx context.Context, selector string) bool {
	var visible bool
	if err := b.run(ctx, b.opTimeout, chromedp.Evaluate(visibleExpr(selector, true), &visible)); err != nil {
		b.log.Debug("visibility probe failed", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return visible
}

func (b *Browser) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	err := b.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.BySearch))
	return err == nil
}

func (b *Browser) Text(ctx context.Context, selector string) string {
	if !b.Exists(ctx, selector) {
		return ""
	}
	var text string
	if err := b.run(ctx, b.opTimeout, chromedp.Text(selector, &text, chromedp.BySearch)); err != nil {
		b.log.Debug("text read failed", zap.String("selector", selector), zap.Error(err))
		return ""
	}
	return text
}

func (b *Browser) Attribute(ctx context.Context, selector, name string) (string, bool) {
	if !b.Exists(ctx, selector) {
		return "", false
	}
	var (
		value string
		ok    bool
	)
	if err := b.run(ctx, b.opTimeout,
		chromedp.AttributeValue(selector, name, &value, &ok, chromedp.BySearch)); err != nil {
		return "", false
	}
	return value, ok
}

func (b *Browser) InputValue(ctx context.Context, selector string) string {
	if !b.Exists(ctx, selector) {
		return ""
	}
	var value string
	if err := b.run(ctx, b.opTimeout, chromedp.Value(selector, &value, chromedp.BySearch)); err != nil {
		return ""
	}
	return value
}

// Fill sets the field value. Missing nodes are debug logged no-ops so
// state machines can probe optional fields freely.
func (b *Browser) Fill(ctx context.Context, selector, value string) error {
	if !b.Exists(ctx, selector) {
		b.log.Debug("fill target not found", zap.String("selector", selector))
		return nil
	}
	if err := b.run(ctx, b.opTimeout, chromedp.SetValue(selector, value, chromedp.BySearch)); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

func (b *Browser) Click(ctx context.Context, selector string) error {
	if !b.Exists(ctx, selector) {
		b.log.Debug("click target not found", zap.String("selector", selector))
		return nil
	}
	if err := b.run(ctx, b.opTimeout, chromedp.Click(selector, chromedp.BySearch)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (b *Browser) ClickLast(ctx context.Context, selector string) error {
	if !b.Exists(ctx, selector) {
		return nil
	}
	// Click the last match through the DOM so ambiguous selectors
	// behave like the HTTP driver.
	expr := fmt.Sprintf(
		`(function(){const r=document.evaluate(%q,document,null,`+
			`XPathResult.ORDERED_NODE_SNAPSHOT_TYPE,null);`+
			`if(r.snapshotLength===0)return false;`+
			`r.snapshotItem(r.snapshotLength-1).click();return true;})()`,
		selector)
	var clicked bool
	if err := b.run(ctx, b.opTimeout, chromedp.Evaluate(expr, &clicked)); err != nil {
		return fmt.Errorf("click last %q: %w", selector, err)
	}
	return nil
}

func (b *Browser) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, b.opTimeout,
		chromedp.Screenshot(selector, &buf, chromedp.BySearch)); err != nil {
		return nil, fmt.Errorf("screenshot %q: %w", selector, err)
	}
	return buf, nil
}

func (b *Browser) ScreenshotPage(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := b.run(ctx, b.opTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture page screenshot: %w", err)
	}
	return buf, nil
}

// fetchResult is what the in-page fetch shim hands back.
type fetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// doFetch issues an HTTP call from inside the page so it rides the
// session cookies and origin, mirroring the HTTP driver's call helper.
func (b *Browser) doFetch(ctx context.Context, method, rawURL string, headers map[string]string, body string) ([]byte, int, error) {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal headers: %w", err)
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal body: %w", err)
	}

	init := fmt.Sprintf(`{method:%q,headers:%s,credentials:'include'`, method, headerJSON)
	if body != "" {
		init += ",body:" + string(bodyJSON)
	}
	init += "}"

	expr := fmt.Sprintf(
		`fetch(%q,%s).then(async r=>({status:r.status,body:await r.text()}))`,
		rawURL, init)

	var res fetchResult
	err = b.run(ctx, b.opTimeout, chromedp.Evaluate(expr, &res,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s %s: %w", method, rawURL, err)
	}
	return []byte(res.Body), res.Status, nil
}

func (b *Browser) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	return b.doFetch(ctx, "GET", rawURL, headers, "")
}

func (b *Browser) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request body: %w", err)
	}
	merged := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		merged[k] = v
	}
	return b.doFetch(ctx, "POST", rawURL, merged, string(payload))
}

func (b *Browser) PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) ([]byte, int, error) {
	merged := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for k, v := range headers {
		merged[k] = v
	}
	return b.doFetch(ctx, "POST", rawURL, merged, form.Encode())
}

// headerFetchResult extends the fetch shim with the response headers.
type headerFetchResult struct {
	Status  int         `json:"status"`
	Body    string      `json:"body"`
	Headers [][2]string `json:"headers"`
}

// PostJSONHeaders posts JSON and also returns the response headers.
// fetch only exposes CORS safe headers plus whatever the server lists
// in Access-Control-Expose-Headers; same origin calls see everything.
func (b *Browser) PostJSONHeaders(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, http.Header, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal request body: %w", err)
	}
	merged := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		merged[k] = v
	}
	headerJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal headers: %w", err)
	}
	bodyJSON, err := json.Marshal(string(payload))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal body: %w", err)
	}

	expr := fmt.Sprintf(
		`fetch(%q,{method:'POST',headers:%s,credentials:'include',body:%s}).then(async r=>({status:r.status,body:await r.text(),headers:[...r.headers.entries()]}))`,
		rawURL, headerJSON, string(bodyJSON))

	var res headerFetchResult
	err = b.run(ctx, b.opTimeout, chromedp.Evaluate(expr, &res,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetch POST %s: %w", rawURL, err)
	}

	respHeaders := make(http.Header, len(res.Headers))
	for _, kv := range res.Headers {
		respHeaders.Add(kv[0], kv[1])
	}
	return []byte(res.Body), respHeaders, res.Status, nil
}

// Close tears down the tab and the browser process.
func (b *Browser) Close(ctx context.Context) error {
	if err := chromedp.Cancel(b.ctx); err != nil {
		b.log.Warn("graceful browser shutdown failed", zap.Error(err))
	}
	b.cancel()
	b.allocCancel()
	return nil
}
