// File: internal/driver/session.go
package driver

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/antchfx/htmlquery"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

// Session is the raw HTTP Driver implementation. It keeps a cookie jar
// and a parsed DOM snapshot of the last navigation; selectors are XPath
// expressions evaluated against that snapshot. It is the lightweight
// alternative to the Chrome driver for portals that work without
// client side rendering.
type Session struct {
	mu         sync.Mutex
	client     *http.Client
	userAgent  string
	currentURL *url.URL
	doc        *html.Node
	rawHTML    []byte
	log        *zap.Logger
}

// NewSession builds an HTTP session driver.
func NewSession(cfg config.DriverConfig, logger *zap.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Session{
		client:    client,
		userAgent: cfg.UserAgent,
		log:       logger.Named("driver.session"),
	}, nil
}

var (
	_ schemas.Driver       = (*Session)(nil)
	_ schemas.HeaderPoster = (*Session)(nil)
)

// Navigate fetches the URL and replaces the DOM snapshot.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build navigation request: %w", err)
	}
	return s.execute(req, true)
}

// Reload refetches the current page.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	current := s.currentURL
	s.mu.Unlock()
	if current == nil {
		return fmt.Errorf("no page to reload")
	}
	return s.Navigate(ctx, current.String())
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentURL == nil {
		return "", nil
	}
	return s.currentURL.String(), nil
}

func (s *Session) PageSource(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.rawHTML), nil
}

// Exists reports whether the selector matches. Missing is false, never
// an error.
func (s *Session) Exists(ctx context.Context, selector string) bool {
	return s.find(selector) != nil
}

// IsVisible approximates visibility on a static DOM: present, not a
// hidden input, not inline display:none.
func (s *Session) IsVisible(ctx context.Context, selector string) bool {
	n := s.find(selector)
	if n == nil {
		return false
	}
	if strings.EqualFold(attrValue(n, "type"), "hidden") {
		return false
	}
	style := strings.ReplaceAll(attrValue(n, "style"), " ", "")
	return !strings.Contains(style, "display:none")
}

// WaitVisible polls for the selector until it shows up or the timeout
// lapses. On a static snapshot this effectively checks once per
// navigation, which is all the HTTP driver can promise.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.IsVisible(ctx, selector) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Session) Text(ctx context.Context, selector string) string {
	n := s.find(selector)
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}

func (s *Session) Attribute(ctx context.Context, selector, name string) (string, bool) {
	n := s.find(selector)
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (s *Session) InputValue(ctx context.Context, selector string) string {
	n := s.find(selector)
	if n == nil {
		return ""
	}
	return attrValue(n, "value")
}

// Fill writes the value attribute on the matched node. A missing node
// is a debug logged no-op.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(selector)
	if n == nil {
		s.log.Debug("fill target not found", zap.String("selector", selector))
		return nil
	}
	setAttr(n, "value", value)
	return nil
}

// Click emulates the consequence of clicking the first match: links
// navigate, submit controls submit their form, checkboxes toggle.
// Anything else is inert on a static DOM.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.clickNode(ctx, selector, false)
}

// ClickLast clicks the last match of an ambiguous selector.
func (s *Session) ClickLast(ctx context.Context, selector string) error {
	return s.clickNode(ctx, selector, true)
}

func (s *Session) clickNode(ctx context.Context, selector string, last bool) error {
	s.mu.Lock()
	var n *html.Node
	if s.doc != nil {
		if nodes, err := htmlquery.QueryAll(s.doc, selector); err == nil && len(nodes) > 0 {
			if last {
				n = nodes[len(nodes)-1]
			} else {
				n = nodes[0]
			}
		}
	}
	if n == nil {
		s.mu.Unlock()
		s.log.Debug("click target not found", zap.String("selector", selector))
		return nil
	}

	// Anchor: follow the href.
	if n.Data == "a" {
		href := attrValue(n, "href")
		s.mu.Unlock()
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return nil
		}
		return s.Navigate(ctx, href)
	}

	// Checkbox: toggle in place.
	if strings.EqualFold(attrValue(n, "type"), "checkbox") {
		if attrValue(n, "checked") != "" {
			removeAttr(n, "checked")
		} else {
			setAttr(n, "checked", "checked")
		}
		s.mu.Unlock()
		return nil
	}

	// Submit control: serialize and submit the enclosing form.
	if isSubmitControl(n) {
		form := ancestorForm(n)
		if form == nil {
			s.mu.Unlock()
			return nil
		}
		req, err := s.buildFormRequest(ctx, form, n)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		return s.execute(req, true)
	}

	s.mu.Unlock()
	return nil
}

// Screenshot has no pixels to give; it captures the matched element's
// markup as the diagnostic artifact instead.
func (s *Session) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	n := s.find(selector)
	if n == nil {
		return nil, fmt.Errorf("screenshot target %q not found", selector)
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return nil, fmt.Errorf("render element: %w", err)
	}
	return buf.Bytes(), nil
}

// ScreenshotPage returns the raw page markup.
func (s *Session) ScreenshotPage(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.rawHTML))
	copy(out, s.rawHTML)
	return out, nil
}

// Get performs a cookie sharing GET without touching the DOM snapshot.
func (s *Session) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	return s.call(req, headers)
}

// PostJSON posts a JSON body with the session cookies.
func (s *Session) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request body: %w", err)
	}
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.call(req, headers)
}

// PostJSONHeaders is PostJSON with the response headers exposed, for
// endpoints that answer through a header instead of the body.
func (s *Session) PostJSONHeaders(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, http.Header, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal request body: %w", err)
	}
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return nil, nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.prepareHeaders(req, headers)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("request %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := decodeBody(resp)
	if err != nil {
		return nil, resp.Header, resp.StatusCode, err
	}
	return respBody, resp.Header, resp.StatusCode, nil
}

// PostForm posts urlencoded form values with the session cookies.
func (s *Session) PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) ([]byte, int, error) {
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.call(req, headers)
}

// Close shuts down idle connections. Cookies die with the Session.
func (s *Session) Close(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// --- internals ---

func (s *Session) resolveURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !u.IsAbs() {
		if s.currentURL == nil {
			return nil, fmt.Errorf("relative url %q with no current page", rawURL)
		}
		u = s.currentURL.ResolveReference(u)
	}
	return u, nil
}

func (s *Session) prepareHeaders(req *http.Request, extra map[string]string) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// execute runs a navigation style request and, when parse is set,
// replaces the DOM snapshot with the response document.
func (s *Session) execute(req *http.Request, parse bool) error {
	s.prepareHeaders(req, nil)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return err
	}

	if !parse {
		return nil
	}

	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse response document: %w", err)
	}

	s.mu.Lock()
	s.currentURL = resp.Request.URL
	s.doc = doc
	s.rawHTML = body
	s.mu.Unlock()

	s.log.Debug("navigated",
		zap.String("url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))
	return nil
}

// call runs an API style request and returns the decompressed body and
// status code without touching the snapshot.
func (s *Session) call(req *http.Request, headers map[string]string) ([]byte, int, error) {
	s.prepareHeaders(req, headers)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// decodeBody reads the response through the negotiated decompressor.
// Setting Accept-Encoding by hand turns Go's transparent gzip off, so
// all three encodings are handled here.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (s *Session) find(selector string) *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(selector)
}

func (s *Session) findLocked(selector string) *html.Node {
	if s.doc == nil {
		return nil
	}
	n, err := htmlquery.Query(s.doc, selector)
	if err != nil {
		s.log.Debug("bad selector", zap.String("selector", selector), zap.Error(err))
		return nil
	}
	return n
}

// buildFormRequest serializes the form the way a browser would on
// submit, including the clicked submit control's own name/value pair.
func (s *Session) buildFormRequest(ctx context.Context, form, clicked *html.Node) (*http.Request, error) {
	action := attrValue(form, "action")
	method := strings.ToUpper(attrValue(form, "method"))
	if method == "" {
		method = http.MethodGet
	}

	values := url.Values{}
	inputs, err := htmlquery.QueryAll(form, ".//input | .//textarea | .//select")
	if err != nil {
		return nil, fmt.Errorf("collect form fields: %w", err)
	}
	for _, input := range inputs {
		name := attrValue(input, "name")
		if name == "" {
			continue
		}
		switch input.Data {
		case "input":
			t := strings.ToLower(attrValue(input, "type"))
			switch t {
			case "checkbox", "radio":
				if attrValue(input, "checked") != "" {
					v := attrValue(input, "value")
					if v == "" {
						v = "on"
					}
					values.Add(name, v)
				}
			case "submit", "button", "image":
				// Only the clicked control contributes.
			default:
				values.Add(name, attrValue(input, "value"))
			}
		case "textarea":
			values.Add(name, htmlquery.InnerText(input))
		case "select":
			opts, _ := htmlquery.QueryAll(input, ".//option[@selected]")
			for _, opt := range opts {
				v := attrValue(opt, "value")
				if v == "" {
					v = strings.TrimSpace(htmlquery.InnerText(opt))
				}
				values.Add(name, v)
			}
		}
	}
	if clicked != nil {
		if name := attrValue(clicked, "name"); name != "" {
			values.Add(name, attrValue(clicked, "value"))
		}
	}

	var target *url.URL
	if action == "" {
		target = s.currentURL
	} else {
		u, err := url.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("invalid form action %q: %w", action, err)
		}
		if !u.IsAbs() && s.currentURL != nil {
			u = s.currentURL.ResolveReference(u)
		}
		target = u
	}
	if target == nil {
		return nil, fmt.Errorf("form has no resolvable action")
	}

	if method == http.MethodGet {
		q := target.Query()
		for k, vs := range values {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		t := *target
		t.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, t.String(), nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func isSubmitControl(n *html.Node) bool {
	if n.Data == "button" {
		t := strings.ToLower(attrValue(n, "type"))
		return t == "" || t == "submit"
	}
	if n.Data == "input" {
		t := strings.ToLower(attrValue(n, "type"))
		return t == "submit" || t == "image"
	}
	return false
}

func ancestorForm(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "form" {
			return p
		}
	}
	return nil
}
