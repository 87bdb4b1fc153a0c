// Package web implements the web capability:
//
//	web:fetch(url)
//
// Pages are fetched with a bounded GET. HTML is reduced to readable text with
// a strict bluemonday policy; other text types are returned as-is.
package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
)

// Slug is the capability name used in the default manifest.
const Slug = "web"

const (
	DefaultMaxBytes  = 512 * 1024
	DefaultTimeout   = 20 * time.Second
	DefaultUserAgent = "capabot/1.0 (+https://github.com/martinemde/capabot)"
)

var (
	blockBreaks = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6]|/section|/article|/blockquote|/pre)\b[^>]*>`)
	spaceRuns   = regexp.MustCompile(`[ \t\f\v\r]+`)
	blankRuns   = regexp.MustCompile(`\n\s*\n+`)
)

// ErrBlockedAddress is returned when a URL resolves to an address the
// fetcher may not reach.
var ErrBlockedAddress = errors.New("address not allowed")

// Options configure a Fetcher.
type Options struct {
	MaxBytes  int64         `yaml:"max_bytes" env:"MAX_BYTES" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	UserAgent string        `yaml:"user_agent" env:"USER_AGENT"`

	// AllowPrivate permits loopback, private, link-local and unspecified
	// targets. Leave it off wherever users can trigger fetches.
	AllowPrivate bool `yaml:"allow_private" env:"ALLOW_PRIVATE"`
}

// Page is a fetched document.
type Page struct {
	URL         string
	Status      int
	ContentType string
	Text        string
	Truncated   bool
}

// Fetcher performs bounded HTTP GETs.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	policy    *bluemonday.Policy
	log       *logrus.Entry
}

// NewFetcher creates a Fetcher. Zero options select the defaults.
func NewFetcher(opts Options, log *logrus.Entry) *Fetcher {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if log == nil {
		log = logging.Component(nil, "web")
	}
	return &Fetcher{
		client:    newClient(opts),
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		policy:    bluemonday.StrictPolicy(),
		log:       log,
	}
}

func newClient(opts Options) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.AllowPrivate {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   rejectInternal,
		}
		transport.DialContext = dialer.DialContext
		// A proxy would be dialled instead of the target and bypass the check.
		transport.Proxy = nil
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}
}

// rejectInternal runs after DNS resolution for every connection, redirects
// included.
func rejectInternal(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || blockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast()
}

// Fetch retrieves rawURL. Only http and https are allowed. Bodies larger than
// the configured limit are cut and marked Truncated.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,application/json;q=0.8,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u.Host, err)
	}

	f.log.WithFields(logrus.Fields{
		"host":     u.Host,
		"status":   resp.StatusCode,
		"bytes":    len(body),
		"duration": time.Since(start),
	}).Debug("fetched page")

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s returned status %d", u.Host, resp.StatusCode)
	}

	page := &Page{
		URL:         u.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if int64(len(body)) > f.maxBytes {
		body = body[:f.maxBytes]
		page.Truncated = true
	}

	mediaType, _, _ := mime.ParseMediaType(page.ContentType)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || (mediaType == "" && looksLikeHTML(body)):
		page.Text = f.HTMLToText(string(body))
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		page.Text = strings.TrimSpace(string(body))
	default:
		return nil, fmt.Errorf("cannot read %s content", mediaType)
	}
	return page, nil
}

// HTMLToText strips every tag and collapses whitespace. Block-level closing
// tags become line breaks.
func (f *Fetcher) HTMLToText(doc string) string {
	doc = blockBreaks.ReplaceAllString(doc, "\n$0")
	text := html.UnescapeString(f.policy.Sanitize(doc))
	text = spaceRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// Handler serves web:fetch.
type Handler struct {
	fetcher *Fetcher
}

// NewHandler returns a capability handler over fetcher.
func NewHandler(fetcher *Fetcher) *Handler {
	return &Handler{fetcher: fetcher}
}

func (h *Handler) Handle(ctx context.Context, method, rawArgs string, _ []conversation.Turn) (*capability.Result, error) {
	if method != "fetch" {
		return capability.Failed(capability.KindHandlerFault, fmt.Errorf("web has no method %q", method)), nil
	}
	args := callsyntax.SplitArgs(rawArgs)
	if len(args) != 1 {
		return capability.Failed(capability.KindHandlerFault, errors.New("usage: web:fetch(url)")), nil
	}

	page, err := h.fetcher.Fetch(ctx, args[0])
	if err != nil {
		return nil, err
	}
	text := page.Text
	if page.Truncated {
		text += fmt.Sprintf("\n[page cut at %d bytes]", h.fetcher.maxBytes)
	}
	return capability.Succeeded(text), nil
}
