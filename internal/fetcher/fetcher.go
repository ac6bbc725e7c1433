// Package fetcher resolves reference-document content from the web for
// references that carry a URL but no inline content.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"

	"github.com/nakamura-shuta/promptrelay/internal/prompt"
)

const (
	// DefaultTimeout bounds a single page fetch.
	DefaultTimeout = 15 * time.Second

	// DefaultUserAgent identifies the fetcher to origin servers.
	DefaultUserAgent = "promptrelay/1.0"

	// maxContentChars caps extracted page text so a single reference cannot
	// blow up the synthesized system message.
	maxContentChars = 8000
)

// Config holds fetcher configuration.
type Config struct {
	// Headless renders pages in a headless browser instead of a plain GET.
	// Needed for pages that build their content client-side.
	Headless bool

	// Timeout bounds each fetch. Zero means DefaultTimeout.
	Timeout time.Duration

	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string
}

// Fetcher fetches and extracts text content for reference documents.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Fetcher with the given configuration.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Resolve returns a copy of references where every entry with a URL but no
// content has its content filled in from the fetched page text. Fetch
// failures leave the reference as given; they never fail the request.
func (f *Fetcher) Resolve(ctx context.Context, references []prompt.ReferenceDoc) []prompt.ReferenceDoc {
	out := make([]prompt.ReferenceDoc, len(references))
	copy(out, references)

	for i := range out {
		if out[i].Content != "" || out[i].URL == "" {
			continue
		}
		text, err := f.Fetch(ctx, out[i].URL)
		if err != nil {
			f.logger.Warn("reference fetch failed", "url", out[i].URL, "error", err)
			continue
		}
		out[i].Content = text
	}
	return out
}

// Fetch retrieves one page and returns its extracted text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		page string
		err  error
	)
	if f.cfg.Headless {
		page, err = f.fetchHeadless(ctx, url)
	} else {
		page, err = f.fetchPlain(ctx, url)
	}
	if err != nil {
		return "", err
	}

	text, err := ExtractText(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	if len(text) > maxContentChars {
		text = text[:maxContentChars]
	}
	return text, nil
}

// fetchPlain issues a plain HTTP GET for the page HTML.
func (f *Fetcher) fetchPlain(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading page body: %w", err)
	}
	return string(body), nil
}

// fetchHeadless renders the page in headless Chrome and returns the final DOM.
func (f *Fetcher) fetchHeadless(ctx context.Context, url string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(f.cfg.UserAgent))...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var page string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			page, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return page, nil
}

// ExtractText parses HTML and returns its visible text with collapsed
// whitespace. Script and style contents are skipped.
func ExtractText(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return strings.TrimSpace(sb.String()), nil
}
