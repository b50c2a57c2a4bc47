// Package ingest fetches remote paper sources over HTTP with SSRF
// protection and converts them to plain text for the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/papergraph/papergraph/pkg/config"
)

// Fetch failure classes. Handlers map these to HTTP status codes.
var (
	ErrInvalidURL             = errors.New("invalid url")
	ErrPrivateAddress         = errors.New("url resolves to a private address")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrBodyTooLarge           = errors.New("response body exceeds size limit")
)

// PDFParser extracts plain text from a PDF body. Injected so the fetcher
// stays free of parser internals; a nil parser disables PDF ingestion.
type PDFParser interface {
	ExtractText(data []byte) (string, error)
}

// Document is a fetched paper source reduced to plain text.
type Document struct {
	Text        string
	ResolvedURL string
	ContentType string
}

// Fetcher downloads paper sources with redirect re-validation and a hard
// body size cap.
type Fetcher struct {
	client *http.Client
	cfg    config.URLFetchConfig
	pdf    PDFParser

	// lookup is swapped in tests to avoid real DNS.
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewFetcher creates a Fetcher. pdf may be nil.
func NewFetcher(cfg config.URLFetchConfig, pdf PDFParser) *Fetcher {
	f := &Fetcher{
		cfg: cfg,
		pdf: pdf,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return fmt.Errorf("%w: more than %d redirects", ErrInvalidURL, cfg.MaxRedirects)
			}
			return f.validateTarget(req.Context(), req.URL)
		},
	}
	return f
}

// Fetch downloads rawURL and returns its plain-text content. arXiv
// abstract URLs are rewritten to their PDF form before fetching.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	rewriteArxiv(u)

	if err := f.validateTarget(ctx, u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "application/pdf, application/json, text/html, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: HTTP %d", u, resp.StatusCode)
	}

	// Read one byte past the cap so an exactly-at-limit body is accepted.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body from %s: %w", u, err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w (%d bytes max)", ErrBodyTooLarge, f.cfg.MaxBytes)
	}

	finalURL := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	ct := resp.Header.Get("Content-Type")
	text, err := f.extract(ct, finalURL, body)
	if err != nil {
		return nil, err
	}
	return &Document{Text: text, ResolvedURL: finalURL, ContentType: ct}, nil
}

// extract dispatches on content type, falling back to the URL path
// extension when the header is absent or unparseable. Anything outside
// the four supported forms is rejected.
func (f *Fetcher) extract(contentType, finalURL string, body []byte) (string, error) {
	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}
	ext := strings.ToLower(path.Ext(urlPath(finalURL)))

	switch {
	case mediaType == "application/pdf" || ext == ".pdf":
		if f.pdf == nil {
			return "", fmt.Errorf("%w: pdf ingestion not configured", ErrUnsupportedContentType)
		}
		text, err := f.pdf.ExtractText(body)
		if err != nil {
			return "", fmt.Errorf("extracting pdf text: %w", err)
		}
		return text, nil
	case mediaType == "application/json" || ext == ".json":
		return textFromJSON(body)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || ext == ".html" || ext == ".htm":
		return stripHTML(body), nil
	case mediaType == "text/plain" || ext == ".txt":
		return string(body), nil
	default:
		if mediaType == "" {
			mediaType = contentType
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, mediaType)
	}
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return rawURL
}

// rewriteArxiv turns an arXiv abstract URL into its PDF URL so the fetch
// returns the full paper instead of the landing page.
func rewriteArxiv(u *url.URL) {
	host := strings.ToLower(u.Hostname())
	if host != "arxiv.org" && host != "www.arxiv.org" {
		return
	}
	if rest, ok := strings.CutPrefix(u.Path, "/abs/"); ok {
		u.Path = "/pdf/" + rest
	}
}

// textFromJSON pulls text out of a JSON payload by looking at the
// conventional field names. Payloads without any of them are returned
// verbatim so nothing is silently dropped.
func textFromJSON(body []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("%w: invalid json: %v", ErrInvalidURL, err)
	}

	var parts []string
	for _, field := range []string{"title", "abstract", "text", "content", "body"} {
		if s, ok := doc[field].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return string(body), nil
	}
	return strings.Join(parts, "\n\n"), nil
}

// stripHTML reduces an HTML page to its visible text, skipping script and
// style blocks.
func stripHTML(body []byte) string {
	tokenizer := html.NewTokenizer(strings.NewReader(string(body)))
	var sb strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(text)
		}
	}
}
