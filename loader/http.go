// Package loader implements the bundle loaders: consumers of queued
// requests that fetch content and drive the storage lifecycle. One
// loader instance serves a whole recipe.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	httppool "github.com/pithecene-io/dredge/pool/http"
	"github.com/pithecene-io/dredge/types"
)

// ErrorHandler decides what to do with a non-success response status.
// Returning true discards the request without error; false fails it.
type ErrorHandler func(url string, status int) bool

// DefaultErrorHandler discards the statuses registries emit for
// withdrawn or embargoed content; anything else is a real failure.
func DefaultErrorHandler(_ string, status int) bool {
	switch {
	case status == 403, status == 404, status == 410:
		return true
	case status >= 500:
		// Retries are exhausted by the time a 5xx reaches the loader.
		return true
	default:
		return false
	}
}

// RelatedFinder extracts follow-up resource URLs from the primary body.
// Returned URLs may be relative; they are resolved against the final
// request URL.
type RelatedFinder func(contentType string, body []byte) []string

// DefaultMaxRelated caps related fetches per bundle.
const DefaultMaxRelated = 8

// HTTP loads one bundle per queued request: the primary URL becomes the
// bundle's first resource, optionally followed by related resources
// discovered in its body.
type HTTP struct {
	pool       *httppool.Pool
	onError    ErrorHandler
	related    RelatedFinder
	maxRelated int
}

var _ types.BundleLoader = (*HTTP)(nil)

// Option configures an HTTP loader.
type Option func(*HTTP)

// WithRelatedFinder enables related-resource discovery. max <= 0 uses
// DefaultMaxRelated.
func WithRelatedFinder(f RelatedFinder, max int) Option {
	return func(l *HTTP) {
		l.related = f
		if max > 0 {
			l.maxRelated = max
		}
	}
}

// NewHTTP creates an HTTP loader. A nil handler uses the default.
func NewHTTP(pool *httppool.Pool, onError ErrorHandler, opts ...Option) (*HTTP, error) {
	if pool == nil {
		return nil, types.NewError(types.KindConfiguration, "http loader requires a pool", nil)
	}
	if onError == nil {
		onError = DefaultErrorHandler
	}
	l := &HTTP{pool: pool, onError: onError, maxRelated: DefaultMaxRelated}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Load implements types.BundleLoader.
func (l *HTTP) Load(ctx context.Context, req *types.RequestMeta, st types.Storage, rctx *types.RunContext, recipe *types.Recipe) ([]*types.BundleRef, error) {
	ref := refFromRequest(req)

	bc, err := st.StartBundle(ctx, ref, recipe)
	if err != nil {
		return nil, err
	}

	headers := req.Headers
	if req.Referer != "" {
		headers = cloneHeaders(headers)
		headers["Referer"] = req.Referer
	}
	resp, err := l.pool.Get(ctx, req.URL, headers)
	if err != nil {
		bc.Abandon(ctx)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		bc.Abandon(ctx)
		if l.onError(req.URL, resp.StatusCode) {
			return nil, nil
		}
		return nil, types.NewError(types.KindResource,
			fmt.Sprintf("fetch returned %d", resp.StatusCode), nil).WithResource(req.URL)
	}

	meta := &types.ResourceMeta{
		URL:         resp.FinalURL,
		Status:      resp.StatusCode,
		ContentType: resp.ContentType,
	}
	primaryName := resourceName(req.URL, resp.ContentType)
	if l.related == nil {
		if err := bc.AddResource(ctx, primaryName, meta, resp.Body); err != nil {
			bc.Abandon(ctx)
			return nil, err
		}
	} else {
		// Discovery needs the body twice: once stored, once scanned.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			bc.Abandon(ctx)
			return nil, types.NewError(types.KindNetwork, "read response body", err).WithResource(req.URL)
		}
		if err := bc.AddResource(ctx, primaryName, meta, bytes.NewReader(body)); err != nil {
			bc.Abandon(ctx)
			return nil, err
		}
		if err := l.loadRelated(ctx, bc, resp, body, headers); err != nil {
			bc.Abandon(ctx)
			return nil, err
		}
	}

	if err := bc.Complete(ctx, map[string]any{"primary_url": req.URL}); err != nil {
		return nil, err
	}
	return []*types.BundleRef{bc.Ref()}, nil
}

// loadRelated fetches the discovered URLs, capped and deduplicated.
// Non-success statuses on related resources are skipped: registries
// routinely prune secondary documents while the primary stays live.
// Transport failures fail the bundle.
func (l *HTTP) loadRelated(ctx context.Context, bc types.BundleContext, primary *httppool.Response, body []byte, headers map[string]string) error {
	base, err := url.Parse(primary.FinalURL)
	if err != nil {
		return nil
	}

	seen := map[string]bool{primary.FinalURL: true}
	fetched := 0
	for _, raw := range l.related(primary.ContentType, body) {
		if fetched >= l.maxRelated {
			break
		}
		rel, err := url.Parse(raw)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(rel)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		target := abs.String()
		if seen[target] {
			continue
		}
		seen[target] = true

		resp, err := l.pool.Get(ctx, target, headers)
		if err != nil {
			return err
		}
		if resp.StatusCode != 200 {
			_ = resp.Body.Close()
			continue
		}
		meta := &types.ResourceMeta{
			URL:         resp.FinalURL,
			Status:      resp.StatusCode,
			ContentType: resp.ContentType,
		}
		addErr := bc.AddResource(ctx, resourceName(target, resp.ContentType), meta, resp.Body)
		_ = resp.Body.Close()
		if addErr != nil {
			return addErr
		}
		fetched++
	}
	return nil
}

// linkPattern matches href/src attribute values.
var linkPattern = regexp.MustCompile(`(?i)(?:href|src)\s*=\s*["']([^"'#]+)["']`)

// HTMLLinkFinder is the built-in RelatedFinder: href/src links from
// HTML and XHTML bodies. Other content types yield nothing.
func HTMLLinkFinder(contentType string, body []byte) []string {
	if !strings.Contains(contentType, "html") {
		return nil
	}
	var out []string
	for _, m := range linkPattern.FindAllSubmatch(body, -1) {
		out = append(out, string(m[1]))
	}
	return out
}

// OnBundleComplete implements types.BundleLoader.
func (l *HTTP) OnBundleComplete(context.Context, *types.BundleRef) error { return nil }

// refFromRequest rebuilds the BundleRef a locator minted from the
// request flags; unattributed requests get a fresh BID.
func refFromRequest(req *types.RequestMeta) *types.BundleRef {
	ref := types.NewBundleRef(req.URL)
	for k, v := range req.Flags {
		ref.Meta[k] = v
	}
	if raw := req.Flags[types.FlagBID]; raw != "" {
		if bid, err := types.ParseBID(raw); err == nil {
			ref.BID = bid
		}
	}
	return ref
}

// resourceName derives a stored name from the URL path.
func resourceName(rawURL, contentType string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	switch {
	case strings.Contains(contentType, "json"):
		return "content.json"
	case strings.Contains(contentType, "xml"):
		return "content.xml"
	case strings.Contains(contentType, "html"):
		return "content.html"
	default:
		return "content"
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
