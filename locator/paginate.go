package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	httppool "github.com/pithecene-io/dredge/pool/http"
	"github.com/pithecene-io/dredge/types"
)

// Ref meta keys set by the paginated locators.
const (
	MetaCursor  = "cursor"
	MetaPageKey = "page"
	MetaSeq     = "seq"
)

// dateLayout is the provider-facing date format.
const dateLayout = "2006-01-02"

// Cursor is the paginated locator's position: a date partition, an
// opaque continuation token within it, and a narrowing key that
// subdivides dates too large to page through directly.
type Cursor struct {
	Date      string `json:"date"`
	Token     string `json:"token"`
	NarrowKey string `json:"narrow_key"`
	// Seen accumulates record counts across the partition's pages, so
	// the walk narrows instead of following tokens past the provider's
	// result cap.
	Seen int `json:"seen,omitempty"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s|%s|%s", c.Date, c.NarrowKey, c.Token)
}

// checkpoint is the durable cursor document. Seq makes checkpointing
// monotonic when completions land out of order.
type checkpoint struct {
	Cursor Cursor `json:"cursor"`
	Seq    uint64 `json:"seq"`
}

// Narrower subdivides one date partition into smaller queries.
type Narrower interface {
	// Name identifies the narrower in configuration.
	Name() string
	// First returns the initial key for a fresh date.
	First() string
	// Next returns the key after key, or false when exhausted.
	Next(key string) (string, bool)
}

// NoNarrower queries each date as a single partition.
type NoNarrower struct{}

// Name implements Narrower.
func (NoNarrower) Name() string { return "none" }

// First implements Narrower.
func (NoNarrower) First() string { return "" }

// Next implements Narrower.
func (NoNarrower) Next(string) (string, bool) { return "", false }

// TwoDigitNarrower subdivides a date into the keys "00" through "99".
type TwoDigitNarrower struct{}

// Name implements Narrower.
func (TwoDigitNarrower) Name() string { return "two-digit" }

// First implements Narrower.
func (TwoDigitNarrower) First() string { return "00" }

// Next implements Narrower.
func (TwoDigitNarrower) Next(key string) (string, bool) {
	n, err := strconv.Atoi(key)
	if err != nil || n >= 99 {
		return "", false
	}
	return fmt.Sprintf("%02d", n+1), true
}

var (
	_ Narrower = NoNarrower{}
	_ Narrower = TwoDigitNarrower{}
)

// QueryBuilder renders a cursor into a page URL.
type QueryBuilder interface {
	// Name identifies the builder in configuration.
	Name() string
	PageURL(base string, c Cursor) (string, error)
}

// ParamQuery appends the cursor as query parameters. Empty parameter
// names suppress the corresponding field.
type ParamQuery struct {
	// DateParam carries Cursor.Date. Default "date".
	DateParam string
	// TokenParam carries Cursor.Token. Default "curseur".
	TokenParam string
	// NarrowParam carries Cursor.NarrowKey. Empty omits it.
	NarrowParam string
	// Extra parameters appended verbatim (page size, sort order).
	Extra url.Values
}

// Name implements QueryBuilder.
func (ParamQuery) Name() string { return "params" }

// PageURL implements QueryBuilder.
func (q ParamQuery) PageURL(base string, c Cursor) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	dateParam := q.DateParam
	if dateParam == "" {
		dateParam = "date"
	}
	tokenParam := q.TokenParam
	if tokenParam == "" {
		tokenParam = "curseur"
	}

	vals := u.Query()
	for k, vs := range q.Extra {
		for _, v := range vs {
			vals.Add(k, v)
		}
	}
	vals.Set(dateParam, c.Date)
	if c.Token != "" {
		vals.Set(tokenParam, c.Token)
	}
	if q.NarrowParam != "" && c.NarrowKey != "" {
		vals.Set(q.NarrowParam, c.NarrowKey)
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}

var _ QueryBuilder = ParamQuery{}

// PaginatedConfig configures a cursored API locator.
type PaginatedConfig struct {
	// ID is the stable locator identifier.
	ID string
	// BaseURL is the collection endpoint.
	BaseURL string
	// StartDate is the first date partition, "2006-01-02".
	StartDate string
	// EndDate bounds the walk inclusively; empty means today.
	EndDate string
	// CursorField is the response field holding the continuation token.
	// Default "curseurSuivant".
	CursorField string
	// CountField is the response field holding the page's item count.
	// Default "nombreResultats".
	CountField string
	// TotalField optionally holds the partition's total result count.
	// Default "totalResultats".
	TotalField string
	// MaxRecords caps how many records one partition may yield before
	// the walk stops following continuation tokens and narrows instead.
	// Providers typically refuse to page past such a cap. 0 disables it.
	MaxRecords int
	// Narrower subdivides dates; nil means none.
	Narrower Narrower
	// Query renders cursors into URLs; nil uses ParamQuery defaults.
	Query QueryBuilder
	// Reverse walks dates backward from StartDate down to EndDate,
	// filling gaps behind the forward walker.
	Reverse bool
}

func (c PaginatedConfig) withDefaults() PaginatedConfig {
	if c.CursorField == "" {
		c.CursorField = "curseurSuivant"
	}
	if c.CountField == "" {
		c.CountField = "nombreResultats"
	}
	if c.TotalField == "" {
		c.TotalField = "totalResultats"
	}
	if c.Narrower == nil {
		c.Narrower = NoNarrower{}
	}
	if c.Query == nil {
		c.Query = ParamQuery{}
	}
	return c
}

// Paginated walks a cursored collection endpoint date by date, emitting
// one bundle per non-empty page. The cursor checkpoint advances only
// when a bundle completes, so pages in flight at a crash are
// re-discovered; the processed set keeps them from producing duplicate
// bundles.
type Paginated struct {
	binder
	cfg  PaginatedConfig
	pool *httppool.Pool
	now  func() time.Time

	mu          sync.Mutex
	cursor      *Cursor
	seq         uint64
	outstanding int
	drained     bool
}

var _ types.BundleLocator = (*Paginated)(nil)

// NewPaginated creates a paginated locator over an HTTP pool.
func NewPaginated(cfg PaginatedConfig, pool *httppool.Pool) (*Paginated, error) {
	if cfg.ID == "" {
		return nil, types.NewError(types.KindConfiguration, "paginated locator requires an id", nil)
	}
	if cfg.BaseURL == "" {
		return nil, types.NewError(types.KindConfiguration, "paginated locator requires a base url", nil)
	}
	if pool == nil {
		return nil, types.NewError(types.KindConfiguration, "paginated locator requires an http pool", nil)
	}
	if cfg.StartDate != "" {
		if _, err := time.Parse(dateLayout, cfg.StartDate); err != nil {
			return nil, types.NewError(types.KindConfiguration, "paginated locator start date is malformed", err)
		}
	}
	if cfg.EndDate != "" {
		if _, err := time.Parse(dateLayout, cfg.EndDate); err != nil {
			return nil, types.NewError(types.KindConfiguration, "paginated locator end date is malformed", err)
		}
	}
	if cfg.Reverse {
		if cfg.StartDate == "" || cfg.EndDate == "" {
			return nil, types.NewError(types.KindConfiguration,
				"reverse pagination requires explicit start and end dates", nil)
		}
	}
	return &Paginated{
		binder: binder{id: cfg.ID},
		cfg:    cfg.withDefaults(),
		pool:   pool,
		now:    time.Now,
	}, nil
}

// ID implements types.BundleLocator.
func (l *Paginated) ID() string { return l.id }

// NextBundleRefs implements types.BundleLocator.
func (l *Paginated) NextBundleRefs(ctx context.Context, rctx *types.RunContext, needed int) ([]*types.BundleRef, error) {
	if needed < 1 {
		return nil, nil
	}
	st, err := l.bind(rctx)
	if err != nil {
		return nil, err
	}
	if err := l.ensureCursor(ctx, st); err != nil {
		return nil, err
	}

	var refs []*types.BundleRef
	for len(refs) < needed {
		if err := ctx.Err(); err != nil {
			return refs, err
		}

		l.mu.Lock()
		cursor := *l.cursor
		done := l.drained || l.pastEnd(cursor)
		l.mu.Unlock()
		if done {
			l.markDrained(ctx, st)
			return refs, nil
		}

		pageURL, err := l.cfg.Query.PageURL(l.cfg.BaseURL, cursor)
		if err != nil {
			return refs, err
		}

		page, err := l.fetchPage(ctx, pageURL)
		if err != nil {
			if len(refs) > 0 {
				return refs, nil
			}
			return nil, types.ErrLocatorStalled
		}

		next := l.advance(cursor, page)
		pageKey := cursor.String()

		if page.count > 0 {
			seen, err := st.processed(ctx, pageKey)
			if err != nil {
				return refs, err
			}
			if !seen {
				ref, err := l.refFor(pageURL, pageKey, next)
				if err != nil {
					return refs, err
				}
				refs = append(refs, ref)
			}
		}

		l.mu.Lock()
		*l.cursor = next
		l.mu.Unlock()
	}
	return refs, nil
}

// ensureCursor loads the checkpoint or initializes from the start date.
func (l *Paginated) ensureCursor(ctx context.Context, st *state) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor != nil {
		return nil
	}

	var cp checkpoint
	ok, err := st.loadCursor(ctx, &cp)
	if err != nil {
		return err
	}
	if ok {
		l.cursor = &cp.Cursor
		l.seq = cp.Seq
		return nil
	}

	start := l.cfg.StartDate
	if start == "" {
		start = l.now().UTC().Format(dateLayout)
	}
	l.cursor = &Cursor{Date: start, NarrowKey: l.cfg.Narrower.First()}
	return nil
}

// pastEnd reports whether the cursor walked beyond the configured range.
func (l *Paginated) pastEnd(c Cursor) bool {
	end := l.cfg.EndDate
	if end == "" {
		if l.cfg.Reverse {
			return false
		}
		end = l.now().UTC().Format(dateLayout)
	}
	if l.cfg.Reverse {
		return c.Date < end
	}
	return c.Date > end
}

// advance applies the cursor progression: continuation token within the
// partition while the record cap allows, then the next narrowing key,
// then the next date. Hitting MaxRecords drops the token even when the
// provider issued one.
func (l *Paginated) advance(c Cursor, page *pageResult) Cursor {
	c.Seen += page.count
	if page.nextToken != "" && (l.cfg.MaxRecords <= 0 || c.Seen < l.cfg.MaxRecords) {
		c.Token = page.nextToken
		return c
	}
	c.Token = ""
	c.Seen = 0
	if key, ok := l.cfg.Narrower.Next(c.NarrowKey); ok {
		c.NarrowKey = key
		return c
	}
	c.NarrowKey = l.cfg.Narrower.First()
	c.Date = l.nextDate(c.Date)
	return c
}

func (l *Paginated) nextDate(date string) string {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	if l.cfg.Reverse {
		return t.AddDate(0, 0, -1).Format(dateLayout)
	}
	return t.AddDate(0, 0, 1).Format(dateLayout)
}

// pageResult is the subset of a page the locator cares about.
type pageResult struct {
	nextToken string
	count     int
}

// fetchPage retrieves one page and extracts the continuation fields.
// A 404 reads as an empty partition.
func (l *Paginated) fetchPage(ctx context.Context, pageURL string) (*pageResult, error) {
	resp, err := l.pool.Get(ctx, pageURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == 404 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &pageResult{}, nil
	}
	if resp.StatusCode != 200 {
		return nil, types.NewError(types.KindResource,
			fmt.Sprintf("page request returned %d", resp.StatusCode), nil).WithResource(pageURL)
	}

	var doc map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, types.NewError(types.KindResource, "decode page", err).WithResource(pageURL)
	}

	out := &pageResult{}
	if raw, ok := doc[l.cfg.CursorField]; ok {
		_ = json.Unmarshal(raw, &out.nextToken)
	}
	if raw, ok := doc[l.cfg.CountField]; ok {
		_ = json.Unmarshal(raw, &out.count)
	} else if raw, ok := doc[l.cfg.TotalField]; ok {
		// Providers that only report partition totals: treat any
		// non-zero total as a non-empty page.
		_ = json.Unmarshal(raw, &out.count)
	}
	return out, nil
}

func (l *Paginated) refFor(pageURL, pageKey string, next Cursor) (*types.BundleRef, error) {
	cursorJSON, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.outstanding++
	l.mu.Unlock()

	ref := types.NewBundleRef(pageURL)
	ref.Meta[types.FlagLocatorID] = l.id
	ref.Meta[MetaCursor] = string(cursorJSON)
	ref.Meta[MetaPageKey] = pageKey
	ref.Meta[MetaSeq] = strconv.FormatUint(seq, 10)
	return ref, nil
}

// markDrained checkpoints the final cursor once every emitted page has
// completed, so a finished range is not rescanned next run.
func (l *Paginated) markDrained(ctx context.Context, st *state) {
	l.mu.Lock()
	l.drained = true
	flush := l.outstanding == 0 && l.cursor != nil
	var cp checkpoint
	if flush {
		cp = checkpoint{Cursor: *l.cursor, Seq: l.seq}
	}
	l.mu.Unlock()
	if flush {
		_ = st.saveCursor(ctx, &cp)
	}
}

// HandleRequestProcessed implements types.BundleLocator.
func (l *Paginated) HandleRequestProcessed(ctx context.Context, rctx *types.RunContext, req *types.RequestMeta, ok bool) error {
	st, err := l.bind(rctx)
	if err != nil {
		return err
	}
	if ok {
		return st.clearFailure(ctx, req.URL)
	}
	_, err = st.recordFailure(ctx, req.URL)
	return err
}

// OnBundleComplete implements types.BundleLocator: marks the page
// processed and advances the checkpoint monotonically.
func (l *Paginated) OnBundleComplete(ctx context.Context, ref *types.BundleRef) error {
	st, err := l.bound()
	if err != nil {
		return err
	}

	if pageKey := ref.Meta[MetaPageKey]; pageKey != "" {
		if err := st.markProcessed(ctx, pageKey, string(ref.BID)); err != nil {
			return err
		}
	}

	seq, _ := strconv.ParseUint(ref.Meta[MetaSeq], 10, 64)
	var next Cursor
	if err := json.Unmarshal([]byte(ref.Meta[MetaCursor]), &next); err != nil {
		return fmt.Errorf("bundle ref carries malformed cursor: %w", err)
	}

	var cp checkpoint
	ok, err := st.loadCursor(ctx, &cp)
	if err != nil {
		return err
	}
	if ok && cp.Seq >= seq {
		// A later page already checkpointed past this one.
		l.noteCompleted(ctx, st)
		return nil
	}
	if err := st.saveCursor(ctx, &checkpoint{Cursor: next, Seq: seq}); err != nil {
		return err
	}
	l.noteCompleted(ctx, st)
	return nil
}

// noteCompleted tracks outstanding emissions and flushes the drained
// cursor when the last one lands.
func (l *Paginated) noteCompleted(ctx context.Context, st *state) {
	l.mu.Lock()
	if l.outstanding > 0 {
		l.outstanding--
	}
	flush := l.drained && l.outstanding == 0 && l.cursor != nil
	var cp checkpoint
	if flush {
		cp = checkpoint{Cursor: *l.cursor, Seq: l.seq}
	}
	l.mu.Unlock()
	if flush {
		_ = st.saveCursor(ctx, &cp)
	}
}
