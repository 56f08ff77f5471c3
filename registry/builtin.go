package registry

import (
	"fmt"

	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/loader"
	"github.com/pithecene-io/dredge/locator"
	httppool "github.com/pithecene-io/dredge/pool/http"
	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/types"
)

// Deps carries the shared backends factories wire strategies to.
type Deps struct {
	// HTTP hands out fingerprint-shared HTTP pools.
	HTTP *httppool.Manager
	// HTTPConfigs maps pool names declared in the recipe file to their
	// full configs, so a strategy referencing a pool by name gets the
	// declared settings instead of defaults.
	HTTPConfigs map[string]httppool.Config
	// SFTP is the recipe's SFTP pool, when one is configured.
	SFTP *sftppool.Pool
	// Creds resolves secrets for strategies that authenticate.
	Creds creds.Provider
}

// httpPoolFor resolves a named pool through the declared configs.
func httpPoolFor(deps *Deps, name string) (*httppool.Pool, error) {
	cfg, ok := deps.HTTPConfigs[name]
	if !ok {
		cfg = httppool.Config{Name: name}
	}
	return deps.HTTP.Pool(cfg)
}

// Default returns a registry with every built-in strategy registered.
func Default() *Registry {
	r := New()
	r.MustRegister(KindLocator, singleURLFactory{})
	r.MustRegister(KindLocator, sftpDirFactory{})
	r.MustRegister(KindLocator, sftpFilesFactory{})
	r.MustRegister(KindLocator, paginatedFactory{})
	r.MustRegister(KindLoader, httpLoaderFactory{})
	r.MustRegister(KindLoader, sftpLoaderFactory{})
	r.MustRegister(KindFileFilter, allFilesFactory{})
	r.MustRegister(KindFileFilter, globFilterFactory{})
	r.MustRegister(KindFileFilter, regexpFilterFactory{})
	return r
}

type singleURLFactory struct{}

func (singleURLFactory) Name() string     { return "single-url" }
func (singleURLFactory) Fields() []string { return []string{"id", "url"} }

func (singleURLFactory) Create(cfg map[string]any, _ *Deps) (any, error) {
	id, err := strField(cfg, "id")
	if err != nil {
		return nil, err
	}
	url, err := strField(cfg, "url")
	if err != nil {
		return nil, err
	}
	return locator.NewSingleURL(id, url)
}

type sftpDirFactory struct{}

func (sftpDirFactory) Name() string { return "sftp-dir" }

func (sftpDirFactory) Fields() []string {
	return []string{"id", "host", "dir", "pattern", "max_failures"}
}

func (sftpDirFactory) Create(cfg map[string]any, deps *Deps) (any, error) {
	if deps == nil || deps.SFTP == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp-dir locator requires an sftp pool", nil)
	}
	id, err := strField(cfg, "id")
	if err != nil {
		return nil, err
	}
	host, err := strField(cfg, "host")
	if err != nil {
		return nil, err
	}
	dir, err := strField(cfg, "dir")
	if err != nil {
		return nil, err
	}
	pattern, err := strField(cfg, "pattern")
	if err != nil {
		return nil, err
	}
	maxFailures, err := intField(cfg, "max_failures")
	if err != nil {
		return nil, err
	}

	var filter locator.FileFilter
	if pattern != "" {
		filter = locator.GlobFilter{Pattern: pattern}
	}
	return locator.NewSFTPDir(locator.SFTPDirConfig{
		ID:          id,
		Host:        host,
		Dir:         dir,
		Filter:      filter,
		MaxFailures: maxFailures,
	}, deps.SFTP)
}

type sftpFilesFactory struct{}

func (sftpFilesFactory) Name() string     { return "sftp-files" }
func (sftpFilesFactory) Fields() []string { return []string{"id", "host", "files"} }

func (sftpFilesFactory) Create(cfg map[string]any, deps *Deps) (any, error) {
	if deps == nil || deps.SFTP == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp-files locator requires an sftp pool", nil)
	}
	id, err := strField(cfg, "id")
	if err != nil {
		return nil, err
	}
	host, err := strField(cfg, "host")
	if err != nil {
		return nil, err
	}
	files, err := strSliceField(cfg, "files")
	if err != nil {
		return nil, err
	}
	return locator.NewSFTPFiles(id, host, files, deps.SFTP)
}

type paginatedFactory struct{}

func (paginatedFactory) Name() string { return "paginated" }

func (paginatedFactory) Fields() []string {
	return []string{
		"id", "base_url", "start_date", "end_date",
		"cursor_field", "count_field", "total_field",
		"narrower", "max_records", "reverse",
		"date_param", "token_param", "narrow_param",
		"pool",
	}
}

func (paginatedFactory) Create(cfg map[string]any, deps *Deps) (any, error) {
	if deps == nil || deps.HTTP == nil {
		return nil, types.NewError(types.KindConfiguration, "paginated locator requires an http pool manager", nil)
	}

	fields := map[string]*string{}
	for _, name := range []string{
		"id", "base_url", "start_date", "end_date",
		"cursor_field", "count_field", "total_field",
		"narrower", "date_param", "token_param", "narrow_param", "pool",
	} {
		s, err := strField(cfg, name)
		if err != nil {
			return nil, err
		}
		v := s
		fields[name] = &v
	}
	reverse, err := boolField(cfg, "reverse")
	if err != nil {
		return nil, err
	}
	maxRecords, err := intField(cfg, "max_records")
	if err != nil {
		return nil, err
	}

	var narrower locator.Narrower
	switch *fields["narrower"] {
	case "", "none":
		narrower = locator.NoNarrower{}
	case "two-digit":
		narrower = locator.TwoDigitNarrower{}
	default:
		return nil, types.NewError(types.KindConfiguration,
			fmt.Sprintf("unknown narrower %q", *fields["narrower"]), nil)
	}

	pool, err := httpPoolFor(deps, *fields["pool"])
	if err != nil {
		return nil, err
	}
	return locator.NewPaginated(locator.PaginatedConfig{
		ID:          *fields["id"],
		BaseURL:     *fields["base_url"],
		StartDate:   *fields["start_date"],
		EndDate:     *fields["end_date"],
		CursorField: *fields["cursor_field"],
		CountField:  *fields["count_field"],
		TotalField:  *fields["total_field"],
		MaxRecords:  maxRecords,
		Narrower:    narrower,
		Reverse:     reverse,
		Query: locator.ParamQuery{
			DateParam:   *fields["date_param"],
			TokenParam:  *fields["token_param"],
			NarrowParam: *fields["narrow_param"],
		},
	}, pool)
}

type httpLoaderFactory struct{}

func (httpLoaderFactory) Name() string { return "http" }

func (httpLoaderFactory) Fields() []string {
	return []string{"pool", "discover_links", "max_related"}
}

func (httpLoaderFactory) Create(cfg map[string]any, deps *Deps) (any, error) {
	if deps == nil || deps.HTTP == nil {
		return nil, types.NewError(types.KindConfiguration, "http loader requires an http pool manager", nil)
	}
	name, err := strField(cfg, "pool")
	if err != nil {
		return nil, err
	}
	pool, err := httpPoolFor(deps, name)
	if err != nil {
		return nil, err
	}
	discover, err := boolField(cfg, "discover_links")
	if err != nil {
		return nil, err
	}
	maxRelated, err := intField(cfg, "max_related")
	if err != nil {
		return nil, err
	}
	var opts []loader.Option
	if discover {
		opts = append(opts, loader.WithRelatedFinder(loader.HTMLLinkFinder, maxRelated))
	}
	return loader.NewHTTP(pool, nil, opts...)
}

type sftpLoaderFactory struct{}

func (sftpLoaderFactory) Name() string     { return "sftp" }
func (sftpLoaderFactory) Fields() []string { return nil }

func (sftpLoaderFactory) Create(_ map[string]any, deps *Deps) (any, error) {
	if deps == nil || deps.SFTP == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp loader requires an sftp pool", nil)
	}
	return loader.NewSFTP(deps.SFTP)
}

type allFilesFactory struct{}

func (allFilesFactory) Name() string     { return "all" }
func (allFilesFactory) Fields() []string { return nil }

func (allFilesFactory) Create(map[string]any, *Deps) (any, error) {
	return locator.AllFiles{}, nil
}

type globFilterFactory struct{}

func (globFilterFactory) Name() string     { return "glob" }
func (globFilterFactory) Fields() []string { return []string{"pattern"} }

func (globFilterFactory) Create(cfg map[string]any, _ *Deps) (any, error) {
	pattern, err := strField(cfg, "pattern")
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return nil, types.NewError(types.KindConfiguration, "glob filter requires a pattern", nil)
	}
	return locator.GlobFilter{Pattern: pattern}, nil
}

type regexpFilterFactory struct{}

func (regexpFilterFactory) Name() string     { return "regexp" }
func (regexpFilterFactory) Fields() []string { return []string{"expr"} }

func (regexpFilterFactory) Create(cfg map[string]any, _ *Deps) (any, error) {
	expr, err := strField(cfg, "expr")
	if err != nil {
		return nil, err
	}
	return locator.NewRegexpFilter(expr)
}
