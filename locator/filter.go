package locator

import (
	"os"
	"path"
	"regexp"

	"github.com/pithecene-io/dredge/types"
)

// FileFilter decides which directory entries become bundles.
type FileFilter interface {
	// Name identifies the filter in configuration.
	Name() string
	// Match reports whether the entry should be ingested.
	Match(name string, info os.FileInfo) bool
}

// AllFiles accepts every regular file.
type AllFiles struct{}

// Name implements FileFilter.
func (AllFiles) Name() string { return "all" }

// Match implements FileFilter.
func (AllFiles) Match(_ string, info os.FileInfo) bool {
	return info != nil && info.Mode().IsRegular()
}

// GlobFilter accepts regular files whose base name matches a shell
// pattern.
type GlobFilter struct {
	Pattern string
}

// Name implements FileFilter.
func (GlobFilter) Name() string { return "glob" }

// Match implements FileFilter.
func (f GlobFilter) Match(name string, info os.FileInfo) bool {
	if info == nil || !info.Mode().IsRegular() {
		return false
	}
	ok, err := path.Match(f.Pattern, path.Base(name))
	return err == nil && ok
}

// RegexpFilter accepts regular files whose base name matches a compiled
// expression.
type RegexpFilter struct {
	re *regexp.Regexp
}

// NewRegexpFilter compiles the expression.
func NewRegexpFilter(expr string) (*RegexpFilter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "compile file filter", err)
	}
	return &RegexpFilter{re: re}, nil
}

// Name implements FileFilter.
func (*RegexpFilter) Name() string { return "regexp" }

// Match implements FileFilter.
func (f *RegexpFilter) Match(name string, info os.FileInfo) bool {
	return info != nil && info.Mode().IsRegular() && f.re.MatchString(path.Base(name))
}

var (
	_ FileFilter = AllFiles{}
	_ FileFilter = GlobFilter{}
	_ FileFilter = (*RegexpFilter)(nil)
)
