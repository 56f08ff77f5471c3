package locator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/types"
)

// Ref meta keys set by the SFTP locators and consumed by the SFTP
// loader.
const (
	MetaPath  = "path"
	MetaMTime = "mtime"
	MetaSize  = "size"
)

// SFTPDirConfig configures a drop-directory locator.
type SFTPDirConfig struct {
	// ID is the stable locator identifier.
	ID string
	// Host renders into the emitted sftp:// URLs.
	Host string
	// Dir is the remote directory to scan.
	Dir string
	// Filter selects entries; nil accepts every regular file.
	Filter FileFilter
	// MaxFailures removes a file from rotation after this many failed
	// loads. 0 means never.
	MaxFailures int
}

// SFTPDir scans a remote drop directory and emits one bundle per new
// or modified file, newest first. A file is re-emitted when its mtime
// advances past the processed marker.
type SFTPDir struct {
	binder
	cfg  SFTPDirConfig
	pool *sftppool.Pool
}

var _ types.BundleLocator = (*SFTPDir)(nil)

// NewSFTPDir creates a drop-directory locator over an SFTP pool.
func NewSFTPDir(cfg SFTPDirConfig, pool *sftppool.Pool) (*SFTPDir, error) {
	if cfg.ID == "" {
		return nil, types.NewError(types.KindConfiguration, "sftp locator requires an id", nil)
	}
	if cfg.Dir == "" {
		return nil, types.NewError(types.KindConfiguration, "sftp locator requires a directory", nil)
	}
	if pool == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp locator requires a pool", nil)
	}
	if cfg.Filter == nil {
		cfg.Filter = AllFiles{}
	}
	return &SFTPDir{binder: binder{id: cfg.ID}, cfg: cfg, pool: pool}, nil
}

// ID implements types.BundleLocator.
func (l *SFTPDir) ID() string { return l.id }

// NextBundleRefs implements types.BundleLocator.
func (l *SFTPDir) NextBundleRefs(ctx context.Context, rctx *types.RunContext, needed int) ([]*types.BundleRef, error) {
	if needed < 1 {
		return nil, nil
	}
	st, err := l.bind(rctx)
	if err != nil {
		return nil, err
	}

	infos, err := l.pool.ListDir(ctx, l.cfg.Dir)
	if err != nil {
		return nil, types.ErrLocatorStalled
	}

	candidates := make([]os.FileInfo, 0, len(infos))
	for _, info := range infos {
		if l.cfg.Filter.Match(info.Name(), info) {
			candidates = append(candidates, info)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ModTime().After(candidates[j].ModTime())
	})

	var refs []*types.BundleRef
	for _, info := range candidates {
		if len(refs) >= needed {
			break
		}
		emit, err := l.shouldEmit(ctx, st, info)
		if err != nil {
			return nil, err
		}
		if !emit || !l.claim(info.Name()) {
			continue
		}
		refs = append(refs, l.refFor(info))
	}
	return refs, nil
}

func (l *SFTPDir) shouldEmit(ctx context.Context, st *state, info os.FileInfo) (bool, error) {
	stored, ok, err := st.processedValue(ctx, info.Name())
	if err != nil {
		return false, err
	}
	if ok {
		prev, perr := time.Parse(time.RFC3339Nano, stored)
		if perr == nil && !info.ModTime().After(prev) {
			return false, nil
		}
	}
	return true, nil
}

func (l *SFTPDir) refFor(info os.FileInfo) *types.BundleRef {
	full := path.Join(l.cfg.Dir, info.Name())
	ref := types.NewBundleRef(fmt.Sprintf("sftp://%s%s", l.cfg.Host, full))
	ref.Meta[types.FlagLocatorID] = l.id
	ref.Meta[MetaPath] = full
	ref.Meta[MetaMTime] = info.ModTime().UTC().Format(time.RFC3339Nano)
	ref.Meta[MetaSize] = fmt.Sprintf("%d", info.Size())
	return ref
}

// HandleRequestProcessed implements types.BundleLocator.
func (l *SFTPDir) HandleRequestProcessed(ctx context.Context, rctx *types.RunContext, req *types.RequestMeta, ok bool) error {
	st, err := l.bind(rctx)
	if err != nil {
		return err
	}
	if ok {
		return st.clearFailure(ctx, req.URL)
	}
	marker := path.Base(req.URL)
	if p := req.Flags[MetaPath]; p != "" {
		marker = path.Base(p)
	}
	defer l.settle(marker)
	n, err := st.recordFailure(ctx, req.URL)
	if err != nil {
		return err
	}
	if l.cfg.MaxFailures > 0 && n >= l.cfg.MaxFailures {
		// Poison file: mark it processed at its current mtime so only a
		// future modification re-emits it.
		mtime := req.Flags[MetaMTime]
		if mtime == "" {
			mtime = time.Now().UTC().Format(time.RFC3339Nano)
		}
		return st.markProcessed(ctx, marker, mtime)
	}
	return nil
}

// OnBundleComplete implements types.BundleLocator: the processed marker
// records the file's mtime, so a later modification re-emits it.
func (l *SFTPDir) OnBundleComplete(ctx context.Context, ref *types.BundleRef) error {
	st, err := l.bound()
	if err != nil {
		return err
	}
	p := ref.Meta[MetaPath]
	if p == "" {
		return errors.New("bundle ref has no sftp path")
	}
	mtime := ref.Meta[MetaMTime]
	if mtime == "" {
		mtime = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := st.markProcessed(ctx, path.Base(p), mtime); err != nil {
		return err
	}
	l.settle(path.Base(p))
	return nil
}

// SFTPFiles emits bundles for an explicit list of remote files, each
// once. Missing files are skipped without error.
type SFTPFiles struct {
	binder
	host  string
	files []string
	pool  *sftppool.Pool
}

var _ types.BundleLocator = (*SFTPFiles)(nil)

// NewSFTPFiles creates a fixed-file-list locator.
func NewSFTPFiles(id, host string, files []string, pool *sftppool.Pool) (*SFTPFiles, error) {
	if id == "" {
		return nil, types.NewError(types.KindConfiguration, "sftp locator requires an id", nil)
	}
	if len(files) == 0 {
		return nil, types.NewError(types.KindConfiguration, "sftp file locator requires files", nil)
	}
	if pool == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp locator requires a pool", nil)
	}
	return &SFTPFiles{binder: binder{id: id}, host: host, files: files, pool: pool}, nil
}

// ID implements types.BundleLocator.
func (l *SFTPFiles) ID() string { return l.id }

// NextBundleRefs implements types.BundleLocator.
func (l *SFTPFiles) NextBundleRefs(ctx context.Context, rctx *types.RunContext, needed int) ([]*types.BundleRef, error) {
	if needed < 1 {
		return nil, nil
	}
	st, err := l.bind(rctx)
	if err != nil {
		return nil, err
	}

	var refs []*types.BundleRef
	for _, file := range l.files {
		if len(refs) >= needed {
			break
		}
		done, err := st.processed(ctx, file)
		if err != nil {
			return nil, err
		}
		if done || !l.claim(file) {
			continue
		}
		info, err := l.pool.Stat(ctx, file)
		if err != nil {
			l.settle(file)
			exists, eerr := l.pool.Exists(ctx, file)
			if eerr == nil && !exists {
				continue
			}
			return nil, types.ErrLocatorStalled
		}

		ref := types.NewBundleRef(fmt.Sprintf("sftp://%s%s", l.host, file))
		ref.Meta[types.FlagLocatorID] = l.id
		ref.Meta[MetaPath] = file
		ref.Meta[MetaMTime] = info.ModTime().UTC().Format(time.RFC3339Nano)
		refs = append(refs, ref)
	}
	return refs, nil
}

// HandleRequestProcessed implements types.BundleLocator.
func (l *SFTPFiles) HandleRequestProcessed(ctx context.Context, rctx *types.RunContext, req *types.RequestMeta, ok bool) error {
	st, err := l.bind(rctx)
	if err != nil {
		return err
	}
	if ok {
		return st.clearFailure(ctx, req.URL)
	}
	_, err = st.recordFailure(ctx, req.URL)
	if p := req.Flags[MetaPath]; p != "" {
		l.settle(p)
	}
	return err
}

// OnBundleComplete implements types.BundleLocator.
func (l *SFTPFiles) OnBundleComplete(ctx context.Context, ref *types.BundleRef) error {
	st, err := l.bound()
	if err != nil {
		return err
	}
	p := ref.Meta[MetaPath]
	if p == "" {
		return errors.New("bundle ref has no sftp path")
	}
	if err := st.markProcessed(ctx, p, string(ref.BID)); err != nil {
		return err
	}
	l.settle(p)
	return nil
}
