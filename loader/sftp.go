package loader

import (
	"context"
	"net/url"
	"path"
	"time"

	"github.com/pithecene-io/dredge/locator"
	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/types"
)

// SFTP loads bundles from remote files. A request pointing at a
// directory bundles every regular file in it; a file request bundles
// just that file.
type SFTP struct {
	pool *sftppool.Pool
}

var _ types.BundleLoader = (*SFTP)(nil)

// NewSFTP creates an SFTP loader.
func NewSFTP(pool *sftppool.Pool) (*SFTP, error) {
	if pool == nil {
		return nil, types.NewError(types.KindConfiguration, "sftp loader requires a pool", nil)
	}
	return &SFTP{pool: pool}, nil
}

// Load implements types.BundleLoader.
func (l *SFTP) Load(ctx context.Context, req *types.RequestMeta, st types.Storage, rctx *types.RunContext, recipe *types.Recipe) ([]*types.BundleRef, error) {
	remote := remotePath(req)
	if remote == "" {
		return nil, types.NewError(types.KindValidation, "request carries no remote path", nil).
			WithResource(req.URL)
	}

	ref := refFromRequest(req)
	bc, err := st.StartBundle(ctx, ref, recipe)
	if err != nil {
		return nil, err
	}

	isDir, err := l.pool.IsDir(ctx, remote)
	if err != nil {
		bc.Abandon(ctx)
		return nil, err
	}

	var files []string
	if isDir {
		infos, err := l.pool.ListDir(ctx, remote)
		if err != nil {
			bc.Abandon(ctx)
			return nil, err
		}
		for _, info := range infos {
			if info.Mode().IsRegular() {
				files = append(files, path.Join(remote, info.Name()))
			}
		}
	} else {
		files = []string{remote}
	}

	if len(files) == 0 {
		bc.Abandon(ctx)
		return nil, nil
	}

	for _, file := range files {
		if err := l.addFile(ctx, bc, file); err != nil {
			bc.Abandon(ctx)
			return nil, err
		}
	}

	meta := map[string]any{"remote_path": remote}
	if mtime := req.Flags[locator.MetaMTime]; mtime != "" {
		meta["mtime"] = mtime
	}
	if err := bc.Complete(ctx, meta); err != nil {
		return nil, err
	}
	return []*types.BundleRef{bc.Ref()}, nil
}

func (l *SFTP) addFile(ctx context.Context, bc types.BundleContext, file string) error {
	info, err := l.pool.Stat(ctx, file)
	if err != nil {
		return err
	}
	r, err := l.pool.Open(ctx, file)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	meta := &types.ResourceMeta{
		URL: "sftp://" + file,
		Headers: map[string]string{
			"mtime": info.ModTime().UTC().Format(time.RFC3339Nano),
		},
	}
	return bc.AddResource(ctx, path.Base(file), meta, r)
}

// OnBundleComplete implements types.BundleLoader.
func (l *SFTP) OnBundleComplete(context.Context, *types.BundleRef) error { return nil }

// remotePath extracts the remote file path: the locator flag when
// present, otherwise the path component of an sftp:// URL.
func remotePath(req *types.RequestMeta) string {
	if p := req.Flags[locator.MetaPath]; p != "" {
		return p
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme != "sftp" {
		return ""
	}
	return u.Path
}
