package rclone

import (
	"context"
	"fmt"

	_ "github.com/rclone/rclone/backend/http"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"
	_ "github.com/rclone/rclone/backend/webdav"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
)

// Options tune the rclone engine for unit transfers.
type Options struct {
	Retries         int
	LowLevelRetries int
	// Remotes are backends defined inline, keyed by remote name. Each entry
	// must carry a "type" such as s3, sftp or webdav; the remaining keys are
	// the backend options.
	Remotes map[string]map[string]string
}

// InjectGlobalConfig injects global configuration into the context.
func InjectGlobalConfig(ctx context.Context, opts Options) context.Context {
	ctx, ci := fs.AddConfig(ctx)
	ci.Retries = max(opts.Retries, 1)
	ci.LowLevelRetries = max(opts.LowLevelRetries, 1)
	ci.NoTraverse = true
	ci.Progress = false
	return ctx
}

// mocks the config store of rclone
type dictConfigStore struct {
	config map[string]string
}

func (d *dictConfigStore) Get(key string) (string, bool) {
	value, ok := d.config[key]
	return value, ok
}
func (d *dictConfigStore) Set(key, value string) {
	d.config[key] = value
}

// NewBackend creates an fs.Fs rooted at root for an inline remote definition.
func NewBackend(ctx context.Context, name string, params map[string]string, root string) (fs.Fs, error) {
	typ := params["type"]
	if typ == "" {
		return nil, fmt.Errorf("remote %q has no type", name)
	}
	info, err := fs.Find(typ)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", name, err)
	}

	conf := &dictConfigStore{
		config: make(map[string]string, len(params)),
	}
	for k, v := range params {
		if k != "type" {
			conf.config[k] = v
		}
	}
	mopt := configmap.New()
	mopt.AddGetter(conf, configmap.PriorityNormal)
	mopt.AddSetter(conf)

	return info.NewFs(ctx, name, root, mopt)
}
