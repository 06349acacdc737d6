package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/notify"
	"github.com/hrz6976/fetchmate/rclone"
	"github.com/hrz6976/fetchmate/registry"
	"github.com/hrz6976/fetchmate/scheduler"
	"github.com/hrz6976/fetchmate/server"
	"github.com/hrz6976/fetchmate/transfer"
	"github.com/hrz6976/fetchmate/unpack"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// daemon is everything the daemon command runs, wired from one app.
type daemon struct {
	scheduler *scheduler.Scheduler
	snapshot  *notify.Snapshot
	redis     *notify.RedisSink
}

func newDaemon(ctx context.Context, a *app) (*daemon, error) {
	cfg := a.cfg
	d := &daemon{snapshot: notify.NewSnapshot()}

	rcloneOpts := rclone.Options{
		Retries:         cfg.Transfer.RetryAttempts,
		LowLevelRetries: cfg.Transfer.RetryAttempts,
		Remotes:         cfg.Transfer.RcloneRemotes,
	}

	httpOpts := transfer.DefaultClientOptions()
	httpOpts.RetryAttempts = cfg.Transfer.RetryAttempts
	transferOpts := transfer.Options{
		HTTP:      httpOpts,
		ChunkSize: cfg.Transfer.ChunkSize,
		Rclone:    rcloneOpts,
		MountPath: cfg.Transfer.MountPath,
	}
	if cfg.Transfer.Aria2RPCURL != "" {
		transferOpts.Aria2 = aria2.NewClient(cfg.Transfer.Aria2RPCURL, cfg.Transfer.Aria2Secret, cfg.Provider.Timeout.Std())
	}
	transfers := transfer.NewFactory(transferOpts)
	unpacks := unpack.NewFactory()

	sinks := notify.Fanout{d.snapshot, notify.LogSink{}}
	var hooks notify.Hooks
	if cfg.Notify.RedisURL != "" {
		rs, err := notify.NewRedisSink(cfg.Notify.RedisURL, cfg.Notify.RedisChannel)
		if err != nil {
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis is not reachable, events may be lost")
		}
		d.redis = rs
		sinks = append(sinks, rs)
		hooks = append(hooks, rs)
	}
	if cfg.Notify.OnComplete != "" {
		hooks = append(hooks, &notify.ExecHook{
			Command: cfg.Notify.OnComplete,
			Dir:     func(job *db.Job) string { return registry.JobDir(cfg.Transfer.BasePath, job) },
		})
	}

	s, err := scheduler.New(scheduler.Deps{
		Registry: a.registry,
		Provider: a.provider,
		Transfers: func(job *db.Job, unit *db.Unit, dir string) (scheduler.TransferWorker, error) {
			return transfers.New(job, unit, dir)
		},
		Unpacks: func(job *db.Job, unit *db.Unit, dir string) (scheduler.UnpackWorker, error) {
			return unpacks.New(job, unit, dir)
		},
		Sink: sinks,
		Hook: hooks,
	}, scheduler.Settings{
		Credential:   cfg.Provider.Secret,
		BasePath:     cfg.Transfer.BasePath,
		Kind:         db.TransferKind(cfg.Transfer.Kind),
		MountPath:    cfg.Transfer.MountPath,
		MaxTransfers: cfg.MaxTransfers(),
		MaxUnpacks:   cfg.MaxUnpacks(),
		StartDelay:   cfg.Transfer.StartDelay.Std(),
	})
	if err != nil {
		return nil, err
	}
	d.scheduler = s
	return d, nil
}

func (d *daemon) close() {
	d.scheduler.Close()
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close redis client")
		}
	}
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler and the status server",
	Long:  "Tick the scheduler periodically and serve the job state over HTTP until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if base := a.cfg.Transfer.BasePath; base != "" {
			if err := os.MkdirAll(base, 0o755); err != nil {
				return fmt.Errorf("failed to create base path: %w", err)
			}
		}

		d, err := newDaemon(ctx, a)
		if err != nil {
			return err
		}
		defer d.close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.scheduler.Run(gctx, a.cfg.Scheduler.Interval.Std())
		})
		if a.cfg.Server.Addr != "" {
			g.Go(func() error {
				return server.Run(gctx, a.cfg.Server.Addr, server.NewRouter(d.snapshot))
			})
		}
		err = g.Wait()
		logger.Info("Daemon stopped")
		return err
	},
}

func init() {
	RootCmd.AddCommand(daemonCmd)
}
