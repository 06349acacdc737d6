package cmd

import (
	"fmt"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/config"
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/provider"
	"github.com/hrz6976/fetchmate/registry"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// app bundles what every command needs: the configuration, the database and
// the registry on top of it.
type app struct {
	cfg      *config.Config
	conn     *gorm.DB
	provider *provider.Aria2
	registry *registry.Registry
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env")
	return config.Load(path, envFile)
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetCount("verbose")
	conn, err := db.ConnectDB(db.ConnOptions{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  verbose >= 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store, err := db.NewDB(conn)
	if err != nil {
		_ = db.CloseDB(conn)
		return nil, err
	}
	client := aria2.NewClient(cfg.Provider.RPCURL, cfg.Provider.Secret, cfg.Provider.Timeout.Std())
	p := provider.NewAria2(client, cfg.Provider.RemoteDir, cfg.Provider.LocatorBase)
	return &app{
		cfg:      cfg,
		conn:     conn,
		provider: p,
		registry: registry.New(store, p, cfg.Transfer.BasePath),
	}, nil
}

func (a *app) Close() {
	if err := db.CloseDB(a.conn); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
}

// newJob builds a job for source from the configured defaults.
func newJob(cfg *config.Config, source string) *db.Job {
	d := cfg.Defaults
	return &db.Job{
		Source:               source,
		SelectionMode:        db.SelectionMode(d.SelectionMode),
		IncludeRegex:         d.IncludeRegex,
		ExcludeRegex:         d.ExcludeRegex,
		MinFileSizeMB:        d.MinFileSizeMB,
		TransferPolicy:       db.TransferPolicy(d.TransferPolicy),
		FinalizeAction:       db.FinalizeAction(d.FinalizeAction),
		Category:             d.Category,
		Kind:                 db.TransferKind(cfg.Transfer.Kind),
		MaxRetryAttempts:     d.RetryAttempts,
		UnitRetryAttempts:    d.UnitRetryAttempts,
		LifetimeMinutes:      d.LifetimeMinutes,
		DeleteOnErrorMinutes: d.DeleteOnErrorMinutes,
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
