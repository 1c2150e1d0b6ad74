package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"deviationsync/internal/archive"
	"deviationsync/internal/config"
	"deviationsync/internal/db"
	"deviationsync/internal/metrics"
	"deviationsync/internal/migrate"
	"deviationsync/internal/repo"
	"deviationsync/internal/sheet"
	"deviationsync/internal/source"
)

// Workspace holds the open resources of a workspace directory.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	source *sql.DB
}

// OpenWorkspace opens and migrates the workspace database.
func OpenWorkspace(ctx context.Context, dir string, cfg *config.Config) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace: %w", err)
	}
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}}, nil
}

func (w *Workspace) Close() error {
	var errs []error
	if w.source != nil {
		errs = append(errs, w.source.Close())
	}
	errs = append(errs, w.DB.Close())
	return errors.Join(errs...)
}

// Store returns the local sheet named in the config.
func (w *Workspace) Store() *sheet.Local {
	return &sheet.Local{Repo: w.Repo, Sheet: w.Config.Sheet.Name, StatusOptions: w.Config.Sheet.StatusOptions}
}

func (w *Workspace) Sink() archive.SQLSink {
	return archive.SQLSink{Repo: w.Repo, Sheet: w.Config.Sheet.Name, ProductComplaintType: w.Config.Archive.ProductComplaintType}
}

// Feed builds the configured source feed. Relative file paths resolve
// against the workspace.
func (w *Workspace) Feed() (source.Feed, error) {
	src := w.Config.Source
	switch src.Kind {
	case "file":
		path := src.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(w.Dir, path)
		}
		return &source.FileFeed{Path: path}, nil
	case "sql":
		if w.source == nil {
			conn, err := sql.Open(src.Driver, src.DSN)
			if err != nil {
				return nil, fmt.Errorf("open source database: %w", err)
			}
			w.source = conn
		}
		return source.SQLFeed{
			DB:                   w.source,
			RecordsQuery:         src.RecordsQuery,
			HistoryQuery:         src.HistoryQuery,
			HistoryFallbackQuery: src.HistoryFallbackQuery,
		}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", src.Kind)
}

// Syncer assembles a Syncer over the workspace resources.
func (w *Workspace) Syncer(logger *zap.Logger, m *metrics.Metrics) (*Syncer, error) {
	feed, err := w.Feed()
	if err != nil {
		return nil, err
	}
	return &Syncer{
		Config:  w.Config,
		Repo:    w.Repo,
		Feed:    feed,
		Store:   w.Store(),
		Sink:    w.Sink(),
		Logger:  logger,
		Metrics: m,
	}, nil
}
