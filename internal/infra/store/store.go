// Package store persists which scrobbles have been accepted by a service, so
// that a play is never submitted twice for the same account.
package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/submission"
)

const appName = "scrobblebox"

// Store records accepted submissions.
// Record must be durable when it returns.
type Store interface {
	Has(ctx context.Context, key submission.Key) (bool, error)
	Record(ctx context.Context, rec submission.Record) error
	Stats(ctx context.Context, service, account string) (Stats, error)
	Recent(ctx context.Context, service, account string, limit int) ([]submission.Record, error)
	Close() error
}

// Stats summarizes the records of one account.
type Stats struct {
	Count int
	Last  time.Time // zero when nothing was recorded
}

// Config selects a backend and its settings.
type Config struct {
	Type     string         `yaml:"type" default:"sqlite" validate:"oneof=sqlite journal"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// fileSettings is shared by the file based backends.
type fileSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Open creates the backend selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	zlog.Debug().Msgf("opening submission store: type=%s settings=%+v", cfg.Type, cfg.Settings)

	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "sqlite", "":
		var fs fileSettings
		if fs, err = decodeFileSettings(cfg.Settings, "submissions.db"); err == nil {
			s, err = OpenSQLite(ctx, fs.Path)
		}
	case "journal":
		var fs fileSettings
		if fs, err = decodeFileSettings(cfg.Settings, "submissions.jsonl"); err == nil {
			s, err = OpenJournal(fs.Path)
		}
	default:
		return nil, errors.Newf("unsupported store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s store", cfg.Type)
	}
	return s, nil
}

func decodeFileSettings(settings map[string]any, name string) (fileSettings, error) {
	var fs fileSettings
	if err := mapstructure.Decode(settings, &fs); err != nil {
		return fs, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&fs); err != nil {
		return fs, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(fs); err != nil {
		return fs, errors.Wrap(err, "validation failed")
	}
	if fs.Path == "" {
		path, err := DefaultPath(name)
		if err != nil {
			return fs, err
		}
		fs.Path = path
	}
	return fs, nil
}

// DefaultPath returns the path of a state file under the XDG state directory.
func DefaultPath(name string) (string, error) {
	path, err := xdg.StateFile(filepath.Join(appName, name))
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve state path")
	}
	return path, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	return nil
}
