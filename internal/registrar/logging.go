package registrar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/store"
)

// ErrInvalidLevel is returned for a malformed "category=LEVEL" setting.
var ErrInvalidLevel = errors.New("invalid logging level")

// AllCategories addresses the default level in a level setting.
const AllCategories = "*"

// Named values under a class's Logging node.
const (
	valueLevels = "levels"
	valueFormat = "format"
)

const levelSeparator = ";"

// LevelSetting sets the minimum level of one log category.
type LevelSetting struct {
	Category string
	Level    log.Level
}

func (s LevelSetting) String() string {
	return s.Category + "=" + s.Level.String()
}

// LoggingConfig is the per-class logging configuration kept in the store.
type LoggingConfig struct {
	Levels []LevelSetting
	Format string
}

// ParseLevels parses "category=LEVEL" settings. Category "*" sets the
// default level.
func ParseLevels(items []string) ([]LevelSetting, error) {
	known := make(map[string]bool)
	for _, c := range log.Categories() {
		known[string(c)] = true
	}

	out := make([]LevelSetting, 0, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q: want category=LEVEL", ErrInvalidLevel, item)
		}
		if name != AllCategories && !known[name] {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidLevel, name)
		}
		level, err := log.ParseLevel(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLevel, err)
		}
		out = append(out, LevelSetting{Category: name, Level: level})
	}
	return out, nil
}

func formatLevels(levels []LevelSetting) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = l.String()
	}
	return strings.Join(parts, levelSeparator)
}

// SetLogging stores cfg under the class's Logging node. An empty format
// removes a previously stored one.
func (r *Registrar) SetLogging(ctx context.Context, id guid.Identity, cfg LoggingConfig) error {
	if id.IsNil() {
		return fmt.Errorf("%w: nil class identity", ErrInvalidRecord)
	}
	path := classPath(id, keyLogging)
	if err := r.tree.SetNamedValue(ctx, path, valueLevels, formatLevels(cfg.Levels)); err != nil {
		return err
	}
	if cfg.Format != "" {
		if err := r.tree.SetNamedValue(ctx, path, valueFormat, cfg.Format); err != nil {
			return err
		}
	} else if _, err := r.tree.DeleteNamedValue(ctx, path, valueFormat); err != nil {
		return err
	}
	log.Info(log.CatRegistrar, "stored logging configuration", "class", id, "levels", formatLevels(cfg.Levels))
	return nil
}

// ClearLogging removes the class's logging configuration.
func (r *Registrar) ClearLogging(ctx context.Context, id guid.Identity) (store.Outcome, error) {
	return r.tree.DeleteSubtree(ctx, classPath(id), keyLogging)
}

// Logging reads the class's logging configuration.
func (r *Registrar) Logging(ctx context.Context, id guid.Identity) (LoggingConfig, bool, error) {
	named, err := r.tree.NamedValues(ctx, classPath(id, keyLogging))
	if err != nil || named == nil {
		return LoggingConfig{}, false, err
	}

	cfg := LoggingConfig{Format: named[valueFormat]}
	if raw := named[valueLevels]; raw != "" {
		items := slices.DeleteFunc(strings.Split(raw, levelSeparator), func(s string) bool {
			return strings.TrimSpace(s) == ""
		})
		if cfg.Levels, err = ParseLevels(items); err != nil {
			return LoggingConfig{}, false, fmt.Errorf("class %s: %w", id, err)
		}
	}
	return cfg, true, nil
}

// LoadLogging merges the logging configuration of every class in cat.
// Later classes override earlier ones for the same category.
func (r *Registrar) LoadLogging(ctx context.Context, cat *catalog.Catalog) (LoggingConfig, error) {
	var merged LoggingConfig
	for _, rec := range cat.Records() {
		cfg, ok, err := r.Logging(ctx, rec.Identity)
		if err != nil {
			return LoggingConfig{}, err
		}
		if !ok {
			continue
		}
		merged.Levels = append(merged.Levels, cfg.Levels...)
		if cfg.Format != "" {
			merged.Format = cfg.Format
		}
	}
	return merged, nil
}

// Apply installs cfg on the process logger, replacing earlier overrides.
// base is the default level when cfg has no "*" setting.
func (cfg LoggingConfig) Apply(base log.Level) {
	log.ResetCategoryLevels()
	log.SetMinLevel(base)
	for _, l := range cfg.Levels {
		if l.Category == AllCategories {
			log.SetMinLevel(l.Level)
			continue
		}
		log.SetCategoryLevel(log.Category(l.Category), l.Level)
	}
	log.SetFormat(cfg.Format)
}
