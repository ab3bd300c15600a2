// Package app wires config, storage and the Freshdesk client into an engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"nightshift/internal/config"
	"nightshift/internal/db"
	"nightshift/internal/engine"
	"nightshift/internal/freshdesk"
	"nightshift/internal/kv"
	"nightshift/internal/migrate"
)

// EnvPrefix namespaces environment overrides, e.g. NIGHTSHIFT_FRESHDESK_API_KEY.
const EnvPrefix = "NIGHTSHIFT"

// Env is an opened engine and the resources behind it.
type Env struct {
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger
	closer func() error
}

// Close releases the store.
func (e *Env) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer()
}

// NewEnvViper returns a viper instance reading NIGHTSHIFT_* variables.
func NewEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays secrets and deployment settings from the environment.
// Secrets are never required to be in the YAML file.
func ApplyEnv(cfg *config.Config, v *viper.Viper) {
	if s := v.GetString("freshdesk.domain"); s != "" {
		cfg.Freshdesk.Domain = s
	}
	if s := v.GetString("freshdesk.api_key"); s != "" {
		cfg.Freshdesk.APIKey = s
	}
	if s := v.GetString("storage.driver"); s != "" {
		cfg.Storage.Driver = s
	}
	if s := v.GetString("storage.redis.addr"); s != "" {
		cfg.Storage.Redis.Addr = s
	}
	if s := v.GetString("storage.redis.password"); s != "" {
		cfg.Storage.Redis.Password = s
	}
}

// LoadConfig reads the config file (path, or nightshift.yml in workspace)
// and applies environment overrides.
func LoadConfig(workspace, path string, v *viper.Viper) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	if v != nil {
		ApplyEnv(cfg, v)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// NewLogger builds the process logger. debug switches to the development
// encoder at debug level.
func NewLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level.SetLevel(zap.DebugLevel)
	}
	zcfg.InitialFields = map[string]any{"service": "nightshift"}
	return zcfg.Build()
}

// OpenStore opens the configured key-value store.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string) (kv.Store, func() error, error) {
	switch cfg.Storage.Driver {
	case "redis":
		r := cfg.Storage.Redis
		store, err := kv.NewRedisStore(ctx, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite", "":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return kv.SQLiteStore{DB: conn}, conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Open builds an engine from cfg. The Freshdesk API key is only required
// once a command talks to Freshdesk, so it is not checked here.
func Open(ctx context.Context, cfg *config.Config, workspace string, logger *zap.Logger) (*Env, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store, closer, err := OpenStore(ctx, cfg, workspace)
	if err != nil {
		return nil, err
	}
	client := freshdesk.FromConfig(cfg.Freshdesk, logger.Named("freshdesk"))
	e := engine.New(cfg, client, store, logger)
	return &Env{Config: cfg, Engine: e, Logger: logger, closer: closer}, nil
}
