package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/lkstack/lknet/internal"
	"github.com/lkstack/lknet/link"
	"github.com/pkg/errors"
)

var (
	configPath string
	logLevel   string
)

// config is the TOML configuration shared by all commands.
type config struct {
	Log  string     `toml:"log"`
	Link linkConfig `toml:"link"`
	Echo echoConfig `toml:"echo"`
}

type linkConfig struct {
	MTU     int     `toml:"mtu"`
	Loss    float64 `toml:"loss"`
	Corrupt float64 `toml:"corrupt"`
	Seed    uint32  `toml:"seed"`
}

type echoConfig struct {
	Bytes int    `toml:"bytes"`
	Port  uint16 `toml:"port"`
}

func defaultConfig() config {
	return config{
		Log:  "info",
		Link: linkConfig{MTU: 1500, Seed: 1},
		Echo: echoConfig{Bytes: 1 << 20, Port: 7},
	}
}

// loadConfig reads the file named by -config over the defaults.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	if configPath != "" {
		md, err := toml.DecodeFile(configPath, &cfg)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading %s", configPath)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return cfg, fmt.Errorf("%s: unknown keys %v", configPath, undec)
		}
	}
	if logLevel != "" {
		cfg.Log = logLevel
	}
	if cfg.Link.MTU < 68 {
		return cfg, fmt.Errorf("link mtu %d too small", cfg.Link.MTU)
	}
	if cfg.Link.Loss < 0 || cfg.Link.Loss >= 1 || cfg.Link.Corrupt < 0 || cfg.Link.Corrupt >= 1 {
		return cfg, errors.New("link loss and corrupt must be in [0, 1)")
	}
	return cfg, nil
}

func (cfg config) logger() (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(cfg.Log) {
	case "trace":
		lvl = internal.LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Log)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func (cfg config) hub(log *slog.Logger) *link.Hub {
	return link.NewHub(link.HubConfig{
		Logger:  log,
		Loss:    cfg.Link.Loss,
		Corrupt: cfg.Link.Corrupt,
		Seed:    cfg.Link.Seed,
	})
}
