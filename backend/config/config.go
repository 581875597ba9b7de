// Package config collects bridge settings from command line flags and the
// environment. Environment keys are flag names upper-cased with dashes
// replaced by underscores (--vnc-host -> VNC_HOST).
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	MaxJPEGQuality = 60

	defaultJPEGQuality = 40
	defaultTargetFPS   = 30
	defaultTimeLimit   = 2 * time.Minute
)

var (
	ErrInvalid = errors.New("invalid configuration")

	defaultICEServers = []string{"stun:stun.l.google.com:19302"}
)

type Config struct {
	VNCHost     string
	VNCPort     int
	VNCPassword string

	HTTPPort  int
	StaticDir string

	JPEGQuality      int
	TargetFPS        int
	ControlTimeLimit time.Duration
	EncodeWorkers    int
	ICEServers       []string

	LogLevel  string
	LogPretty bool
	LogFile   string
}

// FrameInterval is the orchestrator tick period.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.TargetFPS)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("rfb-webrtc-bridge", pflag.ContinueOnError)

	fs.String("vnc-host", "127.0.0.1", "remote framebuffer host")
	fs.Int("vnc-port", 5901, "remote framebuffer port")
	fs.String("vnc-password", "", "remote framebuffer password, empty for no auth")
	fs.IntP("http-port", "p", 3000, "http listen port")
	fs.String("static-dir", "public", "directory with viewer assets, empty disables static serving")
	fs.IntP("jpeg-quality", "q", defaultJPEGQuality, "base jpeg quality of tiles")
	fs.Int("target-fps", defaultTargetFPS, "tile pipeline ticks per second")
	fs.Duration("control-time-limit", defaultTimeLimit, "how long one viewer may hold input control")
	fs.Int("encode-workers", runtime.NumCPU(), "number of encode workers")
	fs.StringSlice("ice-servers", defaultICEServers, "comma separated ICE server urls")
	fs.StringP("log-level", "l", "info", "log level")
	fs.Bool("log-pretty", false, "human readable console logs")
	fs.String("log-file", "", "append json logs to this file instead of stdout")
	return fs
}

// Load parses args and overlays environment variables. Flags given
// explicitly on the command line win over the environment.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	cfg := &Config{
		VNCHost:          v.GetString("vnc-host"),
		VNCPort:          v.GetInt("vnc-port"),
		VNCPassword:      v.GetString("vnc-password"),
		HTTPPort:         v.GetInt("http-port"),
		StaticDir:        v.GetString("static-dir"),
		JPEGQuality:      v.GetInt("jpeg-quality"),
		TargetFPS:        v.GetInt("target-fps"),
		ControlTimeLimit: v.GetDuration("control-time-limit"),
		EncodeWorkers:    v.GetInt("encode-workers"),
		ICEServers:       splitList(v.GetStringSlice("ice-servers")),
		LogLevel:         v.GetString("log-level"),
		LogPretty:        v.GetBool("log-pretty"),
		LogFile:          v.GetString("log-file"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens values that arrive as one comma separated string from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error
	if c.VNCHost == "" {
		errs = append(errs, errors.New("vnc host is empty"))
	}
	if c.VNCPort <= 0 || c.VNCPort > 65535 {
		errs = append(errs, fmt.Errorf("vnc port %d is out of range", c.VNCPort))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d is out of range", c.HTTPPort))
	}
	if c.JPEGQuality <= 0 {
		errs = append(errs, fmt.Errorf("jpeg quality must be positive, got %d", c.JPEGQuality))
	}
	c.JPEGQuality = min(c.JPEGQuality, MaxJPEGQuality)
	if c.TargetFPS <= 0 || c.TargetFPS > 1000 {
		errs = append(errs, fmt.Errorf("target fps %d is out of range", c.TargetFPS))
	}
	if c.ControlTimeLimit < time.Second {
		errs = append(errs, fmt.Errorf("control time limit %s is shorter than a second", c.ControlTimeLimit))
	}
	if c.EncodeWorkers <= 0 {
		c.EncodeWorkers = runtime.NumCPU()
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}
