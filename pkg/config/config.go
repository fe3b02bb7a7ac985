package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rget "github.com/replicate/rget/pkg"
	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/optname"
)

const envPrefix = "RGET"

func AddRootPersistentFlags(cmd *cobra.Command) error {
	defaults := rget.DefaultConfig()

	// Persistent Flags (applies to all commands/subcommands)
	cmd.PersistentFlags().IntP(optname.MaxThreads, "c", defaults.MaxThreads, "Maximum number of concurrent ranged requests for a file")
	cmd.PersistentFlags().IntP(optname.Retries, "r", defaults.MaxRetryCount, "Number of retries per request and per segment")
	cmd.PersistentFlags().StringP(optname.SavePath, "o", DefaultSavePath(), "Directory to save files in when none is given")
	cmd.PersistentFlags().String(optname.SmallFileThreshold, "512KiB", "Files up to this size are fetched with a single request (e.g. 4M)")
	cmd.PersistentFlags().StringP(optname.MinimumSegmentSize, "m", "256KiB", "Minimum segment size (in bytes) of a ranged download (e.g. 1M)")
	cmd.PersistentFlags().Duration(optname.ProgressInterval, defaults.ProgressInterval, "Interval between progress updates, format is <number><unit>, e.g. 250ms")
	cmd.PersistentFlags().Duration(optname.ConnTimeout, 5*time.Second, "Timeout for establishing a connection, format is <number><unit>, e.g. 10s")
	cmd.PersistentFlags().StringSlice(optname.Resolve, []string{}, "Resolve hostnames to specific IPs")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolP(optname.Quiet, "q", false, "Do not render a progress bar")
	cmd.PersistentFlags().Bool(optname.ForceHTTP2, false, "Force HTTP/2")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	// Hide flags from help, these are intended to be used for testing/internal benchmarking/debugging only
	if err := cmd.PersistentFlags().MarkHidden(optname.ForceHTTP2); err != nil {
		return fmt.Errorf("failed to hide flag %s: %w", optname.ForceHTTP2, err)
	}
	return nil
}

func PersistentStartupProcessFlags() error {
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	setLogLevel(viper.GetString(optname.LoggingLevel))
	return nil
}

func setLogLevel(logLevel string) {
	// Set log-level
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// GetDownloaderConfig builds the downloader and client configuration from the
// bound flags and environment. It is the only place that reads viper.
func GetDownloaderConfig() (rget.Config, client.Options, error) {
	smallFileThreshold, err := humanize.ParseBytes(viper.GetString(optname.SmallFileThreshold))
	if err != nil {
		return rget.Config{}, client.Options{}, fmt.Errorf("unable to parse small file threshold: %w", err)
	}
	minSegmentSize, err := humanize.ParseBytes(viper.GetString(optname.MinimumSegmentSize))
	if err != nil {
		return rget.Config{}, client.Options{}, fmt.Errorf("unable to parse minimum segment size: %w", err)
	}
	if minSegmentSize == 0 {
		return rget.Config{}, client.Options{}, fmt.Errorf("minimum segment size must be positive")
	}
	maxThreads := viper.GetInt(optname.MaxThreads)
	if maxThreads < 1 {
		return rget.Config{}, client.Options{}, fmt.Errorf("%s must be at least 1, got %d", optname.MaxThreads, maxThreads)
	}
	retries := viper.GetInt(optname.Retries)
	if retries < 0 {
		return rget.Config{}, client.Options{}, fmt.Errorf("%s must not be negative, got %d", optname.Retries, retries)
	}
	resolveOverrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return rget.Config{}, client.Options{}, err
	}

	cfg := rget.Config{
		MaxRetryCount:      retries,
		MaxThreads:         maxThreads,
		DefaultSavePath:    viper.GetString(optname.SavePath),
		SmallFileThreshold: int64(smallFileThreshold),
		MinSegmentSize:     int64(minSegmentSize),
		ProgressInterval:   viper.GetDuration(optname.ProgressInterval),
	}
	clientOpts := client.Options{
		MaxRetries:       retries,
		ConnectTimeout:   viper.GetDuration(optname.ConnTimeout),
		ForceHTTP2:       viper.GetBool(optname.ForceHTTP2),
		ResolveOverrides: resolveOverrides,
	}
	return cfg, clientOpts, nil
}

// ResolveOverridesToMap parses host:port:ip entries into a host:port to ip:port map.
func ResolveOverridesToMap(resolveOverrides []string) (map[string]string, error) {
	logger := logging.GetLogger()
	if len(resolveOverrides) == 0 {
		return nil, nil
	}
	resolveOverridesMap := make(map[string]string)
	for _, resolveHost := range resolveOverrides {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("invalid resolve host format, expected <hostname>:port:<ip>, got: %s", resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("invalid hostname specified, looks like an IP address: %s", host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid IP address: %s", addr)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if existing, ok := resolveOverridesMap[hostPort]; ok && existing != target {
			return nil, fmt.Errorf("duplicate host:port specified: %s", hostPort)
		}
		resolveOverridesMap[hostPort] = target
	}
	if logger.GetLevel() == zerolog.DebugLevel {
		for key, elem := range resolveOverridesMap {
			logger.Debug().Str("host_port", key).Str("resolve_target", elem).Msg("Config")
		}
	}
	return resolveOverridesMap, nil
}

// DefaultSavePath is the user's download directory: $XDG_DOWNLOAD_DIR, else
// ~/Downloads, else the working directory.
func DefaultSavePath() string {
	if dir := os.Getenv("XDG_DOWNLOAD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, "Downloads")
}
