// Package config loads the server configuration from flags, RESUMABLE_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"resumable/internal/tus"
	"resumable/pkg/s3store"
	"resumable/pkg/sqlite"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix is prepended to every environment variable, e.g. RESUMABLE_S3_BUCKET.
const EnvPrefix = "RESUMABLE"

// Storage drivers.
const (
	DriverFilesystem = "filesystem"
	DriverSQLite     = "sqlite"
	DriverS3         = "s3"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Port               int
	BasePath           string
	MaxSize            int64 // negative means unlimited
	Expiration         time.Duration
	ExpirationInterval time.Duration
	Disposition        string
	RedirectDownload   bool

	Storage Storage
	SQLite  SQLite
	S3      S3
	Log     Log

	SentryDSN string
}

type Storage struct {
	Driver string
	Dir    string
}

type SQLite struct {
	Driver    string
	Source    string
	Prefix    string
	ChunkSize int64
}

type S3 struct {
	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	PathStyle   bool
	Concurrency int
}

type Log struct {
	Level        zerolog.Level
	File         string
	RotateSize   uint64
	MaxRotations int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("base-path", tus.DefaultBasePath)
	v.SetDefault("max-size", "1GiB")
	v.SetDefault("expiration", tus.DefaultExpiration)
	v.SetDefault("expiration-interval", time.Hour)
	v.SetDefault("disposition", tus.DefaultDisposition)
	v.SetDefault("storage.driver", DriverFilesystem)
	v.SetDefault("storage.dir", "data")
	v.SetDefault("sqlite.driver", "sqlite")
	v.SetDefault("sqlite.source", "file:uploads.db?cache=shared")
	v.SetDefault("sqlite.prefix", "uploads")
	v.SetDefault("sqlite.chunk-size", humanize.IBytes(sqlite.DefaultChunkSize))
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.concurrency", s3store.DefaultConcurrency)
	v.SetDefault("log.level", zerolog.InfoLevel.String())
}

// AttachFlags registers the command line flags of cmd and binds them to v.
func AttachFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "configuration file path (e.g. /etc/resumable.yml)")

	flags.Int("port", 8080, "the server port")
	_ = v.BindPFlag("port", flags.Lookup("port"))

	flags.String("base-path", tus.DefaultBasePath, "path uploads are mounted at")
	_ = v.BindPFlag("base-path", flags.Lookup("base-path"))

	flags.String("max-size", "1GiB", "largest accepted upload, e.g. \"500 MB\" or \"unlimited\"")
	_ = v.BindPFlag("max-size", flags.Lookup("max-size"))

	flags.Duration("expiration", tus.DefaultExpiration, "how long an idle upload is kept")
	_ = v.BindPFlag("expiration", flags.Lookup("expiration"))

	flags.Duration("expiration-interval", time.Hour, "how often expired uploads are swept")
	_ = v.BindPFlag("expiration-interval", flags.Lookup("expiration-interval"))

	flags.String("storage", DriverFilesystem, "storage driver: filesystem, sqlite or s3")
	_ = v.BindPFlag("storage.driver", flags.Lookup("storage"))

	flags.String("dir", "data", "upload directory of the filesystem driver")
	_ = v.BindPFlag("storage.dir", flags.Lookup("dir"))

	flags.String("log-level", zerolog.InfoLevel.String(), "logging level, e.g. debug or warn")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	flags.String("log-file", "", "log to the specified file instead of terminal")
	_ = v.BindPFlag("log.file", flags.Lookup("log-file"))
	_ = flags.MarkHidden("log-file")

	flags.String("log-rotate-size", "",
		"rotate the log file if it reaches the specified size, e.g. \"640 KB\" or \"100 MiB\"")
	_ = v.BindPFlag("log.rotate-size", flags.Lookup("log-rotate-size"))
	_ = flags.MarkHidden("log-rotate-size")

	flags.Uint("log-max-rotations", 0, "how many already rotated log files to keep")
	_ = v.BindPFlag("log.max-rotations", flags.Lookup("log-max-rotations"))
	_ = flags.MarkHidden("log-max-rotations")
}

// Load reads the configuration from v, merging in file when it is not empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:               v.GetInt("port"),
		BasePath:           v.GetString("base-path"),
		Expiration:         v.GetDuration("expiration"),
		ExpirationInterval: v.GetDuration("expiration-interval"),
		Disposition:        strings.ToLower(v.GetString("disposition")),
		RedirectDownload:   v.GetBool("redirect-download"),
		Storage: Storage{
			Driver: strings.ToLower(v.GetString("storage.driver")),
			Dir:    v.GetString("storage.dir"),
		},
		SQLite: SQLite{
			Driver: v.GetString("sqlite.driver"),
			Source: v.GetString("sqlite.source"),
			Prefix: v.GetString("sqlite.prefix"),
		},
		S3: S3{
			Bucket:      v.GetString("s3.bucket"),
			Prefix:      v.GetString("s3.prefix"),
			Region:      v.GetString("s3.region"),
			Endpoint:    v.GetString("s3.endpoint"),
			AccessKey:   v.GetString("s3.access-key"),
			SecretKey:   v.GetString("s3.secret-key"),
			PathStyle:   v.GetBool("s3.path-style"),
			Concurrency: v.GetInt("s3.concurrency"),
		},
		Log: Log{
			File:         v.GetString("log.file"),
			MaxRotations: int(v.GetUint("log.max-rotations")),
		},
		SentryDSN: v.GetString("sentry.dsn"),
	}

	var err error
	if cfg.MaxSize, err = parseMaxSize(v.GetString("max-size")); err != nil {
		return nil, err
	}
	if cfg.SQLite.ChunkSize, err = parseSize("sqlite.chunk-size", v.GetString("sqlite.chunk-size")); err != nil {
		return nil, err
	}
	if v.GetString("log.rotate-size") != "" {
		size, err := humanize.ParseBytes(v.GetString("log.rotate-size"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse log size for rotation: %w", ErrInvalid, err)
		}
		cfg.Log.RotateSize = size
	}
	if cfg.Log.Level, err = zerolog.ParseLevel(v.GetString("log.level")); err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverFilesystem, DriverSQLite:
	case DriverS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3.bucket is required by the s3 driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}

	switch c.Disposition {
	case "attachment", "inline":
	default:
		return fmt.Errorf("%w: disposition must be attachment or inline, got %q", ErrInvalid, c.Disposition)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.Expiration <= 0 || c.ExpirationInterval <= 0 {
		return fmt.Errorf("%w: expiration durations must be positive", ErrInvalid)
	}
	return nil
}

// parseMaxSize accepts human sizes plus "unlimited" (or a negative number)
// for no bound.
func parseMaxSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "unlimited") || strings.HasPrefix(value, "-") {
		return -1, nil
	}
	return parseSize("max-size", value)
}

func parseSize(key, value string) (int64, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	if size == 0 || size > 1<<62 {
		return 0, fmt.Errorf("%w: %s: %q out of range", ErrInvalid, key, value)
	}
	return int64(size), nil
}

// LogOutput returns a rotating file writer when a log file is configured and
// fallback otherwise.
func (c *Config) LogOutput(fallback io.Writer) io.Writer {
	if c.Log.File == "" {
		return fallback
	}
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    int(c.Log.RotateSize / humanize.MByte),
		MaxBackups: c.Log.MaxRotations,
	}
}

// Handler returns the protocol settings.
func (c *Config) Handler() tus.Config {
	return tus.Config{
		BasePath:         c.BasePath,
		MaxSize:          c.MaxSize,
		Expiration:       c.Expiration,
		Disposition:      c.Disposition,
		RedirectDownload: c.RedirectDownload,
	}
}
