// Package config loads the sink configuration from YAML.
//
// Every host section is owned by its package (buffer, retry, brokers and so
// on); this package prefills their defaults, unmarshals the file on top and
// validates the result. Any error is a *ConfigError and fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ruslano69/loadmulti/pkg/audit"
	"github.com/ruslano69/loadmulti/pkg/brokers"
	"github.com/ruslano69/loadmulti/pkg/buffer"
	"github.com/ruslano69/loadmulti/pkg/chunk"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/resultlog"
	"github.com/ruslano69/loadmulti/pkg/retry"
	"github.com/ruslano69/loadmulti/pkg/secondary"
)

// PasswordEnv overrides mysql.password when set.
const PasswordEnv = "LOADMULTI_MYSQL_PASSWORD"

// ConfigError reports an unusable configuration.
type ConfigError struct {
	Section string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the whole configuration file.
type Config struct {
	// Name identifies the instance in audit entries and the result log.
	Name string `yaml:"name"`

	MySQL          MySQLConfig       `yaml:"mysql"`
	Source         brokers.Config    `yaml:"source"`
	Buffer         buffer.Config     `yaml:"buffer"`
	Inject         InjectConfig      `yaml:"inject"`
	Retry          retry.Config      `yaml:"retry"`
	CircuitBreaker resilience.Config `yaml:"circuit_breaker"`
	Secondary      secondary.Config  `yaml:"secondary"`
	Audit          audit.Config      `yaml:"audit"`
	ResultLog      resultlog.Config  `yaml:"result_log"`
	Server         ServerConfig      `yaml:"server"`
	Log            LogConfig         `yaml:"log"`
}

// MySQLConfig is the sink section. Key names match existing mysql_load_multi configurations.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Database and TableName may contain placeholders.
	Database  string `yaml:"database"`
	TableName string `yaml:"tablename"`

	// KeyNames and ColumnNames are comma-separated; KeyNames defaults to ColumnNames.
	KeyNames    string `yaml:"key_names"`
	ColumnNames string `yaml:"column_names"`

	Encoding  string `yaml:"encoding"`
	SSLKey    string `yaml:"sslkey"`
	SSLCert   string `yaml:"sslcert"`
	SSLCA     string `yaml:"sslca"`
	SSLCAPath string `yaml:"sslcapath"`
	SSLCipher string `yaml:"sslcipher"`
	SSLVerify *bool  `yaml:"sslverify"`

	TransactionIsolationLevel loaddata.IsolationLevel `yaml:"transaction_isolation_level"`

	LoadTarget string `yaml:"load_target"` // configured | resolved
	TimeZone   string `yaml:"time_zone"`   // IANA name, "+09:00" or empty for local
	TmpDir     string `yaml:"tmp_dir"`
}

// InjectConfig copies the tag and time into records before buffering.
type InjectConfig struct {
	TagKey     string `yaml:"tag_key"`
	TimeKey    string `yaml:"time_key"`
	TimeFormat string `yaml:"time_format"` // Go layout, default RFC3339
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace | debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// Default returns a configuration with every optional value filled.
func Default() *Config {
	return &Config{
		Name: "loadmulti",
		MySQL: MySQLConfig{
			Host:     "localhost",
			Port:     3306,
			Username: "root",
			Encoding: "utf8",
		},
		Buffer:         buffer.DefaultConfig(),
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: resilience.DefaultConfig("mysql"),
		Audit:          audit.DefaultConfig(),
		Server: ServerConfig{
			Enabled:      true,
			Addr:         ":24231",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals data over the defaults, applies the environment and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse YAML: %w", err)}
	}
	if p := os.Getenv(PasswordEnv); p != "" {
		cfg.MySQL.Password = p
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills values an explicit empty key in the file cleared.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MySQL.Host == "" {
		c.MySQL.Host = d.MySQL.Host
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = d.MySQL.Port
	}
	if c.MySQL.Username == "" {
		c.MySQL.Username = d.MySQL.Username
	}
	if c.MySQL.Encoding == "" {
		c.MySQL.Encoding = d.MySQL.Encoding
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks every section. Section validators fill their own defaults.
func (c *Config) Validate() error {
	if err := c.MySQL.Validate(); err != nil {
		return &ConfigError{Section: "mysql", Err: err}
	}

	sections := []struct {
		name string
		fn   func() error
	}{
		{"source", c.Source.Validate},
		{"buffer", c.Buffer.Validate},
		{"retry", c.Retry.Validate},
		{"circuit_breaker", c.CircuitBreaker.Validate},
		{"secondary", c.Secondary.Validate},
		{"audit", c.Audit.Validate},
		{"result_log", c.ResultLog.Validate},
		{"log", c.Log.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return &ConfigError{Section: s.name, Err: err}
		}
	}
	return nil
}

// Validate checks the sink section.
func (m *MySQLConfig) Validate() error {
	if m.Database == "" {
		return errors.New("database is required")
	}
	if m.TableName == "" {
		return errors.New("tablename is required")
	}
	if _, err := loaddata.NewFieldMapping(m.KeyNames, m.ColumnNames); err != nil {
		return err
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("port %d is out of range", m.Port)
	}
	if _, err := loaddata.ParseLoadTarget(m.LoadTarget); err != nil {
		return err
	}
	if _, err := m.Location(); err != nil {
		return err
	}
	if m.SSLCipher != "" {
		if _, err := loaddata.ParseCipherSuites(m.SSLCipher); err != nil {
			return fmt.Errorf("sslcipher: %w", err)
		}
	}
	if (m.SSLKey == "") != (m.SSLCert == "") {
		return errors.New("sslkey and sslcert must be set together")
	}
	if m.TmpDir != "" {
		info, err := os.Stat(m.TmpDir)
		if err != nil {
			return fmt.Errorf("tmp_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("tmp_dir %q is not a directory", m.TmpDir)
		}
	}
	return nil
}

var offsetRe = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// Location returns the civil time zone for ${time} values and placeholders.
func (m *MySQLConfig) Location() (*time.Location, error) {
	switch m.TimeZone {
	case "", "localtime":
		return time.Local, nil
	case "UTC", "utc", "Z":
		return time.UTC, nil
	}
	if g := offsetRe.FindStringSubmatch(m.TimeZone); g != nil {
		hours, _ := strconv.Atoi(g[2])
		mins, _ := strconv.Atoi(g[3])
		if hours > 14 || mins > 59 {
			return nil, fmt.Errorf("time_zone %q is out of range", m.TimeZone)
		}
		offset := hours*3600 + mins*60
		if g[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(m.TimeZone, offset), nil
	}
	loc, err := time.LoadLocation(m.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone: %w", err)
	}
	return loc, nil
}

// Conn converts the section into connection settings.
func (m *MySQLConfig) Conn() loaddata.ConnConfig {
	return loaddata.ConnConfig{
		Host:     m.Host,
		Port:     m.Port,
		Username: m.Username,
		Password: m.Password,
		Database: m.Database,
		Encoding: m.Encoding,
		TLS: loaddata.TLSOptions{
			Key:    m.SSLKey,
			Cert:   m.SSLCert,
			CA:     m.SSLCA,
			CAPath: m.SSLCAPath,
			Cipher: m.SSLCipher,
			Verify: m.SSLVerify,
		},
	}
}

// WriterOptions converts the section into loaddata.Options. The section must
// have been validated.
func (m *MySQLConfig) WriterOptions() (loaddata.Options, error) {
	mapping, err := loaddata.NewFieldMapping(m.KeyNames, m.ColumnNames)
	if err != nil {
		return loaddata.Options{}, &ConfigError{Section: "mysql", Err: err}
	}
	target, err := loaddata.ParseLoadTarget(m.LoadTarget)
	if err != nil {
		return loaddata.Options{}, &ConfigError{Section: "mysql", Err: err}
	}
	loc, err := m.Location()
	if err != nil {
		return loaddata.Options{}, &ConfigError{Section: "mysql", Err: err}
	}
	return loaddata.Options{
		Conn:       m.Conn(),
		TableName:  m.TableName,
		Mapping:    mapping,
		Isolation:  m.TransactionIsolationLevel,
		LoadTarget: target,
		Location:   loc,
		TempDir:    m.TmpDir,
	}, nil
}

// Injector builds the record injector for loc.
func (i InjectConfig) Injector(loc *time.Location) chunk.Injector {
	return chunk.Injector{
		TagKey:     i.TagKey,
		TimeKey:    i.TimeKey,
		TimeLayout: i.TimeFormat,
		Location:   loc,
	}
}

// Validate checks the log section.
func (l *LogConfig) Validate() error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (expected console or json)", l.Format)
	}
	if _, err := l.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// ZerologLevel parses Level.
func (l *LogConfig) ZerologLevel() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", l.Level)
	}
	return lvl, nil
}
