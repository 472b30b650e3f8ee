// Package mstore provides the shared runtime for the mstore commands and
// packages: globally accessible configuration, shutdown context, and small
// helpers for connection/request ids and randomness.
package mstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mstore/config"
	"github.com/mjl-/mstore/mlog"
)

var xlog = mlog.New("mstore")

var (
	// ConfigStaticPath is the path to the config file. Set before calling
	// MustLoadConfig.
	ConfigStaticPath string

	// Conf is the active configuration. Set by MustLoadConfig.
	Conf Config
)

// Context is the main running context of the process, canceled on shutdown.
var Context context.Context = context.Background()

// Shutdown is canceled when a graceful shutdown is initiated. Active appends
// are finished (they are not aborted halfway, that would leave partial
// state), but no new operations are started.
var Shutdown context.Context
var ShutdownCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

// Config is the validated, parsed form of the static configuration file.
type Config struct {
	Static config.Static

	aliases map[string]Alias
}

// Alias is a runtime view of a configured alias, with parsed fields.
type Alias struct {
	Name   string
	Config config.Alias
	Domain config.Domain

	// Parsed EncryptPubKey, 32 bytes, nil if encryption is not configured.
	PublicKey []byte
}

// Alias returns the runtime alias configuration for name.
func (c *Config) Alias(name string) (Alias, bool) {
	a, ok := c.aliases[name]
	return a, ok
}

// Aliases returns the names of all configured aliases.
func (c *Config) Aliases() (l []string) {
	for name := range c.aliases {
		l = append(l, name)
	}
	return
}

// MaxQuota returns the maximum total message size in bytes for the alias, 0
// for unlimited.
func (c *Config) MaxQuota(aliasName string) int64 {
	a, ok := c.aliases[aliasName]
	if !ok {
		return 0
	}
	return a.Domain.MaxAliasQuota
}

// MaxMessageSize returns the configured hard cap on a single message size.
func (c *Config) MaxMessageSize() int64 {
	if c.Static.MaxMessageSize > 0 {
		return c.Static.MaxMessageSize
	}
	return config.DefaultMaxMsgSize
}

// DataDirPath returns the path to f. Either f itself when absolute, or
// interpreted relative to the data directory from the active configuration,
// which is itself interpreted relative to the directory of the config file.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	dataDir := Conf.Static.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(ConfigStaticPath), dataDir)
	}
	return filepath.Join(dataDir, f)
}

// MustLoadConfig loads the configuration file from ConfigStaticPath, exiting
// on errors.
func MustLoadConfig() {
	errs := LoadConfig()
	if len(errs) > 0 {
		for _, err := range errs[1:] {
			xlog.Errorx("loading config file", err)
		}
		xlog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig parses and validates the configuration file, and applies the log
// levels it specifies. All encountered errors are returned.
func LoadConfig() []error {
	var static config.Static
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &static); err != nil {
		return []error{fmt.Errorf("parsing %s: %v", ConfigStaticPath, err)}
	}

	c, errs := prepareConfig(static)
	if len(errs) > 0 {
		return errs
	}

	level, ok := mlog.Levels[static.LogLevel]
	if !ok {
		return []error{fmt.Errorf("unknown log level %q", static.LogLevel)}
	}
	levels := map[string]mlog.Level{"": level}
	for pkg, s := range static.PackageLogLevels {
		l, ok := mlog.Levels[s]
		if !ok {
			return []error{fmt.Errorf("unknown log level %q for package %q", s, pkg)}
		}
		levels[pkg] = l
	}
	mlog.SetConfig(levels)

	Conf = c
	return nil
}

func prepareConfig(static config.Static) (Config, []error) {
	var errs []error
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if static.DataDir == "" {
		addErrorf("config: DataDir must be set")
	}
	if static.MaxMessageSize < 0 {
		addErrorf("config: MaxMessageSize cannot be negative")
	}

	c := Config{Static: static, aliases: map[string]Alias{}}
	for name, alias := range static.Aliases {
		if norm.NFC.String(name) != name || strings.EqualFold(name, "inbox") {
			addErrorf("config: invalid alias name %q", name)
			continue
		}
		dom, ok := static.Domains[alias.Domain]
		if !ok {
			addErrorf("config: alias %q references unknown domain %q", name, alias.Domain)
			continue
		}
		a := Alias{Name: name, Config: alias, Domain: dom}
		if alias.EncryptPubKey != "" {
			buf, err := base64.RawURLEncoding.DecodeString(alias.EncryptPubKey)
			if err != nil {
				addErrorf("config: alias %q: parsing encryption public key: %v", name, err)
				continue
			}
			if len(buf) != 32 {
				addErrorf("config: alias %q: encryption public key must be 32 bytes, got %d", name, len(buf))
				continue
			}
			a.PublicKey = buf
		}
		for mb, s := range alias.Retention {
			if _, err := alias.RetentionDuration(mb); err != nil {
				addErrorf("config: alias %q: invalid retention %q for mailbox %q: %v", name, s, mb, err)
			}
		}
		c.aliases[name] = a
	}
	return c, errs
}
