package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the server flags. Flags given on the command line win over the file
type fileConfig struct {
	Listen         string        `yaml:"listen,omitempty"`
	Advertise      string        `yaml:"advertise,omitempty"`
	Join           []string      `yaml:"join,omitempty"`
	DataDir        string        `yaml:"dataDir,omitempty"`
	KV             string        `yaml:"kv,omitempty"`
	Sentry         string        `yaml:"sentry,omitempty"`
	MinimumCopies  int           `yaml:"minimumCopies,omitempty"`
	Replication    int           `yaml:"replication,omitempty"`
	LocalTestMode  bool          `yaml:"localTestMode,omitempty"`
	LookupCacheTTL time.Duration `yaml:"lookupCacheTtl,omitempty"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file for reading: %w", err)
	}
	defer f.Close()

	cfg := &fileConfig{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *fileConfig) values() map[string][]string {
	v := map[string][]string{
		"listen-addr":    {c.Listen},
		"advertise-addr": {c.Advertise},
		"join":           c.Join,
		"data-dir":       {c.DataDir},
		"kv":             {c.KV},
		"sentry":         {c.Sentry},
	}
	if c.MinimumCopies != 0 {
		v["minimum-copies"] = []string{strconv.Itoa(c.MinimumCopies)}
	}
	if c.Replication != 0 {
		v["replication"] = []string{strconv.Itoa(c.Replication)}
	}
	if c.LocalTestMode {
		v["local-test-mode"] = []string{"true"}
	}
	if c.LookupCacheTTL != 0 {
		v["lookup-cache-ttl"] = []string{c.LookupCacheTTL.String()}
	}
	return v
}

// applyConfigFile fills every flag not set on the command line from the file at --config
func applyConfigFile(ctx *cli.Context) error {
	if !ctx.IsSet("config") {
		return nil
	}
	cfg, err := loadConfigFile(ctx.Path("config"))
	if err != nil {
		return err
	}
	for name, vals := range cfg.values() {
		if ctx.IsSet(name) {
			continue
		}
		for _, val := range vals {
			if val == "" {
				continue
			}
			if err := ctx.Set(name, val); err != nil {
				return fmt.Errorf("applying %s from config file: %w", name, err)
			}
		}
	}
	return nil
}
