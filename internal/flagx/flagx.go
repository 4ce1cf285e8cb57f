// Package flagx holds the pieces shared by the agent and gateway config
// loaders: the --config flag and config file decoding.
//
// Both loaders layer their settings the same way: built-in defaults, then
// the optional config file, then every flag the user set explicitly.
package flagx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ConfigFlag registers -c/--config on fs.
func ConfigFlag(fs *pflag.FlagSet, p *string) {
	fs.StringVarP(p, "config", "c", "", "path to a config file (.json, .yaml, .yml or .toml)")
}

// DecodeFile reads path and decodes it into v. The format follows the file
// extension. Unknown keys are rejected so typos surface early.
func DecodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(v)
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), v)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys %v", undecoded)
			}
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Visit calls set[name] for every flag in fs that was set on the command
// line. Flags left at their defaults are skipped, so they never override a
// value from the config file.
func Visit(fs *pflag.FlagSet, set map[string]func()) {
	fs.Visit(func(f *pflag.Flag) {
		if fn, ok := set[f.Name]; ok {
			fn()
		}
	})
}
