// Package config provides configuration option lookup for the S3 signing core.
// Options resolve from explicit per-handle overrides first, then from process
// environment variables. All AWS_* knobs consumed by this module go through
// an Options value so tests can pin them without touching the environment.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Options is a layered option lookup: explicit overrides set with Set take
// precedence over environment variables of the same name.
type Options struct {
	v *viper.Viper
}

// New creates an Options bound to the process environment.
func New() *Options {
	v := viper.New()
	v.AutomaticEnv()
	return &Options{v: v}
}

// Set records an explicit override for key. Overrides always win over the
// environment.
func (o *Options) Set(key, value string) {
	o.v.Set(key, value)
}

// Get returns the value for key, or the empty string when unset.
func (o *Options) Get(key string) string {
	return o.v.GetString(key)
}

// GetDefault returns the value for key, or def when unset or empty.
func (o *Options) GetDefault(key, def string) string {
	if s := o.v.GetString(key); s != "" {
		return s
	}
	return def
}

// GetBool evaluates key as an AWS-style boolean. Unset or empty values yield
// def.
func (o *Options) GetBool(key string, def bool) bool {
	return TestBool(o.v.GetString(key), def)
}

// TestBool parses AWS-style boolean strings: NO/FALSE/OFF/0 are false,
// YES/TRUE/ON/1 (and any other non-empty value) are true, empty is def.
func TestBool(s string, def bool) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return def
	case "NO", "FALSE", "OFF", "0":
		return false
	default:
		return true
	}
}
