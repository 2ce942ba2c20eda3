// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a timeout option. It is written as a whole number of seconds,
// or as a Go duration string such as "90s" or "2m".
type Seconds time.Duration

// ParseSeconds parses a number of seconds or a duration string.
func ParseSeconds(s string) (Seconds, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Seconds(time.Duration(n) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: expected seconds or a duration", s)
	}
	return Seconds(d), nil
}

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

func (s Seconds) String() string {
	return time.Duration(s).String()
}

// Set implements the flag value interface used by cobra.
func (s *Seconds) Set(v string) error {
	p, err := ParseSeconds(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// Type names the value in the help output of cobra.
func (Seconds) Type() string {
	return "seconds"
}

// UnmarshalText is used for environment variables.
func (s *Seconds) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// UnmarshalYAML is used for the YAML and JSON configuration file.
func (s *Seconds) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a number of seconds or a duration", n.Line)
	}
	return s.Set(n.Value)
}
