// Package config provides the configuration for the application.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parameters represents the whole configuration parameters
type Parameters struct {
	Domains []string `yaml:"domains"`

	fileName string `yaml:"-"`
}

// New creates a new Parameters from the given file
func New(fname string) (*Parameters, error) {
	p := &Parameters{fileName: fname}
	data, err := os.ReadFile(fname) // nolint gosec
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}
	if err = yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", fname, err)
	}
	return p, nil
}

// MarshalDomains returns domains in the format used by command line, i.e. example.com or example.com:8443.
// Scheme and path are dropped, so https://example.com/foo becomes example.com
func (p *Parameters) MarshalDomains() []string {
	res := make([]string, 0, len(p.Domains))
	for _, d := range p.Domains {
		d = strings.TrimSpace(d)
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		if i := strings.Index(d, "/"); i >= 0 {
			d = d[:i]
		}
		if d == "" {
			continue
		}
		res = append(res, d)
	}
	return res
}

func (p *Parameters) String() string {
	return fmt.Sprintf("config file: %q, %+v", p.fileName, *p)
}
