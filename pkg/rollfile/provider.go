package rollfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NameProvider produces the next file path in a roll sequence (spec §4.D).
//
// Implementations are pluggable; [DefaultNameProvider] is the stock
// timestamp-based one.
type NameProvider interface {
	NextFile() (string, error)
}

// DefaultNameProvider produces paths of the form
// "<Dir>/<Prefix><timestamp><maybe -N><Suffix>".
//
// Collision with an existing path is the only signal consulted: the
// smallest non-negative N yielding a path that does not currently exist is
// chosen (N=0 renders with no "-N" suffix at all). Any TOCTOU race with a
// concurrent creator is considered benign - the caller is expected to
// retry-on-create, same as any other file creation race in this package.
type DefaultNameProvider struct {
	Dir        string
	Prefix     string
	Suffix     string
	TimeFormat string // default: "20060102-150405.000000000"
	Now        func() time.Time
}

// NewDefaultNameProvider returns a DefaultNameProvider with sane defaults.
func NewDefaultNameProvider(dir, prefix, suffix string) *DefaultNameProvider {
	return &DefaultNameProvider{
		Dir:        dir,
		Prefix:     prefix,
		Suffix:     suffix,
		TimeFormat: "20060102-150405.000000000",
		Now:        time.Now,
	}
}

// NextFile implements [NameProvider].
func (p *DefaultNameProvider) NextFile() (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	timestamp := now().Format(p.timeFormat())

	for n := 0; ; n++ {
		suffix := ""
		if n > 0 {
			suffix = "-" + strconv.Itoa(n)
		}

		name := p.Prefix + timestamp + suffix + p.Suffix
		path := filepath.Join(p.Dir, name)

		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}

		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("rollfile: stat %q: %w", path, err)
		}
		// err == nil: path exists, try the next N.
	}
}

func (p *DefaultNameProvider) timeFormat() string {
	if p.TimeFormat == "" {
		return "20060102-150405.000000000"
	}

	return p.TimeFormat
}

// NameScheme is the YAML-serializable configuration behind
// [NameSchemeFromYAML] - a supplementary, declarative way to configure a
// [DefaultNameProvider] instead of constructing one in code.
type NameScheme struct {
	Dir        string `yaml:"dir"`
	Prefix     string `yaml:"prefix"`
	Suffix     string `yaml:"suffix"`
	TimeFormat string `yaml:"time_format"`
}

// NameSchemeFromYAML parses data as a [NameScheme] and returns the
// equivalent [DefaultNameProvider].
func NameSchemeFromYAML(data []byte) (*DefaultNameProvider, error) {
	var scheme NameScheme

	if err := yaml.Unmarshal(data, &scheme); err != nil {
		return nil, fmt.Errorf("rollfile: parse name scheme: %w", err)
	}

	if scheme.Dir == "" {
		return nil, fmt.Errorf("%w: name scheme dir is required", ErrInvalidInput)
	}

	provider := NewDefaultNameProvider(scheme.Dir, scheme.Prefix, scheme.Suffix)
	if scheme.TimeFormat != "" {
		provider.TimeFormat = scheme.TimeFormat
	}

	return provider, nil
}
