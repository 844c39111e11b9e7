package config

import (
	"fmt"

	"github.com/magiconair/properties"
)

// Properties is the process-wide, flat key=value set every process reads at startup,
// the Go analogue of a java.util.Properties file. The key set is open-ended; this
// package itself only interprets LOGGER (see BuildLogger).
type Properties map[string]string

// LoggerKey selects which log sinks BuildLogger tees together, comma-separated among
// "console", "file", "remote". Unset or empty means "console" only.
const LoggerKey = "LOGGER"

// LoadProperties reads a flat key=value properties file (blank lines and '#'/'!'
// comments ignored) via magiconair/properties.
func LoadProperties(path string) (Properties, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: load properties %s: %w", path, err)
	}
	out := make(Properties, len(p.Keys()))
	for _, k := range p.Keys() {
		out[k] = p.MustGetString(k)
	}
	return out, nil
}

// Logger returns the LOGGER key's value, defaulting to "console" when unset.
func (p Properties) Logger() string {
	if v, ok := p[LoggerKey]; ok && v != "" {
		return v
	}
	return "console"
}
