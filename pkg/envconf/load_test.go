package envconf

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

type nested struct {
	DSN     string        `env:"T_DSN"`
	Timeout time.Duration `env:"T_TIMEOUT" default:"2s"`
}

type sample struct {
	Port    uint16     `env:"T_PORT" default:"8080"`
	Level   slog.Level `env:"T_LEVEL" default:"INFO"`
	Verbose bool       `env:"T_VERBOSE" default:"false"`
	Origins []string   `env:"T_ORIGINS" default:""`
	Ratio   float64    `env:"T_RATIO" default:"0.8"`
	Limit   *int       `env:"T_LIMIT" default:"100"`
	Skip    string     `env:"-"`
	DB      nested
	Extra   *nested
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom_DefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	var cfg sample

	err := LoadFrom(&cfg, mapLookup(map[string]string{
		"T_DSN":     "postgres://x",
		"T_LEVEL":   "DEBUG",
		"T_ORIGINS": "http://a, http://b,,",
		"T_TIMEOUT": "150ms",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Fatalf("port default: got %d", cfg.Port)
	}

	if cfg.Level != slog.LevelDebug {
		t.Fatalf("level: got %v", cfg.Level)
	}

	if len(cfg.Origins) != 2 || cfg.Origins[1] != "http://b" {
		t.Fatalf("origins: got %#v", cfg.Origins)
	}

	if cfg.DB.DSN != "postgres://x" || cfg.DB.Timeout != 150*time.Millisecond {
		t.Fatalf("nested: got %+v", cfg.DB)
	}

	if cfg.Extra == nil || cfg.Extra.Timeout != 150*time.Millisecond {
		t.Fatalf("pointer nested not allocated/loaded: %+v", cfg.Extra)
	}

	if cfg.Limit == nil || *cfg.Limit != 100 {
		t.Fatalf("pointer default: got %v", cfg.Limit)
	}

	if cfg.Ratio != 0.8 {
		t.Fatalf("ratio: got %v", cfg.Ratio)
	}
}

func TestLoadFrom_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dst     any
		env     map[string]string
		wantErr error
	}{
		{
			name:    "missing_required",
			dst:     &sample{},
			env:     map[string]string{},
			wantErr: ErrMissingRequired,
		},
		{
			name: "bad_uint",
			dst:  &sample{},
			env:  map[string]string{"T_DSN": "x", "T_PORT": "70000"},
		},
		{
			name:    "unsupported",
			dst:     &struct{ M map[string]int `env:"T_MAP" default:"a"` }{},
			env:     map[string]string{},
			wantErr: ErrUnsupportedType,
		},
		{
			name: "not_pointer",
			dst:  sample{},
			env:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := LoadFrom(tt.dst, mapLookup(tt.env))
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}
