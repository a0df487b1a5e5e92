package envconfig

import (
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":               {"", "127.0.0.1:11435"},
		"only address":        {"1.2.3.4", "1.2.3.4:11435"},
		"only port":           {":1234", ":1234"},
		"address and port":    {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":            {"example.com", "example.com:11435"},
		"hostname and port":   {"example.com:1234", "example.com:1234"},
		"zero port":           {":0", ":0"},
		"too large port":      {":66000", ":11435"},
		"too small port":      {":-1", ":11435"},
		"ipv6 localhost":      {"[::1]", "[::1]:11435"},
		"ipv6 no brackets":    {"::1", "[::1]:11435"},
		"ipv6 + port":         {"[::1]:1337", "[::1]:1337"},
		"extra space":         {" 1.2.3.4 ", "1.2.3.4:11435"},
		"extra quotes":        {"\"1.2.3.4\"", "1.2.3.4:11435"},
		"extra single quotes": {"'1.2.3.4'", "1.2.3.4:11435"},
		"http":                {"http://1.2.3.4", "1.2.3.4:80"},
		"https":               {"https://1.2.3.4", "1.2.3.4:443"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DIFFUSION_HOST", tt.value)
			if host := Host(); host.Host != tt.expect {
				t.Errorf("%s: expected %s, got %s", name, tt.expect, host.Host)
			}
		})
	}
}

func TestRunner(t *testing.T) {
	t.Setenv("DIFFUSION_RUNNER", "")
	if r := Runner(); r != nil {
		t.Errorf("expected nil runner, got %v", r)
	}

	t.Setenv("DIFFUSION_RUNNER", "10.0.0.2")
	if r := Runner(); r == nil || r.String() != "http://10.0.0.2:11436" {
		t.Errorf("unexpected runner %v", r)
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("DIFFUSION_DEBUG", k)
			if i := LogLevel(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestSamplingDefaults(t *testing.T) {
	if Steps() != 20 || Order() != 4 || GuidanceScale() != 7.5 || BetaSchedule() != "scaled_linear" || NumParallel() != 1 {
		t.Fatalf("unexpected defaults: %v", Values())
	}

	t.Setenv("DIFFUSION_STEPS", "50")
	t.Setenv("DIFFUSION_ORDER", "'2'")
	t.Setenv("DIFFUSION_GUIDANCE_SCALE", "3.5")
	t.Setenv("DIFFUSION_BETA_SCHEDULE", "linear")
	if Steps() != 50 || Order() != 2 || GuidanceScale() != 3.5 || BetaSchedule() != "linear" {
		t.Fatalf("unexpected values: %v", Values())
	}

	t.Setenv("DIFFUSION_STEPS", "many")
	t.Setenv("DIFFUSION_GUIDANCE_SCALE", "NaN")
	if Steps() != 20 || GuidanceScale() != 7.5 {
		t.Errorf("invalid values should fall back to defaults: %v", Values())
	}
}

func TestOrigins(t *testing.T) {
	t.Setenv("DIFFUSION_ORIGINS", "http://example.com,app://*")
	origins := AllowedOrigins()
	if diff := cmp.Diff([]string{"http://example.com", "app://*"}, origins[:2]); diff != "" {
		t.Errorf("origins mismatch (-want +got):\n%s", diff)
	}

	if len(origins) != 2+3*4 {
		t.Errorf("expected %d origins, got %d", 2+3*4, len(origins))
	}
}
