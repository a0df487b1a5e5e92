package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Host returns the scheme and host of the sampling service. Host can be
// configured via the DIFFUSION_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11435"
func Host() *url.URL {
	return parseHost(Var("DIFFUSION_HOST"), "11435")
}

// Runner returns the URL of the model runner serving the denoiser and text
// encoder, or nil when DIFFUSION_RUNNER is unset.
func Runner() *url.URL {
	if Var("DIFFUSION_RUNNER") == "" {
		return nil
	}

	return ParseRunner(Var("DIFFUSION_RUNNER"))
}

// ParseRunner parses a model runner address given in the DIFFUSION_RUNNER
// format. The default port is 11436.
func ParseRunner(s string) *url.URL {
	return parseHost(s, "11436")
}

func parseHost(s, defaultPort string) *url.URL {
	s = strings.TrimSpace(s)
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns a list of allowed origins. AllowedOrigins can be
// configured via the DIFFUSION_ORIGINS environment variable.
func AllowedOrigins() (origins []string) {
	if s := Var("DIFFUSION_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DIFFUSION_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// Steps is the default number of denoising steps. Configured via DIFFUSION_STEPS.
	Steps = Uint("DIFFUSION_STEPS", 20)
	// Order is the default LMS order. Configured via DIFFUSION_ORDER.
	Order = Uint("DIFFUSION_ORDER", 4)
	// NumParallel bounds concurrent sampling runs. Configured via DIFFUSION_NUM_PARALLEL.
	NumParallel = Uint("DIFFUSION_NUM_PARALLEL", 1)
	// GuidanceScale is the default classifier-free guidance scale. Configured via DIFFUSION_GUIDANCE_SCALE.
	GuidanceScale = Float("DIFFUSION_GUIDANCE_SCALE", 7.5)
	// BetaSchedule is the default beta schedule kind. Configured via DIFFUSION_BETA_SCHEDULE.
	BetaSchedule = StringWithDefault("DIFFUSION_BETA_SCHEDULE", "scaled_linear")
)

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func StringWithDefault(k, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}
		return defaultValue
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}

		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFUSION_DEBUG":          {"DIFFUSION_DEBUG", LogLevel(), "Show additional debug information (e.g. DIFFUSION_DEBUG=1, 2 for per-step traces)"},
		"DIFFUSION_HOST":           {"DIFFUSION_HOST", Host(), "IP Address for the sampling service (default 127.0.0.1:11435)"},
		"DIFFUSION_RUNNER":         {"DIFFUSION_RUNNER", Runner(), "URL of the model runner serving the denoiser and text encoder"},
		"DIFFUSION_ORIGINS":        {"DIFFUSION_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"DIFFUSION_STEPS":          {"DIFFUSION_STEPS", Steps(), "Default number of denoising steps (default 20)"},
		"DIFFUSION_ORDER":          {"DIFFUSION_ORDER", Order(), "Default linear multistep order (default 4)"},
		"DIFFUSION_GUIDANCE_SCALE": {"DIFFUSION_GUIDANCE_SCALE", GuidanceScale(), "Default classifier-free guidance scale (default 7.5)"},
		"DIFFUSION_BETA_SCHEDULE":  {"DIFFUSION_BETA_SCHEDULE", BetaSchedule(), "Beta schedule: linear or scaled_linear (default scaled_linear)"},
		"DIFFUSION_NUM_PARALLEL":   {"DIFFUSION_NUM_PARALLEL", NumParallel(), "Maximum number of images sampled concurrently (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
