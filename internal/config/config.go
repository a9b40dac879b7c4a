package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the VoxBridge gateway.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	SIPPort    int
	RTPPortMin int
	RTPPortMax int
	ExternalIP string // public IP advertised in SDP answers (auto-detected if empty)
	LogLevel   string
	LogFormat  string // "text" or "json"
	JWTSecret  string // hex-encoded 32-byte secret for browser gateway JWT signing

	// Realtime provider.
	ProviderAPIBase string // e.g. "https://api.openai.com"
	ProviderAPIKey  string
	DefaultModel    string
	DefaultVoice    string

	// Telephony.
	CodecPreference string // comma-separated, matched against SDP offers in order
	RingTimeout     int    // default ring duration in seconds before answering
	InviteRate      int    // max INVITEs per second per source IP

	// Outbound trunk registration (optional).
	TrunkRegistrar string // e.g. "sip.provider.example:5060"
	TrunkUsername  string
	TrunkPassword  string

	// Optional Postgres DSN; finished transcripts are archived there as well.
	ArchiveDSN string
}

// defaults
const (
	defaultDataDir    = "./data"
	defaultHTTPPort   = 8080
	defaultSIPPort    = 5060
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultAPIBase    = "https://api.openai.com"
	defaultModel      = "gpt-realtime"
	defaultCodecs     = "pcmu,g729"
	defaultInviteRate = 5
)

// envPrefix is the prefix for all VoxBridge environment variables.
const envPrefix = "VOXBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP endpoints")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP endpoints")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP answers (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for gateway JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.ProviderAPIBase, "provider-api-base", defaultAPIBase, "base URL of the realtime speech provider")
	fs.StringVar(&cfg.ProviderAPIKey, "provider-api-key", "", "API key used to mint realtime client secrets")
	fs.StringVar(&cfg.DefaultModel, "default-model", defaultModel, "realtime model used when a workflow names none")
	fs.StringVar(&cfg.DefaultVoice, "default-voice", "", "realtime voice used when a workflow names none")
	fs.StringVar(&cfg.CodecPreference, "codec-preference", defaultCodecs, "comma-separated codec preference for SDP negotiation")
	fs.IntVar(&cfg.RingTimeout, "ring-timeout", 0, "default seconds of ringing before answering")
	fs.IntVar(&cfg.InviteRate, "invite-rate", defaultInviteRate, "max INVITEs per second accepted from one source IP")
	fs.StringVar(&cfg.TrunkRegistrar, "trunk-registrar", "", "registrar host:port for outbound trunk REGISTER")
	fs.StringVar(&cfg.TrunkUsername, "trunk-username", "", "auth username for the outbound trunk")
	fs.StringVar(&cfg.TrunkPassword, "trunk-password", "", "auth password for the outbound trunk")
	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", "", "optional Postgres DSN for transcript archival")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"sip-port":          envPrefix + "SIP_PORT",
		"rtp-port-min":      envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":      envPrefix + "RTP_PORT_MAX",
		"external-ip":       envPrefix + "EXTERNAL_IP",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"provider-api-base": envPrefix + "PROVIDER_API_BASE",
		"provider-api-key":  envPrefix + "PROVIDER_API_KEY",
		"default-model":     envPrefix + "DEFAULT_MODEL",
		"default-voice":     envPrefix + "DEFAULT_VOICE",
		"codec-preference":  envPrefix + "CODEC_PREFERENCE",
		"ring-timeout":      envPrefix + "RING_TIMEOUT",
		"invite-rate":       envPrefix + "INVITE_RATE",
		"trunk-registrar":   envPrefix + "TRUNK_REGISTRAR",
		"trunk-username":    envPrefix + "TRUNK_USERNAME",
		"trunk-password":    envPrefix + "TRUNK_PASSWORD",
		"archive-dsn":       envPrefix + "ARCHIVE_DSN",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "provider-api-base":
			cfg.ProviderAPIBase = val
		case "provider-api-key":
			cfg.ProviderAPIKey = val
		case "default-model":
			cfg.DefaultModel = val
		case "default-voice":
			cfg.DefaultVoice = val
		case "codec-preference":
			cfg.CodecPreference = val
		case "ring-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeout = v
			}
		case "invite-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InviteRate = v
			}
		case "trunk-registrar":
			cfg.TrunkRegistrar = val
		case "trunk-username":
			cfg.TrunkUsername = val
		case "trunk-password":
			cfg.TrunkPassword = val
		case "archive-dsn":
			cfg.ArchiveDSN = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.ProviderAPIBase == "" {
		return fmt.Errorf("provider-api-base must not be empty")
	}
	c.ProviderAPIBase = strings.TrimRight(c.ProviderAPIBase, "/")

	if len(c.Codecs()) == 0 {
		return fmt.Errorf("codec-preference must name at least one codec")
	}
	if c.RingTimeout < 0 {
		return fmt.Errorf("ring-timeout must not be negative, got %d", c.RingTimeout)
	}
	if c.InviteRate < 1 {
		return fmt.Errorf("invite-rate must be at least 1, got %d", c.InviteRate)
	}

	// Trunk credentials must come as a full set or not at all.
	trunkFields := 0
	for _, v := range []string{c.TrunkRegistrar, c.TrunkUsername, c.TrunkPassword} {
		if v != "" {
			trunkFields++
		}
	}
	if trunkFields != 0 && trunkFields != 3 {
		return fmt.Errorf("trunk-registrar, trunk-username and trunk-password must all be provided together")
	}

	return nil
}

// Codecs returns the configured codec preference as a normalized slice.
func (c *Config) Codecs() []string {
	var out []string
	for _, name := range strings.Split(c.CodecPreference, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// TrunkEnabled reports whether outbound trunk registration is configured.
func (c *Config) TrunkEnabled() bool {
	return c.TrunkRegistrar != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address advertised in SDP answers.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
