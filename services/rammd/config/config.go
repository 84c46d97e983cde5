package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"nxmramm/native/ramm"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Amount is a decimal token quantity in config files, e.g. "0.0152", held in wei.
type Amount struct {
	Wei *uint256.Int
}

// UnmarshalYAML parses the decimal string into wei.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be a scalar")
	}
	if strings.TrimSpace(value.Value) == "" {
		a.Wei = nil
		return nil
	}
	parsed, err := ramm.ParseEther(value.Value)
	if err != nil {
		return err
	}
	a.Wei = parsed
	return nil
}

// IsSet reports whether the amount was present in the file.
func (a Amount) IsSet() bool { return a.Wei != nil }

// Value returns the amount in wei, zero when unset.
func (a Amount) Value() *uint256.Int {
	if a.Wei == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a.Wei)
}

// Config captures runtime configuration for rammd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	DataDir       string          `yaml:"data_dir"`
	JournalPath   string          `yaml:"journal"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Sequencer     SequencerConfig `yaml:"sequencer"`
	Stream        StreamConfig    `yaml:"stream"`
	RAMM          RAMMConfig      `yaml:"ramm"`
	Treasury      TreasuryConfig  `yaml:"treasury"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   []string `yaml:"audience"`
	Leeway     Duration `yaml:"leeway"`
}

// RateLimitConfig bounds requests per client. Forwarding headers are only
// honoured on connections from TrustedProxies.
type RateLimitConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (r RateLimitConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("rate_limit.trusted_proxies: %w", err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SequencerConfig tunes the single-writer swap queue.
type SequencerConfig struct {
	QueueSize        int      `yaml:"queue_size"`
	SwapTimeout      Duration `yaml:"swap_timeout"`
	MaxSwapsPerEpoch uint32   `yaml:"max_swaps_per_epoch"`
	QuotaEpoch       Duration `yaml:"quota_epoch"`
}

// StreamConfig tunes websocket fan-out.
type StreamConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RAMMConfig seeds the reserve record and the projection tuning.
type RAMMConfig struct {
	Eth                Amount `yaml:"eth"`
	SpotPriceA         Amount `yaml:"spot_price_a"`
	SpotPriceB         Amount `yaml:"spot_price_b"`
	Budget             Amount `yaml:"budget"`
	EthLimit           uint32 `yaml:"eth_limit"`
	NxmLimit           uint32 `yaml:"nxm_limit"`
	TargetLiquidity    Amount `yaml:"target_liquidity"`
	FastLiquiditySpeed Amount `yaml:"fast_liquidity_speed"`
	SlowLiquiditySpeed Amount `yaml:"slow_liquidity_speed"`
	ExtractSpeed       Amount `yaml:"extract_speed"`
	FastRatchetSpeed   uint32 `yaml:"fast_ratchet_speed"`
	NormalRatchetSpeed uint32 `yaml:"normal_ratchet_speed"`
	PriceBufferBps     uint64 `yaml:"price_buffer_bps"`
}

// TreasuryConfig seeds the collaborator balances on first start.
type TreasuryConfig struct {
	PoolEth            Amount    `yaml:"pool_eth"`
	OtherCapital       Amount    `yaml:"other_capital"`
	MCR                Amount    `yaml:"mcr"`
	Supply             Amount    `yaml:"supply"`
	Accounts           []Account `yaml:"accounts"`
	EmergencyAdmins    []string  `yaml:"emergency_admins"`
	Governance         []string  `yaml:"governance"`
	RejectingReceivers []string  `yaml:"rejecting_receivers"`
}

// Account is a pre-funded wallet.
type Account struct {
	Address     string `yaml:"address"`
	Nxm         Amount `yaml:"nxm"`
	Eth         Amount `yaml:"eth"`
	LockedUntil uint64 `yaml:"locked_until"`
}

// Option mutates the configuration after it is decoded, before defaults apply.
type Option func(*Config)

// WithListenAddress overrides the HTTP listen address.
func WithListenAddress(addr string) Option {
	return func(cfg *Config) {
		if strings.TrimSpace(addr) != "" {
			cfg.ListenAddress = addr
		}
	}
}

// WithEnvironment overrides the deployment environment label.
func WithEnvironment(env string) Option {
	return func(cfg *Config) {
		if strings.TrimSpace(env) != "" {
			cfg.Environment = env
		}
	}
}

// WithDataDir overrides the key-value data directory.
func WithDataDir(dir string) Option {
	return func(cfg *Config) {
		if strings.TrimSpace(dir) != "" {
			cfg.DataDir = dir
		}
	}
}

// Load reads configuration from the supplied path.
func Load(path string, opts ...Option) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	return Parse(data, opts...)
}

// Parse decodes YAML configuration and applies defaults and validation.
func Parse(data []byte, opts ...Option) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.Environment == "" {
		cfg.Environment = strings.TrimSpace(os.Getenv("RAMM_ENV"))
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "/var/data/rammd/journal.sqlite"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Auth.Leeway.Duration == 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Sequencer.QueueSize <= 0 {
		cfg.Sequencer.QueueSize = 256
	}
	if cfg.Sequencer.SwapTimeout.Duration == 0 {
		cfg.Sequencer.SwapTimeout.Duration = 10 * time.Second
	}
	if cfg.Sequencer.QuotaEpoch.Duration == 0 {
		cfg.Sequencer.QuotaEpoch.Duration = time.Hour
	}
	if cfg.Stream.SubscriberBuffer <= 0 {
		cfg.Stream.SubscriberBuffer = 64
	}
	if cfg.RAMM.EthLimit == 0 {
		cfg.RAMM.EthLimit = ramm.DefaultEthLimit
	}
	if cfg.RAMM.NxmLimit == 0 {
		cfg.RAMM.NxmLimit = ramm.DefaultNxmLimit
	}
	if !cfg.RAMM.Budget.IsSet() {
		cfg.RAMM.Budget.Wei = ramm.Ether(ramm.DefaultInitialBudget)
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if _, err := cfg.RateLimit.ProxyPrefixes(); err != nil {
		return err
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	r := cfg.RAMM
	if !r.Eth.IsSet() || r.Eth.Wei.IsZero() {
		return fmt.Errorf("ramm.eth must be positive")
	}
	if !r.SpotPriceA.IsSet() || !r.SpotPriceB.IsSet() || r.SpotPriceB.Wei.IsZero() {
		return fmt.Errorf("ramm spot prices must be positive")
	}
	if r.SpotPriceA.Wei.Lt(r.SpotPriceB.Wei) {
		return fmt.Errorf("ramm.spot_price_a must not be below ramm.spot_price_b")
	}
	if err := cfg.Params().Validate(); err != nil {
		return err
	}
	t := cfg.Treasury
	if !t.Supply.IsSet() || t.Supply.Wei.IsZero() {
		return fmt.Errorf("treasury.supply must be positive")
	}
	if !t.PoolEth.IsSet() || t.PoolEth.Wei.IsZero() {
		return fmt.Errorf("treasury.pool_eth must be positive")
	}
	if !t.MCR.IsSet() {
		return fmt.Errorf("treasury.mcr must be configured")
	}
	seen := make(map[common.Address]struct{}, len(t.Accounts))
	for _, acct := range t.Accounts {
		addr, err := ParseAddress(acct.Address)
		if err != nil {
			return fmt.Errorf("treasury account: %w", err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("treasury account %s listed twice", addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	for _, group := range [][]string{t.EmergencyAdmins, t.Governance, t.RejectingReceivers} {
		for _, raw := range group {
			if _, err := ParseAddress(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseAddress parses a 0x-prefixed hex account address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// Params builds projection parameters from the defaults and any overrides.
func (c Config) Params() ramm.Params {
	params := ramm.DefaultParams()
	r := c.RAMM
	if r.TargetLiquidity.IsSet() {
		params.TargetLiquidity = r.TargetLiquidity.Value()
	}
	if r.FastLiquiditySpeed.IsSet() {
		params.FastLiquiditySpeed = r.FastLiquiditySpeed.Value()
	}
	if r.SlowLiquiditySpeed.IsSet() {
		params.SlowLiquiditySpeed = r.SlowLiquiditySpeed.Value()
	}
	if r.ExtractSpeed.IsSet() {
		params.ExtractSpeed = r.ExtractSpeed.Value()
	}
	if r.FastRatchetSpeed != 0 {
		params.FastRatchetSpeed = r.FastRatchetSpeed
	}
	if r.NormalRatchetSpeed != 0 {
		params.NormalRatchetSpeed = r.NormalRatchetSpeed
	}
	if r.PriceBufferBps != 0 {
		params.PriceBufferBps = r.PriceBufferBps
	}
	return params
}

// Genesis builds the reserve seed. A zero timestamp lets the engine use now.
func (c Config) Genesis() ramm.Genesis {
	return ramm.Genesis{
		Eth:        c.RAMM.Eth.Value(),
		SpotPriceA: c.RAMM.SpotPriceA.Value(),
		SpotPriceB: c.RAMM.SpotPriceB.Value(),
		Budget:     c.RAMM.Budget.Value(),
		EthLimit:   c.RAMM.EthLimit,
		NxmLimit:   c.RAMM.NxmLimit,
	}
}
