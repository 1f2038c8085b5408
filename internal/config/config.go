package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Domain   DomainConfig
	Protocol ProtocolConfig
	Guardian GuardianConfig
	Journal  JournalConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type DomainConfig struct {
	ID       uint64 `mapstructure:"id"`
	Verifier string `mapstructure:"verifier"`
	Owner    string `mapstructure:"owner"`
}

type ProtocolConfig struct {
	TimeBufferSec       int64  `mapstructure:"time_buffer_sec"`
	MaxOrderDeadlineSec int64  `mapstructure:"max_order_deadline_sec"`
	ProtocolFeeBP       uint64 `mapstructure:"protocol_fee_bp"`
	SolverFeeBP         uint64 `mapstructure:"solver_fee_bp"`
	MaxFeeBP            uint64 `mapstructure:"max_fee_bp"`
	SpokeFeeBP          uint64 `mapstructure:"spoke_fee_bp"`
	MinStake            string `mapstructure:"min_stake"`
	CooldownSec         int64  `mapstructure:"cooldown_sec"`
	FeeRecipient        string `mapstructure:"fee_recipient"`
}

// GuardianConfig selects the proof scheme: with an empty key set the
// development placeholder is used, otherwise a k-of-n guardian quorum over
// the listed ed25519 public keys. SignerKeys configures a relayer that
// holds guardian signing keys, as "index:seedhex" pairs matching positions
// in Keys.
type GuardianConfig struct {
	Keys       []string `mapstructure:"keys"`
	Threshold  int      `mapstructure:"threshold"`
	SignerKeys []string `mapstructure:"signer_keys"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("protocol.time_buffer_sec", 600)
	v.SetDefault("protocol.max_order_deadline_sec", 86400)
	v.SetDefault("protocol.protocol_fee_bp", 30)
	v.SetDefault("protocol.solver_fee_bp", 20)
	v.SetDefault("protocol.max_fee_bp", 1000)
	v.SetDefault("protocol.spoke_fee_bp", 1000)
	v.SetDefault("protocol.min_stake", "1000000")
	v.SetDefault("protocol.cooldown_sec", 3600)
	v.SetDefault("journal.path", "crosslane.db")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                     "PORT",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"domain.id":                       "DOMAIN_ID",
		"domain.verifier":                 "DOMAIN_VERIFIER",
		"domain.owner":                    "DOMAIN_OWNER",
		"protocol.time_buffer_sec":        "TIME_BUFFER_SEC",
		"protocol.max_order_deadline_sec": "MAX_ORDER_DEADLINE_SEC",
		"protocol.protocol_fee_bp":        "PROTOCOL_FEE_BP",
		"protocol.solver_fee_bp":          "SOLVER_FEE_BP",
		"protocol.max_fee_bp":             "MAX_FEE_BP",
		"protocol.spoke_fee_bp":           "SPOKE_FEE_BP",
		"protocol.min_stake":              "MIN_STAKE",
		"protocol.cooldown_sec":           "COOLDOWN_SEC",
		"protocol.fee_recipient":          "FEE_RECIPIENT",
		"guardian.keys":                   "GUARDIAN_KEYS",
		"guardian.threshold":              "GUARDIAN_THRESHOLD",
		"guardian.signer_keys":            "GUARDIAN_SIGNER_KEYS",
		"journal.path":                    "JOURNAL_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env vars carry lists as a single comma-separated string; a yaml
	// config carries them as real lists. Normalize both forms.
	cfg.Guardian.Keys = splitList(cfg.Guardian.Keys)
	cfg.Guardian.SignerKeys = splitList(cfg.Guardian.SignerKeys)

	return cfg, cfg.validate()
}

func splitList(entries []string) []string {
	var out []string
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	for _, r := range []struct {
		val  string
		name string
	}{
		{c.Domain.Verifier, "DOMAIN_VERIFIER"},
		{c.Domain.Owner, "DOMAIN_OWNER"},
		{c.Protocol.FeeRecipient, "FEE_RECIPIENT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Domain.ID == 0 {
		return fmt.Errorf("required config missing: DOMAIN_ID")
	}
	if len(c.Guardian.Keys) > 0 && (c.Guardian.Threshold <= 0 || c.Guardian.Threshold > len(c.Guardian.Keys)) {
		return fmt.Errorf("guardian threshold %d out of range for %d keys", c.Guardian.Threshold, len(c.Guardian.Keys))
	}
	return nil
}
