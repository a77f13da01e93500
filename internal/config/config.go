// Package config loads process configuration from the environment,
// following the pattern of the teacher's internal/config: best-effort
// .env load, typed getters with defaults, and a Validate step that makes
// bad or missing values fatal at start-up (domain.ErrConfig, §7).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yieldfarm/perphedge/internal/domain"
)

type NetworkMode string

const (
	ModeTest NetworkMode = "test"
	ModeProd NetworkMode = "prod"
)

// ContractAddresses is the per-mode set of protocol contract addresses
// the chain client needs (§6 "on-chain protocol surface").
type ContractAddresses struct {
	EventEmitter   string
	Reader         string
	Datastore      string
	ExchangeRouter string
	Multicall      string
	WrappedNative  string
	DepositVault   string
	WithdrawalVault string
	ShiftVault     string
}

type Config struct {
	NetworkMode NetworkMode

	ChainRPCHTTP string
	ChainRPCWS   string
	WalletKeyEnv string
	WalletKey    string

	Contracts ContractAddresses

	DatabaseURL string

	PriceFeedURL     string
	TokenFeedURL     string
	SwapAggregatorURL string
	SwapAPIKey        string
	RoutingAPIURL     string
	RoutingAPIKey     string
	HedgeVenueAPIURL  string
	HedgeVenueAPIKey  string

	RefetchABIs     bool
	StrategyVersion string

	PollInterval      time.Duration
	LivenessInterval  time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	StrategyCadence   time.Duration
	StrategyWaitSlack time.Duration

	HTTPTimeout time.Duration

	StatusListenAddr string

	LogLevel  string
	LogPretty bool
}

// Load reads .env (best-effort, a missing file is not an error) then the
// process environment, applying the defaults from §4/§5/§6, and runs
// Validate before returning.
func Load() (*Config, error) {
	_ = godotenv.Load()

	mode := NetworkMode(getEnv("NETWORK_MODE", string(ModeTest)))

	cfg := &Config{
		NetworkMode: mode,

		ChainRPCHTTP: getEnv(envPerMode("CHAIN_RPC_HTTP", mode), ""),
		ChainRPCWS:   getEnv(envPerMode("CHAIN_RPC_WS", mode), ""),
		WalletKeyEnv: envPerMode("WALLET_PRIVATE_KEY", mode),

		Contracts: ContractAddresses{
			EventEmitter:   getEnv(envPerMode("CONTRACT_EVENT_EMITTER", mode), ""),
			Reader:         getEnv(envPerMode("CONTRACT_READER", mode), ""),
			Datastore:      getEnv(envPerMode("CONTRACT_DATASTORE", mode), ""),
			ExchangeRouter: getEnv(envPerMode("CONTRACT_EXCHANGE_ROUTER", mode), ""),
			Multicall:      getEnv(envPerMode("CONTRACT_MULTICALL", mode), ""),
			WrappedNative:  getEnv(envPerMode("CONTRACT_WRAPPED_NATIVE", mode), ""),
			DepositVault:    getEnv(envPerMode("CONTRACT_DEPOSIT_VAULT", mode), ""),
			WithdrawalVault: getEnv(envPerMode("CONTRACT_WITHDRAWAL_VAULT", mode), ""),
			ShiftVault:      getEnv(envPerMode("CONTRACT_SHIFT_VAULT", mode), ""),
		},

		DatabaseURL: getEnv("DATABASE_URL", "./data/perphedge.db"),

		PriceFeedURL:      getEnv("PRICE_FEED_URL", ""),
		TokenFeedURL:      getEnv("TOKEN_FEED_URL", ""),
		SwapAggregatorURL: getEnv("SWAP_AGGREGATOR_URL", ""),
		SwapAPIKey:        getEnv("SWAP_API_KEY", ""),
		RoutingAPIURL:     getEnv("ROUTING_API_URL", ""),
		RoutingAPIKey:     getEnv("ROUTING_API_KEY", ""),
		HedgeVenueAPIURL:  getEnv("HEDGE_VENUE_API_URL", ""),
		HedgeVenueAPIKey:  getEnv("HEDGE_VENUE_API_KEY", ""),

		RefetchABIs:     getEnvAsBool("REFETCH_ABIS", false),
		StrategyVersion: getEnv("STRATEGY_VERSION", "v1"),

		PollInterval:      getEnvAsDuration("POLL_INTERVAL_SECONDS", 300*time.Second),
		LivenessInterval:  getEnvAsDuration("LISTENER_LIVENESS_SECONDS", 300*time.Second),
		ReconnectMinDelay: getEnvAsDuration("RECONNECT_MIN_DELAY_SECONDS", 5*time.Second),
		ReconnectMaxDelay: getEnvAsDuration("RECONNECT_MAX_DELAY_SECONDS", 60*time.Second),
		StrategyCadence:   getEnvAsDuration("STRATEGY_CADENCE_SECONDS", 30*time.Minute),
		StrategyWaitSlack: getEnvAsDuration("STRATEGY_WAIT_SLACK_SECONDS", 10*time.Minute),

		HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT_SECONDS", 10*time.Second),

		StatusListenAddr: getEnv("STATUS_LISTEN_ADDR", ":8090"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
	}

	cfg.WalletKey = os.Getenv(cfg.WalletKeyEnv)

	if err := cfg.Validate(); err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "config.Load", err)
	}
	return cfg, nil
}

func envPerMode(base string, mode NetworkMode) string {
	return fmt.Sprintf("%s_%s", base, strings.ToUpper(string(mode)))
}

func (c *Config) Validate() error {
	if c.NetworkMode != ModeTest && c.NetworkMode != ModeProd {
		return fmt.Errorf("NETWORK_MODE must be %q or %q, got %q", ModeTest, ModeProd, c.NetworkMode)
	}
	if c.ChainRPCHTTP == "" {
		return fmt.Errorf("missing chain RPC HTTP URL for mode %q", c.NetworkMode)
	}
	if c.ChainRPCWS == "" {
		return fmt.Errorf("missing chain RPC WebSocket URL for mode %q", c.NetworkMode)
	}
	if c.WalletKey == "" {
		return fmt.Errorf("missing wallet private key (env %s)", c.WalletKeyEnv)
	}
	if c.Contracts.EventEmitter == "" || c.Contracts.Reader == "" || c.Contracts.Datastore == "" || c.Contracts.ExchangeRouter == "" || c.Contracts.Multicall == "" || c.Contracts.WrappedNative == "" {
		return fmt.Errorf("missing one or more required contract addresses for mode %q", c.NetworkMode)
	}
	if c.Contracts.DepositVault == "" || c.Contracts.WithdrawalVault == "" || c.Contracts.ShiftVault == "" {
		return fmt.Errorf("missing one or more vault addresses for mode %q", c.NetworkMode)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing DATABASE_URL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
