package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Default entrypoint v0.6 deployment, same address on every chain.
const DefaultEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// Config is the fully parsed node configuration handed to every subsystem.
type Config struct {
	Logger logger.Logger

	EthRpcURL string
	EthWsURL  string

	EntryPoint  common.Address
	Beneficiary common.Address

	// One or more bundle signers. The signer service rotates across them by
	// availability.
	PrivateKeys     []*ecdsa.PrivateKey
	SignerAddresses []common.Address

	AutoBundleInterval time.Duration
	BundleSize         int
	MaxBundleGas       *big.Int

	// MinSignerBalance is the wei floor under which a signer claims the
	// bundle's gas refund for itself instead of the beneficiary.
	MinSignerBalance *big.Int

	MinStake        *big.Int
	MinUnstakeDelay *big.Int

	MaxUserOpsPerSender      int
	MinInclusionDenominator  uint64
	ThrottlingSlack          uint64
	BanSlack                 uint64
	ReputationDecayInterval  time.Duration
	WhitelistedEntities      []common.Address
	BlacklistedEntities      []common.Address

	// AdmissionRule is an optional expr-lang predicate evaluated against
	// each incoming op; empty disables the policy gate.
	AdmissionRule string

	FeeOracleURL string

	DbPath          string
	HttpBindAddress string

	// StateSecret signs the capability grants modules use for state access.
	StateSecret []byte

	Environment sdklogging.LogLevel
}

// ConfigRaw is the yaml shape of the config file.
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment"`

	EthRpcURL string `yaml:"eth_rpc_url"`
	EthWsURL  string `yaml:"eth_ws_url"`

	EntryPointAddress string   `yaml:"entrypoint_address"`
	Beneficiary       string   `yaml:"beneficiary"`
	PrivateKeys       []string `yaml:"private_keys"`

	AutoBundleIntervalSec int    `yaml:"auto_bundle_interval"`
	BundleSize            int    `yaml:"bundle_size"`
	MaxBundleGas          uint64 `yaml:"max_bundle_gas"`

	MinSignerBalance string `yaml:"min_signer_balance"` // ETH, decimal string
	MinStake         string `yaml:"min_stake"`          // ETH, decimal string
	MinUnstakeDelay  int64  `yaml:"min_unstake_delay"`  // seconds

	MaxUserOpsPerSender     int      `yaml:"max_userops_per_sender"`
	MinInclusionDenominator uint64   `yaml:"min_inclusion_denominator"`
	ThrottlingSlack         uint64   `yaml:"throttling_slack"`
	BanSlack                uint64   `yaml:"ban_slack"`
	Whitelist               []string `yaml:"whitelist"`
	Blacklist               []string `yaml:"blacklist"`

	AdmissionRule string `yaml:"admission_rule"`
	FeeOracleURL  string `yaml:"fee_oracle_url"`

	DbPath          string `yaml:"db_path"`
	HttpBindAddress string `yaml:"http_bind_address"`
	StateSecret     string `yaml:"state_secret"`
}

// NewConfig reads and validates the yaml config file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	raw := ConfigRaw{
		Environment:             sdklogging.Production,
		AutoBundleIntervalSec:   10,
		BundleSize:              10,
		MaxBundleGas:            25_000_000,
		MinSignerBalance:        "0.1",
		MinStake:                "0.01",
		MinUnstakeDelay:         86400,
		MaxUserOpsPerSender:     4,
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		DbPath:                  "/tmp/ap-bundler",
		HttpBindAddress:         ":3030",
	}

	body, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid yaml in %s: %w", configFilePath, err)
	}

	lgr, err := logger.New(raw.Environment)
	if err != nil {
		return nil, err
	}

	if raw.EthRpcURL == "" {
		return nil, fmt.Errorf("eth_rpc_url is required")
	}
	if len(raw.PrivateKeys) == 0 {
		return nil, fmt.Errorf("at least one entry in private_keys is required")
	}
	if raw.StateSecret == "" {
		return nil, fmt.Errorf("state_secret is required")
	}

	entryPoint := common.HexToAddress(DefaultEntryPoint)
	if raw.EntryPointAddress != "" {
		entryPoint = common.HexToAddress(raw.EntryPointAddress)
	}

	cfg := &Config{
		Logger:      lgr,
		Environment: raw.Environment,

		EthRpcURL: raw.EthRpcURL,
		EthWsURL:  raw.EthWsURL,

		EntryPoint:  entryPoint,
		Beneficiary: common.HexToAddress(raw.Beneficiary),

		AutoBundleInterval: time.Duration(raw.AutoBundleIntervalSec) * time.Second,
		BundleSize:         raw.BundleSize,
		MaxBundleGas:       new(big.Int).SetUint64(raw.MaxBundleGas),

		MinUnstakeDelay: big.NewInt(raw.MinUnstakeDelay),

		MaxUserOpsPerSender:     raw.MaxUserOpsPerSender,
		MinInclusionDenominator: raw.MinInclusionDenominator,
		ThrottlingSlack:         raw.ThrottlingSlack,
		BanSlack:                raw.BanSlack,
		ReputationDecayInterval: time.Hour,
		WhitelistedEntities:     convertToAddressSlice(raw.Whitelist),
		BlacklistedEntities:     convertToAddressSlice(raw.Blacklist),

		AdmissionRule: raw.AdmissionRule,
		FeeOracleURL:  raw.FeeOracleURL,

		DbPath:          raw.DbPath,
		HttpBindAddress: raw.HttpBindAddress,
		StateSecret:     []byte(raw.StateSecret),
	}

	cfg.MinSignerBalance, err = parseEthAmount(raw.MinSignerBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid min_signer_balance: %w", err)
	}
	cfg.MinStake, err = parseEthAmount(raw.MinStake)
	if err != nil {
		return nil, fmt.Errorf("invalid min_stake: %w", err)
	}

	for i, hexKey := range raw.PrivateKeys {
		key, err := crypto.HexToECDSA(stripHexPrefix(hexKey))
		if err != nil {
			return nil, fmt.Errorf("cannot parse private_keys[%d]: %w", i, err)
		}
		cfg.PrivateKeys = append(cfg.PrivateKeys, key)
		cfg.SignerAddresses = append(cfg.SignerAddresses, crypto.PubkeyToAddress(key.PublicKey))
	}

	if cfg.Beneficiary == (common.Address{}) {
		// No explicit beneficiary: gas refunds go to the first signer.
		cfg.Beneficiary = cfg.SignerAddresses[0]
	}

	return cfg, nil
}

// parseEthAmount converts a decimal ETH amount ("0.1") to wei.
func parseEthAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Mul(decimal.New(1, 18)).BigInt(), nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
