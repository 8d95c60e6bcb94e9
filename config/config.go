// Package config loads relay-node configuration the way the teacher's
// main.go does: cli.GetEnv-sourced defaults overridable by flags, plus a
// YAML file for the small set of values too structured for a flag (the
// on-chain addresses and the trusted paymaster allowlist), following the
// teacher's LoadBuilderConfig pattern for builders.yaml.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config holds every value enumerated in spec.md §6.
type Config struct {
	// Addresses
	RelayHubAddress   common.Address
	OwnerAddress      common.Address
	TrustedPaymasters []common.Address

	// Economics
	GasPriceFactor      float64
	PctRelayFee         uint64
	BaseRelayFee        *big.Int
	MaxAcceptanceBudget uint64
	MaxGasPrice         *big.Int

	// Balances
	ManagerMinBalance       *big.Int
	ManagerTargetBalance    *big.Int
	MinHubWithdrawalBalance *big.Int
	WorkerMinBalance        *big.Int
	WorkerTargetBalance     *big.Int

	// Staking
	StakeAmount *big.Int

	// Cadence
	CheckInterval             time.Duration
	ReadyTimeout              time.Duration
	RefreshStateTimeoutBlocks uint64
	RegistrationBlockRate     uint64
	ConfirmationsNeeded       uint64
	PendingTransactionTimeout uint64
	RetryGasPriceFactor       float64
	SuccessfulRoundsForReady  int

	// Alert
	AlertedBlockDelay uint64
	MinAlertedDelayMS int
	MaxAlertedDelayMS int

	// Chain call throttling
	ChainCallRateLimit rate.Limit

	// Flags
	DevMode bool
}

// addressesFile is the YAML shape loaded from the file named by
// --addresses-config, mirroring the teacher's builders.yaml convention.
type addressesFile struct {
	RelayHubAddress   string   `yaml:"relayHubAddress"`
	OwnerAddress      string   `yaml:"ownerAddress"`
	TrustedPaymasters []string `yaml:"trustedPaymasters"`
}

// LoadAddresses reads the on-chain addresses and trusted-paymaster allowlist
// from a YAML file at path.
func LoadAddresses(path string) (hub, owner common.Address, trusted []common.Address, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return hub, owner, nil, fmt.Errorf("read addresses config: %w", err)
	}
	var parsed addressesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return hub, owner, nil, fmt.Errorf("parse addresses config: %w", err)
	}
	if !common.IsHexAddress(parsed.RelayHubAddress) {
		return hub, owner, nil, fmt.Errorf("invalid relayHubAddress %q", parsed.RelayHubAddress)
	}
	if !common.IsHexAddress(parsed.OwnerAddress) {
		return hub, owner, nil, fmt.Errorf("invalid ownerAddress %q", parsed.OwnerAddress)
	}
	hub = common.HexToAddress(parsed.RelayHubAddress)
	owner = common.HexToAddress(parsed.OwnerAddress)
	trusted = make([]common.Address, 0, len(parsed.TrustedPaymasters))
	for _, p := range parsed.TrustedPaymasters {
		if !common.IsHexAddress(p) {
			return hub, owner, nil, fmt.Errorf("invalid trusted paymaster address %q", p)
		}
		trusted = append(trusted, common.HexToAddress(p))
	}
	return hub, owner, trusted, nil
}

// IsTrustedPaymaster reports whether addr is in the trusted-paymaster allowlist.
func (c *Config) IsTrustedPaymaster(addr common.Address) bool {
	for _, p := range c.TrustedPaymasters {
		if p == addr {
			return true
		}
	}
	return false
}

// Default returns the spec-literal defaults. cmd/relay-node replaces only the
// hub, owner and trusted-paymaster fields, from the addresses YAML file; no
// other field is overridden by env vars or flags.
func Default() Config {
	return Config{
		GasPriceFactor:            1.2,
		PctRelayFee:               10,
		BaseRelayFee:              big.NewInt(0),
		MaxAcceptanceBudget:       285252,
		MaxGasPrice:               big.NewInt(500e9),
		ManagerMinBalance:         big.NewInt(1e17),
		ManagerTargetBalance:      big.NewInt(2e17),
		MinHubWithdrawalBalance:   big.NewInt(1e17),
		WorkerMinBalance:          big.NewInt(1e17),
		WorkerTargetBalance:       big.NewInt(3e17),
		StakeAmount:               big.NewInt(1e18),
		CheckInterval:             10 * time.Second,
		ReadyTimeout:              30 * time.Second,
		RefreshStateTimeoutBlocks: 5,
		RegistrationBlockRate:     500,
		ConfirmationsNeeded:       12,
		PendingTransactionTimeout: 30,
		RetryGasPriceFactor:       1.2,
		SuccessfulRoundsForReady:  3,
		AlertedBlockDelay:         20,
		MinAlertedDelayMS:         0,
		MaxAlertedDelayMS:         2000,
		ChainCallRateLimit:        rate.Limit(25),
		DevMode:                   false,
	}
}
