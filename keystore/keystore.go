// Package keystore implements the relay's KeyStore port over go-ethereum's
// encrypted keyfile format: each signer (manager, worker) is loaded from its
// own keyfile at startup and held decrypted in memory for process lifetime,
// the same tradeoff the teacher's main.go makes for its eth/redis/postgres
// endpoints being resolved once at boot and held for the process lifetime.
package keystore

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Store loads a fixed, ordered list of signers (by convention, index 0 is
// the manager and index 1 is the worker; spec.md's Non-goals rule out
// multi-worker parallelism, so this module never needs more than two) from
// encrypted keyfiles and signs on their behalf.
type Store struct {
	keys []*ecdsa.PrivateKey
	addr []common.Address
}

// Load decrypts each keyfile in keyfilePaths with password, in order.
func Load(keyfilePaths []string, password string) (*Store, error) {
	s := &Store{
		keys: make([]*ecdsa.PrivateKey, 0, len(keyfilePaths)),
		addr: make([]common.Address, 0, len(keyfilePaths)),
	}
	for _, path := range keyfilePaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read keyfile %s: %w", path, err)
		}
		key, err := keystore.DecryptKey(raw, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keyfile %s: %w", path, err)
		}
		s.keys = append(s.keys, key.PrivateKey)
		s.addr = append(s.addr, crypto.PubkeyToAddress(key.PrivateKey.PublicKey))
	}
	return s, nil
}

func (s *Store) GetAddress(index int) (common.Address, error) {
	if index < 0 || index >= len(s.addr) {
		return common.Address{}, fmt.Errorf("keystore: no signer at index %d", index)
	}
	return s.addr[index], nil
}

// Sign signs tx on behalf of addr using EIP-155 replay protection for chainID.
func (s *Store) Sign(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	for i, a := range s.addr {
		if a == addr {
			signer := types.NewEIP155Signer(chainID)
			return types.SignTx(tx, signer, s.keys[i])
		}
	}
	return nil, fmt.Errorf("keystore: unknown signer %s", addr.Hex())
}
