package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/hd"

	"github.com/tarancss/defigw/lib/config"
)

// Account is the single account managed by the gateway.
type Account struct {
	Address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	gasPrice *big.Int // nil to let the node suggest it
}

// NewAccount loads the managed account from the configuration: the private key if given, otherwise the address of
// the HD wallet seed at the configured path.
func NewAccount(conf config.ServiceConfig, chainID *big.Int) (*Account, error) {
	var key *ecdsa.PrivateKey

	var err error

	if conf.PrivateKey != "" {
		if key, err = crypto.HexToECDSA(strings.TrimPrefix(conf.PrivateKey, "0x")); err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
	} else {
		if key, err = fromSeed(conf.Seed, conf.Path); err != nil {
			return nil, err
		}
	}

	a := &Account{Address: crypto.PubkeyToAddress(key.PublicKey), key: key, chainID: chainID}

	if conf.GasPrice != "" {
		var ok bool
		if a.gasPrice, ok = new(big.Int).SetString(conf.GasPrice, 10); !ok {
			return nil, fmt.Errorf("invalid gas price %q", conf.GasPrice)
		}
	}

	return a, nil
}

// NewKeyedAccount returns an account for key. Used by tools and tests.
func NewKeyedAccount(key *ecdsa.PrivateKey, chainID, gasPrice *big.Int) *Account {
	return &Account{Address: crypto.PubkeyToAddress(key.PublicKey), key: key, chainID: chainID, gasPrice: gasPrice}
}

func fromSeed(seedHex string, p config.HDPath) (*ecdsa.PrivateKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hd seed: %w", err)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("cannot init hd wallet: %w", err)
	}

	_, raw, _, err := hdw.Address(p.Wallet, p.Change, p.ID)
	if err != nil {
		return nil, fmt.Errorf("cannot derive hd address %d/%d/%d: %w", p.Wallet, p.Change, p.ID, err)
	}

	return crypto.ToECDSA(raw)
}

// Transactor returns the options to send a transaction with the given nonce and gas limit. A zero gas limit lets the
// node estimate it.
func (a *Account) Transactor(ctx context.Context, nonce, gasLimit uint64) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(a.key, a.chainID)
	if err != nil {
		return nil, err
	}

	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = gasLimit

	if a.gasPrice != nil {
		opts.GasPrice = new(big.Int).Set(a.gasPrice)
	}

	return opts, nil
}

// SignHash signs hash as an ethereum signed message, returning the signature with V in {27, 28}.
func (a *Account) SignHash(hash []byte) (v uint8, r, s [32]byte, err error) {
	sig, err := crypto.Sign(accounts.TextHash(hash), a.key)
	if err != nil {
		return 0, r, s, err
	}

	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])

	return sig[64] + 27, r, s, nil //nolint:gomnd // legacy V offset
}
