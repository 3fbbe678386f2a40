// Package chain implements the connection to the ethereum network and the managed account the gateway acts with.
package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tarancss/defigw/lib/config"
)

// ErrChainID is returned when the node serves a different network than the configured one.
var ErrChainID = errors.New("node chain id does not match configuration")

// Backend is what the gateway needs from an ethereum node: contract calls and transactions, receipts for awaiting
// mining and nonces for sequencing. Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Network is a connection to the configured ethereum network.
type Network struct {
	Backend
	Name     string
	ID       *big.Int
	avgBlock int
	close    func()
}

// Dial connects to the node given in conf, using secret for Basic Authentication if necessary, and checks the
// network it serves.
func Dial(ctx context.Context, conf config.NetworkConfig) (*Network, error) {
	var opts []rpc.ClientOption
	if conf.Secret != "" {
		opts = append(opts, rpc.WithHeader("Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(conf.Secret))))
	}

	rc, err := rpc.DialOptions(ctx, conf.Node, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum node in %s: %w", conf.Node, err)
	}

	c := ethclient.NewClient(rc)

	n, err := New(ctx, conf.Name, c, conf.AvgBlock)
	if err != nil {
		c.Close()

		return nil, err
	}

	n.close = c.Close

	if conf.ChainID != 0 && n.ID.Uint64() != conf.ChainID {
		c.Close()

		return nil, fmt.Errorf("%w: node %d, config %d", ErrChainID, n.ID.Uint64(), conf.ChainID)
	}

	return n, nil
}

// New wraps an already connected backend.
func New(ctx context.Context, name string, b Backend, avgBlock int) (*Network, error) {
	id, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get chain id: %w", err)
	}

	return &Network{Backend: b, Name: name, ID: id, avgBlock: avgBlock, close: func() {}}, nil
}

// AvgBlock returns the average time to mine a block.
func (n *Network) AvgBlock() time.Duration {
	if n.avgBlock <= 0 {
		return 15 * time.Second //nolint:gomnd // mainnet block time
	}

	return time.Duration(n.avgBlock) * time.Second
}

// Close ends the connection.
func (n *Network) Close() {
	n.close()
}
