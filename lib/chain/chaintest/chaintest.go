// Package chaintest runs the gateway against a simulated chain where protocol contracts are replaced by Go handlers.
//
// Every fake contract address holds a STOP-only code on the simulated chain, so transactions to it are mined with a
// successful receipt while Backend decodes the call and runs the matching handler.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/nonce"
	"github.com/tarancss/defigw/lib/store"
	"github.com/tarancss/defigw/lib/store/memory"
	"github.com/tarancss/defigw/lib/txlog"
)

// ErrNoHandler is returned when a fake contract is called with a method it does not handle.
var ErrNoHandler = errors.New("chaintest: no handler for method")

// Method handles a call or a transaction to a fake contract. Transactions get the sender and value.
type Method func(from common.Address, value *big.Int, args []interface{}) ([]interface{}, error)

// Contract is a fake contract.
type Contract struct {
	abi     abi.ABI
	methods map[string]Method
}

// NewContract returns a contract answering the methods of abiJSON that get a handler.
func NewContract(abiJSON string) *Contract {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}

	return &Contract{abi: parsed, methods: map[string]Method{}}
}

// Handle sets the handler of method.
func (c *Contract) Handle(method string, fn Method) *Contract {
	c.methods[method] = fn

	return c
}

func (c *Contract) run(from common.Address, value *big.Int, data []byte) (*abi.Method, []interface{}, []interface{}, error) {
	if len(data) < 4 { //nolint:gomnd // selector
		return nil, nil, nil, fmt.Errorf("%w: empty call data", ErrNoHandler)
	}

	m, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, nil, err
	}

	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, err
	}

	fn, ok := c.methods[m.Name]
	if !ok {
		return m, args, nil, fmt.Errorf("%w %s", ErrNoHandler, m.Name)
	}

	out, err := fn(from, value, args)

	return m, args, out, err
}

// Sent is a transaction to a fake contract.
type Sent struct {
	To     common.Address
	Method string
	Args   []interface{}
	Value  *big.Int
	Tx     *types.Transaction
}

// Backend is a simulated chain client dispatching calls and transactions to fake contracts.
type Backend struct {
	simulated.Client
	Sim     *simulated.Backend
	Account *chain.Account
	ID      *big.Int // chain id, also returned by ChainID

	mu        sync.Mutex
	contracts map[common.Address]*Contract
	sent      []Sent
	failNext  map[string]error
}

// New returns a backend with the fake contracts deployed at their addresses and a managed account funded with
// 100 ether.
func New(t testing.TB, contracts map[common.Address]*Contract) *Backend {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return NewWithKey(t, key, contracts)
}

// NewWithKey is New using key for the managed account.
func NewWithKey(t testing.TB, key *ecdsa.PrivateKey, contracts map[common.Address]*Contract) *Backend {
	t.Helper()

	alloc := types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))},
	}
	for addr := range contracts {
		alloc[addr] = types.Account{Code: []byte{0x00}, Balance: new(big.Int)}
	}

	sim := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = sim.Close() })

	client := sim.Client()

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)

	return &Backend{
		Client:    client,
		Sim:       sim,
		Account:   chain.NewKeyedAccount(key, id, nil),
		ID:        id,
		contracts: contracts,
		failNext:  map[string]error{},
	}
}

// Network wraps the backend as the gateway network.
func (b *Backend) Network(t testing.TB) *chain.Network {
	t.Helper()

	n, err := chain.New(context.Background(), "sim", b, 1)
	require.NoError(t, err)

	return n
}

// CallContract answers calls to fake contracts with their handlers.
func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	c := b.contract(call.To)
	if c == nil {
		return b.Client.CallContract(ctx, call, block)
	}

	m, _, out, err := c.run(call.From, call.Value, call.Data)
	if err != nil {
		return nil, err
	}

	return m.Outputs.Pack(out...)
}

// SendTransaction runs the handler of a transaction to a fake contract before broadcasting it. A handler error, or
// one set with FailNext, rejects the transaction as a node would.
func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c := b.contract(tx.To())
	if c == nil {
		return b.Client.SendTransaction(ctx, tx)
	}

	from, err := types.Sender(types.LatestSignerForChainID(b.ID), tx)
	if err != nil {
		return err
	}

	m, err := c.abi.MethodById(tx.Data())
	if err != nil {
		return err
	}

	b.mu.Lock()
	errFail, fail := b.failNext[m.Name]
	delete(b.failNext, m.Name)
	b.mu.Unlock()

	if fail {
		return errFail
	}

	_, args, _, err := c.run(from, tx.Value(), tx.Data())
	if err != nil {
		return err
	}

	if err = b.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}

	b.mu.Lock()
	b.sent = append(b.sent, Sent{To: *tx.To(), Method: m.Name, Args: args, Value: tx.Value(), Tx: tx})
	b.mu.Unlock()

	return nil
}

func (b *Backend) contract(to *common.Address) *Contract {
	if to == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.contracts[*to]
}

// FailNext makes the next transaction calling method fail with err.
func (b *Backend) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failNext[method] = err
}

// Sent returns the transactions broadcast to fake contracts.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Sent(nil), b.sent...)
}

// Methods returns the methods of the transactions broadcast to fake contracts, in order.
func (b *Backend) Methods() []string {
	var names []string
	for _, s := range b.Sent() {
		names = append(names, s.Method)
	}

	return names
}

// AutoCommit mines a block every few milliseconds until the test ends.
func (b *Backend) AutoCommit(t testing.TB) {
	t.Helper()

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond): //nolint:gomnd // block time
				b.Sim.Commit()
			}
		}
	}()

	t.Cleanup(func() {
		close(done)
		<-stopped
	})
}

// Runner returns a transaction runner for the managed account keeping nonces and logs in memory.
func (b *Backend) Runner(db store.DB) *txlog.Runner {
	if db == nil {
		db = memory.New()
	}

	return txlog.NewRunner("sim", nonce.NewManager(b, nonce.NewMemoryStore()), b, db, nil, 10*time.Second) //nolint:gomnd // test timeout
}
