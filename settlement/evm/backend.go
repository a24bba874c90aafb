// Package evm settles escrow movements through an on-chain escrow contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "clawtrust/errors"
	"clawtrust/settlement"
)

// EscrowABI is the interface the backend expects from the deployed contract.
// hold and release are no-ops for a reference the contract already processed.
const EscrowABI = `[
 {"type":"function","name":"hold","stateMutability":"nonpayable","inputs":[
   {"name":"ref","type":"bytes32"},{"name":"escrow","type":"bytes32"},
   {"name":"from","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
   {"name":"ref","type":"bytes32"},{"name":"escrow","type":"bytes32"},
   {"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"processed","stateMutability":"view","inputs":[
   {"name":"ref","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
   {"name":"escrow","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Backend implements settlement.Backend against the escrow contract.
type Backend struct {
	contract *bind.BoundContract
	receipts bind.DeployBackend
	opts     *bind.TransactOpts
	book     map[string]common.Address
	now      func() time.Time

	// Transactions share one signer; serialising submission keeps nonces ordered.
	mu sync.Mutex
}

var _ settlement.Backend = (*Backend)(nil)

// New binds the contract at address. client is typically an *ethclient.Client,
// which satisfies both backend interfaces. book maps non-hex account names,
// such as the contribution fund, to addresses.
func New(address common.Address, client bind.ContractBackend, receipts bind.DeployBackend, opts *bind.TransactOpts, book map[string]common.Address) (*Backend, error) {
	if opts == nil {
		return nil, errors.New("evm: transact opts required")
	}
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}
	if book == nil {
		book = map[string]common.Address{}
	}
	return &Backend{
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		receipts: receipts,
		opts:     opts,
		book:     book,
		now:      time.Now,
	}, nil
}

// Key derives the bytes32 identifier used on chain for an account or reference.
func Key(s string) [32]byte {
	return crypto.Keccak256Hash([]byte(s))
}

// Resolve maps an account name to an address through the address book,
// falling back to parsing a hex address.
func (b *Backend) Resolve(account string) (common.Address, error) {
	if addr, ok := b.book[account]; ok {
		return addr, nil
	}
	if common.IsHexAddress(account) {
		return common.HexToAddress(account), nil
	}
	return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("account %q has no on-chain address", account))
}

func (b *Backend) HoldFunds(ctx context.Context, h settlement.Hold) (settlement.Receipt, error) {
	from, err := b.Resolve(h.From)
	if err != nil {
		return settlement.Receipt{}, err
	}
	return b.submit(ctx, h.Reference, "hold", Key(h.Reference), Key(h.Account), from, big.NewInt(h.Amount))
}

func (b *Backend) TransferFunds(ctx context.Context, t settlement.Transfer) (settlement.Receipt, error) {
	to, err := b.Resolve(t.To)
	if err != nil {
		return settlement.Receipt{}, err
	}
	return b.submit(ctx, t.Reference, "release", Key(t.Reference), Key(t.Account), to, big.NewInt(t.Amount))
}

func (b *Backend) QueryBalance(ctx context.Context, account string) (int64, error) {
	var out []any
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", Key(account)); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUnreachable, err, "query balance")
	}
	if len(out) != 1 {
		return 0, xerrors.New(xerrors.CodeUnknown, "balanceOf returned no value")
	}
	bal, ok := out[0].(*big.Int)
	if !ok || !bal.IsInt64() {
		return 0, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("balanceOf returned %v", out[0]))
	}
	return bal.Int64(), nil
}

func (b *Backend) processed(ctx context.Context, ref [32]byte) (bool, error) {
	var out []any
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "processed", ref); err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, errors.New("evm: processed returned no value")
	}
	done, _ := out[0].(bool)
	return done, nil
}

func (b *Backend) submit(ctx context.Context, reference, method string, args ...any) (settlement.Receipt, error) {
	if reference == "" {
		return settlement.Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "settlement reference required")
	}
	ref := Key(reference)

	done, err := b.processed(ctx, ref)
	if err != nil {
		return settlement.Receipt{}, xerrors.Wrap(xerrors.CodeUnreachable, err, method+": check reference")
	}
	if done {
		return settlement.Receipt{Reference: reference, ConfirmedAt: b.now().UTC()}, nil
	}

	b.mu.Lock()
	opts := *b.opts
	opts.Context = ctx
	tx, err := b.contract.Transact(&opts, method, args...)
	b.mu.Unlock()
	if err != nil {
		return settlement.Receipt{}, xerrors.Wrap(xerrors.CodeUnreachable, err, method+": submit")
	}

	receipt, err := bind.WaitMined(ctx, b.receipts, tx)
	if err != nil {
		return settlement.Receipt{}, xerrors.Wrap(xerrors.CodeIndeterminate, err, method+": await confirmation",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return settlement.Receipt{}, xerrors.New(xerrors.CodeInvalidState, method+": transaction reverted",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	return settlement.Receipt{Reference: reference, TxID: tx.Hash().Hex(), ConfirmedAt: b.now().UTC()}, nil
}
