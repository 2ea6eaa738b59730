package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testChainID = 296

var testContract = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// fakeEth is an in-memory EthClient.
type fakeEth struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int
	gasPrice     *big.Int
	estimate     uint64
	estimateErr  error
	sendErr      error

	// dryRun answers every non-getEscrow CallContract.
	dryRun func(call ethereum.CallMsg, block *big.Int) ([]byte, error)

	receiptStatus  uint64
	receiptMissing bool
	escrow         *Escrow
	escrowAfterTx  *Escrow
	escrowErr      error

	sent []*types.Transaction
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		pendingNonce:  7,
		gasPrice:      big.NewInt(1_000_000_000),
		estimate:      100_000,
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.pendingNonce, nil
}

func (f *fakeEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeEth) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeEth) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.escrowAfterTx != nil {
		f.escrow = f.escrowAfterTx
	}
	return nil
}

func (f *fakeEth) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptMissing {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:      f.receiptStatus,
				TxHash:      hash,
				BlockNumber: big.NewInt(42),
				GasUsed:     55_000,
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeEth) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	parsed := mustABI()
	if bytes.HasPrefix(call.Data, parsed.Methods[OpGetEscrow].ID) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.escrowErr != nil {
			return nil, f.escrowErr
		}
		e := f.escrow
		if e == nil {
			e = &Escrow{Amount: big.NewInt(0)}
		}
		return parsed.Methods[OpGetEscrow].Outputs.Pack(
			e.Client, e.Worker, e.Amount,
			e.MarketplaceFeeBps, e.VerifierFeeBps,
			uint8(e.Status), e.ApprovalsRequired, e.ReleaseApprovals, e.RefundApprovals,
		)
	}
	if f.dryRun != nil {
		return f.dryRun(call, block)
	}
	return nil, nil
}

func (f *fakeEth) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (f *fakeEth) Close() {}

func (f *fakeEth) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// revertError mimics a JSON-RPC error carrying revert data.
type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

// revertData ABI-encodes Error(string).
func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	encoded, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return "0x08c379a0" + hex.EncodeToString(encoded)
}

func mustABI() abi.ABI {
	parsed, err := ParseABI()
	if err != nil {
		panic(err)
	}
	return parsed
}

func newTestKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func newTestClient(t *testing.T, eth *fakeEth, opts ...Option) (*Client, string) {
	t.Helper()
	operator := newTestKey(t)
	all := append([]Option{WithClient(eth), WithPollInterval(5 * time.Millisecond)}, opts...)
	c, err := New(Config{
		RPCURL:          "http://ledger.invalid",
		ChainID:         testChainID,
		ContractAddress: testContract.Hex(),
		OperatorKey:     operator,
		TxTimeout:       time.Second,
	}, all...)
	require.NoError(t, err)
	return c, operator
}
