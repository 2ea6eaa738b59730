package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	workerAddr = common.HexToAddress("0x00000000000000000000000000000000000004d2")
	verifier1  = common.HexToAddress("0x0000000000000000000000000000000000000101")
	verifier2  = common.HexToAddress("0x0000000000000000000000000000000000000102")
)

func validParams() CreateParams {
	return CreateParams{
		TaskID:            TaskID("task-1"),
		Worker:            workerAddr,
		Verifiers:         []common.Address{verifier1, verifier2},
		ApprovalsRequired: 2,
		MarketplaceFeeBps: 250,
		VerifierFeeBps:    100,
		Amount:            decimal.RequireFromString("1.5"),
	}
}

func TestNew_Validation(t *testing.T) {
	eth := newFakeEth()

	_, err := New(Config{ContractAddress: testContract.Hex()}, WithClient(eth))
	assert.ErrorIs(t, err, ErrRPCConnection)

	_, err = New(Config{RPCURL: "http://x", ContractAddress: "nope"}, WithClient(eth))
	assert.Error(t, err)

	_, err = New(Config{RPCURL: "http://x", ContractAddress: testContract.Hex(), OperatorKey: "abc"}, WithClient(eth))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestNew_ChainIDFromNode(t *testing.T) {
	c, err := New(Config{RPCURL: "http://x", ContractAddress: testContract.Hex()}, WithClient(newFakeEth()))
	require.NoError(t, err)
	assert.Equal(t, int64(testChainID), c.chainID.Int64())
}

func TestNew_GasBufferClamped(t *testing.T) {
	c, err := New(Config{RPCURL: "http://x", ChainID: 1, ContractAddress: testContract.Hex(), GasBufferPercent: 3},
		WithClient(newFakeEth()))
	require.NoError(t, err)
	assert.Equal(t, MinGasBufferPercent, c.gasBuffer)
}

func TestCreateEscrow_Success(t *testing.T) {
	eth := newFakeEth()
	c, _ := newTestClient(t, eth)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, uint64(120_000), rec.GasLimit, "20%% buffer over the estimate")
	assert.False(t, rec.GasFallback)
	assert.Equal(t, uint64(42), rec.BlockNumber)
	assert.Equal(t, uint64(7), rec.Nonce)
	assert.Equal(t, c.OperatorAddress().Hex(), rec.Signer)

	sent := eth.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, rec.TxHash, tx.Hash().Hex())
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, "1500000000000000000", tx.Value().String())
	assert.Equal(t, uint64(testChainID), tx.ChainId().Uint64())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.OperatorAddress(), from)

	args, err := mustABI().Methods[OpCreateEscrow].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(TaskID("task-1")), args[0])
	assert.Equal(t, workerAddr, args[1])
	assert.Equal(t, []common.Address{verifier1, verifier2}, args[2])
	assert.Equal(t, uint8(2), args[3])
	assert.Equal(t, uint16(250), args[4])
	assert.Equal(t, uint16(100), args[5])
}

func TestCreateEscrow_RejectsBeforeLedger(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *CreateParams)
		want   error
	}{
		{"fees above 100%", func(p *CreateParams) { p.MarketplaceFeeBps, p.VerifierFeeBps = 9000, 1001 }, ErrInvalidFeeConfiguration},
		{"negative fee", func(p *CreateParams) { p.VerifierFeeBps = -1 }, ErrInvalidFeeConfiguration},
		{"no verifiers", func(p *CreateParams) { p.Verifiers = nil }, ErrInvalidQuorum},
		{"zero approvals", func(p *CreateParams) { p.ApprovalsRequired = 0 }, ErrInvalidQuorum},
		{"approvals above verifiers", func(p *CreateParams) { p.ApprovalsRequired = 3 }, ErrInvalidQuorum},
		{"zero amount", func(p *CreateParams) { p.Amount = decimal.Zero }, ErrAmountBelowMinimum},
		{"negative amount", func(p *CreateParams) { p.Amount = decimal.RequireFromString("-1") }, ErrAmountBelowMinimum},
		{"below floor", func(p *CreateParams) { p.Amount = decimal.RequireFromString("0.000000001") }, ErrAmountBelowMinimum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eth := newFakeEth()
			c, _ := newTestClient(t, eth)
			p := validParams()
			tt.mutate(&p)

			rec, err := c.CreateEscrow(context.Background(), p, TxOptions{})
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, eth.sentTxs())
			assert.Zero(t, eth.nonceCalls)
		})
	}
}

func TestCreateEscrow_FeesAtExactlyMax(t *testing.T) {
	eth := newFakeEth()
	c, _ := newTestClient(t, eth)
	p := validParams()
	p.MarketplaceFeeBps, p.VerifierFeeBps = 9000, 1000

	_, err := c.CreateEscrow(context.Background(), p, TxOptions{})
	assert.NoError(t, err)
}

func TestCreateEscrow_GasFallback(t *testing.T) {
	eth := newFakeEth()
	eth.estimateErr = errors.New("estimate unavailable")
	dryRuns := 0
	eth.dryRun = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		dryRuns++
		return nil, nil
	}
	c, _ := newTestClient(t, eth)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, FallbackGasLimit, rec.GasLimit)
	assert.True(t, rec.GasFallback)
	assert.Equal(t, 1, dryRuns)
	require.Len(t, eth.sentTxs(), 1)
	assert.Equal(t, FallbackGasLimit, eth.sentTxs()[0].Gas())
}

func TestCreateEscrow_DryRunRevertStopsSubmission(t *testing.T) {
	eth := newFakeEth()
	eth.estimateErr = errors.New("execution reverted")
	data := revertData(t, "Escrow already exists")
	eth.dryRun = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return nil, revertError{data: data}
	}
	c, _ := newTestClient(t, eth)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, "Escrow already exists", RevertReason(err))

	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, OpCreateEscrow, txErr.Op)
	assert.Equal(t, TaskID("task-1").Hex(), txErr.TaskID)
	assert.Empty(t, eth.sentTxs())
}

func TestCreateEscrow_TimeoutIsPending(t *testing.T) {
	eth := newFakeEth()
	eth.receiptMissing = true
	c, _ := newTestClient(t, eth)
	c.txTimeout = 30 * time.Millisecond

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrTransactionPending)
	assert.False(t, IsReverted(err))

	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	require.Len(t, eth.sentTxs(), 1)
	assert.Equal(t, eth.sentTxs()[0].Hash().Hex(), txErr.TxHash)
}

func TestCreateEscrow_OnChainRevert(t *testing.T) {
	eth := newFakeEth()
	eth.receiptStatus = types.ReceiptStatusFailed
	data := revertData(t, "Insufficient value")
	var replayBlock *big.Int
	eth.dryRun = func(call ethereum.CallMsg, block *big.Int) ([]byte, error) {
		replayBlock = block
		return nil, revertError{data: data}
	}
	c, _ := newTestClient(t, eth)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	require.NotNil(t, rec)
	assert.False(t, rec.Success)
	assert.ErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, "Insufficient value", RevertReason(err))
	require.NotNil(t, replayBlock)
	assert.Equal(t, int64(42), replayBlock.Int64())
}

func TestCreateEscrow_SendRevert(t *testing.T) {
	eth := newFakeEth()
	eth.sendErr = revertError{data: revertData(t, "Not allowed")}
	c, _ := newTestClient(t, eth)

	_, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	assert.ErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, "Not allowed", RevertReason(err))
}

func TestCreateEscrow_SigningOverrides(t *testing.T) {
	eth := newFakeEth()
	c, _ := newTestClient(t, eth, WithKeyDeriver(KeccakDeriver{Domain: "test"}))

	override := newTestKey(t)
	overrideKey, err := ParsePrivateKey(override)
	require.NoError(t, err)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{PrivateKey: "0x" + override, KeySeed: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, AddressOf(overrideKey).Hex(), rec.Signer)

	derived, err := KeccakDeriver{Domain: "test"}.DeriveKey("client-agent")
	require.NoError(t, err)
	rec, err = c.CreateEscrow(context.Background(), validParams(), TxOptions{KeySeed: "client-agent"})
	require.NoError(t, err)
	assert.Equal(t, AddressOf(derived).Hex(), rec.Signer)
}

func TestCreateEscrow_SeedWithoutDeriver(t *testing.T) {
	c, _ := newTestClient(t, newFakeEth())
	_, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{KeySeed: "agent"})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestCreateEscrow_SequentialNoncesAdvance(t *testing.T) {
	eth := newFakeEth()
	c, _ := newTestClient(t, eth)

	for i := 0; i < 3; i++ {
		_, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
		require.NoError(t, err)
	}

	sent := eth.sentTxs()
	require.Len(t, sent, 3)
	assert.Equal(t, []uint64{7, 8, 9}, []uint64{sent[0].Nonce(), sent[1].Nonce(), sent[2].Nonce()})
}

func TestApproveRelease_QuorumNotReached(t *testing.T) {
	eth := newFakeEth()
	eth.escrowAfterTx = &Escrow{
		Client: verifier1, Worker: workerAddr, Amount: big.NewInt(1_500_000_000_000_000_000),
		Status: EscrowFunded, ApprovalsRequired: 2, ReleaseApprovals: 1,
	}
	c, _ := newTestClient(t, eth)

	rec, err := c.ApproveRelease(context.Background(), TaskID("task-1"), TxOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec.Escrow)
	assert.Equal(t, EscrowFunded, rec.Escrow.Status)
	assert.Equal(t, uint8(1), rec.Escrow.ReleaseApprovals)
	assert.Equal(t, big.NewInt(0).Int64(), eth.sentTxs()[0].Value().Int64())
}

func TestApproveRefund_ReadsRefunded(t *testing.T) {
	eth := newFakeEth()
	eth.escrowAfterTx = &Escrow{Amount: big.NewInt(1), Status: EscrowRefunded, ApprovalsRequired: 1, RefundApprovals: 1}
	c, _ := newTestClient(t, eth)

	rec, err := c.ApproveRefund(context.Background(), TaskID("task-1"), TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, rec.Escrow.Status)

	args, err := mustABI().Methods[OpApproveRefund].Inputs.Unpack(eth.sentTxs()[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(TaskID("task-1")), args[0])
}

func TestApproveRelease_ReadFailureIsPending(t *testing.T) {
	eth := newFakeEth()
	eth.escrowErr = errors.New("relay unavailable")
	c, _ := newTestClient(t, eth)

	rec, err := c.ApproveRelease(context.Background(), TaskID("task-1"), TxOptions{})
	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.ErrorIs(t, err, ErrTransactionPending)
}

func TestGetEscrow_Decodes(t *testing.T) {
	eth := newFakeEth()
	eth.escrow = &Escrow{
		Client: verifier1, Worker: workerAddr, Amount: big.NewInt(5),
		MarketplaceFeeBps: 250, VerifierFeeBps: 100,
		Status: EscrowReleased, ApprovalsRequired: 2, ReleaseApprovals: 2,
	}
	c, _ := newTestClient(t, eth)

	got, err := c.GetEscrow(context.Background(), TaskID("task-1"))
	require.NoError(t, err)
	assert.True(t, got.Exists())
	assert.Equal(t, TaskID("task-1"), got.TaskID)
	assert.Equal(t, verifier1, got.Client)
	assert.Equal(t, workerAddr, got.Worker)
	assert.Equal(t, int64(5), got.Amount.Int64())
	assert.Equal(t, uint16(250), got.MarketplaceFeeBps)
	assert.Equal(t, uint16(100), got.VerifierFeeBps)
	assert.Equal(t, EscrowReleased, got.Status)
	assert.Equal(t, uint8(2), got.ReleaseApprovals)
}

func TestGetEscrow_NeverCreated(t *testing.T) {
	c, _ := newTestClient(t, newFakeEth())
	got, err := c.GetEscrow(context.Background(), TaskID("missing"))
	require.NoError(t, err)
	assert.False(t, got.Exists())
	assert.Equal(t, EscrowNone, got.Status)
}

func TestTransactionStatus(t *testing.T) {
	eth := newFakeEth()
	c, _ := newTestClient(t, eth)

	_, err := c.TransactionStatus(context.Background(), "0x01")
	assert.ErrorIs(t, err, ErrTransactionPending)

	rec, err := c.CreateEscrow(context.Background(), validParams(), TxOptions{})
	require.NoError(t, err)

	got, err := c.TransactionStatus(context.Background(), rec.TxHash)
	require.NoError(t, err)
	assert.True(t, got.Success)

	eth.receiptStatus = types.ReceiptStatusFailed
	_, err = c.TransactionStatus(context.Background(), rec.TxHash)
	assert.ErrorIs(t, err, ErrTransactionReverted)
}

func TestTxError_Message(t *testing.T) {
	err := &TxError{Op: "approveRelease", TaskID: "0xabc", TxHash: "0xdef", Reason: "Not a verifier", Err: ErrTransactionReverted}
	assert.Equal(t, "chain: approveRelease failed (task 0xabc, tx 0xdef): chain: transaction reverted: Not a verifier", err.Error())
	assert.ErrorIs(t, err, ErrTransactionReverted)

	bare := &TxError{Op: "createEscrow", Err: errors.New("boom")}
	assert.Equal(t, "chain: createEscrow failed: boom", bare.Error())
}

func TestRevertFromError(t *testing.T) {
	reason, ok := revertFromError(revertError{data: revertData(t, "Only verifier")})
	assert.True(t, ok)
	assert.Equal(t, "Only verifier", reason)

	reason, ok = revertFromError(errors.New("execution reverted: Escrow not funded"))
	assert.True(t, ok)
	assert.Equal(t, "Escrow not funded", reason)

	_, ok = revertFromError(errors.New("connection refused"))
	assert.False(t, ok)
}

func TestEscrowStatus_String(t *testing.T) {
	assert.Equal(t, "funded", EscrowFunded.String())
	assert.Equal(t, "unknown(9)", EscrowStatus(9).String())
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, newFakeEth())
	require.NoError(t, c.Ping(context.Background()))

	other, err := New(Config{
		RPCURL:          "http://ledger.invalid",
		ChainID:         1,
		ContractAddress: testContract.Hex(),
	}, WithClient(newFakeEth()))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Ping(context.Background()), ErrRPCConnection)
}
