// Package chain talks to the TaskEscrow contract: it builds, signs, submits
// and awaits escrow transactions and decodes on-chain escrow state.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/traces"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

const (
	// FallbackGasLimit is used when gas estimation fails and the dry run did not revert.
	FallbackGasLimit = uint64(1_500_000)

	// DefaultTxTimeout bounds the wait for a receipt.
	DefaultTxTimeout = 120 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second

	// MinGasBufferPercent is the least headroom added to gas estimates.
	MinGasBufferPercent = 10

	// DefaultGasBufferPercent is used when Config leaves the buffer unset.
	DefaultGasBufferPercent = 20

	// MaxFeeBps is 100%.
	MaxFeeBps = 10_000
)

// Config for creating a Client.
type Config struct {
	RPCURL           string
	ChainID          int64 // 0 asks the node
	ContractAddress  string
	OperatorKey      string // hex, with or without 0x
	TxTimeout        time.Duration
	GasBufferPercent int
}

// Option configures the Client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) { c.client = client }
}

// WithKeyDeriver enables TxOptions.KeySeed overrides.
func WithKeyDeriver(d KeyDeriver) Option {
	return func(c *Client) { c.deriver = d }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithNonceWindow overrides how long a cached nonce may lead the ledger.
func WithNonceWindow(d time.Duration) Option {
	return func(c *Client) { c.nonceWindow = d }
}

// WithClock overrides the receipt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Receipt is the normalized outcome of one escrow transaction.
type Receipt struct {
	TxHash      string    `json:"transaction_id"`
	Success     bool      `json:"success"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	GasUsed     uint64    `json:"gas_used,omitempty"`
	GasLimit    uint64    `json:"gas_limit"`
	GasFallback bool      `json:"gas_fallback,omitempty"`
	Signer      string    `json:"signer"`
	Nonce       uint64    `json:"nonce"`
	Timestamp   time.Time `json:"timestamp"`

	// Escrow is the post-submission on-chain read for release and refund.
	Escrow *Escrow `json:"escrow,omitempty"`
}

// CreateParams describes a createEscrow call.
type CreateParams struct {
	TaskID            common.Hash
	Worker            common.Address
	Verifiers         []common.Address
	ApprovalsRequired int
	MarketplaceFeeBps int
	VerifierFeeBps    int
	Amount            decimal.Decimal
}

// Validate checks fee, quorum and amount preconditions without any I/O.
func (p CreateParams) Validate() (*big.Int, error) {
	if p.MarketplaceFeeBps < 0 || p.VerifierFeeBps < 0 {
		return nil, fmt.Errorf("%w: negative fee", ErrInvalidFeeConfiguration)
	}
	if p.MarketplaceFeeBps+p.VerifierFeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d + %d bps", ErrInvalidFeeConfiguration, p.MarketplaceFeeBps, p.VerifierFeeBps)
	}
	if len(p.Verifiers) == 0 {
		return nil, fmt.Errorf("%w: no verifiers", ErrInvalidQuorum)
	}
	if len(p.Verifiers) > 255 {
		return nil, fmt.Errorf("%w: %d verifiers exceeds 255", ErrInvalidQuorum, len(p.Verifiers))
	}
	if p.ApprovalsRequired < 1 || p.ApprovalsRequired > len(p.Verifiers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidQuorum, p.ApprovalsRequired, len(p.Verifiers))
	}
	return ToSmallestUnit(p.Amount)
}

// Client submits TaskEscrow transactions.
type Client struct {
	client       EthClient
	contract     common.Address
	abi          abi.ABI
	chainID      *big.Int
	operatorKey  *ecdsa.PrivateKey
	deriver      KeyDeriver
	nonces       *NonceManager
	nonceWindow  time.Duration
	txTimeout    time.Duration
	pollInterval time.Duration
	gasBuffer    int
	now          func() time.Time
}

// New creates a Client. The operator key is optional when every call
// carries its own signing override.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}

	c := &Client{
		contract:     common.HexToAddress(cfg.ContractAddress),
		abi:          parsed,
		txTimeout:    cfg.TxTimeout,
		pollInterval: DefaultPollInterval,
		gasBuffer:    cfg.GasBufferPercent,
		now:          time.Now,
	}
	if c.txTimeout <= 0 {
		c.txTimeout = DefaultTxTimeout
	}
	switch {
	case c.gasBuffer == 0:
		c.gasBuffer = DefaultGasBufferPercent
	case c.gasBuffer < MinGasBufferPercent:
		c.gasBuffer = MinGasBufferPercent
	}
	if cfg.OperatorKey != "" {
		if c.operatorKey, err = ParsePrivateKey(cfg.OperatorKey); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := c.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
		}
		c.chainID = id
	}

	c.nonces = NewNonceManager(c.client, c.nonceWindow)
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("escrow contract address %q is not a hex address", cfg.ContractAddress)
	}
	return nil
}

// Contract returns the escrow contract address.
func (c *Client) Contract() common.Address { return c.contract }

// OperatorAddress returns the default signer, or the zero address.
func (c *Client) OperatorAddress() common.Address {
	if c.operatorKey == nil {
		return common.Address{}
	}
	return AddressOf(c.operatorKey)
}

// Nonces exposes the per-signer nonce sequence.
func (c *Client) Nonces() *NonceManager { return c.nonces }

// CreateEscrow funds a new escrow for p.TaskID with p.Amount.
func (c *Client) CreateEscrow(ctx context.Context, p CreateParams, opts TxOptions) (*Receipt, error) {
	value, err := p.Validate()
	if err != nil {
		return nil, err
	}

	data, err := c.abi.Pack(OpCreateEscrow,
		p.TaskID,
		p.Worker,
		p.Verifiers,
		uint8(p.ApprovalsRequired),
		uint16(p.MarketplaceFeeBps),
		uint16(p.VerifierFeeBps),
	)
	if err != nil {
		return nil, &TxError{Op: OpCreateEscrow, TaskID: p.TaskID.Hex(), Err: fmt.Errorf("pack: %w", err)}
	}

	ctx, span := traces.StartSpan(ctx, "chain.createEscrow",
		traces.TaskID(p.TaskID.Hex()), traces.Amount(p.Amount.String()))
	defer span.End()

	rec, err := c.submit(ctx, OpCreateEscrow, p.TaskID, data, value, opts)
	traces.RecordError(span, err)
	return rec, err
}

// ApproveRelease casts one verifier vote to release funds to the worker.
// The returned receipt carries the escrow as read after inclusion; the
// contract enforces the quorum, so that read decides whether funds moved.
func (c *Client) ApproveRelease(ctx context.Context, taskID common.Hash, opts TxOptions) (*Receipt, error) {
	return c.approve(ctx, OpApproveRelease, taskID, opts)
}

// ApproveRefund casts one verifier vote to refund the payer.
func (c *Client) ApproveRefund(ctx context.Context, taskID common.Hash, opts TxOptions) (*Receipt, error) {
	return c.approve(ctx, OpApproveRefund, taskID, opts)
}

func (c *Client) approve(ctx context.Context, op string, taskID common.Hash, opts TxOptions) (*Receipt, error) {
	data, err := c.abi.Pack(op, taskID)
	if err != nil {
		return nil, &TxError{Op: op, TaskID: taskID.Hex(), Err: fmt.Errorf("pack: %w", err)}
	}

	ctx, span := traces.StartSpan(ctx, "chain."+op, traces.TaskID(taskID.Hex()))
	defer span.End()

	rec, err := c.submit(ctx, op, taskID, data, big.NewInt(0), opts)
	if err != nil {
		traces.RecordError(span, err)
		return rec, err
	}

	escrow, err := c.GetEscrow(ctx, taskID)
	if err != nil {
		// Mined, but the resulting state is unknown until the next read.
		err = &TxError{Op: op, TaskID: taskID.Hex(), TxHash: rec.TxHash,
			Err: fmt.Errorf("%w: read escrow after inclusion: %v", ErrTransactionPending, err)}
		traces.RecordError(span, err)
		return rec, err
	}
	rec.Escrow = escrow
	return rec, nil
}

// GetEscrow reads the on-chain escrow record. A never-funded escrow is
// returned with Status EscrowNone; callers decide whether that is an error.
func (c *Client) GetEscrow(ctx context.Context, taskID common.Hash) (*Escrow, error) {
	data, err := c.abi.Pack(OpGetEscrow, taskID)
	if err != nil {
		return nil, fmt.Errorf("pack getEscrow: %w", err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, &TxError{Op: OpGetEscrow, TaskID: taskID.Hex(), Err: err}
	}
	return decodeEscrow(c.abi, taskID, out)
}

// TransactionStatus looks a transaction up once. An unknown hash yields
// ErrTransactionPending; a failed one yields ErrTransactionReverted.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &TxError{Op: "receipt", TxHash: txHash, Err: ErrTransactionPending}
		}
		return nil, &TxError{Op: "receipt", TxHash: txHash, Err: err}
	}

	rec := c.normalize(receipt)
	if !rec.Success {
		return rec, &TxError{Op: "receipt", TxHash: txHash, Err: ErrTransactionReverted}
	}
	return rec, nil
}

// Ping checks that the RPC endpoint answers and serves the configured chain.
func (c *Client) Ping(ctx context.Context) error {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: node reports chain %s, configured %s", ErrRPCConnection, id, c.chainID)
	}
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func (c *Client) normalize(r *types.Receipt) *Receipt {
	rec := &Receipt{
		TxHash:    r.TxHash.Hex(),
		Success:   r.Status == types.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
		Timestamp: c.now().UTC(),
	}
	if r.BlockNumber != nil {
		rec.BlockNumber = r.BlockNumber.Uint64()
	}
	return rec
}
