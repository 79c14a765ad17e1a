package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

const (
	// NativeTransferGas is the fixed gas cost of a plain value transfer.
	NativeTransferGas = uint64(21000)

	// DefaultConfirmationTimeout bounds how long a payout waits to be mined.
	DefaultConfirmationTimeout = 60 * time.Second

	// DefaultPollInterval between receipt checks
	DefaultPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// ChainConfig configures a ChainCustody.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string // Hex, with or without 0x
	ChainID    int64
}

// ChainOption configures the custody wallet
type ChainOption func(*ChainCustody)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) ChainOption {
	return func(c *ChainCustody) { c.client = client }
}

// WithPolling overrides receipt polling for payouts.
func WithPolling(interval, timeout time.Duration) ChainOption {
	return func(c *ChainCustody) {
		c.pollInterval = interval
		c.confirmTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *ChainCustody) { c.logger = logger }
}

// ChainCustody holds locked value in an EVM account. Owners deposit with a
// native transfer to Address() and pass the transaction hash to lock.
type ChainCustody struct {
	client         EthClient
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	signer         types.Signer
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	seen map[common.Hash]struct{}
}

// NewChainCustody creates the custody wallet and dials the RPC endpoint
// unless a client is supplied.
func NewChainCustody(cfg ChainConfig, opts ...ChainOption) (*ChainCustody, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("settlement: chain ID required")
	}

	chainID := big.NewInt(cfg.ChainID)
	c := &ChainCustody{
		key:            privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        chainID,
		signer:         types.LatestSignerForChainID(chainID),
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
		logger:         slog.Default(),
		seen:           make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

// Address returns the custody account owners deposit to.
func (c *ChainCustody) Address() common.Address {
	return c.address
}

// SeedReferences marks deposits already counted by the ledger.
func (c *ChainCustody) SeedReferences(refs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		c.seen[common.HexToHash(ref)] = struct{}{}
	}
}

// Collect verifies that ref is a mined, successful native transfer of
// exactly amount from the owner to custody that has not been counted before.
func (c *ChainCustody) Collect(ctx context.Context, from common.Address, amount *uint256.Int, ref string) (string, error) {
	if ref == "" {
		return "", ErrDepositRequired
	}
	hash := common.HexToHash(ref)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[hash]; dup {
		return "", fmt.Errorf("%w: %s", ErrDepositReused, hash.Hex())
	}

	tx, pending, err := c.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return "", &TransferError{Op: "deposit", TxHash: hash.Hex(), Err: ErrDepositNotFound}
	}
	if err != nil {
		return "", &TransferError{Op: "deposit", TxHash: hash.Hex(), Err: err}
	}
	if pending {
		return "", &TransferError{Op: "deposit", TxHash: hash.Hex(), Err: ErrDepositPending}
	}

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return "", &TransferError{Op: "deposit", TxHash: hash.Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", ErrDepositFailed
	}

	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return "", &TransferError{Op: "deposit", TxHash: hash.Hex(), Err: err}
	}
	if sender != from {
		return "", fmt.Errorf("%w: sent by %s", ErrDepositSender, sender.Hex())
	}
	if tx.To() == nil || *tx.To() != c.address {
		return "", ErrDepositRecipient
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow || amount == nil || !value.Eq(amount) {
		return "", fmt.Errorf("%w: deposited %s, declared %s", ErrValueMismatch, tx.Value(), amount.Dec())
	}

	c.seen[hash] = struct{}{}
	return strings.ToLower(hash.Hex()), nil
}

// Payout signs and sends a native transfer from custody to the owner and
// waits for it to be mined. A reverted payout is an error; a payout that is
// broadcast but not mined before the timeout is reported as sent.
func (c *ChainCustody) Payout(ctx context.Context, to common.Address, amount *uint256.Int) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	balance, err := c.client.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return "", &TransferError{Op: "balance", Err: err}
	}
	need := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(NativeTransferGas))
	need.Add(need, amount.ToBig())
	if balance.Cmp(need) < 0 {
		return "", &TransferError{Op: "balance", Err: ErrCustodyShortfall}
	}

	tx := types.NewTransaction(nonce, to, amount.ToBig(), NativeTransferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	txHash := strings.ToLower(signed.Hash().Hex())
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", &TransferError{Op: "send", TxHash: txHash, Err: err}
	}

	if err := c.waitForConfirmation(ctx, signed.Hash()); err != nil {
		var te *TransferError
		if errors.As(err, &te) {
			return "", err
		}
		// Already broadcast with a consumed nonce; count it as sent.
		c.logger.Warn("payout sent but not confirmed", "tx", txHash, "to", to.Hex(), "error", err)
	}
	return txHash, nil
}

func (c *ChainCustody) waitForConfirmation(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet
				continue
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &TransferError{Op: "confirm", TxHash: hash.Hex(), Err: ErrPayoutReverted}
			}
			return nil
		}
	}
}

// Balance returns the custody account's on-chain balance.
func (c *ChainCustody) Balance(ctx context.Context) (*uint256.Int, error) {
	raw, err := c.client.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.New("settlement: balance exceeds 256 bits")
	}
	return v, nil
}

// Ping checks that the node serves the configured chain.
func (c *ChainCustody) Ping(ctx context.Context) error {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("settlement: node serves chain %s, want %s", id, c.chainID)
	}
	return nil
}

// Close releases the RPC connection.
func (c *ChainCustody) Close() {
	c.client.Close()
}
