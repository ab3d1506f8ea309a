// Package ethereum submits certification transactions to the on-chain
// contract and waits for them to be mined.
package ethereum

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"certchain/pkg/domain"
)

// Compile-time contract assertion ensuring Client satisfies the domain port.
var _ domain.LedgerClient = (*Client)(nil)

//go:embed certification.abi.json
var contractABI string

// Contract method names.
const (
	methodCreate     = "createRequest"
	methodInProgress = "markInProgress"
	methodApprove    = "approveRequest"
	methodReject     = "rejectRequest"
	methodCertify    = "issueCertificate"
	methodRevert     = "revertRequest"
)

// ErrReverted reports a mined transaction whose receipt status is failure.
var ErrReverted = errors.New("transaction reverted")

// Config locates the contract and signing key.
type Config struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey is hex encoded, with or without 0x.
	PrivateKey string
	ChainID    int64
	// ConfirmTimeout bounds the wait for a receipt. Zero waits for ctx only.
	ConfirmTimeout time.Duration
}

type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

type waitFunc func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// Client is a domain.LedgerClient over a go-ethereum bound contract.
// Submissions are serialized so nonces are assigned in order.
type Client struct {
	contract transactor
	auth     *bind.TransactOpts
	wait     waitFunc
	confirm  time.Duration
	closeFn  func()

	mu sync.Mutex
}

// ParseABI returns the certification contract ABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}

// Dial connects to cfg.RPCURL and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ethereum: invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse private key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("ethereum: chain id must be positive")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("ethereum: transactor: %w", err)
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", cfg.RPCURL, err)
	}
	bound := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsed, rpc, rpc, rpc)
	c := newClient(bound, auth, func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, rpc, tx)
	}, cfg.ConfirmTimeout)
	c.closeFn = rpc.Close
	return c, nil
}

func newClient(contract transactor, auth *bind.TransactOpts, wait waitFunc, confirm time.Duration) *Client {
	return &Client{contract: contract, auth: auth, wait: wait, confirm: confirm}
}

// From returns the signing account.
func (c *Client) From() common.Address { return c.auth.From }

// CreateRequest implements domain.LedgerClient.
func (c *Client) CreateRequest(ctx context.Context, id domain.LedgerID, productName, description string, mediaHashes []string) (domain.TxReceipt, error) {
	if mediaHashes == nil {
		mediaHashes = []string{}
	}
	return c.send(ctx, methodCreate, requestID(id), productName, description, mediaHashes)
}

// MarkInProgress implements domain.LedgerClient.
func (c *Client) MarkInProgress(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return c.send(ctx, methodInProgress, requestID(id))
}

// Approve implements domain.LedgerClient.
func (c *Client) Approve(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return c.send(ctx, methodApprove, requestID(id))
}

// Reject implements domain.LedgerClient.
func (c *Client) Reject(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return c.send(ctx, methodReject, requestID(id))
}

// Certify implements domain.LedgerClient.
func (c *Client) Certify(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return c.send(ctx, methodCertify, requestID(id))
}

// Revert implements domain.LedgerClient.
func (c *Client) Revert(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return c.send(ctx, methodRevert, requestID(id))
}

// Close drops the RPC connection.
func (c *Client) Close() error {
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

// send submits one transaction and blocks until it is mined. A transaction
// that was broadcast but not confirmed in time is reported as an error even
// though it may still be mined later.
func (c *Client) send(ctx context.Context, method string, params ...any) (domain.TxReceipt, error) {
	c.mu.Lock()
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	c.mu.Unlock()
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("%s: submit: %w", method, err)
	}

	wctx := ctx
	if c.confirm > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.confirm)
		defer cancel()
	}
	receipt, err := c.wait(wctx, tx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("%s: wait for %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.TxReceipt{}, fmt.Errorf("%s: %w: %s", method, ErrReverted, tx.Hash().Hex())
	}
	out := domain.TxReceipt{TxHash: tx.Hash().Hex()}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func requestID(id domain.LedgerID) *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}
