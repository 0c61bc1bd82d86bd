// Package eth implements the payment ledger against an on-chain
// scheduler contract via go-ethereum.
//
// The contract enforces the same rules the abstract ledger contract
// describes (release windows, atomic batch release, idempotent
// terminal states); this adapter translates its revert reasons back
// into the ledger error taxonomy.
package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chronopay/chronopay/internal/ledger"
	"github.com/chronopay/chronopay/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("eth: invalid private key")
	ErrRPCConnection     = errors.New("eth: RPC connection failed")
	ErrTxReverted        = errors.New("eth: transaction reverted")
)

// Minimal ABI of the scheduler contract. Payment shape is inferred from
// the stored record, so release/cancel/status only need the reference.
const schedulerABI = `[
	{"inputs":[{"name":"payer","type":"address"},{"name":"token","type":"address"},{"name":"beneficiaries","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"releaseTime","type":"uint256"},{"name":"cancellable","type":"bool"}],"name":"createPayment","outputs":[{"name":"ref","type":"bytes32"}],"type":"function"},
	{"inputs":[{"name":"payer","type":"address"},{"name":"token","type":"address"},{"name":"beneficiary","type":"address"},{"name":"monthlyAmount","type":"uint256"},{"name":"firstMonthAmount","type":"uint256"},{"name":"totalMonths","type":"uint256"},{"name":"firstPaymentTime","type":"uint256"},{"name":"period","type":"uint256"}],"name":"createRecurring","outputs":[{"name":"ref","type":"bytes32"}],"type":"function"},
	{"inputs":[{"name":"ref","type":"bytes32"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"ref","type":"bytes32"}],"name":"releaseBatch","outputs":[],"type":"function"},
	{"inputs":[{"name":"ref","type":"bytes32"},{"name":"index","type":"uint256"}],"name":"executeInstallment","outputs":[],"type":"function"},
	{"inputs":[{"name":"ref","type":"bytes32"}],"name":"cancel","outputs":[],"type":"function"},
	{"inputs":[{"name":"ref","type":"bytes32"}],"name":"paymentStatus","outputs":[{"name":"released","type":"bool"},{"name":"cancelled","type":"bool"},{"name":"releaseTime","type":"uint256"},{"name":"settledCount","type":"uint256"},{"name":"executedMonths","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(400_000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// StatusRetryAttempts and StatusRetryDelay bound the retry of
	// read-only status calls against a flaky RPC endpoint.
	StatusRetryAttempts = 3
	StatusRetryDelay    = 500 * time.Millisecond
)

// Client abstracts the go-ethereum client for testing.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for the eth ledger adapter.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
	Contract   string // scheduler contract address
}

// Option configures the adapter.
type Option func(*Ledger)

// WithClient sets a custom client (for testing).
func WithClient(c Client) Option {
	return func(l *Ledger) { l.client = c }
}

// Ledger submits settlement transactions to the scheduler contract.
type Ledger struct {
	client     Client
	privateKey *ecdsa.PrivateKey
	sender     common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an eth-backed ledger.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(schedulerABI))
	if err != nil {
		return nil, fmt.Errorf("eth: parse scheduler ABI: %w", err)
	}

	l := &Ledger{
		privateKey: privateKey,
		sender:     crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsedABI,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		l.client = client
	}
	return l, nil
}

func (l *Ledger) Create(ctx context.Context, req ledger.CreateRequest) (string, error) {
	var data []byte
	var err error

	if req.Kind == ledger.KindRecurring {
		first := req.MonthlyAmount
		if req.FirstMonthAmount != nil {
			first = req.FirstMonthAmount
		}
		data, err = l.abi.Pack("createRecurring",
			common.HexToAddress(req.Payer),
			common.HexToAddress(req.TokenAddr),
			common.HexToAddress(req.Beneficiaries[0].Addr),
			req.MonthlyAmount,
			first,
			big.NewInt(int64(req.TotalMonths)),
			big.NewInt(req.FirstPaymentTime.Unix()),
			big.NewInt(int64(req.Period/time.Second)),
		)
	} else {
		addrs := make([]common.Address, len(req.Beneficiaries))
		amounts := make([]*big.Int, len(req.Beneficiaries))
		for i, b := range req.Beneficiaries {
			addrs[i] = common.HexToAddress(b.Addr)
			amounts[i] = b.Amount
		}
		data, err = l.abi.Pack("createPayment",
			common.HexToAddress(req.Payer),
			common.HexToAddress(req.TokenAddr),
			addrs,
			amounts,
			big.NewInt(req.ReleaseTime.Unix()),
			req.Cancellable,
		)
	}
	if err != nil {
		return "", fmt.Errorf("eth: pack create: %w", err)
	}

	// The contract returns the payment reference; simulate first to
	// learn it, then submit the same calldata.
	ret, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.sender, To: &l.contract, Data: data}, nil)
	if err != nil {
		return "", mapRevert(err)
	}
	if _, err := l.submit(ctx, data); err != nil {
		return "", err
	}

	var ref common.Hash
	copy(ref[:], ret)
	return ref.Hex(), nil
}

func (l *Ledger) Release(ctx context.Context, ref string) (*ledger.TxResult, error) {
	return l.settle(ctx, "release", ref)
}

func (l *Ledger) ReleaseBatch(ctx context.Context, ref string) (*ledger.TxResult, error) {
	return l.settle(ctx, "releaseBatch", ref)
}

func (l *Ledger) ExecuteInstallment(ctx context.Context, ref string, index int) (*ledger.TxResult, error) {
	data, err := l.abi.Pack("executeInstallment", common.HexToHash(ref), big.NewInt(int64(index)))
	if err != nil {
		return nil, fmt.Errorf("eth: pack executeInstallment: %w", err)
	}
	return l.simulateAndSubmit(ctx, ref, data)
}

func (l *Ledger) Cancel(ctx context.Context, ref, caller string) (*ledger.TxResult, error) {
	// The keeper's signing key cancels on behalf of the payer only when
	// the contract's payer check passes; the caller identity travels in
	// the simulation so rejections surface before gas is spent.
	data, err := l.abi.Pack("cancel", common.HexToHash(ref))
	if err != nil {
		return nil, fmt.Errorf("eth: pack cancel: %w", err)
	}
	if _, err := l.client.CallContract(ctx, ethereum.CallMsg{
		From: common.HexToAddress(caller),
		To:   &l.contract,
		Data: data,
	}, nil); err != nil {
		return nil, mapRevert(err)
	}
	return l.submit(ctx, data)
}

func (l *Ledger) Status(ctx context.Context, ref string) (*ledger.Status, error) {
	data, err := l.abi.Pack("paymentStatus", common.HexToHash(ref))
	if err != nil {
		return nil, fmt.Errorf("eth: pack paymentStatus: %w", err)
	}
	// Status is read-only, so transient RPC failures are safe to retry.
	// Contract-level errors are mapped and returned immediately.
	var ret []byte
	err = retry.Do(ctx, StatusRetryAttempts, StatusRetryDelay, func() error {
		out, callErr := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
		if callErr != nil {
			mapped := mapRevert(callErr)
			if mapped != callErr { //nolint:errorlint // identity check: mapRevert returns the input unchanged for transient errors
				return retry.Permanent(mapped)
			}
			return callErr
		}
		ret = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	vals, err := l.abi.Unpack("paymentStatus", ret)
	if err != nil || len(vals) != 5 {
		return nil, fmt.Errorf("eth: unpack paymentStatus: %w", err)
	}
	released, _ := vals[0].(bool)
	cancelled, _ := vals[1].(bool)
	releaseTime, _ := vals[2].(*big.Int)
	settled, _ := vals[3].(*big.Int)
	months, _ := vals[4].(*big.Int)
	st := &ledger.Status{Released: released, Cancelled: cancelled}
	if releaseTime != nil {
		st.ReleaseTime = time.Unix(releaseTime.Int64(), 0)
	}
	if settled != nil {
		st.SettledCount = int(settled.Int64())
	}
	if months != nil {
		st.ExecutedMonths = int(months.Int64())
	}
	return st, nil
}

// Close closes the underlying RPC client.
func (l *Ledger) Close() {
	if l.client != nil {
		l.client.Close()
	}
}

func (l *Ledger) settle(ctx context.Context, method, ref string) (*ledger.TxResult, error) {
	data, err := l.abi.Pack(method, common.HexToHash(ref))
	if err != nil {
		return nil, fmt.Errorf("eth: pack %s: %w", method, err)
	}
	return l.simulateAndSubmit(ctx, ref, data)
}

// simulateAndSubmit dry-runs the calldata to surface reverts cheaply,
// then submits and waits for the receipt. An already-released revert is
// translated into an AlreadyDone no-op result.
func (l *Ledger) simulateAndSubmit(ctx context.Context, ref string, data []byte) (*ledger.TxResult, error) {
	if _, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.sender, To: &l.contract, Data: data}, nil); err != nil {
		mapped := mapRevert(err)
		if ledger.Benign(mapped) && errors.Is(mapped, ledger.ErrAlreadyReleased) {
			return &ledger.TxResult{AlreadyDone: true}, nil
		}
		return nil, mapped
	}
	return l.submit(ctx, data)
}

func (l *Ledger) submit(ctx context.Context, data []byte) (*ledger.TxResult, error) {
	nonce, err := l.client.PendingNonceAt(ctx, l.sender)
	if err != nil {
		return nil, fmt.Errorf("eth: nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth: gas price: %w", err)
	}
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.sender,
		To:    &l.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, l.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return nil, fmt.Errorf("eth: sign: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, mapRevert(err)
	}
	return l.waitMined(ctx, signedTx.Hash())
}

// waitMined polls for the receipt until the context expires. On context
// deadline the outcome is unknown; the caller leaves the record pending
// and retries next cycle.
func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) (*ledger.TxResult, error) {
	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := l.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not mined yet
			}
			if receipt.Status == 0 {
				return nil, &ledger.ExecutionError{Reason: fmt.Sprintf("%v (tx %s)", ErrTxReverted, hash.Hex())}
			}
			return &ledger.TxResult{TxHash: hash.Hex()}, nil
		}
	}
}

// mapRevert translates contract revert reasons into the ledger taxonomy.
func mapRevert(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too early"):
		return ledger.ErrTooEarly
	case strings.Contains(msg, "already released"), strings.Contains(msg, "already settled"):
		return ledger.ErrAlreadyReleased
	case strings.Contains(msg, "already cancelled"):
		return ledger.ErrAlreadyCancelled
	case strings.Contains(msg, "not cancellable"):
		return ledger.ErrNotCancellable
	case strings.Contains(msg, "cancel window"):
		return ledger.ErrCancelWindowClosed
	case strings.Contains(msg, "not payer"), strings.Contains(msg, "only payer"):
		return ledger.ErrNotPayer
	case strings.Contains(msg, "unknown payment"), strings.Contains(msg, "not found"):
		return ledger.ErrNotFound
	case strings.Contains(msg, "execution reverted"):
		return &ledger.ExecutionError{Reason: err.Error()}
	default:
		return err
	}
}
