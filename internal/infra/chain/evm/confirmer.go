package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/relay/internal/infra/chain"
)

// ConfirmerConfig describes the acknowledgement call.
type ConfirmerConfig struct {
	Contract   common.Address
	ABI        abi.ABI
	Method     string
	PrivateKey string
	ChainID    *big.Int
}

// Confirmer calls Method(bytes32 fingerprint, uint256 sequenceNumber) on the
// watched contract.
type Confirmer struct {
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	method   string
	log      *slog.Logger
}

var _ chain.Confirmer = (*Confirmer)(nil)

// NewConfirmer binds the contract with a keyed transactor.
func NewConfirmer(backend bind.ContractBackend, cfg ConfirmerConfig) (*Confirmer, error) {
	if _, ok := cfg.ABI.Methods[cfg.Method]; !ok {
		return nil, fmt.Errorf("abi has no method %q", cfg.Method)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid confirmation key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return &Confirmer{
		contract: bind.NewBoundContract(cfg.Contract, cfg.ABI, backend, backend, backend),
		opts:     opts,
		method:   cfg.Method,
		log:      slog.Default().With("component", "evm-confirmer"),
	}, nil
}

// Confirm sends the acknowledgement transaction without waiting for it to be mined.
func (c *Confirmer) Confirm(ctx context.Context, fingerprint string, sequenceNumber uint64) error {
	opts := *c.opts
	opts.Context = ctx

	fp := common.HexToHash(fingerprint)
	tx, err := c.contract.Transact(&opts, c.method, [32]byte(fp), new(big.Int).SetUint64(sequenceNumber))
	if err != nil {
		return fmt.Errorf("%s transaction failed: %w", c.method, err)
	}
	c.log.Debug("Confirmation sent", "fingerprint", fingerprint, "seq", sequenceNumber, "tx", tx.Hash().Hex())
	return nil
}
