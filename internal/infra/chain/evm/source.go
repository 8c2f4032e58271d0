// Package evm reads contract events from an EVM chain through go-ethereum.
package evm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/chain"
)

// Backend is the slice of ethclient.Client used by Source.
type Backend interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// SourceConfig describes the watched contract.
type SourceConfig struct {
	Contract common.Address
	ABI      abi.ABI
	// Topics routes an event name to its log topic.
	Topics       map[string]string
	DefaultTopic string
	// QueryRange caps the block span of one eth_getLogs call.
	QueryRange uint64
	// ResubscribeBackoff caps the wait between reconnect attempts.
	ResubscribeBackoff time.Duration
}

// Source implements chain.EventSource for a single contract.
type Source struct {
	backend Backend
	cfg     SourceConfig
	log     *slog.Logger
}

var _ chain.EventSource = (*Source)(nil)

// NewSource creates an event source for cfg.Contract.
func NewSource(backend Backend, cfg SourceConfig) *Source {
	if cfg.QueryRange == 0 {
		cfg.QueryRange = 2000
	}
	if cfg.ResubscribeBackoff == 0 {
		cfg.ResubscribeBackoff = 30 * time.Second
	}
	return &Source{
		backend: backend,
		cfg:     cfg,
		log:     slog.Default().With("component", "evm-source"),
	}
}

// CurrentBlockHeight returns the latest block number.
func (s *Source) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	height, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	return height, nil
}

// QueryRange fetches logs for signature in [from, to], chunked by QueryRange.
func (s *Source) QueryRange(ctx context.Context, signature string, from, to uint64) ([]domain.RawEvent, error) {
	ev, err := s.resolve(signature)
	if err != nil {
		return nil, err
	}

	ranges, err := chain.SplitRange(from, to, s.cfg.QueryRange)
	if err != nil {
		return nil, err
	}

	var events []domain.RawEvent
	for _, r := range ranges {
		query := s.filterQuery(ev)
		query.FromBlock = new(big.Int).SetUint64(r.From)
		query.ToBlock = new(big.Int).SetUint64(r.To)

		logs, err := s.backend.FilterLogs(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("eth_getLogs [%d, %d] failed: %w", r.From, r.To, err)
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			raw, err := s.convert(ev, l)
			if err != nil {
				s.log.Error("Failed to decode log", "event", ev.Name, "tx", l.TxHash.Hex(), "block", l.BlockNumber, "error", err)
				continue
			}
			events = append(events, raw)
		}
	}
	return events, nil
}

// Subscribe streams new logs for signature into sink. The underlying RPC
// subscription is re-established with backoff when it drops.
func (s *Source) Subscribe(ctx context.Context, signature string, sink chan<- domain.RawEvent) (chain.Subscription, error) {
	ev, err := s.resolve(signature)
	if err != nil {
		return nil, err
	}

	query := s.filterQuery(ev)
	logs := make(chan types.Log, 128)

	resub := event.ResubscribeErr(s.cfg.ResubscribeBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			s.log.Warn("Log subscription dropped, resubscribing", "event", ev.Name, "error", lastErr)
		}
		return s.backend.SubscribeFilterLogs(ctx, query, logs)
	})

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer resub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Removed {
					s.log.Debug("Dropping removed log", "event", ev.Name, "tx", l.TxHash.Hex(), "index", l.Index)
					continue
				}
				raw, err := s.convert(ev, l)
				if err != nil {
					s.log.Error("Failed to decode log", "event", ev.Name, "tx", l.TxHash.Hex(), "error", err)
					continue
				}
				select {
				case sink <- raw:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}), nil
}

func (s *Source) filterQuery(ev abi.Event) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}
}

// resolve accepts an event name ("Liquidated") or a full signature
// ("Liquidated(address,uint256)").
func (s *Source) resolve(signature string) (abi.Event, error) {
	signature = strings.TrimSpace(signature)
	if ev, ok := s.cfg.ABI.Events[signature]; ok {
		return ev, nil
	}
	for _, ev := range s.cfg.ABI.Events {
		if ev.Sig == signature {
			return ev, nil
		}
	}
	return abi.Event{}, fmt.Errorf("%w: %s", chain.ErrUnknownEvent, signature)
}

func (s *Source) topicFor(eventName string) string {
	if topic, ok := s.cfg.Topics[eventName]; ok && topic != "" {
		return topic
	}
	return s.cfg.DefaultTopic
}

// convert decodes a log into a RawEvent with a JSON payload of its arguments.
func (s *Source) convert(ev abi.Event, l types.Log) (domain.RawEvent, error) {
	args, err := decodeArgs(ev, l)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("encode %s payload: %w", ev.Name, err)
	}

	return domain.RawEvent{
		TopicID:         s.topicFor(ev.Name),
		Fingerprint:     Fingerprint(l.Address, l.TxHash, l.Index),
		EventType:       ev.Name,
		Payload:         payload,
		BlockNumber:     l.BlockNumber,
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        l.Index,
	}, nil
}

// Fingerprint is keccak256(contract || txHash || logIndex), hex encoded.
// It is stable across live delivery and historical queries.
func Fingerprint(contract common.Address, txHash common.Hash, logIndex uint) string {
	index := binary.BigEndian.AppendUint64(nil, uint64(logIndex))
	return crypto.Keccak256Hash(contract.Bytes(), txHash.Bytes(), index).Hex()
}

func decodeArgs(ev abi.Event, l types.Log) (map[string]any, error) {
	args := make(map[string]any, len(ev.Inputs))

	if nonIndexed := ev.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, l.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(l.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(l.Topics))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
			return nil, err
		}
	}

	for k, v := range args {
		args[k] = normalize(v)
	}
	return args, nil
}

// normalize converts ABI values into JSON-friendly strings.
func normalize(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return common.Hash(x).Hex()
	case []byte:
		return hexutil.Encode(x)
	default:
		return v
	}
}
