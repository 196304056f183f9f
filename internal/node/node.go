// Package node assembles the chain, mempool, and block producer into a
// runnable instance that binaries can embed.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/internal/chain"
	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/log"
	"github.com/ember-tech/ember-chain/internal/mempool"
	"github.com/ember-tech/ember-chain/internal/miner"
	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Node is a fully initialized chain instance.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db   storage.DB
	ch   *chain.Chain
	pool *mempool.Pool
	asm  *miner.Assembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a node: logger, storage, chain, mempool,
// and block producer. Background work starts with Start. A nil genesis
// selects the built-in genesis for cfg.Network.
func New(cfg *config.Config, genesis *config.Genesis) (*Node, error) {
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/ember.log"
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := log.Node

	if genesis == nil {
		genesis = config.GenesisFor(cfg.Network)
	}
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("block_time", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting Ember node")

	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	ch, err := chain.New(db, genesis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	if cfg.Mining.Threads > 0 {
		if pow, ok := ch.Engine().(*consensus.PoW); ok {
			pow.Threads = cfg.Mining.Threads
		}
	}
	if cfg.RebuildIndexes {
		logger.Info().Msg("Rebuilding chain state from stored blocks")
		if err := ch.RebuildIndexes(); err != nil {
			db.Close()
			return nil, fmt.Errorf("rebuild indexes: %w", err)
		}
	}
	st := ch.BestState()
	if st.IsGenesis() {
		logger.Info().Msg("Starting from genesis")
	}
	logger.Info().
		Uint64("height", st.Height).
		Stringer("tip", st.TipHash).
		Msg("Chain ready")

	policy := mempool.DefaultPolicy()
	policy.MinFeeRate = genesis.Protocol.Consensus.MinFeeRate
	pool := mempool.New(ch, ch.Params(), policy, cfg.Mempool.MaxTxs, cfg.Mempool.MaxWeight)
	ch.OnConnect(pool.HandleConnect)
	ch.OnReorg(pool.HandleReorg)
	logger.Info().
		Uint64("min_fee_rate", policy.MinFeeRate).
		Msg("Mempool ready")

	n := &Node{
		cfg:     cfg,
		genesis: genesis,
		logger:  logger,
		db:      db,
		ch:      ch,
		pool:    pool,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.Mining.Enabled {
		coinbase, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			db.Close()
			return nil, err
		}
		n.asm = miner.New(ch, pool, coinbase)
		logger.Info().
			Str("coinbase", coinbase.Hex()).
			Int("threads", cfg.Mining.Threads).
			Msg("Block production enabled")
	}

	return n, nil
}

// resolveCoinbase parses the configured reward address.
func resolveCoinbase(s string) (types.Address, error) {
	if s == "" {
		return types.Address{}, errors.New("mining requires a coinbase address")
	}
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}

// Start launches background block production when mining is enabled.
func (n *Node) Start() error {
	if n.asm != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner()
		}()
	}
	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Bool("mining", n.asm != nil).
		Msg("Node started")
	return nil
}

// Stop shuts the node down and closes storage.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	if err := n.db.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Closing database")
	}
	n.logger.Info().Msg("Node stopped")
}

// runMiner repeatedly assembles and seals blocks until shutdown. The
// template is rebuilt per round, so each attempt extends the live tip
// with the current pool content.
func (n *Node) runMiner() {
	retry := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second
	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		default:
		}

		blk, err := n.asm.Mine(n.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			n.logger.Error().Err(err).Msg("Failed to produce block")
			select {
			case <-n.ctx.Done():
			case <-time.After(retry):
			}
			continue
		}

		if _, err := n.ch.Add(n.ctx, blk); err != nil {
			n.logger.Error().Err(err).Msg("Failed to connect own block")
			continue
		}
		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Stringer("hash", blk.Hash()).
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Value).
			Msg("Block produced")
	}
}

// SubmitBlock validates and connects an externally produced block.
func (n *Node) SubmitBlock(ctx context.Context, blk *block.Block) error {
	_, err := n.ch.Add(ctx, blk)
	return err
}

// SubmitTransaction offers a transaction to the mempool. A non-nil
// report means the inputs could not be resolved yet.
func (n *Node) SubmitTransaction(t *tx.Transaction) (*mempool.MissingOutpoints, error) {
	return n.pool.Add(t)
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// Chain exposes the chain state machine.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// Mempool exposes the transaction pool.
func (n *Node) Mempool() *mempool.Pool {
	return n.pool
}

// Assembler exposes the block producer; nil when mining is disabled.
func (n *Node) Assembler() *miner.Assembler {
	return n.asm
}
