// Package chainstore defines the facade the node requires from an
// external chain store, and ships one concrete, minimal implementation
// (kvstore.go) so the module is runnable end-to-end without a full
// validation engine wired in.
package chainstore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderStatus is the result of submitting a header.
type HeaderStatus int

const (
	HeaderNew HeaderStatus = iota
	HeaderExisted
	HeaderInvalid
	HeaderOrphan
)

// BlockStatus is the result of submitting a block.
type BlockStatus int

const (
	BlockNew BlockStatus = iota
	BlockExisted
	BlockInvalid
	BlockOrphan
)

// Store is the thin facade the sync and connectivity logic depends on.
// Validation and durable persistence belong to a collaborator outside
// this core; this interface is that collaborator's contract.
type Store interface {
	// Tip returns the current best header's hash and height.
	Tip() (chainhash.Hash, int32)

	// MaxFullBlockHeight returns the highest height for which all blocks
	// from genesis are present.
	MaxFullBlockHeight() int32

	// MissingBlocks returns up to limit hashes we want, prioritized by
	// the store (lowest height first in this implementation).
	MissingBlocks(limit int) []chainhash.Hash

	SubmitHeader(h *wire.BlockHeader) (HeaderStatus, error)
	SubmitBlock(b *wire.MsgBlock) (BlockStatus, error)

	Save() error
}
