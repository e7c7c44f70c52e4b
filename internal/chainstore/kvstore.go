package chainstore

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	dbm "github.com/tendermint/tm-db"
)

// KVStore is the reference Store implementation backed by an embedded
// tendermint/tm-db handle. It deliberately performs none of the proof-of-
// work or difficulty validation a real chain store would — that belongs
// to a collaborator outside this core — it only tracks contiguity, which
// is all the sync and connectivity logic needs to drive downloads.
type KVStore struct {
	db dbm.DB

	headers      map[chainhash.Hash]*wire.BlockHeader
	heightOf     map[chainhash.Hash]int32
	hashAtHeight map[int32]chainhash.Hash
	haveBlock    map[chainhash.Hash]bool

	bestHash   chainhash.Hash
	bestHeight int32
	maxFull    int32
}

var genesisPrev = chainhash.Hash{}

func NewKVStore(db dbm.DB) *KVStore {
	return &KVStore{
		db:           db,
		headers:      make(map[chainhash.Hash]*wire.BlockHeader),
		heightOf:     make(map[chainhash.Hash]int32),
		hashAtHeight: make(map[int32]chainhash.Hash),
		haveBlock:    make(map[chainhash.Hash]bool),
		maxFull:      -1,
		bestHeight:   -1,
	}
}

// DB exposes the underlying handle so callers that share it with other
// state (the address book's ordered index, in particular) don't need to
// open a second database.
func (s *KVStore) DB() dbm.DB { return s.db }

func (s *KVStore) Tip() (chainhash.Hash, int32) { return s.bestHash, s.bestHeight }

func (s *KVStore) MaxFullBlockHeight() int32 { return s.maxFull }

func (s *KVStore) SubmitHeader(h *wire.BlockHeader) (HeaderStatus, error) {
	hash := h.BlockHash()
	if _, ok := s.headers[hash]; ok {
		return HeaderExisted, nil
	}

	var height int32
	switch {
	case h.PrevBlock == genesisPrev:
		height = 0
	default:
		prevHeight, ok := s.heightOf[h.PrevBlock]
		if !ok {
			return HeaderOrphan, nil
		}
		height = prevHeight + 1
	}

	s.headers[hash] = h
	s.heightOf[hash] = height
	s.hashAtHeight[height] = hash
	if height > s.bestHeight {
		s.bestHeight = height
		s.bestHash = hash
	}

	if err := s.db.Set(headerKey(hash), encodeHeightRecord(height)); err != nil {
		return HeaderNew, fmt.Errorf("persist header %s: %w", hash, err)
	}
	return HeaderNew, nil
}

func (s *KVStore) SubmitBlock(b *wire.MsgBlock) (BlockStatus, error) {
	hash := b.Header.BlockHash()
	if s.haveBlock[hash] {
		return BlockExisted, nil
	}

	if _, ok := s.heightOf[hash]; !ok {
		status, err := s.SubmitHeader(&b.Header)
		if err != nil {
			return BlockInvalid, err
		}
		if status == HeaderOrphan {
			return BlockOrphan, nil
		}
	}

	s.haveBlock[hash] = true
	if err := s.db.Set(blockKey(hash), []byte{1}); err != nil {
		return BlockNew, fmt.Errorf("persist block %s: %w", hash, err)
	}

	s.recomputeMaxFull()
	return BlockNew, nil
}

func (s *KVStore) recomputeMaxFull() {
	h := s.maxFull + 1
	for {
		hash, ok := s.hashAtHeight[h]
		if !ok || !s.haveBlock[hash] {
			break
		}
		s.maxFull = h
		h++
	}
}

// MissingBlocks returns up to limit known-header hashes above maxFull that
// don't yet have a block, lowest height first.
func (s *KVStore) MissingBlocks(limit int) []chainhash.Hash {
	var heights []int32
	for h := range s.hashAtHeight {
		if h <= s.maxFull {
			continue
		}
		hash := s.hashAtHeight[h]
		if !s.haveBlock[hash] {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	if len(heights) > limit {
		heights = heights[:limit]
	}
	out := make([]chainhash.Hash, 0, len(heights))
	for _, h := range heights {
		out = append(out, s.hashAtHeight[h])
	}
	return out
}

func (s *KVStore) Save() error {
	var tip [36]byte
	copy(tip[:32], s.bestHash[:])
	binary.LittleEndian.PutUint32(tip[32:], uint32(s.bestHeight))
	if err := s.db.Set([]byte("tip"), tip[:]); err != nil {
		return fmt.Errorf("save tip: %w", err)
	}
	var maxFull [4]byte
	binary.LittleEndian.PutUint32(maxFull[:], uint32(s.maxFull))
	return s.db.Set([]byte("maxfull"), maxFull[:])
}

func headerKey(h chainhash.Hash) []byte { return append([]byte("h:"), h[:]...) }
func blockKey(h chainhash.Hash) []byte  { return append([]byte("b:"), h[:]...) }

func encodeHeightRecord(height int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(height))
	return b[:]
}
