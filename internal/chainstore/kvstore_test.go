package chainstore

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
)

func header(prev [32]byte, nonce uint32) *wire.BlockHeader {
	h := &wire.BlockHeader{Nonce: nonce}
	h.PrevBlock = prev
	return h
}

func TestSubmitHeader_Contiguity(t *testing.T) {
	s := NewKVStore(dbm.NewMemDB())

	genesis := header([32]byte{}, 1)
	status, err := s.SubmitHeader(genesis)
	require.NoError(t, err)
	require.Equal(t, HeaderNew, status)

	status, err = s.SubmitHeader(genesis)
	require.NoError(t, err)
	require.Equal(t, HeaderExisted, status)

	orphan := header([32]byte{0xff}, 2)
	status, err = s.SubmitHeader(orphan)
	require.NoError(t, err)
	require.Equal(t, HeaderOrphan, status)

	child := header(genesis.BlockHash(), 3)
	status, err = s.SubmitHeader(child)
	require.NoError(t, err)
	require.Equal(t, HeaderNew, status)

	tip, height := s.Tip()
	require.Equal(t, child.BlockHash(), tip)
	require.EqualValues(t, 1, height)
}

func TestSubmitBlock_AdvancesMaxFull(t *testing.T) {
	s := NewKVStore(dbm.NewMemDB())
	genesis := header([32]byte{}, 1)
	child := header(genesis.BlockHash(), 2)
	_, _ = s.SubmitHeader(genesis)
	_, _ = s.SubmitHeader(child)

	require.EqualValues(t, -1, s.MaxFullBlockHeight())

	_, err := s.SubmitBlock(&wire.MsgBlock{Header: *child})
	require.NoError(t, err)
	require.EqualValues(t, -1, s.MaxFullBlockHeight(), "gap at height 0 blocks contiguity")

	_, err = s.SubmitBlock(&wire.MsgBlock{Header: *genesis})
	require.NoError(t, err)
	require.EqualValues(t, 1, s.MaxFullBlockHeight())
}

func TestMissingBlocks_LowestHeightFirst(t *testing.T) {
	s := NewKVStore(dbm.NewMemDB())
	genesis := header([32]byte{}, 1)
	a := header(genesis.BlockHash(), 2)
	b := header(a.BlockHash(), 3)
	for _, h := range []*wire.BlockHeader{genesis, a, b} {
		_, err := s.SubmitHeader(h)
		require.NoError(t, err)
	}

	missing := s.MissingBlocks(10)
	require.Len(t, missing, 3)
	require.Equal(t, genesis.BlockHash(), missing[0])
}
