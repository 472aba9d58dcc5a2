package replay

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

var (
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	reverter = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

func signedRow(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int, gas uint64) Row {
	t.Helper()
	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: big.NewInt(30 * params.GWei),
		Gas:       gas,
		To:        &to,
		Value:     value,
	})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return Row{
		Timestamp:              1_720_000_000_000,
		Hash:                   tx.Hash().Hex(),
		ChainID:                "1",
		To:                     to.Hex(),
		Gas:                    "21000",
		IncludedAtBlockHeight:  20_000_001,
		IncludedBlockTimestamp: 1_720_000_012_000,
		RawTx:                  hexutil.Encode(raw),
	}
}

func writeRows(t *testing.T, rows []Row) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txs.parquet")
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	require.NoError(t, err)
	for i := range rows {
		require.NoError(t, pw.Write(rows[i]))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
	return path
}

func TestReadRows(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	rows := []Row{
		signedRow(t, key, 0, bob, big.NewInt(1), 21000),
		signedRow(t, key, 1, bob, big.NewInt(2), 21000),
		signedRow(t, key, 2, bob, big.NewInt(3), 21000),
	}
	path := writeRows(t, rows)

	got, err := ReadRows(path, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, rows[1].Hash, got[1].Hash)
	assert.Equal(t, rows[2].RawTx, got[2].RawTx)
	assert.Equal(t, int64(20_000_001), got[0].IncludedAtBlockHeight)

	got, err = ReadRows(path, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = ReadRows(filepath.Join(t.TempDir(), "missing.parquet"), 0)
	assert.Error(t, err)
}

func TestCallFromTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	row := signedRow(t, key, 0, bob, big.NewInt(5), 21000)

	tx, err := row.Transaction()
	require.NoError(t, err)
	assert.Equal(t, row.Hash, tx.Hash().Hex())

	call, err := CallFromTx(tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), call.From)
	assert.Equal(t, &bob, call.To)
	assert.Equal(t, big.NewInt(5), call.Value)

	parent, ok := row.ParentBlock()
	assert.True(t, ok)
	assert.Equal(t, uint64(20_000_000), parent)
}

func TestTransactionDecodeErrors(t *testing.T) {
	_, err := (&Row{}).Transaction()
	assert.Error(t, err)

	_, err = (&Row{RawTx: "0xzz"}).Transaction()
	assert.Error(t, err)

	_, err = (&Row{RawTx: "02c0"}).Transaction()
	assert.Error(t, err)
}

func TestRunner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	var forks atomic.Int32
	factory := func(ctx context.Context, block uint64) (*engine.Engine, error) {
		forks.Add(1)
		src := simulator.NewMemorySource(1, &types.Header{
			Number:     big.NewInt(20_000_000),
			Time:       1_720_000_000,
			GasLimit:   30_000_000,
			BaseFee:    big.NewInt(params.GWei),
			Difficulty: new(big.Int),
		})
		src.SetBalance(sender, big.NewInt(params.Ether))
		src.SetCode(reverter, hexutil.MustDecode("0x60006000fd"))
		block64 := block
		return engine.New(ctx, engine.Options{Source: src, ForkBlockNumber: &block64, Tracing: true})
	}

	unincluded := signedRow(t, key, 0, bob, big.NewInt(1), 21000)
	unincluded.IncludedAtBlockHeight = 0
	rows := []*Row{
		ptr(signedRow(t, key, 0, bob, big.NewInt(1), 21000)),
		ptr(signedRow(t, key, 0, reverter, new(big.Int), 50000)),
		ptr(signedRow(t, key, 0, bob, big.NewInt(1), 20000)),
		{Hash: "0x01", RawTx: "0xzz"},
		&unincluded,
	}

	report, err := NewRunner(factory, 2, true).Run(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, report.Results, len(rows))

	transfer := report.Results[0]
	require.NoError(t, transfer.Err)
	assert.True(t, transfer.Success)
	assert.Equal(t, uint64(21000), transfer.GasUsed)
	assert.Equal(t, uint64(20_000_001), transfer.Block)
	assert.Equal(t, sender, transfer.From)
	assert.Contains(t, transfer.FormattedTrace, bob.Hex())

	reverted := report.Results[1]
	require.NoError(t, reverted.Err)
	assert.False(t, reverted.Success)
	assert.Equal(t, simulator.ExitRevert, reverted.ExitReason)

	// a gas limit below the intrinsic cost is rejected by the EVM
	assert.Error(t, report.Results[2].Err)
	assert.Error(t, report.Results[3].Err)
	assert.Error(t, report.Results[4].Err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Errored)
	assert.Equal(t, int32(3), forks.Load())
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(nil, 1, false).Run(ctx, []*Row{{}})
	assert.ErrorIs(t, err, context.Canceled)
}

func ptr[T any](v T) *T {
	return &v
}
