package simulator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	callee  = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	caller  = common.HexToAddress("0x000000000000000000000000000000000000ca11")
	counter = common.HexToAddress("0x00000000000000000000000000000000000c0a7e")

	// returns the 32 byte word 42
	return42Code = hexutil.MustDecode("0x602a60005260206000f3")
	// REVERT(0, 0)
	revertCode = hexutil.MustDecode("0x60006000fd")
	// returns the value of slot 1
	loadSlot1Code = hexutil.MustDecode("0x60015460005260206000f3")
	// stores 7 at slot 1
	storeSlot1Code = hexutil.MustDecode("0x600760015500")
	// returns the NUMBER opcode
	numberCode = hexutil.MustDecode("0x4360005260206000f3")
	// returns the TIMESTAMP opcode
	timestampCode = hexutil.MustDecode("0x4260005260206000f3")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// callCode calls target with all remaining gas and returns the callee's first
// 32 bytes of output.
func callCode(target common.Address) []byte {
	code := hexutil.MustDecode("0x60206000600060006000")
	code = append(code, 0x73)
	code = append(code, target.Bytes()...)
	code = append(code, hexutil.MustDecode("0x5af15060206000f3")...)
	return code
}

// logCode emits LOG1 with the given topic and no data.
func logCode(topic common.Hash) []byte {
	code := []byte{0x7f}
	code = append(code, topic.Bytes()...)
	return append(code, hexutil.MustDecode("0x60006000a100")...)
}

func testHeader() *types.Header {
	return &types.Header{
		Number:     big.NewInt(20_000_000),
		Time:       1_720_000_000,
		GasLimit:   30_000_000,
		BaseFee:    big.NewInt(params.GWei),
		Difficulty: new(big.Int),
		Coinbase:   common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	}
}

func newTestSource() *MemorySource {
	src := NewMemorySource(1, testHeader())
	src.SetBalance(alice, ether(100))
	src.SetCode(callee, return42Code)
	src.SetCode(caller, callCode(callee))
	src.SetStorage(counter, common.BigToHash(big.NewInt(1)), common.BigToHash(big.NewInt(5)))
	src.SetCode(counter, loadSlot1Code)
	return src
}

func newTestFork(t *testing.T, src *MemorySource) *StateFork {
	t.Helper()
	fork, err := NewStateFork(context.Background(), src, ForkConfig{})
	require.NoError(t, err)
	return fork
}
