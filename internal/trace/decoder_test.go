package trace

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/forksim/internal/eth"
	"github.com/pulkyeet/forksim/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sender    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func transferFrame(t *testing.T) *simulator.CallFrame {
	t.Helper()
	erc20, err := abi.JSON(strings.NewReader(eth.ERC20ABI))
	require.NoError(t, err)
	input, err := erc20.Pack("transfer", recipient, big.NewInt(1000))
	require.NoError(t, err)

	return &simulator.CallFrame{
		Kind:    "CALL",
		Caller:  sender,
		Address: eth.WETHAddress,
		Value:   new(big.Int),
		GasUsed: 30412,
		Input:   input,
		Output:  common.BigToHash(big.NewInt(1)).Bytes(),
		Success: true,
		Logs: []*types.Log{{
			Address: eth.WETHAddress,
			Topics: []common.Hash{
				erc20.Events["Transfer"].ID,
				common.BytesToHash(sender.Bytes()),
				common.BytesToHash(recipient.Bytes()),
			},
			Data: common.BigToHash(big.NewInt(1000)).Bytes(),
		}},
	}
}

func TestDecodeKnownCall(t *testing.T) {
	decoder := NewDecoder(NewSignatureDB(nil), NewStaticLabeler(eth.MainnetChainID))
	frame := transferFrame(t)

	decoder.Identify(context.Background(), frame)
	decoded := decoder.Decode(frame)

	assert.Equal(t, "WETH9", decoded.Label)
	assert.Equal(t, "transfer", decoded.Function)
	assert.Equal(t, []string{recipient.Hex(), "1000"}, decoded.Args)
	require.Len(t, decoded.Events, 1)
	assert.Equal(t, "Transfer", decoded.Events[0].Event)
	assert.Equal(t, []string{"from: " + sender.Hex(), "to: " + recipient.Hex(), "value: 1000"}, decoded.Events[0].Args)
}

func TestDecodeUnknownSelectorFallsBackToHex(t *testing.T) {
	decoder := NewDecoder(NewSignatureDB(nil), nil)
	frame := &simulator.CallFrame{
		Kind:    "CALL",
		Address: recipient,
		Input:   []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02},
		Success: true,
	}

	decoded := decoder.Decode(frame)
	assert.Equal(t, "0xdeadbeef", decoded.Function)
	assert.Equal(t, []string{"0x0102"}, decoded.Args)
	assert.Equal(t, recipient.Hex(), decoded.Name())
}

func TestDecodeMalformedCalldataFallsBackToHex(t *testing.T) {
	decoder := NewDecoder(NewSignatureDB(nil), nil)
	frame := &simulator.CallFrame{
		Kind:    "CALL",
		Address: eth.WETHAddress,
		Input:   append(common.FromHex("0xa9059cbb"), 0x01),
		Success: true,
	}

	decoded := decoder.Decode(frame)
	assert.Equal(t, "transfer", decoded.Function)
	assert.Equal(t, []string{"0x01"}, decoded.Args)
}

func TestDecodeRevertReason(t *testing.T) {
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	payload, err := abi.Arguments{{Type: stringTy}}.Pack("insufficient balance")
	require.NoError(t, err)
	output := append(crypto.Keccak256([]byte("Error(string)"))[:4], payload...)

	decoder := NewDecoder(NewSignatureDB(nil), nil)
	decoded := decoder.Decode(&simulator.CallFrame{
		Kind:    "CALL",
		Address: recipient,
		Output:  output,
		Error:   vm.ErrExecutionReverted.Error(),
	})
	assert.Equal(t, "insufficient balance", decoded.RevertReason)
	assert.Contains(t, Render(decoded), "← [Revert] insufficient balance")
}

func TestFailingLabelerIsIgnored(t *testing.T) {
	failing := &failingLabeler{}
	decoder := NewDecoder(NewSignatureDB(nil), failing)
	frame := transferFrame(t)
	frame.Children = []*simulator.CallFrame{{Kind: "STATICCALL", Address: eth.WETHAddress, Success: true}}

	out := decoder.Format(context.Background(), frame)
	assert.Contains(t, out, eth.WETHAddress.Hex()+"::transfer(")
	assert.Equal(t, 1, failing.calls, "one lookup per address per call")

	// failures are not memoised, the next call asks again
	decoder.Format(context.Background(), frame)
	assert.Equal(t, 2, failing.calls)
}

func TestNoLabelIsMemoised(t *testing.T) {
	static := &countingLabeler{inner: NewStaticLabeler(eth.MainnetChainID)}
	decoder := NewDecoder(NewSignatureDB(nil), static)
	frame := &simulator.CallFrame{Kind: "CALL", Address: recipient, Success: true}

	decoder.Format(context.Background(), frame)
	decoder.Format(context.Background(), frame)
	assert.Equal(t, 1, static.calls)
	assert.Empty(t, decoder.Label(recipient))
}

func TestLabelTimeoutBoundsFormat(t *testing.T) {
	blocking := &blockingLabeler{}
	decoder := NewDecoder(NewSignatureDB(nil), blocking)
	decoder.SetLabelTimeout(50 * time.Millisecond)
	frame := transferFrame(t)

	started := time.Now()
	out := decoder.Format(context.Background(), frame)
	elapsed := time.Since(started)

	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Contains(t, out, eth.WETHAddress.Hex()+"::transfer(")
	assert.Equal(t, int32(1), blocking.calls.Load())

	decoder.Format(context.Background(), frame)
	assert.Equal(t, int32(2), blocking.calls.Load(), "timeouts are retried on the next call")
}

func TestRenderTree(t *testing.T) {
	decoder := NewDecoder(NewSignatureDB(nil), NewStaticLabeler(eth.MainnetChainID))
	root := &simulator.CallFrame{
		Kind:    "CALL",
		Caller:  sender,
		Address: recipient,
		Value:   big.NewInt(5),
		GasUsed: 50000,
		Success: true,
		Children: []*simulator.CallFrame{
			transferFrame(t),
			{Kind: "STATICCALL", Address: eth.USDCAddress, Input: common.FromHex("0x18160ddd"), Success: true, Depth: 1},
		},
	}

	out := decoder.Format(context.Background(), root)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, "[50000] "+recipient.Hex()+"::receive(){value: 5}", lines[0])
	assert.Contains(t, out, "[30412] WETH9::transfer("+recipient.Hex()+", 1000)")
	assert.Contains(t, out, "emit Transfer(from: "+sender.Hex())
	assert.Contains(t, out, "FiatTokenProxy::totalSupply() [staticcall]")
	assert.Contains(t, out, "← [Stop]")

	// frames and their events appear in depth-first order
	order := []string{
		recipient.Hex() + "::receive()",
		"WETH9::transfer(",
		"emit Transfer(",
		"FiatTokenProxy::totalSupply()",
	}
	for i := 1; i < len(order); i++ {
		prev, next := strings.Index(out, order[i-1]), strings.Index(out, order[i])
		require.GreaterOrEqual(t, prev, 0, order[i-1])
		assert.Less(t, prev, next, "%s before %s", order[i-1], order[i])
	}

	// the nested transfer is indented below the root
	for _, line := range lines {
		if strings.Contains(line, "WETH9::transfer") {
			assert.True(t, strings.HasPrefix(line, "├── "), line)
		}
		if strings.Contains(line, "emit Transfer") {
			assert.True(t, strings.HasPrefix(line, "│   "), line)
		}
	}
}
