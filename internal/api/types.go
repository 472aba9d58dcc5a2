package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/simulator"
)

// Quantity is an integer sent as a decimal string, a 0x hex string or a
// JSON number.
type Quantity struct {
	big.Int
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	s = strings.TrimSpace(s)

	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = q.SetString(s[2:], 16)
	} else {
		_, ok = q.SetString(s, 10)
	}
	if !ok || q.Sign() < 0 {
		return fmt.Errorf("invalid quantity %q", s)
	}
	return nil
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *Quantity) Big() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set(&q.Int)
}

type SimulationRequest struct {
	ChainID        uint64                            `json:"chainId"`
	From           common.Address                    `json:"from"`
	To             *common.Address                   `json:"to"`
	Data           hexutil.Bytes                     `json:"data,omitempty"`
	GasLimit       uint64                            `json:"gasLimit"`
	Value          *Quantity                         `json:"value,omitempty"`
	AccessList     types.AccessList                  `json:"accessList,omitempty"`
	BlockNumber    *uint64                           `json:"blockNumber,omitempty"`
	BlockTimestamp *uint64                           `json:"blockTimestamp,omitempty"`
	StateOverrides map[common.Address]*StateOverride `json:"stateOverrides,omitempty"`
	FormatTrace    bool                              `json:"formatTrace,omitempty"`
}

// StateOverride mirrors the eth_call state override object. State replaces
// the account's storage, StateDiff patches it.
type StateOverride struct {
	Balance   *Quantity                   `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      *hexutil.Bytes              `json:"code,omitempty"`
	State     map[common.Hash]common.Hash `json:"state,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

func (o *StateOverride) accountOverride(addr common.Address) (engine.AccountOverride, error) {
	override := engine.AccountOverride{Address: addr}
	if o == nil {
		return override, nil
	}
	if o.State != nil && o.StateDiff != nil {
		return override, fmt.Errorf("account %s has both state and stateDiff", addr.Hex())
	}
	override.Balance = o.Balance.Big()
	if o.Nonce != nil {
		nonce := uint64(*o.Nonce)
		override.Nonce = &nonce
	}
	if o.Code != nil {
		override.Code = []byte(*o.Code)
		if override.Code == nil {
			override.Code = []byte{}
		}
	}
	switch {
	case o.State != nil:
		override.Storage = &engine.StorageOverride{Slots: o.State}
	case o.StateDiff != nil:
		override.Storage = &engine.StorageOverride{Slots: o.StateDiff, Diff: true}
	}
	return override, nil
}

type CallTrace struct {
	CallType simulator.CallKind `json:"callType"`
	From     common.Address     `json:"from"`
	To       common.Address     `json:"to"`
	Value    *hexutil.Big       `json:"value"`
}

type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type SimulationResponse struct {
	SimulationID   uint64               `json:"simulationId"`
	GasUsed        uint64               `json:"gasUsed"`
	BlockNumber    uint64               `json:"blockNumber"`
	Success        bool                 `json:"success"`
	Trace          []CallTrace          `json:"trace"`
	FormattedTrace *string              `json:"formattedTrace,omitempty"`
	Logs           []Log                `json:"logs"`
	ExitReason     simulator.ExitReason `json:"exitReason"`
	RevertReason   string               `json:"revertReason,omitempty"`
	ReturnData     hexutil.Bytes        `json:"returnData"`
}

func newSimulationResponse(id uint64, res *engine.CallResult) SimulationResponse {
	resp := SimulationResponse{
		SimulationID:   id,
		GasUsed:        res.GasUsed,
		BlockNumber:    res.BlockNumber,
		Success:        res.Success,
		Trace:          []CallTrace{},
		FormattedTrace: res.FormattedTrace,
		Logs:           make([]Log, 0, len(res.Logs)),
		ExitReason:     res.ExitReason,
		RevertReason:   res.RevertReason,
		ReturnData:     res.ReturnData,
	}
	if resp.ReturnData == nil {
		resp.ReturnData = hexutil.Bytes{}
	}
	for _, t := range engine.CallTraces(res.Trace) {
		resp.Trace = append(resp.Trace, CallTrace{
			CallType: t.CallType,
			From:     t.From,
			To:       t.To,
			Value:    (*hexutil.Big)(t.Value),
		})
	}
	for _, l := range res.Logs {
		resp.Logs = append(resp.Logs, Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return resp
}

type StatefulSimulationRequest struct {
	ChainID        uint64  `json:"chainId"`
	GasLimit       uint64  `json:"gasLimit"`
	BlockNumber    *uint64 `json:"blockNumber,omitempty"`
	BlockTimestamp *uint64 `json:"blockTimestamp,omitempty"`
}

type StatefulSimulationResponse struct {
	StatefulSimulationID string `json:"statefulSimulationId"`
}

type StatefulSimulationInfo struct {
	StatefulSimulationID string `json:"statefulSimulationId"`
	ChainID              uint64 `json:"chainId"`
	BlockNumber          uint64 `json:"blockNumber"`
	BlockTimestamp       uint64 `json:"blockTimestamp"`
}

type StatefulSimulationEndResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Message string `json:"message"`
}
