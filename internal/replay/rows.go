// Package replay re-executes mempool-dumpster transactions against forks of
// the block before their inclusion.
package replay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

// Row is one transaction of a Flashbots mempool-dumpster parquet file.
type Row struct {
	Timestamp              int64  `parquet:"name=timestamp, type=INT64"`
	Hash                   string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainID                string `parquet:"name=chainId, type=BYTE_ARRAY, convertedtype=UTF8"`
	From                   string `parquet:"name=from, type=BYTE_ARRAY, convertedtype=UTF8"`
	To                     string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value                  string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce                  string `parquet:"name=nonce, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gas                    string `parquet:"name=gas, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasPrice               string `parquet:"name=gasPrice, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasTipCap              string `parquet:"name=gasTipCap, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasFeeCap              string `parquet:"name=gasFeeCap, type=BYTE_ARRAY, convertedtype=UTF8"`
	DataSize               int64  `parquet:"name=dataSize, type=INT64"`
	Data4Bytes             string `parquet:"name=data4Bytes, type=BYTE_ARRAY, convertedtype=UTF8"`
	IncludedAtBlockHeight  int64  `parquet:"name=includedAtBlockHeight, type=INT64"`
	IncludedBlockTimestamp int64  `parquet:"name=includedBlockTimestamp, type=INT64"`
	InclusionDelayMs       int64  `parquet:"name=inclusionDelayMs, type=INT64"`
	RawTx                  string `parquet:"name=rawTx, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ReadRows reads up to limit rows from a parquet file; limit <= 0 reads all.
func ReadRows(path string, limit int) ([]*Row, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(Row), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	if limit > 0 && limit < numRows {
		numRows = limit
	}

	const batchSize = 1000
	rows := make([]*Row, 0, numRows)
	for len(rows) < numRows {
		toRead := min(batchSize, numRows-len(rows))
		batch := make([]Row, toRead)
		if err := pr.Read(&batch); err != nil {
			return nil, fmt.Errorf("failed to read rows at %d: %w", len(rows), err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rows = append(rows, &batch[i])
		}
	}
	return rows, nil
}

// Transaction decodes the row's raw transaction.
func (r *Row) Transaction() (*types.Transaction, error) {
	if r.RawTx == "" {
		return nil, errors.New("row has no raw transaction")
	}
	raw, err := hexutil.Decode(ensure0x(r.RawTx))
	if err != nil {
		return nil, fmt.Errorf("invalid raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", r.Hash, err)
	}
	return tx, nil
}

// ParentBlock is the block whose state the transaction ran on.
func (r *Row) ParentBlock() (uint64, bool) {
	if r.IncludedAtBlockHeight <= 0 {
		return 0, false
	}
	return uint64(r.IncludedAtBlockHeight - 1), true
}

// CallFromTx turns a signed transaction into the equivalent call, recovering
// the sender from the signature.
func CallFromTx(tx *types.Transaction) (engine.CallRequest, error) {
	var signer types.Signer = types.HomesteadSigner{}
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return engine.CallRequest{}, fmt.Errorf("failed to recover sender of %s: %w", tx.Hash().Hex(), err)
	}
	return engine.CallRequest{
		From:       from,
		To:         tx.To(),
		Value:      tx.Value(),
		Data:       common.CopyBytes(tx.Data()),
		AccessList: tx.AccessList(),
	}, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
