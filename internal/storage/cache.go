package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS account_state (
	chain_id     INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	address      TEXT    NOT NULL,
	balance      TEXT    NOT NULL,
	nonce        INTEGER NOT NULL,
	code         BLOB,
	PRIMARY KEY (chain_id, block_number, address)
);

CREATE TABLE IF NOT EXISTS storage_state (
	chain_id     INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	address      TEXT    NOT NULL,
	slot         TEXT    NOT NULL,
	value        TEXT    NOT NULL,
	PRIMARY KEY (chain_id, block_number, address, slot)
);

CREATE TABLE IF NOT EXISTS signatures (
	kind      TEXT NOT NULL,
	selector  TEXT NOT NULL,
	signature TEXT NOT NULL,
	PRIMARY KEY (kind, selector)
);
`

// CacheDB persists data fetched from remote nodes so that forks at the same
// block do not pay for the same RPC round trips twice.
type CacheDB struct {
	db *sql.DB
}

func NewCacheDB(dbPath string) (*CacheDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}

	return &CacheDB{db: db}, nil
}

func (c *CacheDB) Close() error {
	return c.db.Close()
}

type AccountData struct {
	Address common.Address
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

// Account state operations
func (c *CacheDB) GetAccount(chainID, blockNumber uint64, addr common.Address) (*AccountData, bool) {
	var (
		balanceStr string
		nonce      uint64
		code       []byte
	)
	err := c.db.QueryRow(
		"SELECT balance, nonce, code FROM account_state WHERE chain_id = ? AND block_number = ? AND address = ?",
		chainID, blockNumber, addr.Hex(),
	).Scan(&balanceStr, &nonce, &code)
	if err != nil {
		return nil, false
	}

	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, false
	}
	return &AccountData{Address: addr, Balance: balance, Nonce: nonce, Code: code}, true
}

func (c *CacheDB) SetAccount(chainID, blockNumber uint64, acc *AccountData) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO account_state (chain_id, block_number, address, balance, nonce, code) VALUES (?, ?, ?, ?, ?, ?)",
		chainID, blockNumber, acc.Address.Hex(), acc.Balance.String(), acc.Nonce, acc.Code,
	)
	return err
}

// Storage operations
func (c *CacheDB) GetStorage(chainID, blockNumber uint64, addr common.Address, slot common.Hash) (common.Hash, bool) {
	var valueHex string
	err := c.db.QueryRow(
		"SELECT value FROM storage_state WHERE chain_id = ? AND block_number = ? AND address = ? AND slot = ?",
		chainID, blockNumber, addr.Hex(), slot.Hex(),
	).Scan(&valueHex)
	if err != nil {
		return common.Hash{}, false
	}

	return common.HexToHash(valueHex), true
}

func (c *CacheDB) SetStorage(chainID, blockNumber uint64, addr common.Address, slot, value common.Hash) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO storage_state (chain_id, block_number, address, slot, value) VALUES (?, ?, ?, ?, ?)",
		chainID, blockNumber, addr.Hex(), slot.Hex(), value.Hex(),
	)
	return err
}

// Signature operations. kind is "function" or "event", selector the 0x-prefixed
// 4-byte selector or 32-byte topic.
func (c *CacheDB) GetSignature(kind, selector string) (string, bool) {
	var signature string
	err := c.db.QueryRow(
		"SELECT signature FROM signatures WHERE kind = ? AND selector = ?",
		kind, selector,
	).Scan(&signature)
	if err != nil {
		return "", false
	}
	return signature, true
}

type SignatureData struct {
	Kind      string
	Selector  string
	Signature string
}

func (c *CacheDB) BatchSetSignatures(sigs []SignatureData) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO signatures (kind, selector, signature) VALUES (?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range sigs {
		if _, err := stmt.Exec(s.Kind, s.Selector, s.Signature); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// stats for monitoring cache performance

func (c *CacheDB) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64)

	var count int64
	if err := c.db.QueryRow("SELECT COUNT(*) FROM account_state").Scan(&count); err != nil {
		return nil, err
	}
	stats["account_entries"] = count

	if err := c.db.QueryRow("SELECT COUNT(*) FROM storage_state").Scan(&count); err != nil {
		return nil, err
	}
	stats["storage_entries"] = count

	if err := c.db.QueryRow("SELECT COUNT(*) FROM signatures").Scan(&count); err != nil {
		return nil, err
	}
	stats["signature_entries"] = count

	return stats, nil
}
