package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pulkyeet/forksim/internal/eth"
	"github.com/pulkyeet/forksim/internal/storage"
)

const (
	kindFunction = "function"
	kindEvent    = "event"

	signatureCacheSize = 4096
)

// SignatureResolver maps function selectors and event topics to their text
// signatures, e.g. "transfer(address,uint256)".
type SignatureResolver interface {
	Function(selector [4]byte) (string, bool)
	Event(topic common.Hash) (string, bool)
}

// SignatureDB resolves signatures offline: first from the ABIs compiled into
// the binary, then from a local SQLite database.
type SignatureDB struct {
	db *storage.CacheDB

	builtinFunctions map[[4]byte]string
	builtinEvents    map[common.Hash]abi.Event

	functions *lru.Cache[[4]byte, string]
	events    *lru.Cache[common.Hash, string]
}

// NewSignatureDB builds a resolver over db. A nil db leaves only the
// built-in signatures.
func NewSignatureDB(db *storage.CacheDB) *SignatureDB {
	functions, _ := lru.New[[4]byte, string](signatureCacheSize)
	events, _ := lru.New[common.Hash, string](signatureCacheSize)

	s := &SignatureDB{
		db:               db,
		builtinFunctions: make(map[[4]byte]string),
		builtinEvents:    make(map[common.Hash]abi.Event),
		functions:        functions,
		events:           events,
	}
	for _, def := range eth.KnownABIs {
		parsed, err := abi.JSON(strings.NewReader(def))
		if err != nil {
			log.Error("Invalid built-in ABI", "err", err)
			continue
		}
		for _, method := range parsed.Methods {
			s.builtinFunctions[[4]byte(method.ID)] = method.Sig
		}
		for _, event := range parsed.Events {
			s.builtinEvents[event.ID] = event
		}
	}
	return s
}

// OpenSignatureDB opens (creating if needed) the signature database at path.
func OpenSignatureDB(path string) (*SignatureDB, error) {
	db, err := storage.NewCacheDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature db: %w", err)
	}
	return NewSignatureDB(db), nil
}

func (s *SignatureDB) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SignatureDB) Function(selector [4]byte) (string, bool) {
	if sig, ok := s.builtinFunctions[selector]; ok {
		return sig, true
	}
	if sig, ok := s.functions.Get(selector); ok {
		return sig, true
	}
	if s.db == nil {
		return "", false
	}
	sig, ok := s.db.GetSignature(kindFunction, hexutil.Encode(selector[:]))
	if ok {
		s.functions.Add(selector, sig)
	}
	return sig, ok
}

func (s *SignatureDB) Event(topic common.Hash) (string, bool) {
	if event, ok := s.builtinEvents[topic]; ok {
		return event.Sig, true
	}
	if sig, ok := s.events.Get(topic); ok {
		return sig, true
	}
	if s.db == nil {
		return "", false
	}
	sig, ok := s.db.GetSignature(kindEvent, topic.Hex())
	if ok {
		s.events.Add(topic, sig)
	}
	return sig, ok
}

// EventABI returns the full definition, including which parameters are
// indexed, for events known from built-in ABIs.
func (s *SignatureDB) EventABI(topic common.Hash) (abi.Event, bool) {
	event, ok := s.builtinEvents[topic]
	return event, ok
}

// AddFunction stores a function signature under its computed selector.
func (s *SignatureDB) AddFunction(signature string) error {
	var selector [4]byte
	copy(selector[:], crypto.Keccak256([]byte(signature))[:4])
	s.functions.Add(selector, signature)
	return s.persist([]storage.SignatureData{{Kind: kindFunction, Selector: hexutil.Encode(selector[:]), Signature: signature}})
}

// AddEvent stores an event signature under its computed topic.
func (s *SignatureDB) AddEvent(signature string) error {
	topic := crypto.Keccak256Hash([]byte(signature))
	s.events.Add(topic, signature)
	return s.persist([]storage.SignatureData{{Kind: kindEvent, Selector: topic.Hex(), Signature: signature}})
}

func (s *SignatureDB) persist(sigs []storage.SignatureData) error {
	if s.db == nil {
		return nil
	}
	return s.db.BatchSetSignatures(sigs)
}

type signatureFile struct {
	Functions map[string]string `json:"functions"`
	Events    map[string]string `json:"events"`
}

// ImportJSON loads a signatures file of the form
// {"functions": {"0xa9059cbb": "transfer(address,uint256)"}, "events": {...}}
// and returns the number of entries stored.
func (s *SignatureDB) ImportJSON(r io.Reader) (int, error) {
	var file signatureFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return 0, fmt.Errorf("failed to decode signatures: %w", err)
	}

	sigs := make([]storage.SignatureData, 0, len(file.Functions)+len(file.Events))
	for selector, sig := range file.Functions {
		raw, err := hexutil.Decode(selector)
		if err != nil || len(raw) != 4 {
			log.Debug("Skipping invalid function selector", "selector", selector)
			continue
		}
		s.functions.Add([4]byte(raw), sig)
		sigs = append(sigs, storage.SignatureData{Kind: kindFunction, Selector: hexutil.Encode(raw), Signature: sig})
	}
	for topic, sig := range file.Events {
		raw, err := hexutil.Decode(topic)
		if err != nil || len(raw) != common.HashLength {
			log.Debug("Skipping invalid event topic", "topic", topic)
			continue
		}
		hash := common.BytesToHash(raw)
		s.events.Add(hash, sig)
		sigs = append(sigs, storage.SignatureData{Kind: kindEvent, Selector: hash.Hex(), Signature: sig})
	}

	if err := s.persist(sigs); err != nil {
		return 0, fmt.Errorf("failed to store signatures: %w", err)
	}
	return len(sigs), nil
}
