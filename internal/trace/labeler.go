package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pulkyeet/forksim/internal/eth"
)

// ErrNoLabel is returned when a labeler knows nothing about an address.
var ErrNoLabel = errors.New("no label for address")

// Labeler names addresses, e.g. with the verified contract name. Lookups are
// best effort: callers treat every error as "unlabeled".
type Labeler interface {
	Label(ctx context.Context, addr common.Address) (string, error)
}

// StaticLabeler labels well-known contracts without network access.
type StaticLabeler struct {
	labels map[common.Address]string
}

func NewStaticLabeler(chainID uint64) *StaticLabeler {
	labels := make(map[common.Address]string)
	for addr, name := range eth.KnownContracts[chainID] {
		labels[addr] = name
	}
	return &StaticLabeler{labels: labels}
}

func (l *StaticLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	if name, ok := l.labels[addr]; ok {
		return name, nil
	}
	return "", ErrNoLabel
}

// MultiLabeler asks each labeler in turn and returns the first label found.
type MultiLabeler []Labeler

func (m MultiLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	err := ErrNoLabel
	for _, l := range m {
		name, lerr := l.Label(ctx, addr)
		if lerr == nil && name != "" {
			return name, nil
		}
		if lerr != nil && !errors.Is(lerr, ErrNoLabel) {
			err = lerr
		}
	}
	return "", err
}

const (
	defaultEtherscanURL     = "https://api.etherscan.io/v2/api"
	defaultEtherscanTimeout = 5 * time.Second
	labelCacheSize          = 2048
	labelCacheTTL           = time.Hour
)

type EtherscanConfig struct {
	APIKey  string
	ChainID uint64
	// BaseURL overrides the v2 API endpoint.
	BaseURL string
	Timeout time.Duration
}

// EtherscanLabeler labels verified contracts with their Etherscan contract
// name. Results, including unverified addresses, are cached.
type EtherscanLabeler struct {
	client  *retryablehttp.Client
	baseURL string
	apiKey  string
	chainID uint64
	cache   *expirable.LRU[common.Address, string]
}

func NewEtherscanLabeler(cfg EtherscanConfig) (*EtherscanLabeler, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("etherscan api key is required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("etherscan chain id is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultEtherscanURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid etherscan url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultEtherscanTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = timeout

	return &EtherscanLabeler{
		client:  client,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		chainID: cfg.ChainID,
		cache:   expirable.NewLRU[common.Address, string](labelCacheSize, nil, labelCacheTTL),
	}, nil
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanSource struct {
	ContractName string `json:"ContractName"`
}

func (l *EtherscanLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	if name, ok := l.cache.Get(addr); ok {
		if name == "" {
			return "", ErrNoLabel
		}
		return name, nil
	}

	query := url.Values{}
	query.Set("chainid", strconv.FormatUint(l.chainID, 10))
	query.Set("module", "contract")
	query.Set("action", "getsourcecode")
	query.Set("address", addr.Hex())
	query.Set("apikey", l.apiKey)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("etherscan request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("etherscan returned status %d", resp.StatusCode)
	}

	var body etherscanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode etherscan response: %w", err)
	}
	if body.Status != "1" {
		// rate limits and bad keys are transient, not an answer about addr
		return "", fmt.Errorf("etherscan error: %s: %s", body.Message, string(body.Result))
	}

	var sources []etherscanSource
	if err := json.Unmarshal(body.Result, &sources); err != nil {
		return "", fmt.Errorf("failed to decode etherscan result: %w", err)
	}
	name := ""
	if len(sources) > 0 {
		name = sources[0].ContractName
	}
	l.cache.Add(addr, name)
	log.Trace("Resolved etherscan label", "addr", addr, "name", name)

	if name == "" {
		return "", ErrNoLabel
	}
	return name, nil
}
