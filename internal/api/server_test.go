package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/forksim/internal/config"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/simulator"
	"github.com/pulkyeet/forksim/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

const oneEther = "1000000000000000000"

type testEngines struct {
	mu      sync.Mutex
	engines []*engine.Engine
}

func (te *testEngines) create(ctx context.Context, p EngineParams) (*engine.Engine, error) {
	if p.ChainID == 999 {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, p.ChainID)
	}
	src := simulator.NewMemorySource(1, &types.Header{
		Number:     big.NewInt(20_000_000),
		Time:       1_720_000_000,
		GasLimit:   30_000_000,
		BaseFee:    big.NewInt(params.GWei),
		Difficulty: new(big.Int),
	})
	src.SetBalance(alice, new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether)))

	e, err := engine.New(ctx, engine.Options{Source: src, Tracing: true, ForkBlockNumber: p.BlockNumber, GasLimit: p.GasLimit})
	if err != nil {
		return nil, err
	}
	te.mu.Lock()
	te.engines = append(te.engines, e)
	te.mu.Unlock()
	return e, nil
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *testEngines) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{MaxRequestSize: 16 * 1024, SessionTTL: time.Minute}
	}
	engines := &testEngines{}
	srv := New(Options{Config: cfg, Engines: engines.create})
	t.Cleanup(srv.Close)
	return srv, engines
}

func do(t *testing.T, srv http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func transfer(from, to common.Address) map[string]any {
	return map[string]any{
		"chainId":  1,
		"from":     from,
		"to":       to,
		"gasLimit": 500000,
		"value":    oneEther,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil).Code)

	do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob))
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `forksim_simulations_total{outcome="success",route="simulate"} 1`)
}

func TestStateCacheMetrics(t *testing.T) {
	cache, err := storage.NewCacheDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	require.NoError(t, cache.SetAccount(1, 20_000_000, &storage.AccountData{Address: alice, Balance: big.NewInt(1)}))
	require.NoError(t, cache.SetStorage(1, 20_000_000, alice, common.Hash{1}, common.Hash{2}))
	require.NoError(t, cache.SetStorage(1, 20_000_000, alice, common.Hash{2}, common.Hash{3}))

	srv := New(Options{
		Config:     &config.Config{MaxRequestSize: 16 * 1024, SessionTTL: time.Minute},
		StateCache: cache,
		Engines:    (&testEngines{}).create,
	})
	t.Cleanup(srv.Close)

	body := do(t, srv, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `forksim_state_cache_entries{table="account"} 1`)
	assert.Contains(t, body, `forksim_state_cache_entries{table="storage"} 2`)
	assert.Contains(t, body, `forksim_state_cache_entries{table="signature"} 0`)

	plain, _ := newTestServer(t, nil)
	assert.NotContains(t, do(t, plain, http.MethodGet, "/metrics", nil).Body.String(), "forksim_state_cache_entries")
}

func TestSimulate(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SimulationResponse](t, rec)
	assert.Equal(t, uint64(1), resp.SimulationID)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(21000), resp.GasUsed)
	assert.Equal(t, uint64(20_000_000), resp.BlockNumber)
	assert.Equal(t, simulator.ExitStop, resp.ExitReason)
	require.Len(t, resp.Trace, 1)
	assert.Equal(t, alice, resp.Trace[0].From)
	assert.Equal(t, bob, resp.Trace[0].To)
	assert.Nil(t, resp.FormattedTrace)
}

func TestSimulateBlockAndFormattedTrace(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := transfer(alice, bob)
	req["blockNumber"] = 20_000_100
	req["blockTimestamp"] = 1_720_001_200
	req["formatTrace"] = true

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SimulationResponse](t, rec)
	assert.Equal(t, uint64(20_000_100), resp.BlockNumber)
	require.NotNil(t, resp.FormattedTrace)
	assert.Contains(t, *resp.FormattedTrace, bob.Hex())
}

func TestSimulateStateOverrides(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := transfer(carol, bob)
	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, simulator.ExitOutOfFunds, decode[SimulationResponse](t, rec).ExitReason)

	req["stateOverrides"] = map[string]any{
		carol.Hex(): map[string]any{"balance": "0x1bc16d674ec80000", "nonce": "0x5"},
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[SimulationResponse](t, rec).Success)

	slot := common.Hash{}.Hex()
	req["stateOverrides"] = map[string]any{
		carol.Hex(): map[string]any{"state": map[string]string{slot: slot}, "stateDiff": map[string]string{slot: slot}},
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Message, "both state and stateDiff")
}

func TestSimulateValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := transfer(alice, bob)
	req["value"] = "lots"
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/simulate", req).Code)

	req = transfer(alice, bob)
	req["chainId"] = 999
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/v1/simulate", req).Code)

	req["chainId"] = 10
	rec = do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Message, "serves chain 1")
}

func TestSimulateExecutionErrorIs500(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := transfer(carol, bob)
	req["stateOverrides"] = map[string]any{carol.Hex(): map[string]any{"code": "0x00"}}

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Message, "execution error")
}

func TestSimulateBundle(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate-bundle", []any{transfer(alice, bob), transfer(bob, carol)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resps := decode[[]SimulationResponse](t, rec)
	require.Len(t, resps, 2)
	assert.Equal(t, uint64(1), resps[0].SimulationID)
	assert.Equal(t, uint64(2), resps[1].SimulationID)
	assert.True(t, resps[1].Success, "bob spends what alice sent")

	other := transfer(bob, carol)
	other["chainId"] = 10
	rec = do(t, srv, http.MethodPost, "/api/v1/simulate-bundle", []any{transfer(alice, bob), other})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/simulate-bundle", []any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{APIKey: "secret", MaxRequestSize: 16 * 1024, SessionTTL: time.Minute})

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob), "X-API-KEY", "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob), "X-API-KEY", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil).Code)
}

func TestRequestSizeLimit(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{MaxRequestSize: 64, SessionTTL: time.Minute})

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate", transfer(alice, bob))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// a body without a declared length is cut off while decoding
	req := httptest.NewRequest(http.MethodPost, "/api/v1/simulate", strings.NewReader(`{"chainId":1,"data":"0x`+strings.Repeat("00", 64)+`"}`))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatefulSimulation(t *testing.T) {
	srv, engines := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate-stateful", map[string]any{"chainId": 1, "gasLimit": 500000, "blockTimestamp": 1_720_000_500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode[StatefulSimulationResponse](t, rec).StatefulSimulationID
	require.NotEmpty(t, id)
	path := "/api/v1/simulate-stateful/" + id

	rec = do(t, srv, http.MethodPost, path, []any{transfer(alice, bob)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the session keeps bob's ether between requests
	rec = do(t, srv, http.MethodPost, path, []any{transfer(bob, carol)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[[]SimulationResponse](t, rec)[0].Success)

	rec = do(t, srv, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[StatefulSimulationInfo](t, rec)
	assert.Equal(t, uint64(1), info.ChainID)
	assert.Equal(t, uint64(20_000_000), info.BlockNumber)
	assert.Equal(t, uint64(1_720_000_500), info.BlockTimestamp)

	other := transfer(alice, bob)
	other["chainId"] = 10
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, path, []any{other}).Code)

	rec = do(t, srv, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[StatefulSimulationEndResponse](t, rec).Success)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, path, []any{transfer(alice, bob)}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, path, nil).Code)
	require.Len(t, engines.engines, 1)
}

func TestStatefulSessionIsSerialised(t *testing.T) {
	srv, engines := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate-stateful", map[string]any{"chainId": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	path := "/api/v1/simulate-stateful/" + decode[StatefulSimulationResponse](t, rec).StatefulSimulationID

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(t, srv, http.MethodPost, path, []any{transfer(alice, bob)}).Code
		}(i)
	}
	wg.Wait()
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}

	nonce, err := engines.engines[0].Nonce(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), nonce)
}

func TestStatefulSessionExpires(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{MaxRequestSize: 16 * 1024, SessionTTL: 50 * time.Millisecond})

	rec := do(t, srv, http.MethodPost, "/api/v1/simulate-stateful", map[string]any{"chainId": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	path := "/api/v1/simulate-stateful/" + decode[StatefulSimulationResponse](t, rec).StatefulSimulationID

	assert.Eventually(t, func() bool {
		return do(t, srv, http.MethodGet, path, nil).Code == http.StatusNotFound
	}, 2*time.Second, 100*time.Millisecond, "lookups refresh the ttl, so poll slower than it")
}
