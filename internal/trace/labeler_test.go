package trace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/forksim/internal/eth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	verified   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	unverified = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newEtherscanServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("chainid"))
		assert.Equal(t, "getsourcecode", q.Get("action"))

		if q.Get("apikey") != "good-key" {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`)
			return
		}
		switch common.HexToAddress(q.Get("address")) {
		case verified:
			fmt.Fprint(w, `{"status":"1","message":"OK","result":[{"ContractName":"UniswapV3Pool"}]}`)
		default:
			fmt.Fprint(w, `{"status":"1","message":"OK","result":[{"ContractName":""}]}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEtherscanLabeler(t *testing.T) {
	var hits atomic.Int32
	srv := newEtherscanServer(t, &hits)

	labeler, err := NewEtherscanLabeler(EtherscanConfig{APIKey: "good-key", ChainID: 1, BaseURL: srv.URL})
	require.NoError(t, err)

	name, err := labeler.Label(context.Background(), verified)
	require.NoError(t, err)
	assert.Equal(t, "UniswapV3Pool", name)

	_, err = labeler.Label(context.Background(), unverified)
	assert.ErrorIs(t, err, ErrNoLabel)

	// both answers are cached
	_, _ = labeler.Label(context.Background(), verified)
	_, _ = labeler.Label(context.Background(), unverified)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEtherscanLabelerErrorsNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := newEtherscanServer(t, &hits)

	labeler, err := NewEtherscanLabeler(EtherscanConfig{APIKey: "bad-key", ChainID: 1, BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = labeler.Label(context.Background(), verified)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoLabel))

	_, err = labeler.Label(context.Background(), verified)
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEtherscanLabelerConfig(t *testing.T) {
	_, err := NewEtherscanLabeler(EtherscanConfig{ChainID: 1})
	assert.Error(t, err)

	_, err = NewEtherscanLabeler(EtherscanConfig{APIKey: "key"})
	assert.Error(t, err)
}

type failingLabeler struct {
	calls int
}

func (f *failingLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	f.calls++
	return "", errors.New("labeler offline")
}

// blockingLabeler never answers before its context ends.
type blockingLabeler struct {
	calls atomic.Int32
}

func (b *blockingLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

type countingLabeler struct {
	inner Labeler
	calls int
}

func (c *countingLabeler) Label(ctx context.Context, addr common.Address) (string, error) {
	c.calls++
	return c.inner.Label(ctx, addr)
}

func TestMultiLabeler(t *testing.T) {
	failing := &failingLabeler{}
	labeler := MultiLabeler{failing, NewStaticLabeler(eth.MainnetChainID)}

	name, err := labeler.Label(context.Background(), eth.WETHAddress)
	require.NoError(t, err)
	assert.Equal(t, "WETH9", name)
	assert.Equal(t, 1, failing.calls)

	_, err = labeler.Label(context.Background(), unverified)
	require.Error(t, err)
	assert.EqualError(t, err, "labeler offline")

	_, err = NewStaticLabeler(eth.MainnetChainID).Label(context.Background(), unverified)
	assert.ErrorIs(t, err, ErrNoLabel)
}
