package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pulkyeet/forksim/internal/engine"
)

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// bundleCall converts a request into an engine bundle step.
func (req *SimulationRequest) bundleCall() (engine.BundleCall, error) {
	call := engine.BundleCall{
		BlockNumber:    req.BlockNumber,
		BlockTimestamp: req.BlockTimestamp,
		Call: engine.CallRequest{
			From:        req.From,
			To:          req.To,
			Value:       req.Value.Big(),
			Data:        req.Data,
			AccessList:  req.AccessList,
			FormatTrace: req.FormatTrace,
		},
	}
	for addr, override := range req.StateOverrides {
		o, err := override.accountOverride(addr)
		if err != nil {
			return call, badRequest("%v", err)
		}
		call.Overrides = append(call.Overrides, o)
	}
	return call, nil
}

func (req *SimulationRequest) validate() error {
	if req.ChainID == 0 {
		return badRequest("chainId is required")
	}
	return nil
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req SimulationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.simulate(r.Context(), []SimulationRequest{req})
	s.metrics.observe("simulate", started, results, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSimulationResponse(1, results[0]))
}

func (s *Server) handleSimulateBundle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var reqs []SimulationRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.simulate(r.Context(), reqs)
	s.metrics.observe("simulate-bundle", started, results, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses(results))
}

// simulate runs reqs on a fresh Engine forked at the first request's block.
// A single request runs without committing.
func (s *Server) simulate(ctx context.Context, reqs []SimulationRequest) ([]*engine.CallResult, error) {
	calls, err := bundleCalls(reqs, 0)
	if err != nil {
		return nil, err
	}
	first := reqs[0]
	e, err := s.newEngine(ctx, EngineParams{ChainID: first.ChainID, GasLimit: first.GasLimit, BlockNumber: first.BlockNumber})
	if err != nil {
		return nil, err
	}
	defer e.Close()

	if len(calls) == 1 {
		if first.BlockTimestamp != nil {
			e.SetBlockTimestamp(*first.BlockTimestamp)
		}
		for _, override := range calls[0].Overrides {
			if err := e.OverrideAccount(ctx, override); err != nil {
				return nil, err
			}
		}
		res, err := e.CallRaw(ctx, calls[0].Call)
		if err != nil {
			return nil, err
		}
		return []*engine.CallResult{res}, nil
	}
	return e.CallBundle(ctx, calls)
}

// bundleCalls validates reqs and converts them. A non-zero chainID requires
// every request to target it, otherwise they must agree with the first.
func bundleCalls(reqs []SimulationRequest, chainID uint64) ([]engine.BundleCall, error) {
	if len(reqs) == 0 {
		return nil, badRequest("no transactions to simulate")
	}
	if chainID == 0 {
		chainID = reqs[0].ChainID
	}
	calls := make([]engine.BundleCall, 0, len(reqs))
	for i := range reqs {
		if err := reqs[i].validate(); err != nil {
			return nil, err
		}
		if reqs[i].ChainID != chainID {
			return nil, badRequest("transaction %d targets chain %d, expected %d", i, reqs[i].ChainID, chainID)
		}
		call, err := reqs[i].bundleCall()
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func responses(results []*engine.CallResult) []SimulationResponse {
	out := make([]SimulationResponse, 0, len(results))
	for i, res := range results {
		out = append(out, newSimulationResponse(uint64(i+1), res))
	}
	return out
}

func (s *Server) handleStartStateful(w http.ResponseWriter, r *http.Request) {
	var req StatefulSimulationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ChainID == 0 {
		writeError(w, badRequest("chainId is required"))
		return
	}

	e, err := s.newEngine(r.Context(), EngineParams{ChainID: req.ChainID, GasLimit: req.GasLimit, BlockNumber: req.BlockNumber})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.BlockTimestamp != nil {
		e.SetBlockTimestamp(*req.BlockTimestamp)
	}

	id := uuid.New().String()
	s.sessions.Set(id, &session{id: id, engine: e, created: time.Now()}, ttlcache.DefaultTTL)
	s.metrics.sessions.Inc()
	log.Info("Started stateful simulation", "id", id, "chain", req.ChainID, "block", e.Block())

	writeJSON(w, http.StatusOK, StatefulSimulationResponse{StatefulSimulationID: id})
}

func (s *Server) handleStatefulSimulate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var reqs []SimulationRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, err)
		return
	}

	sess, unlock, err := s.lockSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	calls, err := bundleCalls(reqs, sess.engine.ChainID())
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := sess.engine.CallBundle(r.Context(), calls)
	s.metrics.observe("simulate-stateful", started, results, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses(results))
}

func (s *Server) handleStatefulInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, unlock, err := s.lockSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	writeJSON(w, http.StatusOK, StatefulSimulationInfo{
		StatefulSimulationID: id,
		ChainID:              sess.engine.ChainID(),
		BlockNumber:          sess.engine.Block(),
		BlockTimestamp:       sess.engine.BlockTimestamp(),
	})
}

func (s *Server) handleEndStateful(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.sessions.Get(id) == nil {
		writeError(w, ErrSessionUnknown)
		return
	}
	s.sessions.Delete(id)
	writeJSON(w, http.StatusOK, StatefulSimulationEndResponse{Success: true})
}
