package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"titan/pkg/model"
	"titan/pkg/store"
)

func (s *Server) handleGetBootstrapPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.kv.GetList(r.Context(), store.DHTPeersKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.BootstrapPeers{Peers: peers})
}

func (s *Server) handleAddBootstrapPeers(w http.ResponseWriter, r *http.Request) {
	var req model.BootstrapPeers
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	var (
		list []string
		err  error
	)
	for _, p := range req.Peers {
		if p == "" {
			continue
		}
		if list, err = s.kv.AppendUnique(r.Context(), store.DHTPeersKey, p); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if list == nil {
		list = []string{}
	}
	s.log.Debug("dht bootstrap peers updated", zap.Int("peers", len(list)))
	writeJSON(w, http.StatusOK, model.BootstrapPeers{Peers: list})
}
