package api

import (
	"net/http"

	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/mesh"
	"CognitiveMesh/internal/tokenization"
)

type establishRequest struct {
	SourceID      string            `json:"source_id"`
	TargetID      string            `json:"target_id"`
	Strength      *float64          `json:"strength,omitempty"`
	Bidirectional bool              `json:"bidirectional,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type usageRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleEstablishPathway(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.mesh.EstablishPathway(r.Context(), req.SourceID, req.TargetID, mesh.PathwaySpec{
		Strength:      req.Strength,
		Bidirectional: req.Bidirectional,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPathways(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenized, err := boolParam(q.Get("tokenized"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	crossChain, err := boolParam(q.Get("cross_chain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minStrength, err := floatParam(q.Get("min_strength"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pathways := s.mesh.ListPathways(graph.PathwayFilter{
		AgentID:         q.Get("agent_id"),
		Status:          graph.PathwayStatus(q.Get("status")),
		Tokenized:       tokenized,
		CrossChain:      crossChain,
		MinimumStrength: minStrength,
	})
	if pathways == nil {
		pathways = []graph.Pathway{}
	}
	writeJSON(w, http.StatusOK, pathways)
}

func (s *Server) handleGetPathway(w http.ResponseWriter, r *http.Request) {
	p, err := s.mesh.GetPathway(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePathwayStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.mesh.SetPathwayStatus(r.Context(), r.PathValue("id"), graph.PathwayStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.mesh.RecordUsage(r.Context(), r.PathValue("id"), graph.Outcome(req.Outcome))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGenerateToken 在铸造仍在确认时返回 202。
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var opts tokenization.GenerateOptions
	if r.ContentLength != 0 {
		if err := decodeBody(r, &opts); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rec, err := s.mesh.GenerateToken(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mintStatus(rec), rec)
}

func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mesh.TokenStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReconcileToken(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mesh.ReconcileToken(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListMints(w http.ResponseWriter, r *http.Request) {
	records, err := s.mesh.Mints(r.Context(), tokenization.State(r.URL.Query().Get("state")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []tokenization.MintRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func mintStatus(rec tokenization.MintRecord) int {
	if rec.State == tokenization.StateMinting {
		return http.StatusAccepted
	}
	return http.StatusOK
}
