package api

import (
	"net/http"
	"strconv"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/mesh"
)

type statusRequest struct {
	Status string `json:"status"`
}

type trustRequest struct {
	Score *float64 `json:"score"`
}

type capabilityRequest struct {
	Capability string `json:"capability"`
}

type mirrorRequest struct {
	Chain string `json:"chain"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec mesh.AgentSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.mesh.RegisterAgent(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.mesh.ListAgents(graph.AgentFilter{
		Chain:      q.Get("chain"),
		Status:     graph.AgentStatus(q.Get("status")),
		Capability: q.Get("capability"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []mesh.AgentView{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	view, err := s.mesh.GetAgent(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.mesh.SetAgentStatus(r.Context(), r.PathValue("id"), graph.AgentStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleOverrideTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Score == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "score is required"))
		return
	}
	agent, err := s.mesh.OverrideTrust(r.Context(), r.PathValue("id"), *req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAddCapability(w http.ResponseWriter, r *http.Request) {
	var req capabilityRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.mesh.AddCapability(r.Context(), r.PathValue("id"), req.Capability)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRemoveCapability(w http.ResponseWriter, r *http.Request) {
	agent, err := s.mesh.RemoveCapability(r.Context(), r.PathValue("id"), r.PathValue("capability"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// 缺省时交给 Coordinator 使用默认深度，显式给出的深度必须为正。
	depth := 0
	if q.Has("max_depth") {
		v, err := intParam(q.Get("max_depth"), 0)
		if err == nil && v < 1 {
			err = xerrors.Newf(xerrors.CodeInvalidArgument, "max_depth must be at least 1, got %d", v)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		depth = v
	}
	minStrength, err := floatParam(q.Get("min_strength"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err == nil && limit < 0 {
		err = xerrors.Newf(xerrors.CodeInvalidArgument, "limit must not be negative, got %d", limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	seq, err := s.mesh.FindConnections(r.PathValue("id"), depth, minStrength)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := []graph.Connection{}
	for conn := range seq {
		out = append(out, conn)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	links, err := s.mesh.ChainLinks(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if links == nil {
		links = []graph.ChainLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleMirrorAgent(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mirror, err := s.mesh.MirrorAgent(r.Context(), r.PathValue("id"), req.Chain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mirror)
}

func (s *Server) handleReconcileMirrors(w http.ResponseWriter, r *http.Request) {
	mirrors, err := s.mesh.ReconcileMirrors(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if mirrors == nil {
		mirrors = []graph.Agent{}
	}
	writeJSON(w, http.StatusOK, mirrors)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid integer %q", raw)
	}
	return v, nil
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid number %q", raw)
	}
	return v, nil
}

func boolParam(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid boolean %q", raw)
	}
	return &v, nil
}
