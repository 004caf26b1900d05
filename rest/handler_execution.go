package rest

import (
	"encoding/json"
	"net/http"

	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleStartFlow(w http.ResponseWriter, r *http.Request) {
	var runReq model.FlowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&runReq); err != nil {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed run request"})
		return
	}
	defer r.Body.Close()
	flowId, err := s.flowService.StartFlow(runReq.FlowId, runReq.Input)
	if err != nil {
		logger.Error("error running flow", zap.String("definition", runReq.FlowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOK(w, map[string]any{"flowId": flowId})
}

func (s *Server) HandleGetFlowStatus(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	state, err := s.flowService.GetFlowStatus(flowId)
	if err != nil {
		logger.Error("error getting flow status", zap.String("flowId", flowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleGetFlowResult(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	result, err := s.flowService.GetFlowResult(flowId)
	if err != nil {
		logger.Error("error getting flow result", zap.String("flowId", flowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) HandleGetActiveFlows(w http.ResponseWriter, r *http.Request) {
	states, err := s.flowService.GetActiveFlows()
	if err != nil {
		logger.Error("error listing active flows", zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, states)
}

func (s *Server) HandlePauseFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	if err := s.flowService.PauseFlow(flowId); err != nil {
		logger.Error("error pausing flow", zap.String("flowId", flowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleResumeFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	var extra map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&extra)
		r.Body.Close()
	}
	if err := s.flowService.ResumeFlow(flowId, extra); err != nil {
		logger.Error("error resuming flow", zap.String("flowId", flowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleCancelFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	if err := s.flowService.CancelFlow(flowId); err != nil {
		logger.Error("error cancelling flow", zap.String("flowId", flowId), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOKWithoutBody(w)
}
