package rest

import (
	"encoding/json"
	"net/http"

	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleRegisterFlow(w http.ResponseWriter, r *http.Request) {
	var def model.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed flow definition"})
		return
	}
	defer r.Body.Close()
	if err := s.flowService.RegisterFlow(&def); err != nil {
		logger.Error("error registering flow", zap.String("definition", def.Id), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOK(w, map[string]any{"id": def.Id})
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, err := s.flowService.GetFlowDefinition(id)
	if err != nil {
		logger.Error("error getting flow definition", zap.String("definition", id), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.flowService.DeleteFlowDefinition(id); err != nil {
		logger.Error("error deleting flow definition", zap.String("definition", id), zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOKWithoutBody(w)
}
