package rest

import (
	"encoding/json"
	"net/http"

	"github.com/flowd-io/flowd/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleResumeSuspension consumes a single use resume token. A second
// call with the same token answers 409, an expired token 410.
func (s *Server) HandleResumeSuspension(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	var formData map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&formData)
		r.Body.Close()
	}
	conversation, err := s.flowService.ResumeSuspension(token, formData)
	if err != nil {
		logger.Error("error resuming suspension", zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOK(w, map[string]any{
		"conversationId": conversation.ConversationId,
		"flowId":         conversation.WorkflowId,
		"status":         conversation.Status,
	})
}

func (s *Server) HandleCancelSuspension(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	conversation, err := s.flowService.CancelSuspension(token)
	if err != nil {
		logger.Error("error cancelling suspension", zap.Error(err))
		respondWithFlowError(w, err)
		return
	}
	respondOK(w, map[string]any{
		"conversationId": conversation.ConversationId,
		"flowId":         conversation.WorkflowId,
		"status":         conversation.Status,
	})
}
