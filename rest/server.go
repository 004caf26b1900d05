package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowd-io/flowd/flowerr"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port        int
	flowService *service.FlowExecutionService
}

func NewServer(httpPort int, flowService *service.FlowExecutionService) (*Server, error) {

	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		flowService: flowService,
		Port:        httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flow", s.HandleRegisterFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flow/{id}", s.HandleDeleteFlow).Methods(http.MethodDelete)

	router.HandleFunc("/execution", s.HandleStartFlow).Methods(http.MethodPost)
	router.HandleFunc("/execution/active", s.HandleGetActiveFlows).Methods(http.MethodGet)
	router.HandleFunc("/execution/{id}", s.HandleGetFlowStatus).Methods(http.MethodGet)
	router.HandleFunc("/execution/{id}/result", s.HandleGetFlowResult).Methods(http.MethodGet)
	router.HandleFunc("/execution/{id}/pause", s.HandlePauseFlow).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}/resume", s.HandleResumeFlow).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}/cancel", s.HandleCancelFlow).Methods(http.MethodPost)

	router.HandleFunc("/suspension/{token}/resume", s.HandleResumeSuspension).Methods(http.MethodPost)
	router.HandleFunc("/suspension/{token}/cancel", s.HandleCancelSuspension).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
}

// respondWithFlowError maps the error taxonomy onto http status codes
// and keeps the machine readable code in the body.
func respondWithFlowError(w http.ResponseWriter, err error) {
	var ve *flowerr.ValidationError
	if errors.As(err, &ve) {
		respondWithJSON(w, http.StatusBadRequest, map[string]any{
			"error":      ve.Error(),
			"flowId":     ve.FlowId,
			"violations": ve.Violations,
		})
		return
	}
	code := http.StatusInternalServerError
	switch flowerr.KindOf(err) {
	case flowerr.KIND_VALIDATION, flowerr.KIND_CONFIGURATION:
		code = http.StatusBadRequest
	case flowerr.KIND_NOT_FOUND:
		code = http.StatusNotFound
	case flowerr.KIND_INVALID_STATE:
		code = http.StatusConflict
	case flowerr.KIND_TIMEOUT:
		code = http.StatusGone
	}
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		respondWithJSON(w, code, map[string]any{"error": fe.Message, "code": fe.Code, "kind": fe.Kind})
		return
	}
	respondWithJSON(w, code, map[string]string{"error": err.Error()})
}
