package suspend

import (
	"errors"
	"time"

	"github.com/flowd-io/flowd/model"
)

// InputRequest is the error a component executor returns when its step
// needs external input to continue. The engine intercepts it and hands
// the flow to the suspend manager instead of failing the step.
type InputRequest struct {
	Form model.FormDescriptor
	TTL  time.Duration
}

func (r *InputRequest) Error() string {
	return "step requires external input"
}

// RequireInput builds the sentinel error for executors.
func RequireInput(form model.FormDescriptor, ttl time.Duration) error {
	return &InputRequest{Form: form, TTL: ttl}
}

// AsInputRequest unwraps an executor error into an input request.
func AsInputRequest(err error) (*InputRequest, bool) {
	var req *InputRequest
	if errors.As(err, &req) {
		return req, true
	}
	return nil, false
}
