package api

import (
	"encoding/json"
	"net/http"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/log"
)

// envelope is the uniform response body. code mirrors the HTTP status,
// msg carries human-readable detail, data is null on error.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	msg := "ok"
	if status >= 300 {
		msg = http.StatusText(status)
	}
	if err := json.NewEncoder(w).Encode(envelope{Code: status, Msg: msg, Data: data}); err != nil {
		log.Errorf("Failed to encode response", err)
	}
}

func respondErr(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("Request failed", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(envelope{Code: status, Msg: err.Error(), Data: nil}); encErr != nil {
		log.Errorf("Failed to encode error response", encErr)
	}
}

// decode unmarshals a JSON request body, mapping malformed input to an
// invalid-argument error.
func decode(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errdefs.InvalidArgument("malformed request body: %v", err)
	}
	return nil
}
