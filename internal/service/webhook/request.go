package webhook

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Request is the framework-neutral view of an inbound HTTP call. Body holds
// the raw bytes as received; signatures are computed over it.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Result is what every adapter writes back to its framework.
type Result struct {
	Status  int
	Headers map[string]string
	Body    string
}

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

func textResult(status int, body string) Result {
	return Result{
		Status:  status,
		Headers: map[string]string{"Content-Type": contentTypeText},
		Body:    body,
	}
}

func jsonResult(status int, v any) Result {
	payload, err := json.Marshal(v)
	if err != nil {
		return textResult(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
	return Result{
		Status:  status,
		Headers: map[string]string{"Content-Type": contentTypeJSON},
		Body:    string(payload),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// errorResult never echoes internal error details back to the caller.
func errorResult(err error) Result {
	return StatusResult(StatusFor(err))
}

// StatusResult is the JSON error result for status, for failures detected
// before the engine sees the request.
func StatusResult(status int) Result {
	return jsonResult(status, errorBody{Error: http.StatusText(status)})
}
