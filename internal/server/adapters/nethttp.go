package adapters

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/service/webhook"
)

// HTTP serves the webhook and flow endpoints as plain net/http handlers, so
// they mount on chi or any http.ServeMux.
type HTTP struct {
	processor    Processor
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewHTTP constructs the net/http adapter.
func NewHTTP(processor Processor, maxBodyBytes int64, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{processor: processor, maxBodyBytes: limitOrDefault(maxBodyBytes), logger: logger}
}

// HandleGet answers the subscription handshake.
func (a *HTTP) HandleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeHTTP(w, a.processor.ProcessVerification(q.Get(queryMode), q.Get(queryVerifyToken), q.Get(queryChallenge)))
}

// HandlePost receives webhook deliveries.
func (a *HTTP) HandlePost(w http.ResponseWriter, r *http.Request) {
	req, err := a.request(r)
	if err != nil {
		writeHTTP(w, a.readFailure(err))
		return
	}
	writeHTTP(w, a.processor.ProcessWebhook(r.Context(), req))
}

// HandleFlow answers encrypted flow data exchange requests.
func (a *HTTP) HandleFlow(w http.ResponseWriter, r *http.Request) {
	req, err := a.request(r)
	if err != nil {
		writeHTTP(w, a.readFailure(err))
		return
	}
	writeHTTP(w, a.processor.ProcessFlow(r.Context(), req))
}

// AutoRoute serves the webhook endpoint for any method.
func (a *HTTP) AutoRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.HandleGet(w, r)
	case http.MethodPost:
		a.HandlePost(w, r)
	default:
		writeHTTP(w, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

// AutoRouteFlow serves the flow endpoint for any method.
func (a *HTTP) AutoRouteFlow(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.HandleGet(w, r)
	case http.MethodPost:
		a.HandleFlow(w, r)
	default:
		writeHTTP(w, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

func (a *HTTP) request(r *http.Request) (webhook.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxBodyBytes+1))
	if err != nil {
		return webhook.Request{}, err
	}
	if int64(len(body)) > a.maxBodyBytes {
		return webhook.Request{}, errBodyTooLarge
	}

	u, err := ConstructFullURL(requestScheme(r), r.Host, r.URL.RequestURI(), r.Header)
	if err != nil {
		return webhook.Request{}, err
	}

	return webhook.Request{Method: r.Method, URL: u, Header: r.Header.Clone(), Body: body}, nil
}

func (a *HTTP) readFailure(err error) webhook.Result {
	if errors.Is(err, errBodyTooLarge) {
		a.logger.Warn("request body too large", zap.Int64("limit", a.maxBodyBytes))
		return webhook.StatusResult(http.StatusRequestEntityTooLarge)
	}
	a.logger.Error("failed to read request", zap.Error(err))
	return webhook.StatusResult(http.StatusBadRequest)
}

func writeHTTP(w http.ResponseWriter, res webhook.Result) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.Status)
	_, _ = io.WriteString(w, res.Body)
}
