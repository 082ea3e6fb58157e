package adapters

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/service/webhook"
)

// Gin serves the webhook and flow endpoints as gin handlers.
type Gin struct {
	processor    Processor
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewGin constructs the gin adapter.
func NewGin(processor Processor, maxBodyBytes int64, logger *zap.Logger) *Gin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gin{processor: processor, maxBodyBytes: limitOrDefault(maxBodyBytes), logger: logger}
}

// HandleGet answers the subscription handshake.
func (a *Gin) HandleGet(c *gin.Context) {
	res := a.processor.ProcessVerification(c.Query(queryMode), c.Query(queryVerifyToken), c.Query(queryChallenge))
	writeGin(c, res)
}

// HandlePost receives webhook deliveries.
func (a *Gin) HandlePost(c *gin.Context) {
	req, ok := a.request(c)
	if !ok {
		return
	}
	writeGin(c, a.processor.ProcessWebhook(c.Request.Context(), req))
}

// HandleFlow answers encrypted flow data exchange requests.
func (a *Gin) HandleFlow(c *gin.Context) {
	req, ok := a.request(c)
	if !ok {
		return
	}
	writeGin(c, a.processor.ProcessFlow(c.Request.Context(), req))
}

// AutoRoute serves the webhook endpoint for any method.
func (a *Gin) AutoRoute(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet:
		a.HandleGet(c)
	case http.MethodPost:
		a.HandlePost(c)
	default:
		writeGin(c, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

// AutoRouteFlow serves the flow endpoint for any method.
func (a *Gin) AutoRouteFlow(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet:
		a.HandleGet(c)
	case http.MethodPost:
		a.HandleFlow(c)
	default:
		writeGin(c, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

// request reads the raw body; it writes the error response itself when
// reading fails.
func (a *Gin) request(c *gin.Context) (webhook.Request, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.logger.Warn("request body too large", zap.Int64("limit", a.maxBodyBytes))
			writeGin(c, webhook.StatusResult(http.StatusRequestEntityTooLarge))
			return webhook.Request{}, false
		}
		a.logger.Error("failed to read request body", zap.Error(err))
		writeGin(c, webhook.StatusResult(http.StatusBadRequest))
		return webhook.Request{}, false
	}

	u, err := ConstructFullURL(requestScheme(c.Request), c.Request.Host, c.Request.URL.RequestURI(), c.Request.Header)
	if err != nil {
		a.logger.Warn("invalid request url", zap.Error(err))
		writeGin(c, webhook.StatusResult(http.StatusBadRequest))
		return webhook.Request{}, false
	}

	return webhook.Request{Method: c.Request.Method, URL: u, Header: c.Request.Header.Clone(), Body: body}, true
}

func writeGin(c *gin.Context, res webhook.Result) {
	for k, v := range res.Headers {
		c.Header(k, v)
	}
	c.Status(res.Status)
	_, _ = c.Writer.WriteString(res.Body)
}
