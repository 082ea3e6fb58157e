package adapters

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/service/webhook"
)

// Fiber serves the webhook and flow endpoints as fiber handlers.
type Fiber struct {
	processor    Processor
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewFiber constructs the fiber adapter.
func NewFiber(processor Processor, maxBodyBytes int64, logger *zap.Logger) *Fiber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fiber{processor: processor, maxBodyBytes: limitOrDefault(maxBodyBytes), logger: logger}
}

// HandleGet answers the subscription handshake.
func (a *Fiber) HandleGet(c *fiber.Ctx) error {
	return writeFiber(c, a.processor.ProcessVerification(c.Query(queryMode), c.Query(queryVerifyToken), c.Query(queryChallenge)))
}

// HandlePost receives webhook deliveries.
func (a *Fiber) HandlePost(c *fiber.Ctx) error {
	req, err := a.request(c)
	if err != nil {
		return writeFiber(c, a.readFailure(err))
	}
	return writeFiber(c, a.processor.ProcessWebhook(c.UserContext(), req))
}

// HandleFlow answers encrypted flow data exchange requests.
func (a *Fiber) HandleFlow(c *fiber.Ctx) error {
	req, err := a.request(c)
	if err != nil {
		return writeFiber(c, a.readFailure(err))
	}
	return writeFiber(c, a.processor.ProcessFlow(c.UserContext(), req))
}

// AutoRoute serves the webhook endpoint for any method.
func (a *Fiber) AutoRoute(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodGet:
		return a.HandleGet(c)
	case fiber.MethodPost:
		return a.HandlePost(c)
	default:
		return writeFiber(c, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

// AutoRouteFlow serves the flow endpoint for any method.
func (a *Fiber) AutoRouteFlow(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodGet:
		return a.HandleGet(c)
	case fiber.MethodPost:
		return a.HandleFlow(c)
	default:
		return writeFiber(c, methodNotAllowed(http.MethodGet, http.MethodPost))
	}
}

// request copies the body out of fasthttp's pooled buffer, which is reused
// once the handler returns.
func (a *Fiber) request(c *fiber.Ctx) (webhook.Request, error) {
	raw := c.Body()
	if int64(len(raw)) > a.maxBodyBytes {
		return webhook.Request{}, errBodyTooLarge
	}
	body := make([]byte, len(raw))
	copy(body, raw)

	header := make(http.Header)
	for k, values := range c.GetReqHeaders() {
		for _, v := range values {
			header.Add(k, v)
		}
	}

	u, err := ConstructFullURL(c.Protocol(), c.Hostname(), c.OriginalURL(), header)
	if err != nil {
		return webhook.Request{}, err
	}

	return webhook.Request{Method: c.Method(), URL: u, Header: header, Body: body}, nil
}

func (a *Fiber) readFailure(err error) webhook.Result {
	if errors.Is(err, errBodyTooLarge) {
		a.logger.Warn("request body too large", zap.Int64("limit", a.maxBodyBytes))
		return webhook.StatusResult(http.StatusRequestEntityTooLarge)
	}
	a.logger.Error("failed to read request", zap.Error(err))
	return webhook.StatusResult(http.StatusBadRequest)
}

func writeFiber(c *fiber.Ctx, res webhook.Result) error {
	for k, v := range res.Headers {
		c.Set(k, v)
	}
	return c.Status(res.Status).SendString(res.Body)
}
