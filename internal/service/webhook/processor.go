package webhook

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mamadbah2/wahook/internal/domain/models"
	"github.com/mamadbah2/wahook/pkg/clients/whatsapp"
	"github.com/mamadbah2/wahook/pkg/flowcrypto"
)

// DispatchMode selects whether handlers run before or after the HTTP
// response is produced.
type DispatchMode int

const (
	// DispatchSequential awaits every handler before acknowledging.
	DispatchSequential DispatchMode = iota
	// DispatchAsync acknowledges immediately and runs handlers in the
	// background, bounded by Options.MaxConcurrency.
	DispatchAsync
)

// KeyProvider exposes the private key used to unwrap flow AES keys.
type KeyProvider interface {
	Current() *rsa.PrivateKey
}

// Options configures a Processor.
type Options struct {
	VerifyToken string
	// AppSecret verifies X-Hub-Signature-256 on flow requests, and on
	// webhook deliveries when VerifyWebhookSignature is set.
	AppSecret              string
	VerifyWebhookSignature bool

	Keys     KeyProvider
	Client   whatsapp.Client
	Registry *Registry

	Mode           DispatchMode
	MaxConcurrency int

	Metrics *Metrics
	Logger  *zap.Logger
}

// Processor is the framework-agnostic webhook and flow protocol engine. It
// keeps no state between requests; the registry and key provider are
// shared read-mostly collaborators.
type Processor struct {
	verifyToken   string
	appSecret     string
	verifyWebhook bool
	keys          KeyProvider
	client        whatsapp.Client
	registry      *Registry
	dispatcher    *Dispatcher
	mode          DispatchMode
	background    *errgroup.Group
	validate      *validator.Validate
	metrics       *Metrics
	logger        *zap.Logger
}

// NewProcessor validates opts and wires a Processor.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.VerifyToken == "" {
		return nil, errors.New("webhook: verify token is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("webhook: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Processor{
		verifyToken:   opts.VerifyToken,
		appSecret:     opts.AppSecret,
		verifyWebhook: opts.VerifyWebhookSignature,
		keys:          opts.Keys,
		client:        opts.Client,
		registry:      opts.Registry,
		mode:          opts.Mode,
		validate:      validator.New(),
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	p.dispatcher = NewDispatcher(opts.Registry, opts.Client, opts.Metrics, opts.Logger.Named("dispatcher"))

	if opts.Mode == DispatchAsync {
		limit := opts.MaxConcurrency
		if limit <= 0 {
			limit = 1
		}
		p.background = new(errgroup.Group)
		p.background.SetLimit(limit)
	}

	return p, nil
}

// Registry returns the registry handlers are looked up in.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// Mode reports the configured dispatch mode.
func (p *Processor) Mode() DispatchMode {
	return p.mode
}

// ProcessVerification answers the GET subscription handshake.
func (p *Processor) ProcessVerification(mode, token, challenge string) Result {
	if mode == "subscribe" && token == p.verifyToken {
		p.logger.Info("webhook verified")
		return textResult(http.StatusOK, challenge)
	}
	p.logger.Warn("webhook verification failed", zap.String("mode", mode))
	return textResult(http.StatusForbidden, http.StatusText(http.StatusForbidden))
}

// ProcessWebhook parses and dispatches a webhook delivery. Handler failures
// never change the status: the platform must always get its acknowledgement.
func (p *Processor) ProcessWebhook(ctx context.Context, req Request) Result {
	log := p.logger.With(zap.String("delivery_id", uuid.NewString()))

	res := p.processWebhook(ctx, req, log)
	p.metrics.observeDelivery(res.Status)
	return res
}

func (p *Processor) processWebhook(ctx context.Context, req Request, log *zap.Logger) Result {
	if p.verifyWebhook && !flowcrypto.VerifySignature(req.Body, req.Header.Get(flowcrypto.SignatureHeader), p.appSecret) {
		log.Warn("webhook signature rejected")
		return errorResult(newError(KindVerification, "verify webhook signature", errSignature))
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		log.Error("invalid webhook payload", zap.Error(err))
		return textResult(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}

	if payload.Object != models.ObjectWhatsAppBusinessAccount {
		log.Warn("ignoring webhook object", zap.String("object", payload.Object))
		return errorResult(newError(KindNotFound, "process webhook", errUnknownObject))
	}

	batch, err := Normalize(payload)
	if err != nil {
		log.Warn("some changes could not be normalized", zap.Error(err))
	}

	log.Debug("webhook normalized",
		zap.Int("notifications", len(batch)),
		zap.Int("messages", len(batch.Messages())))

	if len(batch) > 0 {
		p.dispatch(ctx, batch, log)
	}

	return textResult(http.StatusOK, "")
}

func (p *Processor) dispatch(ctx context.Context, batch Batch, log *zap.Logger) {
	run := func(ctx context.Context) {
		if err := p.dispatcher.Dispatch(ctx, batch); err != nil {
			log.Warn("webhook handled with handler failures", zap.Int("failures", len(multierr.Errors(err))))
		}
	}

	if p.background == nil {
		run(ctx)
		return
	}

	detached := context.WithoutCancel(ctx)
	started := p.background.TryGo(func() error {
		run(detached)
		return nil
	})
	if !started {
		log.Warn("async dispatch saturated, running inline")
		run(ctx)
	}
}

// Shutdown waits for background dispatches started in async mode.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.background == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = p.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background dispatch: %w", ctx.Err())
	}
}

// ProcessFlow decrypts, routes and answers a flow data exchange request.
func (p *Processor) ProcessFlow(ctx context.Context, req Request) Result {
	log := p.logger.With(zap.String("delivery_id", uuid.NewString()))

	flowType, res, err := p.processFlow(ctx, req, log)
	if err != nil {
		fields := []zap.Field{zap.String("kind", KindOf(err).String()), zap.Error(err)}
		if errors.Is(err, flowcrypto.ErrKeyMismatch) {
			log.Error("flow aes key could not be decrypted, public key may need to be re-uploaded", fields...)
		} else {
			log.Error("flow request failed", fields...)
		}
		res = errorResult(err)
	}

	p.metrics.observeFlow(string(flowType), res.Status)
	return res
}

func (p *Processor) processFlow(ctx context.Context, req Request, log *zap.Logger) (models.FlowType, Result, error) {
	if !flowcrypto.VerifySignature(req.Body, req.Header.Get(flowcrypto.SignatureHeader), p.appSecret) {
		return "", Result{}, newError(KindVerification, "verify flow signature", errSignature)
	}

	var envelope models.EncryptedFlowEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return "", Result{}, newError(KindParse, "decode flow envelope", err)
	}
	if err := p.validate.Struct(envelope); err != nil {
		return "", Result{}, newError(KindParse, "validate flow envelope", err)
	}

	key := p.currentKey()
	if key == nil {
		return "", Result{}, newError(KindCrypto, "load private key", errFlowUnavailable)
	}

	aesKey, err := flowcrypto.DecryptAESKeyWith(envelope.EncryptedAESKey, key)
	if err != nil {
		return "", Result{}, newError(KindCrypto, "decrypt aes key", err)
	}

	plaintext, err := flowcrypto.DecryptFlowData(envelope.EncryptedFlowData, aesKey, envelope.InitialVector)
	if err != nil {
		return "", Result{}, newError(KindCrypto, "decrypt flow data", err)
	}

	var flowReq models.FlowRequest
	if err := json.Unmarshal([]byte(plaintext), &flowReq); err != nil {
		return "", Result{}, newError(KindParse, "decode flow request", err)
	}

	flowType := classifyFlow(&flowReq)
	log = log.With(zap.String("flow_type", string(flowType)), zap.String("action", string(flowReq.Action)))

	switch flowType {
	case models.FlowTypePing:
		version := flowReq.Version
		if version == "" {
			version = models.DefaultFlowVersion
		}
		log.Debug("flow health check")
		return flowType, jsonResult(http.StatusOK, models.FlowPingResponse{
			Version: version,
			Data:    models.FlowPingStatus{Status: "active"},
		}), nil

	case models.FlowTypeError:
		notification, _ := flowReq.ErrorNotification()
		log.Warn("flow client reported an error", zap.String("error", notification.Error))
		return flowType, jsonResult(http.StatusOK, struct{}{}), nil

	case models.FlowTypeDataExchange:
		handler, ok := p.registry.flowHandler(flowType)
		if !ok {
			return flowType, Result{}, newError(KindNotFound, "lookup flow handler", errNoFlowHandler)
		}

		response, err := p.invokeFlow(ctx, handler, &flowReq)
		if err != nil {
			return flowType, Result{}, err
		}

		body, err := flowcrypto.EncryptFlowResponse(response, aesKey, envelope.InitialVector)
		if err != nil {
			return flowType, Result{}, newError(KindCrypto, "encrypt flow response", err)
		}
		log.Debug("flow data exchange answered")
		return flowType, textResult(http.StatusOK, body), nil

	default:
		return "", Result{}, newError(KindParse, "classify flow request", fmt.Errorf("%w: %q", errUnknownAction, flowReq.Action))
	}
}

func (p *Processor) invokeFlow(ctx context.Context, handler FlowHandler, req *models.FlowRequest) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			p.metrics.observeHandlerFailure(stepFlow)
			err = newError(KindHandler, stepFlow, err)
		}
	}()
	return handler(ctx, p.client, req)
}

func (p *Processor) currentKey() *rsa.PrivateKey {
	if p.keys == nil {
		return nil
	}
	return p.keys.Current()
}

// classifyFlow maps a decrypted request onto the handler key it is routed
// by. An empty FlowType means the request shape is not understood.
func classifyFlow(req *models.FlowRequest) models.FlowType {
	if req.Action == models.FlowActionPing {
		return models.FlowTypePing
	}
	if _, ok := req.ErrorNotification(); ok {
		return models.FlowTypeError
	}
	switch req.Action {
	case models.FlowActionInit, models.FlowActionBack, models.FlowActionDataExchange, models.FlowActionNavigate:
		return models.FlowTypeDataExchange
	}
	return ""
}
