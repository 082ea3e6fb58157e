package webhook

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/wahook/internal/domain/models"
	"github.com/mamadbah2/wahook/pkg/clients/whatsapp"
	"github.com/mamadbah2/wahook/pkg/flowcrypto"
	"github.com/mamadbah2/wahook/pkg/flowcrypto/flowcryptotest"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret"
)

// flowSealer builds signed flow requests encrypted for key.
type flowSealer struct {
	key    *rsa.PrivateKey
	secret string
}

type flowRequest struct {
	envelope  flowcryptotest.Envelope
	body      []byte
	signature string
}

func (s flowSealer) request(t *testing.T, plaintext string) (flowRequest, flowcryptotest.Sealed) {
	t.Helper()
	sealed := flowcryptotest.Seal(t, &s.key.PublicKey, plaintext)
	req := flowRequest{envelope: sealed.Envelope}
	s.resign(t, &req)
	return req, sealed
}

// resign re-encodes the envelope and signs the new body.
func (s flowSealer) resign(t *testing.T, req *flowRequest) {
	t.Helper()
	body, err := json.Marshal(req.envelope)
	require.NoError(t, err)
	req.body = body
	req.signature = flowcrypto.Sign(body, s.secret)
}

func (r flowRequest) toWebhook() Request {
	header := http.Header{}
	if r.signature != "" {
		header.Set(flowcrypto.SignatureHeader, r.signature)
	}
	return Request{Method: http.MethodPost, Header: header, Body: r.body}
}

func newTestProcessor(t *testing.T, mutate func(*Options)) (*Processor, flowSealer) {
	t.Helper()

	key, pemBytes := flowcryptotest.GenerateKey(t)
	ring, err := flowcrypto.NewKeyRing(flowcrypto.StaticKeySource(pemBytes, ""))
	require.NoError(t, err)

	opts := Options{
		VerifyToken: testVerifyToken,
		AppSecret:   testAppSecret,
		Keys:        ring,
		Client:      fakeClient{},
		Registry:    NewRegistry(),
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&opts)
	}

	p, err := NewProcessor(opts)
	require.NoError(t, err)
	return p, flowSealer{key: key, secret: testAppSecret}
}

func webhookRequest(body string) Request {
	return Request{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
}

func TestNewProcessorValidatesOptions(t *testing.T) {
	_, err := NewProcessor(Options{Registry: NewRegistry()})
	assert.Error(t, err)

	_, err = NewProcessor(Options{VerifyToken: "x"})
	assert.Error(t, err)
}

func TestProcessVerification(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	for _, challenge := range []string{"1158201444", "", "challenge with spaces"} {
		res := p.ProcessVerification("subscribe", testVerifyToken, challenge)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, challenge, res.Body)
		assert.Equal(t, contentTypeText, res.Headers["Content-Type"])
	}

	tests := []struct{ mode, token string }{
		{"subscribe", "wrong"},
		{"subscribe", ""},
		{"unsubscribe", testVerifyToken},
		{"", testVerifyToken},
	}
	for _, tt := range tests {
		res := p.ProcessVerification(tt.mode, tt.token, "c")
		assert.Equal(t, http.StatusForbidden, res.Status, "mode=%q token=%q", tt.mode, tt.token)
		assert.NotEqual(t, "c", res.Body)
	}
}

func TestProcessWebhookTextAndStatus(t *testing.T) {
	var texts, statuses, order []string
	p, _ := newTestProcessor(t, func(o *Options) {
		o.Registry.OnMessagePreProcess(func(_ context.Context, _ whatsapp.Client, m *models.Message) error {
			order = append(order, "pre")
			return nil
		})
		o.Registry.OnMessage(models.MessageText, func(_ context.Context, wa whatsapp.Client, m *models.Message) error {
			require.NotNil(t, wa)
			order = append(order, "text")
			texts = append(texts, m.Text.Body)
			return nil
		})
		o.Registry.OnMessagePostProcess(func(_ context.Context, _ whatsapp.Client, m *models.Message) error {
			order = append(order, "post")
			return nil
		})
		o.Registry.OnStatus(func(_ context.Context, _ whatsapp.Client, s *models.Status) error {
			statuses = append(statuses, string(s.Status))
			return nil
		})
	})

	body := `{"object":"whatsapp_business_account","entry":[{"id":"WABA-1","changes":[
	  {"field":"messages","value":{"metadata":{"phone_number_id":"PNID-1"},"messages":[{"from":"2246","id":"wamid.1","type":"text","text":{"body":"salut"}}]}},
	  {"field":"messages","value":{"metadata":{"phone_number_id":"PNID-1"},"statuses":[{"id":"wamid.0","status":"read","recipient_id":"2246"}]}}
	]}]}`

	res := p.ProcessWebhook(context.Background(), webhookRequest(body))

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []string{"salut"}, texts)
	assert.Equal(t, []string{"read"}, statuses)
	assert.Equal(t, []string{"pre", "text", "post"}, order)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.deliveries.WithLabelValues("200")))
}

func TestProcessWebhookDispatchesInPayloadOrder(t *testing.T) {
	var order []string
	p, _ := newTestProcessor(t, func(o *Options) {
		o.Registry.OnMessage(models.MessageText, func(_ context.Context, _ whatsapp.Client, m *models.Message) error {
			order = append(order, "message:"+m.ID)
			return nil
		})
		o.Registry.OnStatus(func(_ context.Context, _ whatsapp.Client, s *models.Status) error {
			order = append(order, "status:"+s.ID)
			return nil
		})
		o.Registry.OnEvent("account_update", func(_ context.Context, _ whatsapp.Client, ev *models.Event) error {
			order = append(order, "event:"+ev.Field)
			return nil
		})
	})

	res := p.ProcessWebhook(context.Background(), webhookRequest(mixedBody))

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []string{"event:account_update", "message:m1", "status:s1"}, order)
}

func TestProcessWebhookHandlerErrorStillAcknowledges(t *testing.T) {
	p, _ := newTestProcessor(t, func(o *Options) {
		o.Registry.OnMessage(models.MessageText, func(context.Context, whatsapp.Client, *models.Message) error {
			return errors.New("downstream unavailable")
		})
	})

	res := p.ProcessWebhook(context.Background(), webhookRequest(messagesBody(`[{"from":"1","id":"m","type":"text","text":{"body":"x"}}]`)))
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestProcessWebhookWrongObject(t *testing.T) {
	var called bool
	p, _ := newTestProcessor(t, func(o *Options) {
		o.Registry.OnMessage(models.MessageText, func(context.Context, whatsapp.Client, *models.Message) error {
			called = true
			return nil
		})
		o.Registry.OnMessagePreProcess(func(context.Context, whatsapp.Client, *models.Message) error {
			called = true
			return nil
		})
	})

	for _, object := range []string{"page", "instagram", ""} {
		body := `{"object":"` + object + `","entry":[{"id":"1","changes":[{"field":"messages","value":{"messages":[{"from":"1","id":"m","type":"text","text":{"body":"x"}}]}}]}]}`
		res := p.ProcessWebhook(context.Background(), webhookRequest(body))
		assert.Equal(t, http.StatusNotFound, res.Status)
	}
	assert.False(t, called)
}

func TestProcessWebhookMalformedJSON(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	res := p.ProcessWebhook(context.Background(), webhookRequest(`{"object":`))
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestProcessWebhookSignatureEnforcement(t *testing.T) {
	p, _ := newTestProcessor(t, func(o *Options) { o.VerifyWebhookSignature = true })
	body := messagesBody(`[]`)

	res := p.ProcessWebhook(context.Background(), webhookRequest(body))
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	req := webhookRequest(body)
	req.Header.Set(flowcrypto.SignatureHeader, flowcrypto.Sign(req.Body, testAppSecret))
	res = p.ProcessWebhook(context.Background(), req)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestProcessWebhookAsyncDispatch(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	p, _ := newTestProcessor(t, func(o *Options) {
		o.Mode = DispatchAsync
		o.MaxConcurrency = 4
		o.Registry.OnMessage(models.MessageText, func(ctx context.Context, _ whatsapp.Client, _ *models.Message) error {
			<-release
			handled.Add(1)
			return ctx.Err()
		})
	})
	assert.Equal(t, DispatchAsync, p.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	res := p.ProcessWebhook(ctx, webhookRequest(messagesBody(`[{"from":"1","id":"m","type":"text","text":{"body":"x"}}]`)))
	cancel()

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int32(0), handled.Load(), "response precedes handler completion")

	close(release)
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, p.Shutdown(shutdownCtx))
	assert.Equal(t, int32(1), handled.Load())
}

func TestProcessFlowPing(t *testing.T) {
	var invoked bool
	p, sealer := newTestProcessor(t, func(o *Options) {
		o.Registry.OnFlow(models.FlowTypeAll, func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
			invoked = true
			return nil, nil
		})
	})

	req, _ := sealer.request(t, `{"version":"3.0","action":"ping"}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())

	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"version":"3.0","data":{"status":"active"}}`, res.Body)
	assert.Equal(t, contentTypeJSON, res.Headers["Content-Type"])
	assert.False(t, invoked)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.flows.WithLabelValues("ping", "200")))
}

func TestProcessFlowPingDefaultsVersion(t *testing.T) {
	p, sealer := newTestProcessor(t, nil)
	req, _ := sealer.request(t, `{"action":"ping"}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())
	assert.JSONEq(t, `{"version":"3.0","data":{"status":"active"}}`, res.Body)
}

func TestProcessFlowErrorNotification(t *testing.T) {
	var invoked bool
	p, sealer := newTestProcessor(t, func(o *Options) {
		o.Registry.OnFlow(models.FlowTypeAll, func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
			invoked = true
			return nil, nil
		})
	})

	req, _ := sealer.request(t, `{"version":"3.0","action":"data_exchange","flow_token":"t","data":{"error":"INVALID_SCREEN","error_message":"bad screen"}}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())

	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{}`, res.Body)
	assert.False(t, invoked)
}

func TestProcessFlowDataExchange(t *testing.T) {
	var got *models.FlowRequest
	p, sealer := newTestProcessor(t, func(o *Options) {
		o.Registry.OnFlow(models.FlowTypeAll, func(_ context.Context, wa whatsapp.Client, req *models.FlowRequest) (any, error) {
			got = req
			return models.FlowScreenResponse{Screen: "CONFIRM", Data: map[string]any{"name": "Awa"}}, nil
		})
	})

	req, sealed := sealer.request(t, `{"version":"3.0","action":"data_exchange","screen":"FORM","flow_token":"tok-1","data":{"name":"Awa"}}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())

	require.Equal(t, http.StatusOK, res.Status)
	require.NotNil(t, got)
	assert.Equal(t, "FORM", got.Screen)
	assert.Equal(t, "tok-1", got.FlowToken)
	assert.JSONEq(t, `{"name":"Awa"}`, string(got.Data))

	_, err := base64.StdEncoding.DecodeString(res.Body)
	require.NoError(t, err, "data exchange response is a base64 string")
	assert.JSONEq(t, `{"screen":"CONFIRM","data":{"name":"Awa"}}`, sealed.Open(t, res.Body))
}

func TestProcessFlowExactHandlerWinsOverAll(t *testing.T) {
	p, sealer := newTestProcessor(t, func(o *Options) {
		o.Registry.OnFlow(models.FlowTypeAll, func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
			return map[string]string{"from": "all"}, nil
		})
		o.Registry.OnFlow(models.FlowTypeDataExchange, func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
			return map[string]string{"from": "data_exchange"}, nil
		})
	})

	req, sealed := sealer.request(t, `{"version":"3.0","action":"INIT","flow_token":"t"}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())
	require.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"from":"data_exchange"}`, sealed.Open(t, res.Body))
}

func TestProcessFlowFailures(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
		mutate    func(t *testing.T, req *flowRequest, s flowSealer)
		// handler backs the recording handler; nil answers with an empty map.
		handler      FlowHandler
		unregistered bool
		invoked      bool
		want         int
	}{
		{
			name:      "bad signature",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, _ flowSealer) {
				req.signature = flowcrypto.Sign(req.body, "other-secret")
			},
			want: http.StatusUnauthorized,
		},
		{
			name:      "missing signature",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, _ flowSealer) {
				req.signature = ""
			},
			want: http.StatusUnauthorized,
		},
		{
			name:      "missing envelope field",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, s flowSealer) {
				req.envelope.InitialVector = ""
				s.resign(t, req)
			},
			want: http.StatusBadRequest,
		},
		{
			name:      "not json",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, s flowSealer) {
				req.body = []byte("encrypted_aes_key=1")
				req.signature = flowcrypto.Sign(req.body, s.secret)
			},
			want: http.StatusBadRequest,
		},
		{
			name:      "corrupted tag",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, s flowSealer) {
				raw, err := base64.StdEncoding.DecodeString(req.envelope.EncryptedFlowData)
				require.NoError(t, err)
				raw[len(raw)-1] ^= 0x01
				req.envelope.EncryptedFlowData = base64.StdEncoding.EncodeToString(raw)
				s.resign(t, req)
			},
			want: http.StatusInternalServerError,
		},
		{
			name:      "aes key wrapped for another key",
			plaintext: `{"action":"ping"}`,
			mutate: func(t *testing.T, req *flowRequest, s flowSealer) {
				other, _ := flowcryptotest.GenerateKey(t)
				resealed := flowcryptotest.Seal(t, &other.PublicKey, `{"action":"ping"}`)
				req.envelope = resealed.Envelope
				s.resign(t, req)
			},
			want: http.StatusMisdirectedRequest,
		},
		{
			name:      "decrypted body is not json",
			plaintext: `ping`,
			want:      http.StatusBadRequest,
		},
		{
			name:      "unknown action",
			plaintext: `{"version":"3.0","action":"teleport"}`,
			want:      http.StatusBadRequest,
		},
		{
			name:         "no handler",
			plaintext:    `{"version":"3.0","action":"data_exchange"}`,
			unregistered: true,
			want:         http.StatusNotFound,
		},
		{
			name:      "handler error",
			plaintext: `{"version":"3.0","action":"BACK"}`,
			handler: func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
				return nil, errors.New("inventory lookup failed")
			},
			invoked: true,
			want:    http.StatusInternalServerError,
		},
		{
			name:      "handler panic",
			plaintext: `{"version":"3.0","action":"navigate"}`,
			handler: func(context.Context, whatsapp.Client, *models.FlowRequest) (any, error) {
				panic("nil map")
			},
			invoked: true,
			want:    http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invoked atomic.Bool
			p, sealer := newTestProcessor(t, func(o *Options) {
				if tt.unregistered {
					return
				}
				o.Registry.OnFlow(models.FlowTypeAll, func(ctx context.Context, wa whatsapp.Client, req *models.FlowRequest) (any, error) {
					invoked.Store(true)
					if tt.handler == nil {
						return map[string]any{}, nil
					}
					return tt.handler(ctx, wa, req)
				})
			})

			req, _ := sealer.request(t, tt.plaintext)
			if tt.mutate != nil {
				tt.mutate(t, &req, sealer)
			}

			res := p.ProcessFlow(context.Background(), req.toWebhook())
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.invoked, invoked.Load())

			var body errorBody
			require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
			assert.Equal(t, http.StatusText(tt.want), body.Error)
		})
	}
}

func TestProcessFlowWithoutKeys(t *testing.T) {
	p, sealer := newTestProcessor(t, func(o *Options) { o.Keys = nil })
	req, _ := sealer.request(t, `{"action":"ping"}`)
	res := p.ProcessFlow(context.Background(), req.toWebhook())
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
	assert.Equal(t, http.StatusMisdirectedRequest, StatusFor(newError(KindCrypto, "op", flowcrypto.ErrKeyMismatch)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(newError(KindCrypto, "op", flowcrypto.ErrTagMismatch)))
	assert.Equal(t, http.StatusUnauthorized, StatusFor(newError(KindVerification, "op", errSignature)))
	assert.Equal(t, KindParse, KindOf(newError(KindParse, "op", nil)))
	assert.Equal(t, "op: parse", newError(KindParse, "op", nil).Error())
}
