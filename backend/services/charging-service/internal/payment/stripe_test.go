package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"evconnect/backend/services/charging-service/internal/models"
)

const testWebhookSecret = "whsec_test"

type stripeStub struct {
	mu    sync.Mutex
	calls []string
	forms []map[string]string
	keys  []string

	handler func(w http.ResponseWriter, r *http.Request)
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	s.forms = append(s.forms, form)
	s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	s.handler(w, r)
}

func (s *stripeStub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newStubGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*StripeGateway, *stripeStub) {
	t.Helper()
	stub := &stripeStub{handler: handler}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	gw, err := NewStripeGateway(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		APIURL:        srv.URL,
		HTTPClient:    srv.Client(),
	})
	require.NoError(t, err)
	return gw, stub
}

func intentJSON(id, status string, capturable, received int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"payment_intent","status":%q,"amount":%d,"amount_capturable":%d,"amount_received":%d,"currency":"mxn"}`,
		id, status, capturable, capturable, received)
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{})
	require.Error(t, err)
}

func TestStripeHoldAuthorized(t *testing.T) {
	gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, intentJSON("pi_123", "requires_capture", 300, 0))
	})

	res, err := gw.Hold(context.Background(), HoldRequest{
		PaymentMethodRef: "pm_card",
		CustomerRef:      "cus_1",
		Amount:           models.Money(300),
		Metadata:         map[string]string{"session_id": "s-1"},
		IdempotencyKey:   "hold-s-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.ExternalRef)
	assert.Equal(t, StatusAuthorized, res.Status)

	require.Equal(t, []string{"POST /v1/payment_intents"}, stub.Calls())
	form := stub.forms[0]
	assert.Equal(t, "300", form["amount"])
	assert.Equal(t, "mxn", form["currency"])
	assert.Equal(t, "manual", form["capture_method"])
	assert.Equal(t, "true", form["confirm"])
	assert.Equal(t, "s-1", form["metadata[session_id]"])
}

func TestStripeHoldRequiresAction(t *testing.T) {
	gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, intentJSON("pi_3ds", "requires_action", 0, 0))
	})

	res, err := gw.Hold(context.Background(), HoldRequest{PaymentMethodRef: "pm_card", Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, StatusRequiresAuthentication, res.Status)
}

func TestStripeHoldCardErrors(t *testing.T) {
	cases := []struct {
		code string
		want HoldStatus
	}{
		{code: "card_declined", want: StatusDeclined},
		{code: "authentication_required", want: StatusRequiresAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusPaymentRequired)
				fmt.Fprintf(w, `{"error":{"type":"card_error","code":%q,"message":"card problem"}}`, tc.code)
			})
			res, err := gw.Hold(context.Background(), HoldRequest{PaymentMethodRef: "pm_card", Amount: 300})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestStripeCaptureSkipsAlreadyCapturedIntent(t *testing.T) {
	gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, intentJSON("pi_1", "succeeded", 0, 300))
	})

	res, err := gw.Capture(context.Background(), "pi_1", models.Money(300), "capture-s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Equal(t, models.Money(300), res.Captured)
	assert.Equal(t, []string{"GET /v1/payment_intents/pi_1"}, stub.Calls())
}

func TestStripeCaptureRejectsAmountAboveHold(t *testing.T) {
	gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, intentJSON("pi_1", "requires_capture", 300, 0))
	})

	_, err := gw.Capture(context.Background(), "pi_1", models.Money(301), "capture-s-1")
	require.ErrorIs(t, err, ErrAmountExceedsHold)
	assert.Len(t, stub.Calls(), 1)
}

func TestStripeCapture(t *testing.T) {
	gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, intentJSON("pi_1", "requires_capture", 300, 0))
			return
		}
		fmt.Fprint(w, intentJSON("pi_1", "succeeded", 0, 300))
	})

	res, err := gw.Capture(context.Background(), "pi_1", models.Money(300), "capture-s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Equal(t, models.Money(300), res.Captured)
	assert.Equal(t, []string{"GET /v1/payment_intents/pi_1", "POST /v1/payment_intents/pi_1/capture"}, stub.Calls())
	assert.Equal(t, "300", stub.forms[1]["amount_to_capture"])
}

func TestStripeInvalidRequestIsRejected(t *testing.T) {
	gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`)
	})

	_, err := gw.Cancel(context.Background(), "pi_missing", "cancel-s-1")
	require.ErrorIs(t, err, ErrRejected)
}

func signedPayload(t *testing.T, payload string, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestVerifyNotification(t *testing.T) {
	gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	cases := []struct {
		name    string
		payload string
		want    Notification
	}{
		{
			name:    "succeeded",
			payload: `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","amount_received":300}}}`,
			want:    Notification{EventID: "evt_1", EventType: "payment_intent.succeeded", Kind: NotificationCaptureSucceeded, ExternalRef: "pi_1", Amount: 300},
		},
		{
			name:    "failed",
			payload: `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","object":"payment_intent","last_payment_error":{"message":"insufficient funds"}}}}`,
			want:    Notification{EventID: "evt_2", EventType: "payment_intent.payment_failed", Kind: NotificationPaymentFailed, ExternalRef: "pi_2", Reason: "insufficient funds"},
		},
		{
			name:    "dispute",
			payload: `{"id":"evt_3","object":"event","type":"charge.dispute.created","data":{"object":{"id":"dp_1","object":"dispute","payment_intent":"pi_3","amount":300,"reason":"fraudulent"}}}`,
			want:    Notification{EventID: "evt_3", EventType: "charge.dispute.created", Kind: NotificationDisputeOpened, ExternalRef: "pi_3", Amount: 300, Reason: "fraudulent"},
		},
		{
			name:    "ignored",
			payload: `{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
			want:    Notification{EventID: "evt_4", EventType: "customer.created", Kind: NotificationIgnored},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := gw.VerifyNotification([]byte(tc.payload), signedPayload(t, tc.payload, testWebhookSecret))
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestVerifyNotificationRejectsBadSignature(t *testing.T) {
	gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`

	_, err := gw.VerifyNotification([]byte(payload), signedPayload(t, payload, "whsec_other"))
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered := strings.Replace(payload, "pi_1", "pi_2", 1)
	_, err = gw.VerifyNotification([]byte(tampered), signedPayload(t, payload, testWebhookSecret))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeRefund(t *testing.T) {
	refundJSON := `{"id":"re_1","object":"refund","status":"succeeded","amount":300,"payment_intent":"pi_1"}`

	t.Run("full", func(t *testing.T) {
		gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, refundJSON)
		})
		res, err := gw.Refund(context.Background(), "pi_1", nil, "refund-s1")
		require.NoError(t, err)
		assert.Equal(t, RefundResult{RefundRef: "re_1", Status: "succeeded"}, res)

		require.Equal(t, []string{"POST /v1/refunds"}, stub.Calls())
		assert.Equal(t, "pi_1", stub.forms[0]["payment_intent"])
		assert.NotContains(t, stub.forms[0], "amount")
		assert.Equal(t, "refund-s1", stub.keys[0])
	})

	t.Run("partial", func(t *testing.T) {
		gw, stub := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, refundJSON)
		})
		amount := models.Money(120)
		_, err := gw.Refund(context.Background(), "pi_1", &amount, "refund-s2")
		require.NoError(t, err)
		assert.Equal(t, "120", stub.forms[0]["amount"])
		assert.Equal(t, "refund-s2", stub.keys[0])
	})

	t.Run("rejected", func(t *testing.T) {
		gw, _ := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`)
		})
		_, err := gw.Refund(context.Background(), "pi_1", nil, "refund-s3")
		require.ErrorIs(t, err, ErrRejected)
	})
}
