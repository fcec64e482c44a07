package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ewsdispatch/internal/broker"
	"ewsdispatch/internal/config"
	"ewsdispatch/internal/identity"
	"ewsdispatch/internal/logger"
)

const ewsSuccess = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:CreateItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:CreateItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
        </m:CreateItemResponseMessage>
      </m:ResponseMessages>
    </m:CreateItemResponse>
  </s:Body>
</s:Envelope>`

// exchange records the basic-auth user of every CreateItem call.
type exchange struct {
	mu    sync.Mutex
	users []string
}

func (e *exchange) handler(w http.ResponseWriter, r *http.Request) {
	user, _, _ := r.BasicAuth()
	e.mu.Lock()
	e.users = append(e.users, user)
	e.mu.Unlock()
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(ewsSuccess))
}

func (e *exchange) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.users...)
}

func testConfig(t *testing.T, exchangeURL string) *config.Config {
	t.Helper()

	blobRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(blobRoot, "inbox", "in"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "inbox", "in", "invoice.pdf"), []byte("%PDF-1.4 test"), 0o600))

	templates := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templates, "default.html"), []byte("<p>Received {{.PDFCount}} PDF</p>"), 0o600))

	t.Setenv("SEC_A", "pw-a")
	t.Setenv("SVC_SECRET", "pw-svc")

	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Broker: config.BrokerConfig{Type: "push", Push: config.PushConfig{Path: "/push"}},
		Mail: config.MailConfig{
			NeedsPDFs: true,
			Reply: config.ReplyConfig{
				Enabled:        true,
				ReplyTo:        "noreply@corp.example",
				TemplateDir:    templates,
				ServiceAccount: "svc@corp.example",
				ServiceSecret:  "svc-secret",
				Retry:          config.RetryConfig{MaxAttempts: 1},
			},
			SenderMapping: map[string]identity.SenderRecord{
				identity.StandardKey: {SenderAccount: "sender@corp.example", SenderAccountSecret: "sec-a"},
			},
		},
		Exchange: config.ExchangeConfig{
			URL:     exchangeURL,
			Version: "Exchange2013_SP1",
			Auth:    "basic",
			Timeout: 5 * time.Second,
		},
		Secrets:  config.SecretsConfig{Backend: "env"},
		Blob:     config.BlobConfig{Backend: "file", Root: blobRoot},
		Dispatch: config.DispatchConfig{Timeout: 10 * time.Second, Retry: config.RetryConfig{MaxAttempts: 1}},
	}
}

func pushEnvelope(event string) string {
	data := base64.StdEncoding.EncodeToString([]byte(event))
	return `{"message":{"data":"` + data + `","messageId":"m-1"},"subscription":"projects/p/subscriptions/email"}`
}

const validEvent = `{"gobits":[],"email":{
	"sent_on":"2024-01-02T03:04:00Z","received_on":"2024-01-02T03:04:05Z",
	"sender":"alice@example.com","recipient":"invoices@corp.example",
	"subject":"Invoice 42","body":"<p>attached</p>",
	"attachments":[{"mimetype":"application/pdf","bucket":"inbox","file_name":"invoice.pdf","full_path":"in/invoice.pdf"}]}}`

func post(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	return rec
}

func TestApp_PushDeliveryEndToEnd(t *testing.T) {
	ex := &exchange{}
	srv := httptest.NewServer(http.HandlerFunc(ex.handler))
	defer srv.Close()

	app := NewApp(testConfig(t, srv.URL+"/EWS/Exchange.asmx"), logger.NopLogger())
	require.NoError(t, app.Initialize(context.Background()))
	require.IsType(t, &broker.PushConsumer{}, app.Consumer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Consumer.Consume(ctx, app.handleMessage) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, app.Shutdown(context.Background()))
	}()

	handler := app.server.Handler
	require.Eventually(t, func() bool {
		return post(handler, "/push", pushEnvelope("{}")).Code != http.StatusServiceUnavailable
	}, time.Second, 5*time.Millisecond)

	rec := post(handler, "/push", pushEnvelope(validEvent))
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"sender@corp.example", "svc@corp.example"}, ex.calls())

	rec = post(handler, "/push", pushEnvelope(`{"email":{"sender":"alice@example.com"}}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_EVENT_SCHEMA")
	assert.Len(t, ex.calls(), 2)

	metricsRec := httptest.NewRecorder()
	handler.ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), "dispatch_events_total")
}

func TestApp_StaticConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"missing standard entry", func(cfg *config.Config) {
			cfg.Mail.SenderMapping = map[string]identity.SenderRecord{}
		}},
		{"unknown exchange version", func(cfg *config.Config) {
			cfg.Exchange.Version = "Exchange1999"
		}},
		{"missing template dir", func(cfg *config.Config) {
			cfg.Mail.Reply.TemplateDir = filepath.Join(t.TempDir(), "absent")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "https://mail.example/EWS/Exchange.asmx")
			tt.mutate(cfg)

			_, _, _, err := NewApp(cfg, logger.NopLogger()).staticConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "CONFIGURATION_ERROR")
		})
	}
}
