// Package ews sends messages through an Exchange Web Services mailbox. Only
// CreateItem with SendAndSaveCopy is implemented.
package ews

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ewsdispatch/internal/identity"
	"ewsdispatch/internal/logger"
	"ewsdispatch/pkg/circuitbreaker"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/models"
)

const (
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"

	DefaultScope = "https://outlook.office365.com/.default"

	maxResponseBytes = 1 << 20
)

// Options configure a Client. TokenURL overrides the Azure AD endpoint
// derived from TenantID.
type Options struct {
	Auth       string
	TenantID   string
	ClientID   string
	TokenURL   string
	Scope      string
	Timeout    time.Duration
	Breaker    *circuitbreaker.Wrapper
	HTTPClient *http.Client
}

// ConnectParams identify the mailbox a session acts as and the credential
// used to reach it.
type ConnectParams struct {
	URL        string
	Version    Version
	Account    string
	Credential identity.Credential
}

// SendError is a failed EWS exchange. Transient errors are worth retrying.
type SendError struct {
	StatusCode   int
	ResponseCode string
	Message      string
	RetryAfter   string
	Transient    bool
}

func (e *SendError) Error() string {
	if e.ResponseCode != "" {
		return fmt.Sprintf("EWS error %s (HTTP %d): %s", e.ResponseCode, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("EWS error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Healthy reports whether err leaves the endpoint's health unaffected. A
// permanent fault means the request was wrong, not the server.
func Healthy(err error) bool {
	if err == nil {
		return true
	}
	var se *SendError
	if errors.As(err, &se) {
		return !se.Transient
	}
	return false
}

type Client struct {
	opts       Options
	httpClient *http.Client
	log        logger.Logger

	mu     sync.Mutex
	tokens map[string]*tokenCache
}

func NewClient(opts Options, log logger.Logger) *Client {
	if opts.Auth == "" {
		opts.Auth = AuthBasic
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:       opts,
		httpClient: httpClient,
		log:        log,
		tokens:     make(map[string]*tokenCache),
	}
}

// Connect prepares a session acting as params.Account. With oauth2 the token
// is acquired here so credential problems surface before anything is sent.
func (c *Client) Connect(ctx context.Context, params ConnectParams) (*Session, error) {
	u, err := url.Parse(params.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.ErrMailClient.WithDetail("message", fmt.Sprintf("invalid EWS url %q", params.URL)).AsFatal()
	}
	if params.Account == "" {
		return nil, apperrors.ErrMailClient.WithDetail("message", "mailbox account is empty").AsFatal()
	}
	if params.Version.Name == "" {
		params.Version = DefaultVersion
	}

	s := &Session{client: c, params: params}
	switch c.opts.Auth {
	case AuthBasic:
		s.auth = &basicAuth{username: params.Credential.Username, password: params.Credential.Secret}
		s.impersonate = !strings.EqualFold(params.Account, params.Credential.Username)
	case AuthOAuth2:
		tc := c.tokenCache(params.Credential.Secret)
		if _, err := tc.token(ctx); err != nil {
			return nil, wrapSendErr(err)
		}
		s.auth = tc
		s.impersonate = true
	default:
		return nil, apperrors.ErrConfiguration.WithDetail("message", fmt.Sprintf("unknown exchange auth %q", c.opts.Auth))
	}
	return s, nil
}

// tokenCache returns the cache for one client secret, shared across
// sessions so tokens are reused between events.
func (c *Client) tokenCache(secret string) *tokenCache {
	tokenURL := c.opts.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.opts.TenantID)
	}
	sum := sha256.Sum256([]byte(tokenURL + "\x00" + c.opts.ClientID + "\x00" + secret))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.tokens[key]
	if !ok {
		tc = newTokenCache(tokenURL, c.opts.ClientID, secret, c.opts.Scope, c.httpClient)
		c.tokens[key] = tc
	}
	return tc
}

// Session is bound to one mailbox and credential. Not shared across events.
type Session struct {
	client      *Client
	params      ConnectParams
	auth        authenticator
	impersonate bool
}

func (s *Session) Account() string {
	return s.params.Account
}

// Send submits msg with SendAndSaveCopy. Errors are MAIL_CLIENT_ERROR,
// fatal when Exchange rejected the request itself.
func (s *Session) Send(ctx context.Context, msg *models.OutboundMessage) error {
	mimeBody, err := BuildMIME(msg)
	if err != nil {
		return apperrors.ErrMailClient.WithMessage("failed to build mime content").WithCause(err).AsFatal()
	}
	payload, err := createItemRequest(s.params.Version, s.params.Account, s.impersonate, mimeBody)
	if err != nil {
		return apperrors.ErrMailClient.WithCause(err).AsFatal()
	}

	err = s.post(ctx, payload)
	var se *SendError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized && se.ResponseCode == "" {
		if _, ok := s.auth.(*tokenCache); ok {
			s.client.log.DebugwCtx(ctx, "Refreshing EWS token after 401", "account", s.params.Account)
			s.auth.invalidate()
			err = s.post(ctx, payload)
		}
	}
	if err != nil {
		return wrapSendErr(err)
	}

	s.client.log.DebugwCtx(ctx, "EWS CreateItem accepted",
		"account", s.params.Account,
		"impersonated", s.impersonate,
		"attachments", len(msg.Attachments),
	)
	return nil
}

func (s *Session) post(ctx context.Context, payload []byte) error {
	_, err := circuitbreaker.Do(ctx, s.client.opts.Breaker, func() (struct{}, error) {
		return struct{}{}, s.do(ctx, payload)
	})
	return err
}

func (s *Session) do(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.params.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapActionCreateItem)
	if s.impersonate {
		req.Header.Set("X-AnchorMailbox", s.params.Account)
	}
	if err := s.auth.apply(ctx, req); err != nil {
		return err
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SendError{Message: fmt.Sprintf("HTTP request failed: %v", err), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &SendError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err), Transient: true}
	}
	return parseResponse(resp.StatusCode, resp.Header, body)
}

func wrapSendErr(err error) error {
	appErr := apperrors.ErrMailClient.WithCause(err)
	var se *SendError
	if errors.As(err, &se) {
		appErr = appErr.WithDetail("status_code", se.StatusCode)
		if se.ResponseCode != "" {
			appErr = appErr.WithDetail("response_code", se.ResponseCode)
		}
		if !se.Transient {
			return appErr.AsFatal()
		}
	}
	return appErr
}
