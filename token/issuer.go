// Package token fetches the short-lived capability token the framed backend
// requires before a socket may be opened.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

type Request struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Origin         string `json:"origin"`
}

type Grant struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	logger  shared.LoggerAdapter
	doer    func(req *fasthttp.Request, resp *fasthttp.Response) error
}

// NewClient returns an issuer posting to url. apiKey may be empty when the
// issuance endpoint authenticates by origin alone.
func NewClient(url, apiKey string, logger shared.LoggerAdapter) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if url == "" {
		return nil, &shared.ConfigurationError{Reason: "token issuer URL is empty"}
	}
	return &Client{
		url:     url,
		apiKey:  apiKey,
		timeout: DefaultTimeout,
		logger:  logger.With(zap.String("component", "token")),
		doer:    fasthttp.Do,
	}, nil
}

func (c *Client) Issue(ctx context.Context, r Request) (Grant, error) {
	body, err := sonic.Marshal(r)
	if err != nil {
		return Grant{}, fmt.Errorf("marshaling token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.SetBody(body)

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	req.SetTimeout(timeout)

	errC := make(chan error, 1)
	go func() {
		errC <- c.doer(req, resp)
	}()
	select {
	case <-ctx.Done():
		// the request goroutine still owns req and resp
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return Grant{}, ctx.Err()
	case err := <-errC:
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err != nil {
			return Grant{}, fmt.Errorf("performing token request: %w", err)
		}
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized:
		return Grant{}, shared.ErrUnauthorized
	case code == fasthttp.StatusForbidden:
		return Grant{}, shared.ErrForbidden
	case code < 200 || code > 299:
		return Grant{}, fmt.Errorf("unexpected status code: %d, body: %s", code, string(resp.Body()))
	}

	var g Grant
	if err := sonic.Unmarshal(resp.Body(), &g); err != nil {
		return Grant{}, fmt.Errorf("decoding token response: %w", err)
	}
	if g.Token == "" || g.Endpoint == "" {
		return Grant{}, errors.New("token response missing token or endpoint")
	}
	c.logger.Debug("token issued", zap.String("agentId", r.AgentID), zap.String("endpoint", g.Endpoint))
	return g, nil
}
