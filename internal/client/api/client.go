// Package api is the client side of the broker's HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/protocol"
)

const defaultTimeout = 10 * time.Second

// Credential is a bearer credential and its public metadata, as issued by
// the broker.
type Credential struct {
	Token string             `json:"token"`
	Info  protocol.TokenInfo `json:"token_info"`
}

// StatusError is a non-2xx answer from the broker.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker answered %d", e.Status)
	}
	return fmt.Sprintf("broker answered %d: %s", e.Status, e.Message)
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type validateData struct {
	Valid     bool               `json:"valid"`
	TokenInfo protocol.TokenInfo `json:"token_info"`
}

type publishData struct {
	Message   protocol.Message `json:"message"`
	Delivered int              `json:"delivered"`
}

// Client calls the broker over HTTP.
type Client struct {
	http *resty.Client
}

// New creates a client for the broker at serverURL. timeout <= 0 uses 10s.
func New(serverURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	c.JSONMarshal = sonic.ConfigStd.Marshal
	c.JSONUnmarshal = sonic.ConfigStd.Unmarshal
	return &Client{http: c}
}

// Validate asks the broker to confirm token. A refusal matches
// platformerrors.ErrAuthRejected; an unreachable broker matches
// platformerrors.ErrTransportFailure.
func (c *Client) Validate(ctx context.Context, token string) (protocol.TokenInfo, error) {
	var out envelope[validateData]
	if err := c.do(ctx, token, http.MethodGet, "/api/auth/validate", nil, &out); err != nil {
		return protocol.TokenInfo{}, err
	}
	if !out.Data.Valid {
		return protocol.TokenInfo{}, platformerrors.Mark(platformerrors.ErrAuthRejected, fmt.Errorf("credential not valid"))
	}
	return out.Data.TokenInfo, nil
}

// Refresh exchanges token for a new credential. The broker revokes token.
func (c *Client) Refresh(ctx context.Context, token string) (Credential, error) {
	var out envelope[Credential]
	if err := c.do(ctx, token, http.MethodPost, "/api/auth/refresh", nil, &out); err != nil {
		return Credential{}, err
	}
	if out.Data.Token == "" {
		return Credential{}, fmt.Errorf("refresh answered without a credential")
	}
	return out.Data, nil
}

// Publish sends a message to every live device of the account. It returns
// the stored message and how many connections accepted it.
func (c *Client) Publish(ctx context.Context, token string, typ protocol.MessageType, content string) (protocol.Message, int, error) {
	body := map[string]string{"type": string(typ), "content": content}
	var out envelope[publishData]
	if err := c.do(ctx, token, http.MethodPost, "/api/messages", body, &out); err != nil {
		return protocol.Message{}, 0, err
	}
	return out.Data.Message, out.Data.Delivered, nil
}

// Latest returns up to limit recent messages, newest first. limit <= 0
// uses the broker's default.
func (c *Client) Latest(ctx context.Context, token string, limit int) ([]protocol.Message, error) {
	path := "/api/messages/latest"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out envelope[protocol.History]
	if err := c.do(ctx, token, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data.Messages, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, body any, result any) error {
	var fail envelope[any]
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&fail)
	if token != "" {
		req.SetAuthToken(token)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return platformerrors.Mark(platformerrors.ErrTransportFailure, fmt.Errorf("%s %s: %w", method, path, err))
	}
	if !resp.IsError() {
		return nil
	}

	statusErr := &StatusError{Status: resp.StatusCode(), Message: fail.Message}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return platformerrors.Mark(platformerrors.ErrAuthRejected, statusErr)
	case http.StatusBadRequest:
		return platformerrors.Mark(platformerrors.ErrValidationRejected, statusErr)
	default:
		return statusErr
	}
}
