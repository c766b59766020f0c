package client

import (
	"context"
	"fmt"
	"net/http"
)

// TickleResponse is the keepalive endpoint wire shape. The session token it
// returns is what the WebSocket stream authenticates with.
type TickleResponse struct {
	Session    string `json:"session"`
	SSOExpires int64  `json:"ssoExpires"`
	IServer    struct {
		AuthStatus struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		} `json:"authStatus"`
	} `json:"iserver"`
}

// BrokerageSessionResponse is the ssodh/init wire shape.
type BrokerageSessionResponse struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

// Tickle pings the session keepalive endpoint and returns the current
// session state.
func (c *Client) Tickle(ctx context.Context) (*TickleResponse, error) {
	var resp TickleResponse
	if err := c.do(ctx, http.MethodPost, pathTickle, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamSession returns the session token the websocket gateway expects,
// obtained from a fresh tickle.
func (c *Client) StreamSession(ctx context.Context) (string, error) {
	resp, err := c.Tickle(ctx)
	if err != nil {
		return "", err
	}
	if resp.Session == "" {
		return "", fmt.Errorf("tickle response carried no session token")
	}
	return resp.Session, nil
}

// InitBrokerageSession opens the brokerage session required before any
// market data or order endpoints respond.
func (c *Client) InitBrokerageSession(ctx context.Context) (*BrokerageSessionResponse, error) {
	body := map[string]any{"publish": true, "compete": true}

	var resp BrokerageSessionResponse
	if err := c.do(ctx, http.MethodPost, pathSSODHInit, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the session and discards the live session token.
func (c *Client) Logout(ctx context.Context) error {
	c.InvalidateCache()
	return c.auth.Logout(ctx)
}
