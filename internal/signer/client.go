package signer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultConnectTimeout is the client-side socket connect timeout,
// per spec.md §4.5/§5.
const DefaultConnectTimeout = 10 * time.Second

// Dialer abstracts the transport connect step so tests can substitute an
// in-memory pipe instead of a real unix socket, grounded on
// internal/wallet's EthClient interface-for-testability idiom.
type Dialer interface {
	DialContext(ctx context.Context, path string) (net.Conn, error)
}

// unixDialer is the production Dialer: a unix domain socket.
type unixDialer struct{}

func (unixDialer) DialContext(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "unix", path)
}

// Client is the agent-process side of the isolated signer protocol. It
// never loads or derives key material — it only forwards request/
// approval-token pairs to the signer process and relays its response.
type Client struct {
	path           string
	dialer         Dialer
	connectTimeout time.Duration
}

// NewClient returns a Client that connects to the signer's unix socket at
// path.
func NewClient(path string) *Client {
	return &Client{path: path, dialer: unixDialer{}, connectTimeout: DefaultConnectTimeout}
}

// WithDialer overrides the transport, for tests.
func (c *Client) WithDialer(d Dialer) *Client {
	c.dialer = d
	return c
}

// WithConnectTimeout overrides the default 10-second connect timeout.
func (c *Client) WithConnectTimeout(d time.Duration) *Client {
	c.connectTimeout = d
	return c
}

// ErrConnectTimeout is returned when dialing the signer socket exceeds
// the configured connect timeout.
type ErrConnectTimeout struct{ Path string }

func (e *ErrConnectTimeout) Error() string {
	return fmt.Sprintf("signer: connect to %s timed out", e.Path)
}

// call performs one request/response round trip. Each connection is
// short-lived and one-shot, per spec.md §6.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, c.path)
	if err != nil {
		if dialCtx.Err() != nil {
			return Response{}, &ErrConnectTimeout{Path: c.path}
		}
		return Response{}, fmt.Errorf("signer: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := writeMessage(conn, req); err != nil {
		return Response{}, fmt.Errorf("signer: write request: %w", err)
	}

	var resp Response
	if err := readMessage(bufio.NewReader(conn), &resp); err != nil {
		return Response{}, fmt.Errorf("signer: read response: %w", err)
	}
	return resp, nil
}

// HealthCheck pings the signer process.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.call(ctx, Request{Type: KindHealthCheck})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("signer: health check failed: %s", resp.Error)
	}
	return nil
}

// GetAddress asks the signer for the address it will sign with.
func (c *Client) GetAddress(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, Request{Type: KindGetAddress})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("signer: get_address failed: %s", resp.Error)
	}
	var data AddressData
	if err := unmarshalData(resp, &data); err != nil {
		return "", err
	}
	return data.Address, nil
}

// SignTransaction requests a signature over a prepared transaction. The
// approval token must have been minted by the shield for transactionHash.
func (c *Client) SignTransaction(ctx context.Context, transactionHash, serializedTx, approvalToken string) (string, error) {
	resp, err := c.call(ctx, Request{
		Type:            KindSignTransaction,
		TransactionHash: transactionHash,
		SerializedTx:    serializedTx,
		ApprovalToken:   approvalToken,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("signer: sign_transaction failed: %s", resp.Error)
	}
	var data SignatureData
	if err := unmarshalData(resp, &data); err != nil {
		return "", err
	}
	return data.Signature, nil
}

// SignMessage requests a signature over an arbitrary message. The
// approval token must have been minted by the shield for message.
func (c *Client) SignMessage(ctx context.Context, message, approvalToken string) (string, error) {
	resp, err := c.call(ctx, Request{
		Type:          KindSignMessage,
		Message:       message,
		ApprovalToken: approvalToken,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("signer: sign_message failed: %s", resp.Error)
	}
	var data SignatureData
	if err := unmarshalData(resp, &data); err != nil {
		return "", err
	}
	return data.Signature, nil
}

func unmarshalData(resp Response, v any) error {
	if len(resp.Data) == 0 {
		return fmt.Errorf("signer: empty response data")
	}
	return json.Unmarshal(resp.Data, v)
}
