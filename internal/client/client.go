// Package client implements the instance-to-instance calls of the replication
// protocol: signed HTTP requests carrying handshakes, pings, key updates and messages.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/internal/trust"
	"github.com/replimesh/replimesh/pkg/proto"
)

// maxErrorBody bounds how much of an error response is kept as the failure reason.
const maxErrorBody = 4096

// Signer signs the key of a call from self to peer. Both *trust.KeyStore and
// *trust.KeyPair satisfy it.
type Signer interface {
	Sign(self, peer, key string) (string, error)
}

// StatusError is a non-success answer from a peer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Is maps 404 answers to registry.ErrUnknownInstance.
func (e *StatusError) Is(target error) bool {
	return target == registry.ErrUnknownInstance && e.Code == http.StatusNotFound
}

// Config contains configuration for the client.
type Config struct {
	SelfURI      string
	SelfName     string
	Keys         Signer
	EndpointRoot string        // default /replication
	Timeout      time.Duration // default 30s, does not apply to message bodies
	TLSConfig    *tls.Config
	HTTPClient   *http.Client // overrides Timeout and TLSConfig
	Logger       zerolog.Logger
}

// Client calls peer instances. It implements registry.PeerClient and
// replication.Transport.
type Client struct {
	self         string
	name         string
	keys         Signer
	endpointRoot string
	timeout      time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger
}

// New creates a client.
func New(config Config) *Client {
	if config.EndpointRoot == "" {
		config.EndpointRoot = proto.DefaultEndpointRoot
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		tlsConfig := config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsConfig,
			},
		}
	}

	return &Client{
		self:         proto.NormalizeURI(config.SelfURI),
		name:         config.SelfName,
		keys:         config.Keys,
		endpointRoot: "/" + strings.Trim(config.EndpointRoot, "/"),
		timeout:      config.Timeout,
		httpClient:   httpClient,
		logger:       config.Logger.With().Str("component", "client").Logger(),
	}
}

// Register asks peer to link with us, handing it the key that verifies our calls.
// requestKey is the key peer sent with its own request, when we hold one.
func (c *Client) Register(ctx context.Context, peer, receiveKey, requestKey string) (proto.RegisterStatus, *proto.RegisterResponse, error) {
	q := url.Values{}
	q.Set(proto.ParamURI, c.self)
	q.Set(proto.ParamName, c.name)
	q.Set(proto.ParamReceiveKey, receiveKey)
	if requestKey != "" {
		q.Set(proto.ParamRequestKey, requestKey)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPut, peer, proto.PathRegister, q, nil, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	status, err := proto.RegisterStatusFromHTTP(resp.StatusCode)
	if err != nil {
		return 0, nil, statusError(resp)
	}
	answer := &proto.RegisterResponse{}
	if status == proto.RegisterComplete {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(answer); err != nil {
			return 0, nil, fmt.Errorf("decode register response from %s: %w", peer, err)
		}
	}

	c.logger.Debug().Str("peer", peer).Str("status", status.String()).Msg("register call answered")
	return status, answer, nil
}

// Unregister tells peer we dropped the link.
func (c *Client) Unregister(ctx context.Context, peer string) error {
	return c.signedCall(ctx, http.MethodPut, peer, proto.PathUnregister, c.keys, nil)
}

// UpdateKey announces newReceiveKey to peer, signed with the key it still trusts.
func (c *Client) UpdateKey(ctx context.Context, peer string, old *trust.KeyPair, newReceiveKey string) error {
	q := url.Values{}
	q.Set(proto.ParamNewReceiveKey, newReceiveKey)
	return c.signedCall(ctx, http.MethodPost, peer, proto.PathUpdateKey, old, q)
}

// Ping checks that peer knows us. It also wakes its queue of messages for us.
func (c *Client) Ping(ctx context.Context, peer string) error {
	return c.signedCall(ctx, http.MethodPost, peer, proto.PathPing, c.keys, nil)
}

func (c *Client) signedCall(ctx context.Context, method, peer, path string, signer Signer, q url.Values) error {
	if q == nil {
		q = url.Values{}
	}
	if err := c.sign(q, signer, peer); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, method, peer, path, q, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Send transmits msg to destination. The payload is streamed, never buffered whole.
func (c *Client) Send(ctx context.Context, destination string, msg replication.SenderMessage) error {
	env := msg.Envelope()

	q := url.Values{}
	q.Set(proto.ParamID, env.ID)
	q.Set(proto.ParamType, env.Type)
	q.Set(proto.ParamDate, proto.FormatDate(env.Date))
	q.Set(proto.ParamSource, env.Source)
	if err := c.sign(q, c.keys, destination); err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	for _, key := range env.Metadata.Keys() {
		header.Set(proto.MetadataHeader(key), proto.JoinValues(env.Metadata[key]))
	}
	if len(env.Receivers) > 0 {
		header.Set(proto.HeaderReceivers, proto.JoinValues(env.Receivers))
	}

	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(msg.WriteBody(pw))
	}()
	defer func() { _ = pr.Close() }()

	resp, err := c.do(ctx, http.MethodPut, destination, proto.PathMessage, q, header, pr)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug().
		Str("destination", destination).
		Str("id", env.ID).
		Str("type", env.Type).
		Msg("message sent")
	return nil
}

func (c *Client) sign(q url.Values, signer Signer, peer string) error {
	q.Set(proto.ParamURI, c.self)
	if signer == nil {
		return nil
	}
	key := trust.NewKey()
	signed, err := signer.Sign(c.self, proto.NormalizeURI(peer), key)
	if err != nil {
		return fmt.Errorf("sign call to %s: %w", peer, err)
	}
	q.Set(proto.ParamKey, key)
	q.Set(proto.ParamSignedKey, signed)
	return nil
}

func (c *Client) endpoint(peer, path string, q url.Values) string {
	return proto.NormalizeURI(peer) + c.endpointRoot + path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, peer, path string, q url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(peer, path, q), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set(proto.HeaderProtocol, proto.ProtocolVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.TrimPrefix(path, "/"), peer, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// IsStatus reports whether err is a peer answer with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
