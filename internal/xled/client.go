package xled

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	authHeader     = "X-Auth-Token"
	requestTimeout = 5 * time.Second
)

// Client talks to the HTTP control API of a single device. One request
// runs per call; there is no retry loop here. Session repair is the
// caller's job via Authenticate.
type Client struct {
	ip     string
	base   string
	hc     *http.Client
	logger *zap.Logger

	mu            sync.RWMutex
	token         string
	tokenRaw      []byte
	challengeResp string
}

// NewClient returns a client for the device at ip. Port 0 means the
// default API port.
func NewClient(ip string, port int, logger *zap.Logger) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		ip:     ip,
		base:   fmt.Sprintf("http://%s/xled/v1", net.JoinHostPort(ip, strconv.Itoa(port))),
		hc:     &http.Client{Timeout: requestTimeout},
		logger: logger.Named("xled").With(zap.String("ip", ip)),
	}
}

func (c *Client) IP() string { return c.ip }

// Token returns the current auth token in its wire (base64) form.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// TokenBytes returns the decoded auth token used as the realtime frame
// header, or nil before authentication.
func (c *Client) TokenBytes() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokenRaw == nil {
		return nil
	}
	return append([]byte(nil), c.tokenRaw...)
}

// Authenticated reports whether a decoded token is held.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokenRaw) > 0
}

// status is the application-level envelope present in every response.
type status struct {
	Code int `json:"code"`
}

// get issues a GET and decodes the JSON body into out. A non-2xx HTTP
// status or a body code other than success is an error.
func (c *Client) get(ctx context.Context, path, op string, out any) error {
	return c.do(ctx, http.MethodGet, path, op, nil, out)
}

// post marshals in, issues a POST and decodes the body into out. Either
// side may be nil.
func (c *Client) post(ctx context.Context, path, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("xled %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, op, body, out)
}

func (c *Client) do(ctx context.Context, method, path, op string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set(authHeader, tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Op: op, Err: fmt.Errorf("token rejected (HTTP %d)", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	// Some firmware revisions answer state-change posts with an empty
	// body. Treat that as success rather than a parse failure.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var st status
	if err := json.Unmarshal(data, &st); err != nil {
		return &ParseError{Op: op, Err: err}
	}
	if st.Code != statusOK {
		return &ProtocolError{Op: op, Code: st.Code}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ParseError{Op: op, Err: err}
		}
	}
	return nil
}

// FirmwareVersion returns the device firmware version string.
func (c *Client) FirmwareVersion(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/fw/version", "fw/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Gestalt returns the device identity block.
func (c *Client) Gestalt(ctx context.Context) (*Gestalt, error) {
	var g Gestalt
	if err := c.get(ctx, "/gestalt", "gestalt", &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Brightness returns the current brightness driver state.
func (c *Client) Brightness(ctx context.Context) (Brightness, error) {
	var resp struct {
		Mode  string `json:"mode"`
		Value int    `json:"value"`
	}
	if err := c.get(ctx, "/led/out/brightness", "brightness", &resp); err != nil {
		return Brightness{}, err
	}
	return Brightness{Mode: resp.Mode, Value: resp.Value}, nil
}

// SetBrightness sets the brightness driver. Value is a percentage and
// type is always absolute; relative adjustment is not used here.
func (c *Client) SetBrightness(ctx context.Context, b Brightness) error {
	req := struct {
		Mode  string `json:"mode"`
		Type  string `json:"type"`
		Value int    `json:"value"`
	}{Mode: b.Mode, Type: "A", Value: b.Value}
	if err := c.post(ctx, "/led/out/brightness", "set brightness", req, nil); err != nil {
		return err
	}
	c.logger.Debug("brightness set", zap.String("mode", b.Mode), zap.Int("value", b.Value))
	return nil
}

// Mode returns the current LED operation mode.
func (c *Client) Mode(ctx context.Context) (string, error) {
	var resp struct {
		Mode string `json:"mode"`
	}
	if err := c.get(ctx, "/led/mode", "mode", &resp); err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// SetMode switches the LED operation mode.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	req := struct {
		Mode string `json:"mode"`
	}{Mode: mode}
	if err := c.post(ctx, "/led/mode", "set mode", req, nil); err != nil {
		return err
	}
	c.logger.Debug("mode set", zap.String("mode", mode))
	return nil
}
