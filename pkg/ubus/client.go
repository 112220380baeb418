// Package ubus talks to the device's HTTP management plane: the ubus
// JSON-RPC endpoint for session login and the LuCI CGI upload endpoint
// for pushing files. It is only used by the HTTP-push transfer
// strategy; everything else goes over SSH.
package ubus

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// nullSession is the anonymous session id ubus expects on the login
// call itself.
const nullSession = "00000000000000000000000000000000"

// UploadDest is the only path the device-side upload handler is
// authorized to write. Payloads for other destinations land here first
// and are relocated over SSH afterwards.
const UploadDest = "/tmp/upload.bin"

// Client wraps the ubus RPC endpoint and the CGI upload endpoint of
// one device.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// Config carries the HTTP-plane coordinates of a device.
type Config struct {
	// BaseURL is scheme://host, e.g. "http://10.13.0.1". The standard
	// ubus and LuCI paths are appended to it.
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// NewClient builds a client. Device web UIs ship self-signed
// certificates, so TLS verification is skipped.
func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			Jar:     jar,
			Timeout: cfg.Timeout,
			// The web login replies with a redirect whose target needs
			// no follow; the cookie on the 302 is what matters.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// rpcRequest is the ubus-over-HTTP call envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int               `json:"id"`
	Result  []json.RawMessage `json:"result"`
	Error   *rpcError         `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Login obtains a fresh session token. The RPC path is tried first;
// devices with the ubus HTTP module disabled fall back to the LuCI
// form login. Tokens are short-lived server side, so callers request
// one immediately before each upload instead of caching.
func (c *Client) Login(ctx context.Context) (string, error) {
	token, rpcErr := c.rpcLogin(ctx)
	if rpcErr == nil {
		return token, nil
	}
	c.log.Debugw("rpc login failed, trying web login", "error", rpcErr)

	token, webErr := c.webLogin(ctx)
	if webErr == nil {
		return token, nil
	}
	return "", fmt.Errorf("rpc login: %v; web login: %w", rpcErr, webErr)
}

// rpcLogin calls session.login over /ubus and extracts
// result[1].ubus_rpc_session.
func (c *Client) rpcLogin(ctx context.Context) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "call",
		Params: []interface{}{
			nullSession,
			"session",
			"login",
			map[string]interface{}{
				"username": c.username,
				"password": c.password,
				"timeout":  300,
			},
		},
	}

	var resp rpcResponse
	if err := c.call(ctx, "/ubus", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("ubus error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result) < 2 {
		return "", fmt.Errorf("ubus login returned %d result elements, want 2", len(resp.Result))
	}

	var status int
	if err := json.Unmarshal(resp.Result[0], &status); err != nil {
		return "", fmt.Errorf("parsing ubus status: %w", err)
	}
	if status != 0 {
		return "", fmt.Errorf("ubus login rejected with status %d (check credentials)", status)
	}

	var payload struct {
		Session string `json:"ubus_rpc_session"`
	}
	if err := json.Unmarshal(resp.Result[1], &payload); err != nil {
		return "", fmt.Errorf("parsing ubus session: %w", err)
	}
	if payload.Session == "" {
		return "", fmt.Errorf("ubus login succeeded but returned no session id")
	}
	return payload.Session, nil
}

// webLogin posts the LuCI login form and pulls the session id out of
// the sysauth cookie.
func (c *Client) webLogin(ctx context.Context) (string, error) {
	form := url.Values{
		"luci_username": {c.username},
		"luci_password": {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/cgi-bin/luci", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("web login returned %d", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if strings.HasPrefix(ck.Name, "sysauth") && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", fmt.Errorf("web login set no sysauth cookie (bad credentials?)")
}

// Upload multipart-POSTs the payload to the CGI upload endpoint. The
// handler writes to UploadDest unconditionally; relocation is the
// caller's job.
func (c *Client) Upload(ctx context.Context, token string, payload io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("sessionid", token); err != nil {
		return err
	}
	if err := mw.WriteField("filename", UploadDest); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("filedata", "filedata")
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, payload); err != nil {
		return fmt.Errorf("staging upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/cgi-bin/cgi-upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST /cgi-bin/cgi-upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// call POSTs a JSON body and decodes the JSON response.
func (c *Client) call(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
