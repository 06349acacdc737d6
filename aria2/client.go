package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Client struct {
	RPCURL string
	Secret string
	Client *http.Client
}

func NewClient(rpcURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		RPCURL: rpcURL,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type jsonRPCResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by aria2 itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	data, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      "fetchmate",
		Params:  finalParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: invalid result: %w", method, err)
	}
	return nil
}

// AddURI queues uris as a single download and returns its gid.
func (c *Client) AddURI(ctx context.Context, uris []string, opts map[string]string) (string, error) {
	var gid string
	if err := c.Call(ctx, &gid, "aria2.addUri", uris, opts); err != nil {
		return "", err
	}
	return gid, nil
}

type File struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

func (f File) Size() int64      { return atoi(f.Length) }
func (f File) Completed() int64 { return atoi(f.CompletedLength) }
func (f File) IsSelected() bool { return f.Selected == "true" }

type Status struct {
	Gid             string   `json:"gid"`
	Status          string   `json:"status"`
	TotalLength     string   `json:"totalLength"`
	CompletedLength string   `json:"completedLength"`
	Dir             string   `json:"dir"`
	Files           []File   `json:"files"`
	FollowedBy      []string `json:"followedBy,omitempty"`
	ErrorCode       string   `json:"errorCode,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	Bittorrent      *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent,omitempty"`
}

func (s *Status) Total() int64 { return atoi(s.TotalLength) }
func (s *Status) Done() int64  { return atoi(s.CompletedLength) }

// Name is the torrent name, or the base of the first file.
func (s *Status) Name() string {
	if s.Bittorrent != nil && s.Bittorrent.Info.Name != "" {
		return s.Bittorrent.Info.Name
	}
	if len(s.Files) > 0 {
		return s.Files[0].Path
	}
	return ""
}

// TellStatus returns the status of gid. With no keys every field is returned.
func (c *Client) TellStatus(ctx context.Context, gid string, keys ...string) (*Status, error) {
	params := []any{gid}
	if len(keys) > 0 {
		params = append(params, keys)
	}
	var st Status
	if err := c.Call(ctx, &st, "aria2.tellStatus", params...); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) ChangeOption(ctx context.Context, gid string, opts map[string]string) error {
	return c.Call(ctx, nil, "aria2.changeOption", gid, opts)
}

func (c *Client) Unpause(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.unpause", gid)
}

func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.forceRemove", gid)
}

// RemoveDownloadResult removes a completed/error/removed download from the memory
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.removeDownloadResult", gid)
}

// Purge force-removes gid if it is still active and then drops its result.
// Errors for unknown gids are ignored.
func (c *Client) Purge(ctx context.Context, gid string) error {
	var rpcErr *RPCError
	if err := c.ForceRemove(ctx, gid); err != nil && !errors.As(err, &rpcErr) {
		return err
	}
	if err := c.RemoveDownloadResult(ctx, gid); err != nil && !errors.As(err, &rpcErr) {
		return err
	}
	return nil
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
