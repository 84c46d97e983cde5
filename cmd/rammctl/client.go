package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nxmramm/services/rammd/server"
)

const requestTimeout = 15 * time.Second

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// apiError is a non-2xx response decoded from the server error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, c.baseURL+path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var envelope server.ErrorBody
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			apiErr.Code = envelope.Error
			apiErr.Message = envelope.Message
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *client) getJSON(ctx context.Context, path string, out io.Writer) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func (c *client) postJSON(ctx context.Context, path string, body any, out io.Writer) error {
	if c.token == "" {
		return errors.New("a bearer token is required; pass -token or set " + tokenEnv)
	}
	data, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func printJSON(out io.Writer, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err := pretty.WriteTo(out)
	return err
}

// wsURL rewrites the HTTP base URL onto the websocket scheme.
func (c *client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path
	default:
		return c.baseURL + path
	}
}

func runWatch(ctx context.Context, c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	backlog := fs.Int("backlog", 0, "replay this many journaled events first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/v1/events/ws"
	if *backlog > 0 {
		path += "?backlog=" + strconv.Itoa(*backlog)
	}
	conn, _, err := websocket.Dial(ctx, c.wsURL(path), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fmt.Fprintln(stdout, string(bytes.TrimSpace(data)))
	}
}
