// Package agent talks to the remote farming-advice inference service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"farmsmart/internal/util"
)

const (
	EndpointQuery = "query"
	EndpointChat  = "chat"
)

// DefaultTimeout bounds one inference call when Config.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// ErrEmptyReply is returned when the service answered without any text.
var ErrEmptyReply = errors.New("inference service returned an empty reply")

// APIError is a non-2xx answer, or a 2xx answer carrying an "error" field.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference service: %s (status %d)", e.Message, e.Status)
}

// Config configures Client.
type Config struct {
	BaseURL string
	// Endpoint selects the text route: "query" (session-aware, default) or "chat".
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the inference service over HTTP.
type Client struct {
	baseURL    string
	endpoint   string
	httpClient *http.Client
}

// NewClient constructs an inference client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("agent base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("agent base URL: %w", err)
	}
	endpoint := strings.ToLower(strings.TrimSpace(cfg.Endpoint))
	switch endpoint {
	case "":
		endpoint = EndpointQuery
	case EndpointQuery, EndpointChat:
	default:
		return nil, fmt.Errorf("unknown agent endpoint %q", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, endpoint: endpoint, httpClient: httpClient}, nil
}

// QueryRequest is one text turn.
type QueryRequest struct {
	Text      string
	SessionID string
	UserID    string
	Language  string
	Location  string
}

// FileQueryRequest is one turn with an attached document.
type FileQueryRequest struct {
	Question  string
	SessionID string
	Language  string
	FileName  string
	MimeType  string
	Data      []byte
}

// Reply is the normalized answer of either route.
type Reply struct {
	Text      string
	SessionID string
	Agent     string
}

// replyPayload accepts every field name the service uses across routes.
type replyPayload struct {
	Response  string `json:"response"`
	Message   string `json:"message"`
	Result    string `json:"result"`
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	AgentUsed string `json:"agent_used"`
	Error     string `json:"error"`
	Detail    any    `json:"detail"`
}

// Query sends a text turn. The session token is forwarded verbatim when set.
func (c *Client) Query(ctx context.Context, req QueryRequest) (Reply, error) {
	body := map[string]string{}
	if c.endpoint == EndpointChat {
		body["message"] = req.Text
		body["user_id"] = req.UserID
	} else {
		body["query"] = req.Text
	}
	if req.SessionID != "" {
		body["session_id"] = req.SessionID
	}
	if req.Language != "" {
		body["language"] = req.Language
	}
	if req.Location != "" {
		body["location"] = req.Location
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.doReply(httpReq)
}

// QueryFile uploads a document with a question about it.
func (c *Client) QueryFile(ctx context.Context, req FileQueryRequest) (Reply, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return Reply{}, err
	}
	if _, err := part.Write(req.Data); err != nil {
		return Reply{}, err
	}
	language := req.Language
	if language == "" {
		language = "auto"
	}
	fields := [][2]string{{"question", req.Question}, {"language", language}}
	if req.SessionID != "" {
		fields = append(fields, [2]string{"session_id", req.SessionID})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return Reply{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload_and_query", &buf)
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doReply(httpReq)
}

// Agents returns the service's agent catalog verbatim.
func (c *Client) Agents(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	if !json.Valid(data) {
		return nil, errors.New("agent catalog is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// ClearSession drops the service-side memory of a session.
func (c *Client) ClearSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (c *Client) doReply(req *http.Request) (Reply, error) {
	if id := util.RequestIDFromContext(req.Context()); id != "" {
		req.Header.Set(util.RequestIDHeader, id)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	var payload replyPayload
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload)
	if resp.StatusCode >= 400 {
		msg := payload.Error
		if msg == "" {
			msg = detailMessage(payload.Detail)
		}
		if msg == "" {
			msg = resp.Status
		}
		return Reply{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return Reply{}, fmt.Errorf("decode inference reply: %w", decodeErr)
	}
	if payload.Error != "" {
		return Reply{}, &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	text := firstNonEmpty(payload.Response, payload.Answer, payload.Message, payload.Result)
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{
		Text:      text,
		SessionID: strings.TrimSpace(payload.SessionID),
		Agent:     strings.TrimSpace(payload.AgentUsed),
	}, nil
}

func detailMessage(detail any) string {
	switch d := detail.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(d)
		return string(raw)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
