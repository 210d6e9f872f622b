package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/infra"
)

const (
	maxRemoteAttempts = 3
	maxErrorBody      = 2000
)

// forwardedParams are the job params the GPU server accepts as form fields.
var forwardedParams = []string{"seed", "num_inference_steps", "guidance_scale", "width", "height"}

// RemoteOptions configures a RemoteClient.
type RemoteOptions struct {
	Name       string
	Address    string
	APIKey     string
	HTTPClient *http.Client
	// Timeout bounds one generate call.
	Timeout time.Duration
	// RetryBackoff is multiplied by the attempt number before each retry.
	RetryBackoff time.Duration
	Logger       *infra.Logger
}

// RemoteClient talks to one GPU server over HTTP.
type RemoteClient struct {
	name       string
	address    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	backoff    time.Duration
	logger     *infra.Logger
}

func NewRemoteClient(opts RemoteOptions) *RemoteClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &RemoteClient{
		name:       opts.Name,
		address:    strings.TrimRight(opts.Address, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		backoff:    backoff,
		logger:     logger,
	}
}

func (c *RemoteClient) Name() string { return c.name }

// Health returns nil when GET /health answers 200.
func (c *RemoteClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Generate posts the prompt and references to /generate, retrying transient
// failures with a growing pause.
func (c *RemoteClient) Generate(ctx context.Context, req Request, progress ProgressFunc) (Artifact, error) {
	if progress == nil {
		progress = noProgress
	}
	body, contentType, err := encodeGenerate(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: encode request: %v", domain.ErrBackendFailure, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRemoteAttempts; attempt++ {
		if attempt > 1 {
			progress(40, fmt.Sprintf("retrying GPU request (%d/%d)", attempt, maxRemoteAttempts))
			select {
			case <-ctx.Done():
				return Artifact{}, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt-1)):
			}
		}
		art, err := c.post(ctx, body, contentType)
		if err == nil {
			progress(80, "saving output")
			progress(100, "done")
			return art, nil
		}
		if ctx.Err() != nil {
			return Artifact{}, ctx.Err()
		}
		lastErr = err
		if !isTransient(err) {
			return Artifact{}, fmt.Errorf("%w: %v", domain.ErrBackendFailure, err)
		}
		c.logger.Warn().Err(err).Str("backend", c.name).Str("job_id", req.JobID).Int("attempt", attempt).Msg("backend: transient GPU error")
	}
	return Artifact{}, fmt.Errorf("%w: GPU request failed after retries: %v", domain.ErrBackendFailure, lastErr)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GPU server error %d: %s", e.code, e.body)
}

func (c *RemoteClient) post(ctx context.Context, body []byte, contentType string) (Artifact, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.address+"/generate", bytes.NewReader(body))
	if err != nil {
		return Artifact{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Artifact{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Artifact{}, &statusError{code: resp.StatusCode, body: readSnippet(resp.Body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Artifact{}, fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		return Artifact{}, errors.New("empty image response")
	}
	return Artifact{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *RemoteClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func encodeGenerate(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("prompt", req.Prompt); err != nil {
		return nil, "", err
	}
	for _, key := range forwardedParams {
		if v, ok := formValue(req.Params[key]); ok {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", err
			}
		}
	}
	for i, ref := range req.References {
		ct := ref.ContentType
		if ct == "" {
			ct = "image/jpeg"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="image%d.jpg"`, i+1))
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(ref.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func formValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, strings.TrimSpace(t) != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func readSnippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(raw))
}
