// Package api implements the wire types and HTTP client shared by the
// diffusion sampling service, its command-line client and the remote model
// runner that hosts the denoiser and text encoder.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/version"
)

const maxBufferSize = 512 * format.MegaByte

// Client talks to either the sampling service or a model runner. Use
// [ClientFromEnvironment] for the former and [RunnerFromEnvironment] for
// the latter.
type Client struct {
	base *url.URL
	http *http.Client
}

// ClientFromEnvironment creates a new [Client] for the sampling service at
// DIFFUSION_HOST.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

// RunnerFromEnvironment creates a new [Client] for the model runner at
// DIFFUSION_RUNNER.
func RunnerFromEnvironment() (*Client, error) {
	base := envconfig.Runner()
	if base == nil {
		return nil, errors.New("no model runner configured, set DIFFUSION_RUNNER")
	}

	return &Client{base: base, http: http.DefaultClient}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

func userAgent() string {
	return fmt.Sprintf("diffusion/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version())
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}

		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent())

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) stream(ctx context.Context, method, path string, data any, fn func([]byte) error) error {
	var buf io.Reader
	if data != nil {
		bts, err := json.Marshal(data)
		if err != nil {
			return err
		}

		buf = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), buf)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")
	request.Header.Set("User-Agent", userAgent())

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	scanner := bufio.NewScanner(response.Body)
	// final responses carry whole latents
	scanBuf := make([]byte, 0, 64*format.KiloByte)
	scanner.Buffer(scanBuf, maxBufferSize)
	for scanner.Scan() {
		var errorResponse struct {
			Error string `json:"error,omitempty"`
		}

		bts := scanner.Bytes()
		if err := json.Unmarshal(bts, &errorResponse); err != nil {
			if response.StatusCode >= http.StatusBadRequest {
				return StatusError{
					StatusCode:   response.StatusCode,
					Status:       response.Status,
					ErrorMessage: string(bts),
				}
			}
			return errors.New(string(bts))
		}

		if response.StatusCode >= http.StatusBadRequest {
			return StatusError{
				StatusCode:   response.StatusCode,
				Status:       response.Status,
				ErrorMessage: errorResponse.Error,
			}
		}

		if errorResponse.Error != "" {
			return errors.New(errorResponse.Error)
		}

		if err := fn(bts); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// SampleResponseFunc is called for every progress update and for the final
// response of [Client.Sample]. Returning an error stops the stream.
type SampleResponseFunc func(SampleResponse) error

// Sample asks the service to sample req.Seeds and streams its progress to fn.
func (c *Client) Sample(ctx context.Context, req *SampleRequest, fn SampleResponseFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/sample", req, func(bts []byte) error {
		var resp SampleResponse
		if err := json.Unmarshal(bts, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

// Schedule returns the sigma schedule and denoiser timesteps the service
// would use for req.
func (c *Client) Schedule(ctx context.Context, req *ScheduleRequest) (*ScheduleResponse, error) {
	var resp ScheduleResponse
	if err := c.do(ctx, http.MethodPost, "/api/schedule", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the version of the sampling service.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}

	return version.Version, nil
}

// Heartbeat checks if the sampling service has started and is responsive.
// If yes, it returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}

// Health checks if a model runner is ready to serve requests.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Denoise sends a single denoiser call to the model runner.
func (c *Client) Denoise(ctx context.Context, req *DenoiseRequest) (*DenoiseResponse, error) {
	var resp DenoiseResponse
	if err := c.do(ctx, http.MethodPost, "/denoise", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Encode asks the model runner for the text embedding of a prompt.
func (c *Client) Encode(ctx context.Context, req *EncodeRequest) (*EncodeResponse, error) {
	var resp EncodeResponse
	if err := c.do(ctx, http.MethodPost, "/encode", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
