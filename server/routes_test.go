package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/noise"
	"github.com/ollama/diffusion/sample"
	"github.com/ollama/diffusion/tensor"
	"github.com/ollama/diffusion/version"
)

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, prompt string) (*tensor.Tensor, error) {
	if prompt == "fail" {
		return nil, errors.New("encoder unavailable")
	}
	return tensor.Zeros(77, 8), nil
}

func zeroDenoiser(calls *atomic.Int32) sample.Denoiser {
	return sample.DenoiseFunc(func(_ context.Context, _ int, latents, _ *tensor.Tensor) (*tensor.Tensor, error) {
		if calls != nil {
			calls.Add(1)
		}
		return tensor.Zeros(latents.Shape()...), nil
	})
}

func testServer(t *testing.T, s *Server) *api.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := httptest.NewServer(s.GenerateRoutes())
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)

	return api.NewClient(base, ts.Client())
}

func TestGeneralRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(nil, nil).GenerateRoutes()

	cases := []struct {
		method string
		path   string
		status int
		body   string
	}{
		{http.MethodGet, "/", http.StatusOK, "diffusion is running"},
		{http.MethodHead, "/", http.StatusOK, ""},
		{http.MethodGet, "/api/version", http.StatusOK, `{"version":"` + version.Version + `"}`},
		{http.MethodGet, "/api/sample", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/api/unknown", http.StatusNotFound, ""},
	}

	for _, tt := range cases {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, strings.TrimSpace(w.Body.String()))
			}
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("DIFFUSION_ORIGINS", "https://studio.example.com")
	h := NewServer(nil, nil).GenerateRoutes()

	cases := []struct {
		origin string
		status int
	}{
		{"https://studio.example.com", http.StatusNoContent},
		{"http://localhost:3000", http.StatusNoContent},
		{"https://evil.example.com", http.StatusForbidden},
	}

	for _, tt := range cases {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/sample", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestScheduleHandler(t *testing.T) {
	c := testServer(t, NewServer(nil, nil))

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DIFFUSION_STEPS", "")

		resp, err := c.Schedule(context.Background(), &api.ScheduleRequest{})
		require.NoError(t, err)

		require.Len(t, resp.Sigmas, 21)
		require.Len(t, resp.Timesteps, 20)
		assert.InDelta(t, 14.614641, resp.Sigmas[0], 1e-5)
		assert.Zero(t, resp.Sigmas[20])
		assert.Equal(t, 999, resp.Timesteps[0])
	})

	t.Run("steps", func(t *testing.T) {
		resp, err := c.Schedule(context.Background(), &api.ScheduleRequest{Steps: 5})
		require.NoError(t, err)
		assert.Len(t, resp.Sigmas, 6)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("DIFFUSION_STEPS", "8")
		t.Setenv("DIFFUSION_BETA_SCHEDULE", "linear")

		resp, err := c.Schedule(context.Background(), &api.ScheduleRequest{})
		require.NoError(t, err)
		assert.Len(t, resp.Sigmas, 9)

		// the linear schedule reaches a larger terminal noise level
		assert.Greater(t, resp.Sigmas[0], 14.7)
	})

	errorCases := []struct {
		name string
		req  string
	}{
		{"degenerate steps", `{"steps": 1}`},
		{"schedule kind", `{"schedule": {"beta_schedule": "cosine"}}`},
		{"malformed", `{"steps": "many"}`},
	}

	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewServer(nil, nil).GenerateRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/schedule", strings.NewReader(tt.req)))

			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestSampleHandler(t *testing.T) {
	t.Setenv("DIFFUSION_NUM_PARALLEL", "2")

	var calls atomic.Int32
	s := NewServer(zeroDenoiser(&calls), fakeEncoder{})
	c := testServer(t, s)

	var responses []api.SampleResponse
	err := c.Sample(context.Background(), &api.SampleRequest{
		Prompt: "a lighthouse at dusk",
		Width:  64,
		Height: 32,
		Steps:  3,
		Seeds:  []uint32{7, 8},
		DType:  tensor.F32,
	}, func(resp api.SampleResponse) error {
		responses = append(responses, resp)
		return nil
	})
	require.NoError(t, err)

	// (steps + 1) progress updates per image and the final response
	require.Len(t, responses, 2*4+1)
	assert.EqualValues(t, 2*3, calls.Load())

	final := responses[len(responses)-1]
	assert.True(t, final.Done)
	require.Len(t, final.Latents, 2)

	for i, seed := range []uint32{7, 8} {
		got, err := final.Latents[i].Tensor()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 4, 8}, got.Shape())

		// zero predictions leave the initial latent untouched
		n, err := noise.Normal{}.Noise(seed, []int{1, 4, 4, 8})
		require.NoError(t, err)

		sampler, err := sample.NewSampler(zeroDenoiser(nil), sample.Options{Steps: 3, Order: 4, Schedule: scheduleConfig(nil)})
		require.NoError(t, err)

		want := n.Scale(sampler.Sigmas()[0])
		for j := range want.Data() {
			assert.InDelta(t, want.Data()[j], got.Data()[j], 1e-4)
		}
	}

	for _, resp := range responses {
		assert.Equal(t, final.ID, resp.ID)
	}
}

func TestSampleHandlerErrors(t *testing.T) {
	failing := sample.DenoiseFunc(func(context.Context, int, *tensor.Tensor, *tensor.Tensor) (*tensor.Tensor, error) {
		return nil, errors.New("runner unavailable")
	})

	cases := []struct {
		name    string
		server  *Server
		req     api.SampleRequest
		status  int
		message string
	}{
		{
			name:    "no runner",
			server:  NewServer(nil, nil),
			req:     api.SampleRequest{Prompt: "a cat"},
			status:  http.StatusBadRequest,
			message: errNoRunner.Error(),
		},
		{
			name:    "image size",
			server:  NewServer(zeroDenoiser(nil), fakeEncoder{}),
			req:     api.SampleRequest{Prompt: "a cat", Width: 100, Height: 64},
			status:  http.StatusBadRequest,
			message: noise.ErrImageSize.Error(),
		},
		{
			name:   "steps",
			server: NewServer(zeroDenoiser(nil), fakeEncoder{}),
			req:    api.SampleRequest{Prompt: "a cat", Steps: 1},
			status: http.StatusBadRequest,
		},
		{
			name:   "dtype",
			server: NewServer(zeroDenoiser(nil), fakeEncoder{}),
			req:    api.SampleRequest{Prompt: "a cat", DType: "q8_0"},
			status: http.StatusBadRequest,
		},
		{
			name:    "encoder",
			server:  NewServer(zeroDenoiser(nil), fakeEncoder{}),
			req:     api.SampleRequest{Prompt: "fail"},
			status:  http.StatusInternalServerError,
			message: "encoder unavailable",
		},
		{
			name:    "denoiser",
			server:  NewServer(failing, fakeEncoder{}),
			req:     api.SampleRequest{Prompt: "a cat", Width: 64, Height: 64, Steps: 2},
			message: "runner unavailable",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := testServer(t, tt.server)

			err := c.Sample(context.Background(), &tt.req, func(api.SampleResponse) error { return nil })
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)

			if tt.status != 0 {
				var statusError api.StatusError
				require.True(t, errors.As(err, &statusError), "expected StatusError, got %v", err)
				assert.Equal(t, tt.status, statusError.StatusCode)
			}
		})
	}
}

func TestSampleHandlerEmptyBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(zeroDenoiser(nil), fakeEncoder{}).GenerateRoutes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sample", &bytes.Buffer{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if diff := cmp.Diff(map[string]string{"error": "missing request body"}, resp); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
