package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/noise"
	"github.com/ollama/diffusion/sample"
	"github.com/ollama/diffusion/schedule"
	"github.com/ollama/diffusion/tensor"
	"github.com/ollama/diffusion/version"
)

const (
	defaultWidth  = 512
	defaultHeight = 512
)

var errNoRunner = errors.New("no model runner configured, set DIFFUSION_RUNNER")

type Server struct {
	Denoiser sample.Denoiser
	Encoder  sample.TextEncoder

	// sem bounds the number of images sampled at once across requests
	sem      *semaphore.Weighted
	parallel int
}

func NewServer(denoiser sample.Denoiser, encoder sample.TextEncoder) *Server {
	parallel := max(int(envconfig.NumParallel()), 1)
	return &Server{
		Denoiser: denoiser,
		Encoder:  encoder,
		sem:      semaphore.NewWeighted(int64(parallel)),
		parallel: parallel,
	}
}

// scheduleConfig fills the fields cfg leaves unset from the default
// schedule and DIFFUSION_BETA_SCHEDULE.
func scheduleConfig(cfg *schedule.Config) schedule.Config {
	c := schedule.DefaultConfig()
	c.Kind = schedule.Kind(envconfig.BetaSchedule())
	if cfg == nil {
		return c
	}

	if cfg.NumTrainTimesteps != 0 {
		c.NumTrainTimesteps = cfg.NumTrainTimesteps
	}

	if cfg.BetaStart != 0 {
		c.BetaStart = cfg.BetaStart
	}

	if cfg.BetaEnd != 0 {
		c.BetaEnd = cfg.BetaEnd
	}

	if cfg.Kind != "" {
		c.Kind = cfg.Kind
	}

	c.TrainedBetas = cfg.TrainedBetas
	return c
}

func (s *Server) ScheduleHandler(c *gin.Context) {
	var req api.ScheduleRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		// empty body, use defaults
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	steps := req.Steps
	if steps == 0 {
		steps = int(envconfig.Steps())
	}

	table, err := schedule.NewLogSigmaTableFromConfig(scheduleConfig(req.Schedule))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sigmas, err := table.Sigmas(steps)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.ScheduleResponse{
		Sigmas:    sigmas,
		Timesteps: table.Timesteps(sigmas[:steps]),
	})
}

func (s *Server) SampleHandler(c *gin.Context) {
	var req api.SampleRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.Denoiser == nil || s.Encoder == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errNoRunner.Error()})
		return
	}

	if req.DType != "" && req.DType.Size() == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported dtype %q", req.DType)})
		return
	}

	opts := sample.Options{
		Steps:         req.Steps,
		GuidanceScale: envconfig.GuidanceScale(),
		Order:         req.Order,
		Schedule:      scheduleConfig(req.Schedule),
	}

	if opts.Steps == 0 {
		opts.Steps = int(envconfig.Steps())
	}

	if opts.Order == 0 {
		opts.Order = int(envconfig.Order())
	}

	if req.GuidanceScale != nil {
		opts.GuidanceScale = *req.GuidanceScale
	}

	width, height := cmp.Or(req.Width, defaultWidth), cmp.Or(req.Height, defaultHeight)
	shape, err := noise.LatentShape(height, width)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sampler, err := sample.NewSampler(s.Denoiser, opts)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seeds := req.Seeds
	if len(seeds) == 0 {
		seeds = []uint32{rand.Uint32()}
	}

	embeddings, err := sample.EncodePrompts(c.Request.Context(), s.Encoder, req.Prompt, req.NegativePrompt)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	ch := make(chan any)
	go func() {
		defer close(ch)

		ctx := c.Request.Context()
		send := func(v any) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		parallel := min(len(seeds), s.parallel)
		if err := s.sem.Acquire(ctx, int64(parallel)); err != nil {
			slog.Debug("sample request cancelled while queued", "id", id, "error", err)
			return
		}
		defer s.sem.Release(int64(parallel))

		start := time.Now()
		latents, err := sampler.SampleBatch(ctx, sample.Batch{
			Shape:      shape,
			Seeds:      seeds,
			Embeddings: embeddings,
			Parallel:   parallel,
			Progress: func(image, step, total int) {
				send(api.SampleResponse{ID: id, Image: image, Step: step, Total: total})
			},
		})
		if err != nil {
			slog.Error("sampling failed", "id", id, "error", err)
			send(gin.H{"error": err.Error()})
			return
		}

		resp := api.SampleResponse{
			ID:       id,
			Step:     opts.Steps,
			Total:    opts.Steps,
			Done:     true,
			Duration: time.Since(start),
		}

		for _, l := range latents {
			t, err := api.FromTensor(l, req.DType)
			if err != nil {
				send(gin.H{"error": err.Error()})
				return
			}
			resp.Latents = append(resp.Latents, t)
		}

		slog.Info("sampled", "id", id, "images", len(seeds), "steps", opts.Steps, "duration", resp.Duration)
		send(resp)
	}()

	streamResponse(c, ch)
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(http.StatusInternalServerError, gin.H{"error": e})
				} else if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
					slog.Error("streamResponse failed to encode json error", "error", err)
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "diffusion is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "diffusion is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/schedule", s.ScheduleHandler)
	r.POST("/api/sample", s.SampleHandler)

	return r
}

// Serve runs the sampling service on ln until interrupted. The denoiser and
// text encoder are reached through the runner at DIFFUSION_RUNNER; without
// one, sample requests fail while schedules are still served.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	var s *Server
	if runner, err := api.RunnerFromEnvironment(); err != nil {
		slog.Warn("sampling disabled", "error", err)
		s = NewServer(nil, nil)
	} else {
		s = NewServer(api.RemoteDenoiser{Client: runner, DType: tensor.F32}, api.RemoteEncoder{Client: runner})
	}

	ctx, done := context.WithCancel(context.Background())
	defer done()

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// listen for a ctrl+c and cancel running samples
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		done()
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
