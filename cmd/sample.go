package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/noise"
	"github.com/ollama/diffusion/progress"
	"github.com/ollama/diffusion/sample"
	"github.com/ollama/diffusion/tensor"
)

func NewSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample latents for a prompt using a model runner",
		Args:  cobra.ExactArgs(0),
		RunE:  sampleHandler,
	}

	cmd.Flags().StringP("prompt", "p", "", "Prompt to condition on")
	cmd.Flags().String("negative", "", "Negative prompt for the unconditional branch")
	cmd.Flags().Uint32("seed", 0, "Seed of the first image (random when unset)")
	cmd.Flags().Int("images", 1, "Number of images to sample, seeded seed, seed+1, ...")
	cmd.Flags().String("noise-file", "", "Read the initial noise from a text or safetensors dump instead of seeding it")
	cmd.Flags().String("runner", "", "Model runner address (overrides DIFFUSION_RUNNER)")
	cmd.Flags().String("dtype", string(tensor.F32), "Tensor encoding sent to the runner (f32, f16 or bf16)")
	cmd.Flags().Float64("guidance", envconfig.GuidanceScale(), "Classifier-free guidance scale")
	cmd.Flags().Int("order", int(envconfig.Order()), "Linear multistep order")
	cmd.Flags().Int("width", 512, "Image width in pixels, a multiple of 8")
	cmd.Flags().Int("height", 512, "Image height in pixels, a multiple of 8")
	cmd.Flags().Int("parallel", int(envconfig.NumParallel()), "Maximum number of images sampled at once")
	addScheduleFlags(cmd)

	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func runnerClient(cmd *cobra.Command) (*api.Client, error) {
	if s, _ := cmd.Flags().GetString("runner"); s != "" {
		return api.NewClient(envconfig.ParseRunner(s), http.DefaultClient), nil
	}

	return api.RunnerFromEnvironment()
}

func sampleOptions(cmd *cobra.Command) (sample.Options, error) {
	opts := sample.DefaultOptions()

	var err error
	if opts.Steps, err = cmd.Flags().GetInt("steps"); err != nil {
		return opts, err
	}

	if opts.Order, err = cmd.Flags().GetInt("order"); err != nil {
		return opts, err
	}

	if opts.GuidanceScale, err = cmd.Flags().GetFloat64("guidance"); err != nil {
		return opts, err
	}

	if opts.Schedule, err = scheduleFromFlags(cmd); err != nil {
		return opts, err
	}

	return opts, nil
}

func seedsFromFlags(cmd *cobra.Command) ([]uint32, error) {
	images, err := cmd.Flags().GetInt("images")
	if err != nil {
		return nil, err
	}

	if images < 1 {
		return nil, fmt.Errorf("images must be at least 1, got %d", images)
	}

	seed, err := cmd.Flags().GetUint32("seed")
	if err != nil {
		return nil, err
	}

	if !cmd.Flags().Changed("seed") {
		seed = rand.Uint32()
	}

	seeds := make([]uint32, images)
	for i := range seeds {
		seeds[i] = seed + uint32(i)
	}

	return seeds, nil
}

func sampleHandler(cmd *cobra.Command, _ []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	negative, _ := cmd.Flags().GetString("negative")
	noiseFile, _ := cmd.Flags().GetString("noise-file")
	dtype, _ := cmd.Flags().GetString("dtype")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	parallel, _ := cmd.Flags().GetInt("parallel")

	if tensor.DType(dtype).Size() == 0 {
		return fmt.Errorf("unsupported dtype %q", dtype)
	}

	shape, err := noise.LatentShape(height, width)
	if err != nil {
		return err
	}

	seeds, err := seedsFromFlags(cmd)
	if err != nil {
		return err
	}

	opts, err := sampleOptions(cmd)
	if err != nil {
		return err
	}

	client, err := runnerClient(cmd)
	if err != nil {
		return err
	}

	if err := client.Health(cmd.Context()); err != nil {
		return fmt.Errorf("model runner not responding - %w", err)
	}

	sampler, err := sample.NewSampler(api.RemoteDenoiser{Client: client, DType: tensor.DType(dtype)}, opts)
	if err != nil {
		return err
	}

	var src noise.Source = noise.Normal{}
	if noiseFile != "" {
		src = noise.Open(noiseFile)
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("encoding prompt")
	p.Add(spinner)

	embeddings, err := sample.EncodePrompts(cmd.Context(), api.RemoteEncoder{Client: client}, prompt, negative)
	if err != nil {
		return err
	}
	spinner.Stop()

	bars := make([]*progress.StepBar, len(seeds))
	for i, seed := range seeds {
		bars[i] = progress.NewStepBar(fmt.Sprintf("seed %d", seed), opts.Steps)
		p.Add(bars[i])
	}

	start := time.Now()
	latents, err := sampler.SampleBatch(cmd.Context(), sample.Batch{
		Source:     src,
		Shape:      shape,
		Seeds:      seeds,
		Embeddings: embeddings,
		Parallel:   parallel,
		Progress: func(image, step, total int) {
			bars[image].Set(step, total)
		},
	})
	if err != nil {
		if cmd.Context().Err() != nil {
			return fmt.Errorf("sampling cancelled: %w", err)
		}
		return err
	}
	duration := time.Since(start)

	p.Stop()

	writeLatentStats(cmd, seeds, latents)
	fmt.Fprintf(cmd.OutOrStdout(), "\nsampled %d latent(s) of shape %v in %s (%s)\n",
		len(latents), shape, format.HumanDuration(duration), format.Rate(len(latents)*opts.Steps, duration, "steps"))

	return nil
}

func writeLatentStats(cmd *cobra.Command, seeds []uint32, latents []*tensor.Tensor) {
	var data [][]string
	for i, l := range latents {
		values := l.Data()
		data = append(data, []string{
			strconv.FormatUint(uint64(seeds[i]), 10),
			strconv.FormatFloat(floats.Min(values), 'f', 4, 64),
			strconv.FormatFloat(floats.Max(values), 'f', 4, 64),
			strconv.FormatFloat(stat.Mean(values, nil), 'f', 4, 64),
			strconv.FormatFloat(stat.StdDev(values, nil), 'f', 4, 64),
		})
	}

	w := tablewriter.NewWriter(cmd.OutOrStdout())
	w.SetHeader([]string{"SEED", "MIN", "MAX", "MEAN", "STD"})
	w.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.SetHeaderLine(false)
	w.SetBorder(false)
	w.SetNoWhiteSpace(true)
	w.SetTablePadding("    ")
	w.AppendBulk(data)
	w.Render()
}
