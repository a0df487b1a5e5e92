package cmd

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/schedule"
)

func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the sigma schedule and denoiser timesteps",
		Args:  cobra.ExactArgs(0),
		RunE:  scheduleHandler,
	}

	addScheduleFlags(cmd)
	return cmd
}

func addScheduleFlags(cmd *cobra.Command) {
	defaults := schedule.DefaultConfig()

	cmd.Flags().Int("steps", int(envconfig.Steps()), "Number of denoising steps")
	cmd.Flags().String("beta-schedule", envconfig.BetaSchedule(), "Beta schedule (linear or scaled_linear)")
	cmd.Flags().Float64("beta-start", defaults.BetaStart, "First training beta")
	cmd.Flags().Float64("beta-end", defaults.BetaEnd, "Last training beta")
	cmd.Flags().Int("train-timesteps", defaults.NumTrainTimesteps, "Number of training timesteps")
}

func scheduleFromFlags(cmd *cobra.Command) (schedule.Config, error) {
	cfg := schedule.DefaultConfig()

	kind, err := cmd.Flags().GetString("beta-schedule")
	if err != nil {
		return cfg, err
	}
	cfg.Kind = schedule.Kind(kind)

	if cfg.BetaStart, err = cmd.Flags().GetFloat64("beta-start"); err != nil {
		return cfg, err
	}

	if cfg.BetaEnd, err = cmd.Flags().GetFloat64("beta-end"); err != nil {
		return cfg, err
	}

	if cfg.NumTrainTimesteps, err = cmd.Flags().GetInt("train-timesteps"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func scheduleHandler(cmd *cobra.Command, _ []string) error {
	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return err
	}

	cfg, err := scheduleFromFlags(cmd)
	if err != nil {
		return err
	}

	table, err := schedule.NewLogSigmaTableFromConfig(cfg)
	if err != nil {
		return err
	}

	sigmas, err := table.Sigmas(steps)
	if err != nil {
		return err
	}

	timesteps := table.Timesteps(sigmas[:steps])

	var data [][]string
	for i, sigma := range sigmas {
		timestep := "-"
		if i < len(timesteps) {
			timestep = strconv.Itoa(timesteps[i])
		}

		data = append(data, []string{strconv.Itoa(i), strconv.FormatFloat(sigma, 'f', 6, 64), timestep})
	}

	w := tablewriter.NewWriter(cmd.OutOrStdout())
	w.SetHeader([]string{"STEP", "SIGMA", "TIMESTEP"})
	w.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.SetHeaderLine(false)
	w.SetBorder(false)
	w.SetNoWhiteSpace(true)
	w.SetTablePadding("    ")
	w.AppendBulk(data)
	w.Render()

	return nil
}
