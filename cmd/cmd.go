package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/server"
	"github.com/ollama/diffusion/version"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "diffusion version is %s\n", version.Version)
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "diffusion",
		Short:         "LMS diffusion sampler",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	scheduleCmd := NewScheduleCmd()
	sampleCmd := NewSampleCmd()

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the sampling service",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	envVars := envconfig.AsMap()

	scheduleEnvs := []envconfig.EnvVar{envVars["DIFFUSION_STEPS"], envVars["DIFFUSION_BETA_SCHEDULE"]}
	sampleEnvs := []envconfig.EnvVar{
		envVars["DIFFUSION_RUNNER"],
		envVars["DIFFUSION_STEPS"],
		envVars["DIFFUSION_ORDER"],
		envVars["DIFFUSION_GUIDANCE_SCALE"],
		envVars["DIFFUSION_BETA_SCHEDULE"],
		envVars["DIFFUSION_NUM_PARALLEL"],
		envVars["DIFFUSION_DEBUG"],
	}

	appendEnvDocs(scheduleCmd, scheduleEnvs)
	appendEnvDocs(sampleCmd, sampleEnvs)
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["DIFFUSION_HOST"],
		envVars["DIFFUSION_RUNNER"],
		envVars["DIFFUSION_ORIGINS"],
		envVars["DIFFUSION_STEPS"],
		envVars["DIFFUSION_ORDER"],
		envVars["DIFFUSION_GUIDANCE_SCALE"],
		envVars["DIFFUSION_BETA_SCHEDULE"],
		envVars["DIFFUSION_NUM_PARALLEL"],
		envVars["DIFFUSION_DEBUG"],
	})

	rootCmd.AddCommand(
		serveCmd,
		scheduleCmd,
		sampleCmd,
	)

	return rootCmd
}
