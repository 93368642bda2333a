package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/otrun/internal/application/orchestrator"
	"github.com/execution-hub/otrun/internal/config"
	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/domain/sequence"
	"github.com/execution-hub/otrun/internal/infrastructure/robot"
	"github.com/execution-hub/otrun/internal/infrastructure/script"
	"github.com/execution-hub/otrun/internal/infrastructure/sensor"
)

type runOptions struct {
	robotURL     string
	autoResume   bool
	pollInterval time.Duration
	timeout      time.Duration
}

func (c *cli) runCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <sequence.yaml>",
		Short: "Run a sequence of protocols",
		Long:  "Run executes every item of a sequence file in order and exits non-zero at the first item that does not succeed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.runSequence(ctx, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.robotURL, "robot", "", "robot base URL, e.g. http://10.0.0.5:31950 (default: sequence robot_url or ROBOT_URL)")
	cmd.Flags().BoolVar(&opts.autoResume, "auto-resume", false, "resume runs paused for intervention without prompting")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "status poll interval (default: POLL_INTERVAL)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-run timeout (default: RUN_TIMEOUT)")
	return cmd
}

func (c *cli) runSequence(ctx context.Context, path string, opts *runOptions) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := c.logger(cfg)

	def, err := sequence.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	robotURL := firstNonEmpty(opts.robotURL, def.RobotURL, cfg.RobotURL)
	if robotURL == "" {
		return errors.New("no robot URL: pass --robot, set robot_url in the sequence, or set ROBOT_URL")
	}

	client, err := robot.NewClient(robot.Config{
		BaseURL:        robotURL,
		APIVersion:     cfg.RobotAPIVersion,
		RequestTimeout: cfg.RobotRequestTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var intervention orchestrator.Intervention = orchestrator.AutoResume{}
	if !opts.autoResume {
		intervention = newPromptIntervention(c.in, c.errOut)
	}
	orchCfg := orchestratorConfig(cfg)
	if opts.pollInterval > 0 {
		orchCfg.PollInterval = opts.pollInterval
	}
	if opts.timeout > 0 {
		orchCfg.Timeout = opts.timeout
	}
	orch := orchestrator.NewOrchestrator(client, orchCfg, logger, orchestrator.WithIntervention(intervention))

	var hook orchestrator.FeedbackHook
	if def.Feedback != nil {
		var reader orchestrator.SensorReader
		if def.Feedback.SensorURL != "" {
			reader = sensor.NewHTTPReader(def.Feedback.SensorURL, cfg.SensorTimeout, logger)
		}
		h, err := orchestrator.NewExpressionHook(def.Feedback, reader, logger)
		if err != nil {
			return err
		}
		hook = h.Hook()
	}

	logger.Info().Str("sequence", def.Name).Str("robot_url", client.BaseURL()).Int("items", len(def.Items)).Msg("starting sequence")
	result, runErr := orch.RunSequence(ctx, def.WorkItems(), hook)
	c.printOutcomes(result)
	if runErr != nil {
		var seqErr *run.SequenceError
		if errors.As(runErr, &seqErr) {
			return fmt.Errorf("sequence %q halted: %w", def.Name, seqErr)
		}
		return runErr
	}
	fmt.Fprintf(c.out, "sequence %q succeeded (%d items)\n", def.Name, len(result.Outcomes))
	return nil
}

func (c *cli) printOutcomes(result *orchestrator.SequenceResult) {
	if result == nil || len(result.Outcomes) == 0 {
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tITEM\tPROTOCOL\tRUN\tSTATUS")
	for _, o := range result.Outcomes {
		status := string(o.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", o.Index, o.Item.Label(o.Index), dash(o.Protocol.ID), dash(o.Run.ID), status)
	}
	w.Flush()
}

func (c *cli) renderCommand() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Render a protocol template to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			content, err := script.RenderFile(args[0], values)
			if err != nil {
				return err
			}
			fmt.Fprint(c.out, content)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter as name=number (repeatable)")
	return cmd
}

func (c *cli) pingCommand() *cobra.Command {
	var robotURL string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the robot API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			target := firstNonEmpty(robotURL, cfg.RobotURL)
			if target == "" {
				return errors.New("no robot URL: pass --robot or set ROBOT_URL")
			}
			client, err := robot.NewClient(robot.Config{
				BaseURL:        target,
				APIVersion:     cfg.RobotAPIVersion,
				RequestTimeout: cfg.RobotRequestTimeout,
			}, zerolog.Nop())
			if err != nil {
				return err
			}
			defer client.Close()
			h, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s (%s) api %s firmware %s\n", h.Name, h.RobotModel, h.APIVersion, h.FWVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&robotURL, "robot", "", "robot base URL (default: ROBOT_URL)")
	return cmd
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.RunTimeout,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
		},
	}
}

// parseParams turns name=value pairs into template parameters.
func parseParams(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=number", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --param %q: %w", pair, err)
		}
		out[name] = v
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
