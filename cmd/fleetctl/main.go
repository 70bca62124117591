// Command fleetctl is the operator CLI for the agent fleet. It works directly
// against the fleetd database, so it can run while the daemon is up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"agentfleet/internal/kernel"
	"agentfleet/pkg/config"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/pool"
	"agentfleet/pkg/queue"
	"agentfleet/pkg/statemachine"
	"agentfleet/pkg/version"
)

// errUsage makes main print usage and exit 2.
var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

// cli carries shared state between the global flags and a command.
type cli struct {
	configPath string
	out        io.Writer
	k          *kernel.Kernel
}

func commands() []command {
	return []command{
		{"project", "Create, list or transition projects: [-create NAME] [-id ID -to STATUS [-role ROLE]]", runProject},
		{"scale-check", "Evaluate the pool and execute one scaling decision", runScaleCheck},
		{"cleanup", "Mark stale agents offline, recover stuck queue items, purge old ones, sweep quota periods", runCleanup},
		{"override", "Resume (or hold) a paused project: -project ID [-hold] [-by NAME]", runOverride},
		{"autopause", "Configure auto-pause: -project ID [-threshold PCT] [-auto-resume] [-provider ID] [-disable]", runAutoPause},
		{"alerts", "List quota alerts: [-status active|acknowledged|resolved]", runAlerts},
		{"ack-alert", "Acknowledge (or resolve) a quota alert: -id ID [-by NAME] [-resolve]", runAckAlert},
		{"enqueue", "Queue an outbound request: -provider ID -endpoint PATH [-payload JSON|-payload-file FILE]", runEnqueue},
		{"cancel", "Cancel a queued request: -id ID", runCancel},
		{"stats", "Queue counts by status, plus dispatch throughput when prometheus_url is set", runStats},
		{"pool", "List agents and pool metrics", runPool},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		printUsage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "fleetctl - agent fleet control\n\n")
	fmt.Fprintf(w, "Usage:\n  fleetctl [-config fleet.yaml] <command> [flags]\n\nCommands:\n")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	c := &cli{out: out}
	fs := flag.NewFlagSet("fleetctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.configPath, "config", "fleet.yaml", "Path to the YAML config file")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if *showVersion {
		fmt.Fprintln(out, version.String("fleetctl"))
		return nil
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	name := fs.Arg(0)
	for _, cmd := range commands() {
		if cmd.name != name {
			continue
		}
		defer c.close()
		return cmd.run(ctx, c, fs.Args()[1:])
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

// kernel builds the services without starting any background task.
func (c *cli) kernel(ctx context.Context) (*kernel.Kernel, error) {
	if c.k != nil {
		return c.k, nil
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.k = k
	return k, nil
}

func (c *cli) close() {
	if c.k != nil {
		_ = c.k.Stop()
		c.k = nil
	}
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %w", errUsage, fs.Name(), err)
	}
	return nil
}

func runProject(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	create := fs.String("create", "", "Create a project with this name")
	id := fs.String("id", "", "Project ID to transition")
	to := fs.String("to", "", "Target status")
	reason := fs.String("reason", "", "Reason recorded on the transition")
	role := fs.String("role", "", "Caller role (admin or operator may cancel running projects)")
	by := fs.String("by", currentUser(), "Operator name recorded on the transition")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}

	switch {
	case *create != "":
		p := &models.Project{Name: *create, Priority: models.PriorityMedium}
		if err := k.Store.Projects().CreateProject(ctx, p); err != nil {
			return err
		}
		return c.print(p)
	case *id != "":
		if *to == "" {
			return fmt.Errorf("%w: project -id needs -to", errUsage)
		}
		req := statemachine.Request{
			ProjectID:   *id,
			To:          models.ProjectStatus(*to),
			Source:      models.SourceUser,
			InitiatedBy: *by,
			Reason:      *reason,
		}
		if *role != "" {
			req.Metadata = map[string]any{statemachine.MetaRole: *role}
		}
		tr, err := k.StateMachine.TransitionFromCurrent(ctx, req)
		var obsErr *statemachine.ObserverError
		if err != nil && !errors.As(err, &obsErr) {
			return err
		}
		return c.print(tr)
	default:
		projects, err := k.Store.Projects().ListProjects(ctx)
		if err != nil {
			return err
		}
		if projects == nil {
			projects = []models.Project{}
		}
		return c.print(projects)
	}
}

func runScaleCheck(ctx context.Context, c *cli, args []string) error {
	if err := parseFlags(flag.NewFlagSet("scale-check", flag.ContinueOnError), args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	ev, err := k.Scaler.CheckNow(ctx)
	if err != nil {
		return err
	}
	return c.print(ev)
}

func runCleanup(ctx context.Context, c *cli, args []string) error {
	if err := parseFlags(flag.NewFlagSet("cleanup", flag.ContinueOnError), args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	cfg := k.Config

	result := map[string]int{}
	var errs []error
	step := func(name string, fn func() (int, error)) {
		n, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		result[name] = n
	}
	step("stale_agents", func() (int, error) { return k.Pool.MarkStale(ctx, cfg.Pool.StaleTimeout) })
	step("recovered_items", func() (int, error) { return k.Queue.RecoverStale(ctx, cfg.Queue.StaleProcessingTimeout) })
	step("purged_items", func() (int, error) { return k.Queue.PurgeTerminal(ctx, cfg.Queue.Retention) })
	step("reset_periods", func() (int, error) { return k.Governor.SweepExpiredPeriods(ctx) })
	step("escalations", func() (int, error) { return k.Governor.CheckEscalations(ctx) })

	if err := c.print(result); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runOverride(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("override", flag.ContinueOnError)
	project := fs.String("project", "", "Project ID")
	hold := fs.Bool("hold", false, "Keep the project paused but stop auto-resume")
	by := fs.String("by", currentUser(), "Operator name recorded on the override")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *project == "" {
		return fmt.Errorf("%w: override needs -project", errUsage)
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	log, err := k.AutoPause.ApplyManualOverride(ctx, *project, !*hold, *by)
	if err != nil {
		return err
	}
	return c.print(log)
}

func runAutoPause(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("autopause", flag.ContinueOnError)
	project := fs.String("project", "", "Project ID")
	provider := fs.String("provider", "", "Only watch this provider (default: highest usage)")
	threshold := fs.Float64("threshold", 0, "Usage percent that pauses the project (default from config)")
	autoResume := fs.Bool("auto-resume", true, "Resume automatically when the quota period resets")
	disable := fs.Bool("disable", false, "Turn auto-pause off for the project")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	err = k.AutoPause.Configure(ctx, models.AutoPauseSetting{
		ProjectID:        *project,
		ProviderID:       *provider,
		Enabled:          !*disable,
		ThresholdPercent: *threshold,
		AutoResume:       *autoResume,
	})
	if err != nil {
		return err
	}
	st, err := k.AutoPause.Setting(ctx, *project)
	if err != nil {
		return err
	}
	return c.print(st)
}

func runAlerts(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ContinueOnError)
	status := fs.String("status", string(models.AlertActive), "Alert status to list")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	alerts, err := k.Governor.ListAlerts(ctx, models.AlertStatus(*status))
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []models.QuotaAlert{}
	}
	return c.print(alerts)
}

func runAckAlert(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("ack-alert", flag.ContinueOnError)
	id := fs.String("id", "", "Alert ID")
	by := fs.String("by", currentUser(), "Operator name recorded on the acknowledgement")
	resolve := fs.Bool("resolve", false, "Resolve instead of acknowledging")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("%w: ack-alert needs -id", errUsage)
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	if *resolve {
		err = k.Governor.Resolve(ctx, *id)
	} else {
		err = k.Governor.Acknowledge(ctx, *id, *by)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "alert %s updated\n", *id)
	return nil
}

func runEnqueue(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	provider := fs.String("provider", "", "Provider ID")
	project := fs.String("project", "", "Project ID charged for the request")
	endpoint := fs.String("endpoint", "", "Absolute URL or path relative to the provider base URL")
	method := fs.String("method", "POST", "HTTP method")
	payload := fs.String("payload", "", "Request body")
	payloadFile := fs.String("payload-file", "", "Read the request body from a file")
	priority := fs.String("priority", "medium", "low, medium or high")
	maxRetries := fs.Int("max-retries", -1, "Retry budget (default from config)")
	delay := fs.Duration("delay", 0, "Do not dispatch before now+delay")
	var headers headerFlags
	fs.Var(&headers, "header", "Extra header as Name: value (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	req := queue.EnqueueRequest{
		ProviderID: *provider,
		Endpoint:   *endpoint,
		Method:     strings.ToUpper(*method),
		Payload:    []byte(*payload),
		Headers:    headers.m,
	}
	if *payloadFile != "" {
		data, err := os.ReadFile(*payloadFile)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
		req.Payload = data
	}
	if *project != "" {
		req.ProjectID = project
	}
	if *maxRetries >= 0 {
		req.MaxRetries = maxRetries
	}
	if *delay > 0 {
		at := time.Now().UTC().Add(*delay)
		req.ScheduledAt = &at
	}
	switch *priority {
	case "low":
		req.Priority = models.QueueLow
	case "medium":
		req.Priority = models.QueueMedium
	case "high":
		req.Priority = models.QueueHigh
	default:
		return fmt.Errorf("%w: priority must be low, medium or high", errUsage)
	}

	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	it, err := k.Queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	return c.print(it)
}

func runCancel(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	id := fs.String("id", "", "Queue item ID")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("%w: cancel needs -id", errUsage)
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	if err := k.Queue.Cancel(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "queue item %s cancelled\n", *id)
	return nil
}

type statsOutput struct {
	Queue      map[string]map[models.QueueStatus]int  `json:"queue"`
	Throughput map[string]*metrics.ProviderThroughput `json:"throughput,omitempty"`
}

func runStats(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	provider := fs.String("provider", "", "Limit to one provider")
	window := fs.Duration("window", time.Hour, "Throughput window")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}

	providers := []string{*provider}
	if *provider == "" {
		providers = providers[:0]
		for i := range k.Config.Providers {
			providers = append(providers, k.Config.Providers[i].ID)
		}
		sort.Strings(providers)
	}

	out := statsOutput{Queue: make(map[string]map[models.QueueStatus]int, len(providers))}
	for _, p := range providers {
		counts, err := k.Queue.Stats(ctx, p)
		if err != nil {
			return err
		}
		out.Queue[p] = counts
	}

	if url := k.Config.Server.PrometheusURL; url != "" {
		qs, err := metrics.NewQueryService(url)
		if err != nil {
			return err
		}
		tp, err := qs.DispatchThroughput(ctx, *window)
		if err != nil {
			// Queue counts are still useful without Prometheus.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			out.Throughput = tp
		}
	}
	return c.print(out)
}

type poolOutput struct {
	Agents  []models.Agent `json:"agents"`
	Metrics *pool.Metrics  `json:"metrics"`
}

func runPool(ctx context.Context, c *cli, args []string) error {
	if err := parseFlags(flag.NewFlagSet("pool", flag.ContinueOnError), args); err != nil {
		return err
	}
	k, err := c.kernel(ctx)
	if err != nil {
		return err
	}
	agents, err := k.Pool.List(ctx)
	if err != nil {
		return err
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	m, err := k.Pool.Metrics(ctx)
	if err != nil {
		return err
	}
	return c.print(poolOutput{Agents: agents, Metrics: m})
}

// headerFlags collects repeated -header "Name: value" flags.
type headerFlags struct {
	m map[string]string
}

func (h *headerFlags) String() string {
	return fmt.Sprint(h.m)
}

func (h *headerFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q must look like Name: value", v)
	}
	if h.m == nil {
		h.m = make(map[string]string)
	}
	h.m[strings.TrimSpace(name)] = strings.TrimSpace(value)
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "fleetctl"
}
