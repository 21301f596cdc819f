package pipelines

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/status"
)

var (
	serverURL      string
	requestTimeout time.Duration
	showResolved   bool

	// now is replaced in tests
	now = time.Now
)

// NewCommand creates the pipelines command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Manage pipelines through a running control plane",
		Long: `View and manage pipelines through the HTTP API of a running connectctl server.

Examples:
  # List all pipelines
  connectctl pipelines list

  # Show connector and task states of a pipeline
  connectctl pipelines status 5b0c...

  # Deploy, pause or start a pipeline
  connectctl pipelines deploy 5b0c...

  # Show open alerts
  connectctl pipelines alerts 5b0c...`,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "control plane URL")
	cmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 2*time.Minute, "request timeout")

	alerts := &cobra.Command{
		Use:   "alerts <pipeline-id>",
		Short: "List alerts of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runAlerts,
	}
	alerts.Flags().BoolVar(&showResolved, "all", false, "include resolved alerts")

	cmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List all pipelines", Args: cobra.NoArgs, RunE: runList},
		&cobra.Command{Use: "status <pipeline-id>", Short: "Show live connector state", Args: cobra.ExactArgs(1), RunE: runStatus},
		actionCommand("deploy", "Deploy the source and sink connectors"),
		actionCommand("start", "Resume both connectors"),
		actionCommand("pause", "Pause both connectors"),
		actionCommand("restore", "Re-register the connectors of a soft-deleted pipeline"),
		alerts,
		&cobra.Command{Use: "resolve-alerts <pipeline-id>", Short: "Resolve every open alert", Args: cobra.ExactArgs(1), RunE: runResolveAll},
	)
	return cmd
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(serverURL).
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json")
}

// apiError mirrors the error body of the control plane
type apiError struct {
	Error          string `json:"error"`
	RequiresAction bool   `json:"requiresAction"`
}

// call sends the request and decodes a 2xx body into result
func call(req *resty.Request, method, path string, result any) error {
	var failure apiError
	resp, err := req.SetError(&failure).Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to reach control plane at %s: %w", serverURL, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = resp.Status()
		}
		if failure.RequiresAction {
			return fmt.Errorf("%s (resume the pipeline first)", msg)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var body struct {
		Pipelines []*model.Pipeline `json:"pipelines"`
	}
	if err := call(newClient().R().SetContext(cmd.Context()), resty.MethodGet, "/pipelines", &body); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(body.Pipelines) == 0 {
		fmt.Fprintln(out, "No pipelines found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRESTORES\tUPDATED")
	for _, p := range body.Pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, formatStatus(string(p.Status)), p.RestoreCount, formatAge(p.UpdatedAt))
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d pipeline(s) found\n", len(body.Pipelines))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var body struct {
		Status    model.PipelineStatus    `json:"status"`
		Source    *status.ConnectorReport `json:"source"`
		Sink      *status.ConnectorReport `json:"sink"`
		CheckedAt time.Time               `json:"checked_at"`
	}
	if err := call(newClient().R().SetContext(cmd.Context()), resty.MethodGet, "/pipelines/"+args[0]+"/status", &body); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline %s: %s\n\n", args[0], formatStatus(string(body.Status)))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCONNECTOR\tSTATE\tTASKS")
	for _, r := range []*status.ConnectorReport{body.Source, body.Sink} {
		if r == nil {
			continue
		}
		state, tasks := "UNREACHABLE", "-"
		if r.Reachable() {
			state = r.Status.State()
			tasks = fmt.Sprintf("%d/%d running", r.Status.RunningTasks(), len(r.Status.Tasks))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Name, formatStatus(state), tasks)
	}
	w.Flush()
	return nil
}

// actionCommand posts to /pipelines/<id>/<action>
func actionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <pipeline-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/pipelines/%s/%s", args[0], action)
			if err := call(newClient().R().SetContext(cmd.Context()), resty.MethodPost, path, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Pipeline %s: %s succeeded\n", args[0], action)
			return nil
		},
	}
}

func runAlerts(cmd *cobra.Command, args []string) error {
	req := newClient().R().SetContext(cmd.Context())
	if !showResolved {
		req.SetQueryParam("resolved", "false")
	}
	var body struct {
		Alerts []*model.AlertEvent `json:"alerts"`
	}
	if err := call(req, resty.MethodGet, "/pipelines/"+args[0]+"/alerts", &body); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(body.Alerts) == 0 {
		fmt.Fprintln(out, "No alerts")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tCONNECTOR\tRAISED\tMESSAGE")
	for _, a := range body.Alerts {
		connector := string(a.ConnectorType)
		if connector == "" {
			connector = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.AlertType, formatSeverity(a.Severity), connector, formatAge(a.CreatedAt), a.Message)
	}
	w.Flush()
	return nil
}

func runResolveAll(cmd *cobra.Command, args []string) error {
	var body struct {
		Resolved int `json:"resolved"`
	}
	if err := call(newClient().R().SetContext(cmd.Context()), resty.MethodPost, "/pipelines/"+args[0]+"/alerts/resolve-all", &body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d alert(s) resolved\n", body.Resolved)
	return nil
}

func formatAge(t time.Time) string {
	diff := now().Sub(t)

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func formatStatus(s string) string {
	switch s {
	case string(model.PipelineRunning), string(model.PipelineIncremental), connect.StateRunning:
		return color.GreenString(s)
	case string(model.PipelinePaused), connect.StatePaused:
		return color.YellowString(s)
	case string(model.PipelineError), connect.StateFailed, "UNREACHABLE":
		return color.RedString(s)
	default:
		return s
	}
}

func formatSeverity(s model.Severity) string {
	if s == model.SeverityCritical {
		return color.RedString(string(s))
	}
	return color.YellowString(string(s))
}
