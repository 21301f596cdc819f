package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"gopkg.in/yaml.v3"
)

var (
	keyColor   = color.New(color.FgCyan)
	valueColor = color.New(color.FgWhite)
	errorColor = color.New(color.FgRed, color.Bold)
)

type options struct {
	File         string
	Kind         string
	Pipeline     string
	Name         string
	RestoreCount int
	Output       string
	InCluster    map[string]string
	DLQReplicas  int
}

// NewCommand creates the normalize command
func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Print the Kafka Connect configuration a stored connector document deploys as",
		Long: `Normalize a connector configuration document (YAML or JSON) exactly as the
server does before deploying it, and print the flat key/value map sent to
Kafka Connect. Use "-f -" to read from stdin.`,
		Example: `  connectctl normalize -f source.yaml --pipeline orders --kind source
  connectctl normalize -f sink.json --pipeline orders --kind sink -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.File, "file", "f", "", "connector document to normalize (- for stdin)")
	flags.StringVar(&opts.Kind, "kind", string(model.ConnectorSource), "connector kind (source|sink)")
	flags.StringVar(&opts.Pipeline, "pipeline", "", "pipeline name")
	flags.StringVar(&opts.Name, "name", "", "connector name (default <pipeline>-<kind>)")
	flags.IntVar(&opts.RestoreCount, "restore-count", 0, "restore generation to rename source identities for")
	flags.StringVarP(&opts.Output, "output", "o", "table", "output format (table|json|yaml)")
	flags.StringToStringVar(&opts.InCluster, "in-cluster-host", nil, "database family to in-cluster hostname, e.g. postgres=pg.db.svc")
	flags.IntVar(&opts.DLQReplicas, "dlq-replication-factor", 0, "dead-letter topic replication factor")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("pipeline")

	return cmd
}

func runNormalize(cmd *cobra.Command, opts options) error {
	raw, err := readDocument(cmd.InOrStdin(), opts.File)
	if err != nil {
		return err
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", opts.Pipeline, opts.Kind)
	}

	n := normalize.New(normalize.Options{
		InClusterHosts:       opts.InCluster,
		DLQReplicationFactor: opts.DLQReplicas,
	})
	cfg, err := n.Normalize(normalize.Request{
		Raw:           raw,
		ConnectorName: name,
		PipelineName:  opts.Pipeline,
		Kind:          model.ConnectorType(opts.Kind),
		RestoreCount:  opts.RestoreCount,
	})
	if err != nil {
		var nerr *normalize.Error
		if errors.As(err, &nerr) {
			errorColor.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", nerr.Field, nerr.Reason)
		}
		return err
	}

	return printConfig(cmd.OutOrStdout(), cfg, opts.Output)
}

// readDocument parses YAML, which also accepts JSON documents
func readDocument(stdin io.Reader, path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return raw, nil
}

func printConfig(w io.Writer, cfg map[string]string, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(cfg)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	keys := make([]string, 0, len(cfg))
	width := 0
	for k := range cfg {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		keyColor.Fprintf(w, "%-*s", width, k)
		fmt.Fprint(w, "  ")
		valueColor.Fprintln(w, cfg[k])
	}
	return nil
}
