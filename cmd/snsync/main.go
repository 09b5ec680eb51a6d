// Package main is the snsync command line: declarative table sync, row
// delta-merge, and ad-hoc reads against a configured instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	snsync "github.com/datamart/snsync"
	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/config"
	"github.com/datamart/snsync/deltamerge"
	"github.com/datamart/snsync/table"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	readOnly   bool
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "snsync",
		Short:         "Declarative reconciliation client for a ServiceNow style CMDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "Block all writes")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable request-level tracing")

	rootCmd.AddCommand(tableCmd(), rowsCmd(), recordsCmd(), schemaCmd(), versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connect loads configuration and builds the aggregate.
func connect() (*snsync.Sync, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if readOnly {
		cfg.ReadOnly = true
	}
	if debug {
		cfg.Debug = true
		cfg.Logging.Level = "debug"
	}
	return snsync.New(cfg, client.WithLogger(newLogger(cfg.Logging)))
}

// newLogger builds the slog JSON logger, optionally writing to a rotating
// file instead of stdout.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// specFile is the YAML shape of a declarative table descriptor.
type specFile struct {
	Name       string                `yaml:"name"`
	Label      string                `yaml:"label"`
	Parent     string                `yaml:"parent"`
	Extendable bool                  `yaml:"extendable"`
	Columns    map[string]columnSpec `yaml:"columns"`
}

type columnSpec struct {
	Type           string            `yaml:"type"`
	Label          string            `yaml:"label"`
	MaxLength      int               `yaml:"max_length"`
	ReferenceTable string            `yaml:"reference_table"`
	Choices        map[string]string `yaml:"choices"`
	ChoiceMode     string            `yaml:"choice_mode"`
	DataPolicy     string            `yaml:"data_policy"`
}

func loadSpec(path string) (*table.Spec, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI flag
	if err != nil {
		return nil, err
	}
	var file specFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	spec := &table.Spec{
		Name:       file.Name,
		Label:      file.Label,
		Parent:     file.Parent,
		Extendable: file.Extendable,
	}
	for name, col := range file.Columns {
		spec.AddColumn(table.Column{
			Name:           name,
			Type:           col.Type,
			Label:          col.Label,
			MaxLength:      col.MaxLength,
			ReferenceTable: col.ReferenceTable,
			Choices:        col.Choices,
			ChoiceMode:     table.ChoiceMode(col.ChoiceMode),
			DataPolicy:     table.DataPolicy(col.DataPolicy),
		})
	}
	return spec, nil
}

func tableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Reconcile and inspect table shape",
	}

	var specPath string
	var commit bool
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Diff a declarative descriptor against the instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()

			desired, err := loadSpec(specPath)
			if err != nil {
				return err
			}
			plan, err := s.Tables.Sync(cmd.Context(), desired, commit)
			if plan != nil {
				for _, a := range plan.Actions {
					fmt.Printf("%-6s %-24s %s\n", a.Kind, a.Name, a.Description)
				}
				if plan.Empty() {
					fmt.Println("nothing to do")
				}
			}
			return err
		},
	}
	syncCmd.Flags().StringVarP(&specPath, "file", "f", "", "Path to the table descriptor YAML")
	syncCmd.Flags().BoolVar(&commit, "commit", false, "Apply the plan instead of printing it")
	_ = syncCmd.MarkFlagRequired("file")

	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print the flattened descriptor of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()

			spec, err := s.Tables.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if spec == nil {
				return fmt.Errorf("table %s does not exist", args[0])
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "table\t%s\nlabel\t%s\nparent\t%s\n\n", spec.Name, spec.Label, spec.Parent)
			fmt.Fprintln(w, "COLUMN\tTYPE\tLABEL\tMAX\tDEFINED ON")
			for _, name := range spec.ColumnNames() {
				col := spec.Columns[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					col.Name, col.Type, col.Label, col.MaxLength, col.Table)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(syncCmd, getCmd)
	return cmd
}

func rowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Reconcile row sets",
	}

	var rowsPath, keyField string
	var allowDeletes bool
	mergeCmd := &cobra.Command{
		Use:   "merge <table>",
		Short: "Delta-merge a JSON row set into a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := loadRows(rowsPath)
			if err != nil {
				return err
			}
			opts := deltamerge.Options{AllowDeletes: allowDeletes}
			if keyField != "" {
				opts.Key = deltamerge.FieldKey(keyField)
			}
			res, err := s.Rows.Merge(cmd.Context(), args[0], rows, opts)
			if err != nil {
				return err
			}
			fmt.Printf("matched=%d created=%d updated=%d deleted=%d\n",
				res.RowsMatched, res.RowsCreated, res.RowsUpdated, res.RowsDeleted)
			return nil
		},
	}
	mergeCmd.Flags().StringVarP(&rowsPath, "file", "f", "", "Path to a JSON array of rows")
	mergeCmd.Flags().StringVar(&keyField, "key", "", "Primary key field (default: hash of u_ fields)")
	mergeCmd.Flags().BoolVar(&allowDeletes, "allow-deletes", false, "Hard-delete vanished rows")
	_ = mergeCmd.MarkFlagRequired("file")

	cmd.AddCommand(mergeCmd)
	return cmd
}

// loadRows reads a JSON array of flat objects into typed rows.
func loadRows(path string) ([]coerce.Row, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI flag
	if err != nil {
		return nil, err
	}
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	rows := make([]coerce.Row, len(raw))
	for i, obj := range raw {
		row := make(coerce.Row, len(obj))
		for k, v := range obj {
			switch t := v.(type) {
			case string:
				row[k] = coerce.String(t)
			case float64:
				row[k] = coerce.Float(t)
			case bool:
				row[k] = coerce.Bool(t)
			case nil:
				row[k] = coerce.Null()
			default:
				return nil, fmt.Errorf("row %d field %s: unsupported value %v", i, k, v)
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func recordsCmd() *cobra.Command {
	var query string
	var max int
	cmd := &cobra.Command{
		Use:   "records <table>",
		Short: "Read rows as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := s.Client.GetRecords(cmd.Context(), args[0], client.GetRecordsOptions{
				Query:      query,
				MaxRecords: max,
			})
			if err != nil {
				return err
			}

			out := make([]map[string]string, len(rows))
			for i, row := range rows {
				flat := make(map[string]string, len(row))
				for k, v := range row {
					flat[k] = v.String()
				}
				out[i] = flat
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "sysparm_query filter")
	cmd.Flags().IntVar(&max, "max", 0, "Maximum rows (0 = unbounded)")
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <table>",
		Short: "Print the parsed column schema of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()

			tbl, err := s.Client.Schemas().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COLUMN\tTYPE\tMAX\tREFERENCE\tCHOICES")
			for _, name := range tbl.Names() {
				col := tbl.Columns[name]
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n",
					col.Name, col.Type, col.MaxLength, col.ReferenceTable, col.ChoiceList)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snsync %s (commit: %s)\n", version, commit)
		},
	}
}
