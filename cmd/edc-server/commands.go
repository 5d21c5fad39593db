package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/edc/edc/internal/config"
	"github.com/edc/edc/internal/domain/validation"
	"github.com/edc/edc/internal/platform/db"
	"github.com/edc/edc/internal/platform/formats"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			writeMigrationTable(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func writeMigrationTable(w io.Writer, statuses []db.MigrationStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		tw.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	tw.Render()
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationsFS(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and try out validation rules",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the effective rules of a form (custom, legacy and native)",
		RunE: func(cmd *cobra.Command, args []string) error {
			crfID, _ := cmd.Flags().GetInt("form")
			tenant, _ := cmd.Flags().GetString("tenant")
			asJSON, _ := cmd.Flags().GetBool("json")
			if crfID <= 0 {
				return fmt.Errorf("--form is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			caps, err := db.DetectCapabilities(ctx, pool, db.SchemaName(tenant))
			if err != nil {
				return err
			}
			ctx, release, err := db.PinTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			loader := validation.NewLoader(validation.NewRepoPG(pool), validation.NewLegacySourcePG(pool), validation.NewNativeSourcePG(pool), caps)
			rules, err := loader.RulesForForm(ctx, crfID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(os.Stdout, rules)
			}
			writeRulesTable(os.Stdout, rules)
			return nil
		},
	}
	listCmd.Flags().Int("form", 0, "Form (crf) id")
	listCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	listCmd.Flags().Bool("json", false, "Print JSON instead of a table")
	cmd.AddCommand(listCmd)

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Apply a rule definition to a sample value without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := testRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("formats")
			asJSON, _ := cmd.Flags().GetBool("json")

			res, err := runRuleTest(path, req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(os.Stdout, res)
			}
			writeTestResult(os.Stdout, res)
			return nil
		},
	}
	f := testCmd.Flags()
	f.String("kind", "", "Rule type (required, range, format, consistency, business_logic, cross_form, formula)")
	f.String("field", "value", "Field path the rule targets")
	f.String("value", "", "Sample value; JSON literals such as 42 or [\"a\"] are decoded")
	f.String("min", "", "Range lower bound")
	f.String("max", "", "Range upper bound")
	f.String("pattern", "", "Format pattern")
	f.String("format", "", "Registered format key")
	f.String("operator", "", "Consistency operator")
	f.String("compare", "", "Consistency compare field path")
	f.String("expr", "", "Custom expression")
	f.String("severity", "", "error or warning")
	f.String("message", "", "Error message")
	f.String("data", "", "Other form values as a JSON object")
	f.String("formats", os.Getenv("FORMAT_REGISTRY_PATH"), "Format registry document (defaults to the built-in set)")
	f.Bool("json", false, "Print JSON instead of a table")
	cmd.AddCommand(testCmd)

	return cmd
}

func formatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List the registered value formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			reg, err := formats.Load(path)
			if err != nil {
				return err
			}
			writeFormatsTable(os.Stdout, reg.List())
			return nil
		},
	}
	cmd.Flags().String("path", os.Getenv("FORMAT_REGISTRY_PATH"), "Format registry document (defaults to the built-in set)")
	return cmd
}

func testRequestFromFlags(cmd *cobra.Command) (validation.TestRequest, error) {
	f := cmd.Flags()
	str := func(name string) string {
		v, _ := f.GetString(name)
		return v
	}

	req := validation.TestRequest{Rule: validation.RuleInput{
		Kind:             validation.Kind(str("kind")),
		FieldPath:        str("field"),
		Severity:         validation.Severity(str("severity")),
		ErrorMessage:     str("message"),
		MinValue:         validation.Bound(str("min")),
		MaxValue:         validation.Bound(str("max")),
		Pattern:          str("pattern"),
		FormatType:       str("format"),
		Operator:         str("operator"),
		CompareFieldPath: str("compare"),
		CustomExpression: str("expr"),
	}}
	if req.Rule.Kind == "" {
		return req, fmt.Errorf("--kind is required")
	}
	if f.Changed("value") {
		req.Value = decodeValue(str("value"))
	}
	if data := str("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &req.FormData); err != nil {
			return req, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	return req, nil
}

// decodeValue reads s as a JSON literal, or as a plain string when it is not
// one.
func decodeValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func runRuleTest(formatsPath string, req validation.TestRequest) (*validation.TestResult, error) {
	reg, err := formats.Load(formatsPath)
	if err != nil {
		return nil, err
	}
	eval, err := validation.NewEvaluator(reg, true)
	if err != nil {
		return nil, err
	}
	svc := validation.NewService(nil, nil, eval, nil, validation.Options{})
	return svc.TestRule(context.Background(), req)
}

func writeRulesTable(w io.Writer, rules []*validation.Rule) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Source", "Name", "Type", "Field", "Severity", "Active", "Definition"})
	for _, r := range rules {
		id := r.SourceRef
		if r.ID > 0 {
			id = strconv.Itoa(r.ID)
		}
		tw.AppendRow(table.Row{id, r.Source, r.Name, r.Kind, r.FieldPath, r.Severity, r.Active, ruleDefinition(r)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(rules)})
	tw.Render()
}

// ruleDefinition summarizes the kind-specific part of a rule in one cell.
func ruleDefinition(r *validation.Rule) string {
	switch r.Kind {
	case validation.KindRange:
		return fmt.Sprintf("%s..%s", r.MinValue, r.MaxValue)
	case validation.KindFormat:
		if r.FormatType != "" {
			return "format:" + r.FormatType
		}
		return r.Pattern
	case validation.KindConsistency:
		return fmt.Sprintf("%s %s", r.Operator, r.CompareFieldPath)
	case validation.KindRequired:
		return ""
	default:
		return r.CustomExpression
	}
}

func writeTestResult(w io.Writer, res *validation.TestResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Valid", "Matched", "Matched Key", "Message", "Config Error"})
	tw.AppendRow(table.Row{res.Valid, res.Matched, res.MatchedKey, res.Message, res.ConfigError})
	tw.Render()
}

func writeFormatsTable(w io.Writer, list []formats.Format) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Key", "Label", "Pattern", "Example"})
	for _, f := range list {
		tw.AppendRow(table.Row{f.Key, f.Label, f.Pattern, f.Example})
	}
	tw.Render()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
