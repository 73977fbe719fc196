package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/guard"
	"github.com/dshills/flowrun-go/flow/step"
	"github.com/dshills/flowrun-go/flow/store"
)

var (
	flagTrigger     string
	flagDB          string
	flagCreds       []string
	flagStepTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <definition.yaml>",
	Short: "Execute a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		def, err := flow.ParseDefinition(data)
		if err != nil {
			return err
		}

		trigger := map[string]interface{}{}
		if flagTrigger != "" {
			if err := json.Unmarshal([]byte(flagTrigger), &trigger); err != nil {
				return fmt.Errorf("invalid trigger JSON: %w", err)
			}
		}

		creds := flow.CredentialMap{}
		for _, kv := range flagCreds {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid credential %q, want name=value", kv)
			}
			creds[name] = value
		}

		registry := step.NewRegistry()
		if err := registry.Register("http.request", step.NewHTTPStep(http.DefaultClient)); err != nil {
			return err
		}

		opts := []flow.Option{
			flow.WithGuards(guard.NewRegistry(guard.Config{Timeout: flagStepTimeout})),
			flow.WithCredentials(creds),
		}
		if !flagQuiet {
			opts = append(opts, flow.WithEmitter(emit.NewLogEmitter(os.Stderr, flagJSONLogs)))
		}

		var st *store.SQLiteStore
		if flagDB != "" {
			st, err = store.NewSQLiteStore(flagDB)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			opts = append(opts, flow.WithRecorder(store.NewRecorder(st)))
		}

		eng, err := flow.New(registry, opts...)
		if err != nil {
			return err
		}
		defer eng.Guards().Close()

		result, err := eng.Execute(cmd.Context(), def, trigger)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]interface{}{
			"run_id": result.RunID,
			"status": string(result.Status),
			"output": result.Output,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if result.Status == flow.RunFailed {
			return fmt.Errorf("run %s failed: %v", result.RunID, result.Err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&flagTrigger, "trigger", "", "trigger payload as JSON")
	runCmd.Flags().StringVar(&flagDB, "db", "", "SQLite database path for run history")
	runCmd.Flags().StringArrayVar(&flagCreds, "cred", nil, "credential as name=value (repeatable)")
	runCmd.Flags().DurationVar(&flagStepTimeout, "step-timeout", 30*time.Second, "per-call timeout for outbound steps")
	rootCmd.AddCommand(runCmd)
}
