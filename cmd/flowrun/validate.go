package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/flowrun-go/flow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>",
	Short: "Check a workflow definition and print its execution plan",
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

		graph, err := flow.BuildGraph(def)
		if err != nil {
			return err
		}

		fmt.Printf("workflow %s: %d steps, valid\n", def.ID, len(def.Steps))
		fmt.Println("execution order:")
		for _, id := range graph.Order {
			deps := make([]string, 0, len(graph.Deps[id]))
			for dep := range graph.Deps[id] {
				deps = append(deps, dep)
			}
			sort.Strings(deps)
			if len(deps) == 0 {
				fmt.Printf("  %s\n", id)
				continue
			}
			fmt.Printf("  %s (after %s)\n", id, strings.Join(deps, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
