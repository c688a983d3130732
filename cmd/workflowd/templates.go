package main

import (
	"fmt"

	"github.com/blingmoon/audit-workflow/internal/commonregister"
	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and validate workflow templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate template documents (yaml or json) against the built-in actions and predicates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			predicates := workflow.NewPredicateRegistry()
			if err := commonregister.RegisterBuiltinPredicates(predicates); err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				t, err := parseTemplateFile(path)
				if err == nil {
					err = workflow.ValidateTemplate(t, predicates)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %d stages)\n", path, t.ID, len(t.Stages))
			}
			if failed > 0 {
				return errors.Errorf("%d of %d templates invalid", failed, len(args))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "builtin",
		Short: "Print the built-in templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := commonregister.BuiltinTemplates()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			for _, t := range templates {
				if err := enc.Encode(workflow.TemplateToConfig(t)); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
