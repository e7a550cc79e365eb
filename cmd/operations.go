package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"apsbulk/internal/checkpoint"
	"apsbulk/internal/config"
)

func newOperationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operations",
		Aliases: []string{"ops"},
		Short:   "List, inspect, resume and cancel bulk operations",
	}
	cmd.AddCommand(
		newListCmd(),
		newStatusCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newDeleteCmd(),
	)
	return cmd
}

func newListCmd() *cobra.Command {
	var status, kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := checkpoint.Filter{Status: checkpoint.OperationStatus(status), Kind: kind}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}

			s, err := newSession(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()

			ops, err := s.app.List(s.ctx, filter)
			if err != nil {
				return err
			}
			renderSummaries(cmd.OutOrStdout(), ops)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only operations with this status")
	cmd.Flags().StringVar(&kind, "kind", "", "Only operations of this kind")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show the state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()

			state, err := s.app.Status(s.ctx, args[0])
			if err != nil {
				return err
			}
			return writeState(cmd.OutOrStdout(), state, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table/json/yaml)")
	return cmd
}

func writeState(w io.Writer, state *checkpoint.OperationState, format string) error {
	switch format {
	case "table", "":
		renderState(w, state)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "yaml":
		// go through JSON so field names match the stored document
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (valid: table, json, yaml)", format)
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [ID]",
		Short: "Resume an interrupted operation (the most recent one when ID is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// s3 uploads resume without a token
			s, err := newSession(cmd, func(c *config.Config) bool { return c.APS.Token != "" })
			if err != nil {
				return err
			}
			defer s.close()

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			res, err := s.app.Resume(s.ctx, id)
			return finish(cmd, res, err)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Mark an operation cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.app.Cancel(s.ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s cancelled\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete the saved state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, nil)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.app.Delete(s.ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s deleted\n", args[0])
			return nil
		},
	}
}
