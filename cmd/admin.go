package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"apsbulk/internal/app"
	"apsbulk/internal/worker"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Apply a user change across many account projects",
		Long: `Apply a membership or permission change to every account project matching a filter.

Filter expressions are comma separated key:value pairs:
  name:*Hospital*       project name glob
  status:active         active, inactive or archived
  platform:acc          acc or bim360
  created:>2024-01-01   created after (>) or before (<) a date`,
	}

	cmd.AddCommand(
		newAdminKindCmd(worker.KindAddUser, "Add a user to matching projects", nil),
		newAdminKindCmd(worker.KindRemoveUser, "Remove a user from matching projects", nil),
		newAdminKindCmd(worker.KindUpdateRole, "Change a user's role in matching projects", func(cmd *cobra.Command, req *app.AdminRequest) {
			cmd.Flags().StringVar(&req.FromRoleID, "from-role", "", "Only change users currently holding this role id")
			cmd.MarkFlagRequired("role")
		}),
		newAdminKindCmd(worker.KindFolderRights, "Grant a user folder permissions in matching projects", func(cmd *cobra.Command, req *app.AdminRequest) {
			cmd.Flags().StringVar(&req.Folder, "folder", "project-files", "Top folder (project-files/plans)")
			cmd.Flags().StringVar(&req.Level, "level", "", fmt.Sprintf("Permission level (%s)", strings.Join(worker.Levels(), "/")))
			cmd.MarkFlagRequired("level")
		}),
	)
	return cmd
}

func newAdminKindCmd(kind, short string, extra func(*cobra.Command, *app.AdminRequest)) *cobra.Command {
	req := app.AdminRequest{Kind: kind}

	cmd := &cobra.Command{
		Use:   kind + " EMAIL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Email = args[0]

			s, err := newSession(cmd, always)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.app.Admin(s.ctx, req)
			return finish(cmd, res, err)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Filter, "filter", "", "Project filter expression")
	f.StringSliceVar(&req.Include, "include", nil, "Only these project ids")
	f.StringSliceVar(&req.Exclude, "exclude", nil, "Skip these project ids")
	if kind != worker.KindRemoveUser && kind != worker.KindFolderRights {
		f.StringVar(&req.RoleID, "role", "", "Project role id")
	}
	if extra != nil {
		extra(cmd, &req)
	}
	return cmd
}
