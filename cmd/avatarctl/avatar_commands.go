package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"avatarctl/internal/entity"
	"avatarctl/internal/studio"
	"avatarctl/internal/transport"
)

func newAvatarCommand(ctx *commandContext) *cobra.Command {
	avatarCmd := &cobra.Command{
		Use:   "avatar",
		Short: "Create and inspect avatars",
	}
	avatarCmd.AddCommand(newAvatarCreateCommand(ctx))
	avatarCmd.AddCommand(newAvatarShowCommand(ctx))
	avatarCmd.AddCommand(newAvatarListCommand(ctx))
	avatarCmd.AddCommand(newWatchCommand(ctx, entity.KindAvatar, "Watch an avatar until generation finishes"))
	return avatarCmd
}

func newAvatarCreateCommand(ctx *commandContext) *cobra.Command {
	var req transport.CreateAvatarRequest
	var watch bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start generating a new avatar",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Prompt) == "" {
				return errors.New("--prompt is required")
			}
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				created, err := retryOnce(ctx, cmd, func() (entity.Entity, error) {
					return s.CreateAvatar(cmd.Context(), req)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Avatar %s created (%s)\n", created.Key.ID, formatStatusLabel(created.Status))
				if !watch {
					return nil
				}
				_, err = watchEntity(cmd, s, created.Key)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&req.Name, "name", "n", "", "Display name")
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "Description of the avatar")
	cmd.Flags().StringVar(&req.Style, "style", "", "Optional art style")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch the job until it finishes")
	return cmd
}

func newAvatarShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				e, avatar, err := s.Avatar(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, avatar)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, entityStatusLine(e, false, colorize))
				fmt.Fprintln(out, renderStatusLine("Name", statusInfo, avatar.Name, colorize))
				fmt.Fprintln(out, renderStatusLine("Prompt", statusInfo, avatar.Prompt, colorize))
				if avatar.ImageURL != "" {
					fmt.Fprintln(out, renderStatusLine("Image", statusOK, avatar.ImageURL, colorize))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newAvatarListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List avatars",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				avatars, err := s.ListAvatars(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if avatars == nil {
						avatars = []entity.Avatar{}
					}
					return writeJSON(cmd, avatars)
				}
				out := cmd.OutOrStdout()
				if len(avatars) == 0 {
					fmt.Fprintln(out, "No avatars yet")
					return nil
				}
				fmt.Fprintln(out, avatarTable(shouldColorize(out)).render(buildAvatarRows(avatars)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func avatarTable(colorize bool) tableSpec {
	return tableSpec{
		headers:  []string{"ID", "Name", "Status", "Updated"},
		colorize: colorize,
	}
}

func buildAvatarRows(avatars []entity.Avatar) [][]string {
	sorted := append([]entity.Avatar(nil), avatars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	rows := make([][]string, 0, len(sorted))
	for _, a := range sorted {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = "(unnamed)"
		}
		rows = append(rows, []string{a.ID, name, formatStatusLabel(entity.NormalizeStatus(a.Status)), formatDisplayTime(a.UpdatedAt)})
	}
	return rows
}

// newWatchCommand builds the "watch <id>" subcommand shared by every kind.
func newWatchCommand(ctx *commandContext, kind entity.Kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: short,
		Long:  short + ".\n\nSend SIGUSR1 to pause polling and SIGUSR2 to resume it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := entity.NewKey(kind, args[0])
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				_, err := watchEntity(cmd, s, key)
				return err
			})
		},
	}
}
