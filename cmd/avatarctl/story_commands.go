package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"avatarctl/internal/entity"
	"avatarctl/internal/studio"
	"avatarctl/internal/transport"
)

func newStoryCommand(ctx *commandContext) *cobra.Command {
	storyCmd := &cobra.Command{
		Use:   "story",
		Short: "Generate narrated stories",
	}
	storyCmd.AddCommand(newStoryCreateCommand(ctx))
	storyCmd.AddCommand(newStoryShowCommand(ctx))
	storyCmd.AddCommand(newWatchCommand(ctx, entity.KindStory, "Watch a story job until it finishes"))
	return storyCmd
}

func newStoryCreateCommand(ctx *commandContext) *cobra.Command {
	var req transport.CreateStoryRequest
	var watch bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a story generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Prompt) == "" {
				return errors.New("--prompt is required")
			}
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				created, err := retryOnce(ctx, cmd, func() (entity.Entity, error) {
					return s.CreateStory(cmd.Context(), req)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Story %s started (%s)\n", created.Key.ID, formatStatusLabel(created.Status))
				if !watch {
					return nil
				}
				final, err := watchEntity(cmd, s, created.Key)
				if err != nil {
					return err
				}
				printStoryResult(cmd, final)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "What the story is about")
	cmd.Flags().StringVarP(&req.AvatarID, "avatar", "a", "", "Avatar narrating the story")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch the job until it finishes")
	return cmd
}

func newStoryShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a story job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				e, story, err := s.Story(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, story)
				}
				fmt.Fprintln(cmd.OutOrStdout(), entityStatusLine(e, false, shouldColorize(cmd.OutOrStdout())))
				printStoryResult(cmd, e)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func printStoryResult(cmd *cobra.Command, e entity.Entity) {
	story, err := entity.Decode[entity.Story](e)
	if err != nil {
		return
	}
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	if story.AudioURL != "" {
		fmt.Fprintln(out, renderStatusLine("Audio", statusOK, story.AudioURL, colorize))
	}
	if text := strings.TrimSpace(story.Text); text != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, text)
	}
}
