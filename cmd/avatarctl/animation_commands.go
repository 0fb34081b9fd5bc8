package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"avatarctl/internal/entity"
	"avatarctl/internal/studio"
	"avatarctl/internal/transport"
)

func newAnimationCommand(ctx *commandContext) *cobra.Command {
	animationCmd := &cobra.Command{
		Use:     "animation",
		Aliases: []string{"anim"},
		Short:   "Plan and generate multi-segment animations",
	}
	animationCmd.AddCommand(newAnimationShowCommand(ctx))
	animationCmd.AddCommand(newAnimationPromptsCommand(ctx))
	animationCmd.AddCommand(newAnimationGenerateCommand(ctx))
	animationCmd.AddCommand(newAnimationRegenerateCommand(ctx))
	animationCmd.AddCommand(newWatchCommand(ctx, entity.KindAnimation, "Watch an animation until every segment is assembled"))
	return animationCmd
}

func newAnimationShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project and its segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				e, project, err := s.Animation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, project)
				}
				printProject(cmd, e, project)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func printProject(cmd *cobra.Command, e entity.Entity, project entity.AnimationProject) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	fmt.Fprintln(out, entityStatusLine(e, false, colorize))
	if project.Title != "" {
		fmt.Fprintln(out, renderStatusLine("Title", statusInfo, project.Title, colorize))
	}
	if project.VideoURL != "" {
		fmt.Fprintln(out, renderStatusLine("Video", statusOK, project.VideoURL, colorize))
	}
	if len(project.Segments) == 0 {
		return
	}
	spec := tableSpec{
		headers:  []string{"#", "Status", "Prompt", "Video"},
		aligns:   []columnAlignment{alignRight},
		colorize: colorize,
	}
	fmt.Fprintln(out, spec.render(buildSegmentRows(project.Segments)))
}

func buildSegmentRows(segments []entity.Segment) [][]string {
	rows := make([][]string, 0, len(segments))
	for _, seg := range segments {
		prompt := strings.TrimSpace(seg.Prompt)
		if prompt == "" {
			prompt = "(no prompt)"
		}
		rows = append(rows, []string{
			strconv.Itoa(seg.Index),
			formatStatusLabel(entity.NormalizeStatus(seg.Status)),
			truncate(prompt, 48),
			seg.VideoURL,
		})
	}
	return rows
}

func newAnimationPromptsCommand(ctx *commandContext) *cobra.Command {
	var assignments []string
	cmd := &cobra.Command{
		Use:   "prompts <id>",
		Short: "Save per-segment prompts",
		Long:  "Save per-segment prompts. Pass --set INDEX=PROMPT once per segment; indexes start at 0.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts, err := parsePromptAssignments(assignments)
			if err != nil {
				return err
			}
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				project, err := retryOnce(ctx, cmd, func() (entity.AnimationProject, error) {
					return s.SavePrompts(cmd.Context(), args[0], prompts)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %d prompt(s) for %s\n", len(prompts), project.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&assignments, "set", nil, "Segment prompt as INDEX=PROMPT (repeatable)")
	return cmd
}

func parsePromptAssignments(values []string) ([]transport.SegmentPrompt, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one --set INDEX=PROMPT is required")
	}
	seen := map[int]bool{}
	prompts := make([]transport.SegmentPrompt, 0, len(values))
	for _, value := range values {
		indexPart, prompt, ok := strings.Cut(value, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q: expected INDEX=PROMPT", value)
		}
		index, err := strconv.Atoi(strings.TrimSpace(indexPart))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid segment index %q", indexPart)
		}
		if seen[index] {
			return nil, fmt.Errorf("segment %d set more than once", index)
		}
		seen[index] = true
		prompts = append(prompts, transport.SegmentPrompt{Index: index, Prompt: strings.TrimSpace(prompt)})
	}
	return prompts, nil
}

func newAnimationGenerateCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "generate <id>",
		Short: "Start generating every segment of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				started, err := retryOnce(ctx, cmd, func() (entity.Entity, error) {
					return s.GenerateAnimation(cmd.Context(), args[0])
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generation started for %s (%s)\n", args[0], formatStatusLabel(started.Status))
				if !watch {
					return nil
				}
				_, err = watchEntity(cmd, s, entity.AnimationKey(args[0]))
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch the project until it finishes")
	return cmd
}

func newAnimationRegenerateCommand(ctx *commandContext) *cobra.Command {
	var prompt string
	var watch bool
	cmd := &cobra.Command{
		Use:   "regenerate <id> <index>",
		Short: "Regenerate one segment, optionally with a new prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil || index < 0 {
				return fmt.Errorf("invalid segment index %q", args[1])
			}
			return ctx.withStudio(cmd, func(s *studio.Studio) error {
				seg, err := retryOnce(ctx, cmd, func() (entity.Entity, error) {
					return s.RegenerateSegment(cmd.Context(), args[0], index, prompt)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Segment %d of %s restarted (%s)\n", index, args[0], formatStatusLabel(seg.Status))
				if !watch {
					return nil
				}
				_, err = watchEntity(cmd, s, entity.SegmentKey(args[0], index))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Replacement prompt for the segment")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch the segment until it finishes")
	return cmd
}
