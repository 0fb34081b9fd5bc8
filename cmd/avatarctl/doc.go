// Package main hosts the avatarctl CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into calls on a
// studio.Studio: creating avatars, planning and generating animations,
// starting stories, and watching the resulting jobs until they finish. It
// centralizes configuration resolution, logging and telemetry setup so
// subcommands can focus on presentation.
//
// Keep this package lean: new behaviour belongs in the internal packages
// first and is surfaced here through a command or flag.
package main
