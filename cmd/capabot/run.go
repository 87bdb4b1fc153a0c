package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/orchestrator"
)

type runOptions struct {
	identity      string
	attachmentDir string
	showEvents    bool
	maxCalls      int
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt and print the conversation",
		Example: `  capabot run "what is 17 times 23?"
  capabot run --identity alice "remember that my favourite colour is teal"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.configPath, root.logLevel)
			if err != nil {
				return err
			}
			if opts.maxCalls >= 0 {
				cfg.Limits.MaxCapabilityCalls = opts.maxCalls
			}

			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			rc := orchestrator.RunContext{Identity: opts.identity}
			done := make(chan struct{})
			if opts.showEvents {
				events := orchestrator.NewEventEmitter(64)
				rc.Events = events
				go func() {
					defer close(done)
					printEvents(cmd.ErrOrStderr(), events.Events())
				}()
				defer func() {
					events.Close()
					<-done
				}()
			}

			input := []conversation.Turn{conversation.NewUserTurn(strings.Join(args, " "))}
			turns, err := a.loop.Run(cmd.Context(), input, rc)
			if err != nil {
				return err
			}

			printTurns(out, turns[len(input)-1:])
			if opts.attachmentDir != "" {
				if err := saveAttachments(out, opts.attachmentDir, turns); err != nil {
					return err
				}
			}
			u := a.client.Usage()
			fmt.Fprintln(out, color.HiBlackString("tokens: %d in, %d out", u.InputTokens, u.OutputTokens))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.identity, "identity", os.Getenv("USER"), "conversation owner, used for memories")
	cmd.Flags().StringVar(&opts.attachmentDir, "save-attachments", "", "write capability attachments into this directory")
	cmd.Flags().BoolVar(&opts.showEvents, "events", false, "print loop events to stderr")
	cmd.Flags().IntVar(&opts.maxCalls, "max-calls", -1, "override the capability call limit")
	return cmd
}

// printTurns writes each turn with a coloured role label.
func printTurns(w io.Writer, turns []conversation.Turn) {
	for _, t := range turns {
		var label string
		switch t.Role() {
		case conversation.RoleUser:
			label = color.CyanString("user")
		case conversation.RoleAssistant:
			label = color.GreenString("assistant")
		default:
			label = color.YellowString("system")
		}
		fmt.Fprintf(w, "%s: %s\n", label, t.Content)
		if t.Attachment != nil {
			fmt.Fprintf(w, "  %s %s (%s, %d bytes)\n", color.MagentaString("attachment"),
				t.Attachment.Name, t.Attachment.MediaType, len(t.Attachment.Data))
		}
	}
}

func printEvents(w io.Writer, events <-chan orchestrator.Event) {
	for ev := range events {
		fmt.Fprintf(w, "%s %s %v\n", color.BlueString(string(ev.Kind)), ev.State, ev.Data)
	}
}

func saveAttachments(w io.Writer, dir string, turns []conversation.Turn) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, t := range turns {
		if t.Attachment == nil {
			continue
		}
		name := filepath.Base(t.Attachment.Name)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = fmt.Sprintf("attachment-%d.bin", i)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, t.Attachment.Data, 0o644); err != nil {
			return fmt.Errorf("saving attachment: %w", err)
		}
		fmt.Fprintln(w, color.GreenString("saved %s", path))
	}
	return nil
}
