package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joescharf/crew/internal/apiclient"
	"github.com/joescharf/crew/internal/relay"
)

// detachKey is Ctrl-], same convention as docker attach.
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a running session",
	Long: `Attach the local terminal to a running session.

Recent output is replayed first so you see what happened before you
connected, then live output streams in. Keystrokes and terminal resizes
are forwarded to the agent. Detach with Ctrl-] without killing the agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return attachRun(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func attachRun(ctx context.Context, id string) error {
	stream, err := getClient().Attach(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdinFd, oldState) }()

		sendSize(stream, stdinFd)

		if sigs := resizeSignals(); len(sigs) > 0 {
			winch := make(chan os.Signal, 1)
			signal.Notify(winch, sigs...)
			defer signal.Stop(winch)
			go func() {
				for range winch {
					sendSize(stream, stdinFd)
				}
			}()
		}
	}

	// Forward stdin until the detach key or EOF. Closing the stream below
	// unblocks the frame loop.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				for i, b := range chunk {
					if interactive && b == detachKey {
						if i > 0 {
							_ = stream.SendInput(chunk[:i])
						}
						_ = stream.Close()
						return
					}
				}
				if err := stream.SendInput(chunk); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		f, err := stream.ReadFrame()
		if err != nil {
			// Detach (stream closed locally) or network drop; the session
			// keeps running either way.
			return nil
		}
		switch f.Type {
		case relay.FrameOutput:
			_, _ = os.Stdout.Write(f.Data)
		case relay.FrameEnded:
			if interactive {
				fmt.Fprint(os.Stdout, "\r\n")
			}
			if f.ExitCode != nil {
				ui.Info("Session ended (exit code %d)", *f.ExitCode)
			} else {
				ui.Info("Session ended")
			}
			return nil
		}
	}
}

func sendSize(stream *apiclient.AttachStream, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	_ = stream.SendResize(uint16(rows), uint16(cols))
}
