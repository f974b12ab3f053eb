// Package chatcmder provides the chat command for interactive chat through a
// running relay.
package chatcmder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/backend"
	"github.com/papercomputeco/chatrelay/pkg/cliui"
	"github.com/papercomputeco/chatrelay/pkg/client"
	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/pkg/dotdir"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/logger"
	"github.com/papercomputeco/chatrelay/pkg/utils"
)

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")
)

// errStopped marks a turn the user interrupted.
var errStopped = errors.New("stopped")

type chatCommander struct {
	relayTarget string
	apiTarget   string
	userID      string
	model       string
	chatID      string
	resume      bool
	markdown    bool
	debug       bool
	configDir   string

	in  io.Reader
	out io.Writer

	relay   *client.Client
	history *client.HistoryClient
	dotdir  *dotdir.Manager
	logger  *slog.Logger

	session *dotdir.SessionState
}

var chatFlags = []string{
	config.FlagRelayTarget,
	config.FlagAPITarget,
	config.FlagUserID,
}

const chatLongDesc string = `Start an interactive chat session through a running relay.

Each message is sent to the relay with the conversation so far, and the
reply is printed as it streams. The relay records every completed turn.
Press Ctrl+C while a reply is streaming to stop it; a stopped turn is not
recorded.

The conversation is saved to session.json in the .chatrelay/ directory
after every turn. Use --resume to continue it, or --chat to continue a
recorded chat loaded from the history API.

Commands inside the session:
  /new     Start a new conversation
  /chats   List your recorded chats
  /exit    Quit (Ctrl+D also works)

Examples:
  chatrelay chat
  chatrelay chat --resume
  chatrelay chat --chat 6f1c... --user-id alice
  chatrelay chat --relay-target http://localhost:3001 --model gpt-4o-mini`

const chatShortDesc string = "Interactive chat through the relay"

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := backend.LoadConfig(cmd, chatFlags)
			if err != nil {
				return err
			}
			cmder.relayTarget = cfg.Client.RelayTarget
			cmder.apiTarget = cfg.Client.APITarget
			cmder.userID = cfg.Client.UserID
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()

			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagRelayTarget, &cmder.relayTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &cmder.apiTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagUserID, &cmder.userID)
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "Model to request (the relay only honors allowlisted models)")
	cmd.Flags().StringVar(&cmder.chatID, "chat", "", "Continue a recorded chat by id")
	cmd.Flags().BoolVar(&cmder.resume, "resume", false, "Continue the saved session")
	cmd.Flags().BoolVar(&cmder.markdown, "markdown", false, "Render each reply as markdown once it completes")

	cmd.MarkFlagsMutuallyExclusive("chat", "resume")

	return cmd
}

func (c *chatCommander) run(ctx context.Context) error {
	c.logger = logger.New(logger.WithDebug(c.debug), logger.WithPretty(true), logger.WithWriter(os.Stderr))
	c.relay = client.New(c.relayTarget)
	c.history = client.NewHistory(c.apiTarget)
	c.dotdir = dotdir.NewManager()

	if err := c.openSession(ctx); err != nil {
		return err
	}

	fmt.Fprintln(c.out)
	if c.session.ChatID != "" {
		fmt.Fprintf(c.out, "  %s Resuming chat %s %s\n",
			cliui.SuccessMark,
			cliui.IDStyle.Render(utils.Truncate(c.session.ChatID, 12)),
			cliui.DimStyle.Render(fmt.Sprintf("(%d messages)", len(c.session.Messages))),
		)
	} else {
		fmt.Fprintf(c.out, "  %s New conversation\n", cliui.DimStyle.Render("●"))
	}
	fmt.Fprintf(c.out, "  %s %s\n\n", cliui.KeyStyle.Render("Relay:"), cliui.NameStyle.Render(c.relayTarget))
	fmt.Fprintf(c.out, "  %s\n\n", cliui.DimStyle.Render("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.out, userPrompt)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/exit":
			fmt.Fprintln(c.out)
			return nil
		case "/new":
			c.session = &dotdir.SessionState{UserID: c.userID}
			if err := c.dotdir.ClearSession(c.configDir); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "  %s New conversation\n\n", cliui.DimStyle.Render("●"))
			continue
		case "/chats":
			c.listChats(ctx)
			continue
		}

		reply, err := c.send(ctx, input)
		switch {
		case errors.Is(err, errStopped):
			fmt.Fprintf(c.out, "\n  %s %s\n\n", cliui.WarnStyle.Render("■"), cliui.DimStyle.Render("stopped, this turn was not recorded"))
			continue
		case err != nil:
			fmt.Fprintf(c.out, "\n  %s %v\n\n", cliui.FailMark, err)
			continue
		}

		c.session.Messages = append(c.session.Messages,
			llm.Message{Role: llm.RoleUser, Content: input},
			llm.Message{Role: llm.RoleAssistant, Content: reply},
		)
		if err := c.dotdir.SaveSession(c.session, c.configDir); err != nil {
			c.logger.Warn("failed to save session", "error", err)
		}

		fmt.Fprint(c.out, "\n\n")
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Fprintln(c.out)
	return nil
}

// openSession picks the conversation to start from: a recorded chat, the
// saved session, or a new one.
func (c *chatCommander) openSession(ctx context.Context) error {
	switch {
	case c.chatID != "":
		history, err := c.history.History(ctx, c.chatID, c.userID)
		if err != nil {
			return fmt.Errorf("loading chat %s: %w", c.chatID, err)
		}
		c.session = &dotdir.SessionState{ChatID: c.chatID, UserID: c.userID, Messages: history}

	case c.resume:
		state, err := c.dotdir.LoadSession(c.configDir)
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		if state == nil {
			state = &dotdir.SessionState{}
		}
		if c.userID == "" {
			c.userID = state.UserID
		}
		c.session = state

	default:
		c.session = &dotdir.SessionState{}
	}

	c.session.UserID = c.userID
	return nil
}

// send runs one turn and returns the complete reply. The chat id the relay
// assigns is kept for the next turn.
func (c *chatCommander) send(ctx context.Context, input string) (string, error) {
	messages := append(c.session.Messages.Clone(), llm.Message{Role: llm.RoleUser, Content: input})

	c.logger.Debug("sending chat turn",
		"relay_target", c.relayTarget,
		"chat_id", c.session.ChatID,
		"message_count", len(messages),
	)

	resp, err := c.relay.Open(ctx, client.Request{
		Messages: messages,
		UserID:   c.userID,
		ChatID:   c.session.ChatID,
		Model:    c.model,
	})
	if err != nil {
		return "", err
	}
	c.session.ChatID = resp.ChatID

	var stopped atomic.Bool
	done := make(chan struct{})
	defer close(done)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case <-interrupts:
			stopped.Store(true)
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.relay.Stop(stopCtx, resp.RequestID); err != nil {
				c.logger.Debug("stop request failed", "request_id", resp.RequestID, "error", err)
				_ = resp.Close()
			}
		case <-done:
		}
	}()

	var reply string
	if c.markdown {
		err = cliui.Step(c.out, "generating", func() error {
			reply, err = resp.Decode(nil)
			return err
		})
		if err == nil {
			rendered, renderErr := cliui.RenderMarkdown(reply)
			if renderErr != nil {
				c.logger.Debug("markdown rendering failed", "error", renderErr)
			}
			fmt.Fprint(c.out, rendered)
		}
	} else {
		fmt.Fprint(c.out, assistantPrompt)
		reply, err = resp.Decode(func(fragment string) error {
			_, werr := io.WriteString(c.out, fragment)
			return werr
		})
	}

	if stopped.Load() {
		return reply, errStopped
	}
	return reply, err
}

func (c *chatCommander) listChats(ctx context.Context) {
	if c.userID == "" {
		fmt.Fprintf(c.out, "  %s\n\n", cliui.DimStyle.Render("Set --user-id to list your chats."))
		return
	}

	chats, err := c.history.Chats(ctx, c.userID)
	if err != nil {
		fmt.Fprintf(c.out, "  %s %v\n\n", cliui.FailMark, err)
		return
	}
	if len(chats) == 0 {
		fmt.Fprintf(c.out, "  %s\n\n", cliui.DimStyle.Render("No recorded chats."))
		return
	}

	fmt.Fprintf(c.out, "\n  %s\n\n", cliui.HeaderStyle.Render("Recorded chats"))
	for _, chat := range chats {
		fmt.Fprintf(c.out, "  %s  %s\n", cliui.IDStyle.Render(chat.ID), cliui.ValueStyle.Render(utils.Truncate(chat.Title, 40)))
	}
	fmt.Fprintln(c.out)
}
