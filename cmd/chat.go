package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/gateway"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one chat turn through the configured provider",
		Long: `Send one chat turn in-process, using the same provider resolution as the
server. Without a configured provider the demo responder answers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().Bool("stream", false, "Print the reply as it streams")
	cmd.Flags().String("user", "", "User id for provider preference lookup")
	cmd.Flags().String("provider", "", "Provider id to use instead of the resolved one")
	cmd.Flags().String("profile", "", "Profile context appended to the system prompt")
	cmd.Flags().StringSlice("image", nil, "Image blob key to attach (repeatable)")
	cmd.Flags().Bool("usage", false, "Print token usage after the reply")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stream, _ := cmd.Flags().GetBool("stream")
	showUsage, _ := cmd.Flags().GetBool("usage")
	req := gateway.ChatRequest{Message: strings.Join(args, " ")}
	req.UserID, _ = cmd.Flags().GetString("user")
	req.ProviderID, _ = cmd.Flags().GetString("provider")
	req.ProfileContext, _ = cmd.Flags().GetString("profile")
	keys, _ := cmd.Flags().GetStringSlice("image")
	for _, k := range keys {
		req.Images = append(req.Images, gateway.ImageInput{Key: k})
	}

	out := cmd.OutOrStdout()
	var streamErr string
	sink := func(ev ai.StreamEvent) error {
		switch ev.Kind {
		case ai.EventDelta:
			fmt.Fprint(out, ev.Text)
		case ai.EventError:
			streamErr = ev.Error
		}
		return nil
	}

	res, err := a.service.Chat(cmd.Context(), req, stream, sink)
	if stream {
		fmt.Fprintln(out)
	}
	if streamErr != "" {
		fmt.Fprintf(os.Stderr, "stream error: %s\n", streamErr)
	}
	if err != nil {
		return err
	}

	if !stream {
		fmt.Fprintln(out, res.Text)
	}
	if res.Demo {
		fmt.Fprintln(os.Stderr, "(demo mode: no provider configured, see 'zen-gateway providers add')")
	}
	if showUsage && res.Usage != nil {
		est := ""
		if res.Usage.Estimated {
			est = " (estimated)"
		}
		fmt.Fprintf(os.Stderr, "%s via %s: %d in / %d out tokens%s, %v\n",
			res.ProviderName, res.Kind, res.Usage.InputTokens, res.Usage.OutputTokens, est, res.Latency.Round(time.Millisecond))
	}
	return nil
}
