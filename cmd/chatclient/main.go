// Command chatclient is a line-oriented front end for the chat client core.
// Plain lines are sent as chat messages; slash commands drive suggestions and
// insights.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/assistchat/internal/assist"
	"github.com/whisper/assistchat/internal/chatstate"
	"github.com/whisper/assistchat/internal/client"
	"github.com/whisper/assistchat/internal/config"
	"github.com/whisper/assistchat/internal/insights"
	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/metrics"
	"github.com/whisper/assistchat/internal/suggest"
)

var (
	configPath string
	envFile    string
	name       string
	serverURL  string
	assistURL  string
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Chat with AI reply suggestions from the terminal",
	Long: `Join the chat as NAME and chat line by line.

Commands:
  /type TEXT   preview reply suggestions for TEXT
  /insights    analyse the conversation
  /users       show who is present
  /quit        log out and exit`,
	SilenceUsage: true,
	RunE:         runClient,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "display name (overrides CHAT_NAME)")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "chat server WebSocket URL (overrides CHAT_SERVER_URL)")
	rootCmd.Flags().StringVar(&assistURL, "assist", "", "assistance service base URL (overrides ASSIST_URL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	if name != "" {
		cfg.Client.Name = name
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if assistURL != "" {
		cfg.Client.AssistURL = assistURL
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out := &console{w: cmd.OutOrStdout()}
	lines := readLines(cmd.InOrStdin())

	identity := strings.TrimSpace(cfg.Client.Name)
	for identity == "" {
		out.printf("name: ")
		line, ok := <-lines
		if !ok {
			return client.ErrNoIdentity
		}
		identity = strings.TrimSpace(line)
	}

	ai := assist.New(cfg.Client.AssistURL, assist.WithLogger(logger))
	c, err := client.New(client.NewConfig(cfg.Client), identity, ai, client.Callbacks{
		OnChange:      out.change,
		OnSuggestions: out.suggestions,
		OnInsights:    out.insights,
	}, logger)
	if err != nil {
		return err
	}
	defer c.Logout()

	if err := c.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return repl(ctx, c, lines, out) })
	if cfg.Client.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.Client.MetricsAddr, logger)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

func repl(ctx context.Context, c *client.Client, lines <-chan string, out *console) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(c, line, out); err != nil {
				return err
			}
		}
	}
}

func handleLine(c *client.Client, line string, out *console) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/type":
		c.Type(arg)
	case "/insights":
		c.RequestInsights()
	case "/users":
		out.roster(c.Roster())
	default:
		if err := c.Send(line); err != nil {
			out.printf("! %v\n", err)
		}
	}
	return nil
}

// readLines feeds stdin lines to a channel that closes at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// console serializes output from component goroutines.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *console) printf(format string, args ...interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

func (o *console) change(ch chatstate.Change) {
	switch ch.Kind {
	case chatstate.HistoryReset:
		o.printf("-- history reloaded\n")
	case chatstate.MessageAppended:
		m := ch.Message
		o.printf("[%s] %s: %s\n", m.Timestamp().Format(time.Kitchen), m.Name, m.Text)
	case chatstate.ServerError:
		o.printf("! server: %s\n", ch.Error)
	case chatstate.ConnectionChanged:
		if ch.State.ReconnectIn > 0 {
			o.printf("-- disconnected, retrying in %s\n", ch.State.ReconnectIn)
		} else {
			o.printf("-- %s\n", ch.State.State)
		}
	}
}

func (o *console) roster(members []chatstate.Member) {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
		if m.Self {
			names[i] += " (you)"
		}
	}
	o.printf("-- present: %s\n", strings.Join(names, ", "))
}

func (o *console) suggestions(s suggest.Snapshot) {
	switch s.State {
	case suggest.Requesting:
		o.printf("-- fetching suggestions...\n")
	case suggest.Empty:
		switch {
		case s.Text == "":
		case s.NoSuggestions():
			o.printf("-- no suggestions\n")
		default:
			for i, item := range s.Items {
				o.printf("  %d. %s (%s)\n", i+1, item.Text, item.Origin)
			}
			o.printf("-- no AI suggestions\n")
		}
	case suggest.Error:
		o.printf("! suggestions unavailable: %v\n", s.Err)
	case suggest.Success:
		for i, item := range s.Items {
			o.printf("  %d. %s (%s)\n", i+1, item.Text, item.Origin)
		}
	}
}

func (o *console) insights(s insights.Snapshot) {
	switch s.Status {
	case insights.Loading:
		o.printf("-- analysing...\n")
	case insights.Failed:
		o.printf("! %s\n", s.Message)
	case insights.Ready:
		if len(s.Analyses) == 0 {
			o.printf("-- nothing to analyse yet\n")
		}
		for _, a := range s.Analyses {
			o.printf("  %s: %s; %s\n    reply: %s\n", a.User, a.Emotion, a.Inference, a.SuggestedReply)
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
}
