package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

// TransportCLI labels actions run from the command line in metrics and
// audit logs.
const TransportCLI = "cli"

// loadConfig reads the config file and applies the logging flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays free for command output and
// the stdio MCP stream.
func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
}

// openContext builds a ServerContext for a one-shot command. The caller
// must call Shutdown.
func openContext(ctx context.Context) (*server.ServerContext, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	audit := instrumentation.DefaultConfig().AuditLogging
	sc, err := server.NewServerContext(ctx, server.Options{
		Config: cfg,
		Logger: logger,
		Audit:  instrumentation.NewAuditLogger(logger, audit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server context: %w", err)
	}
	return sc, nil
}

// withContext opens a ServerContext, runs fn and shuts the context down.
func withContext(cmd *cobra.Command, fn func(ctx context.Context, sc *server.ServerContext) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := openContext(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sc.Shutdown(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error during shutdown: %v\n", err)
		}
	}()
	return fn(ctx, sc)
}

// runAction sends one action through the dispatcher. With --json the raw
// response is printed. A failed response becomes an error.
func runAction(ctx context.Context, w io.Writer, sc *server.ServerContext, action messages.Action, data any) (messages.Response, error) {
	resp := sc.Dispatcher().HandleAction(ctx, TransportCLI, action, data)
	if jsonOutput {
		if err := writeJSON(w, resp); err != nil {
			return resp, err
		}
	}
	if !resp.Success {
		if resp.RequiresReauth {
			return resp, fmt.Errorf("%s: %s (run \"inboxlink auth login\")", action, resp.Error)
		}
		return resp, fmt.Errorf("%s: %s", action, resp.Error)
	}
	return resp, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// payloadValue decodes one payload key into T.
func payloadValue[T any](resp messages.Response, key string) (T, error) {
	var v T
	raw, ok := resp.Payload[key]
	if !ok || raw == nil {
		return v, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return v, nil
}

// decodePayload decodes the whole payload into T, for actions that
// return a flattened struct.
func decodePayload[T any](resp messages.Response) (T, error) {
	var v T
	b, err := json.Marshal(resp.Payload)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode response: %w", err)
	}
	return v, nil
}

// parseCommaSeparatedList splits a comma-separated flag value, dropping
// empty items.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// terminalWidth reads $COLUMNS, falling back to 80.
func terminalWidth() int {
	var n int
	if _, err := fmt.Sscanf(os.Getenv("COLUMNS"), "%d", &n); err == nil && n > 20 {
		return n
	}
	return 80
}
