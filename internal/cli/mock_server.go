package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/daryltucker/evalstream/internal/fakeapi"
	"github.com/daryltucker/evalstream/internal/output"
)

var (
	mockAddr          string
	mockCredits       int
	mockOverrideToken string
	mockRequireToken  string
	mockLineDelay     time.Duration
	mockEncoding      string
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a deterministic fake eval backend for local testing",
	Long: `Serves the run, credits, title, results and eval endpoints on --addr.
Scores are derived from the model id and trial number, so every run is reproducible.`,
	Example: `  evalstream mock-server --addr 127.0.0.1:3000 --line-delay 300ms
  EVALSTREAM_BASE_URL=http://127.0.0.1:3000 evalstream run --prompt "hi" --rubric "be nice"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := fakeapi.New()
		s.Credits = &mockCredits
		s.OverrideToken = mockOverrideToken
		s.Token = mockRequireToken
		s.LineDelay = mockLineDelay
		s.Encoding = mockEncoding
		s.Logger = output.Logger

		ln, err := net.Listen("tcp", mockAddr)
		if err != nil {
			return err
		}
		return serveMock(cmd.Context(), ln, s.Handler())
	},
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:3000", "listen address")
	mockServerCmd.Flags().IntVar(&mockCredits, "credits", 3, "credits reported to clients")
	mockServerCmd.Flags().StringVar(&mockOverrideToken, "override-token", "", "report this OpenRouter token, lifting the credit limit")
	mockServerCmd.Flags().StringVar(&mockRequireToken, "require-token", "", "reject requests without this bearer token")
	mockServerCmd.Flags().DurationVar(&mockLineDelay, "line-delay", 200*time.Millisecond, "pause between streamed lines")
	mockServerCmd.Flags().StringVar(&mockEncoding, "encoding", "", "stream encoding when accepted: gzip or zstd")
}

func serveMock(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	clog.FromContext(ctx).Info("Mock backend listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
