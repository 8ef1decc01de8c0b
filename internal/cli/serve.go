package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/cmdq/pkg/signaling"
	"github.com/spf13/cobra"
)

var (
	serveHost      string
	servePort      int
	serveSchemaDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling peer emulator",
	Long: `Run a signaling peer that answers requests over WebSocket at /ws.
It serves the echo, delay and fail methods, validates request data against
JSON Schemas from the schema directory (reloaded on change), and exposes
/metrics and /healthz.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveSchemaDir, "schemas", "", "schema directory (overrides server.schema_dir)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("schemas") {
		cfg.Server.SchemaDir = serveSchemaDir
	}

	log := rt.log.Component("serve")

	schemas := signaling.NewSchemaRegistry(&log)
	defer schemas.Close()

	server, err := signaling.NewServer(signaling.ServerConfig{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Schemas:  schemas,
		DedupTTL: cfg.DedupTTL(),
		Logger:   &log,

		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	if err := signaling.RegisterDemoMethods(server); err != nil {
		return fmt.Errorf("failed to register methods: %w", err)
	}

	// Directory schemas load after the built-in ones so files can override them
	if dir := cfg.Server.SchemaDir; dir != "" {
		if _, err := schemas.LoadDir(dir); err != nil {
			return err
		}
		if err := schemas.Watch(dir); err != nil {
			return err
		}
	}

	if err := server.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s/ws\n", server.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutdown requested")
	return server.Stop()
}
