package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voxbridge/config"
	"voxbridge/media"
	"voxbridge/media/discordvoice"
	"voxbridge/relay"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	serveCmd.Flags().String("listen", "", "Address for the relay and health endpoints")
	serveCmd.Flags().String("capture-dir", "", "Directory for archived speech segments")
	viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("capture_dir", serveCmd.Flags().Lookup("capture-dir"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	viper.SetConfigName("voxbridge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/voxbridge")
	viper.SetEnvPrefix("voxbridge")
	viper.AutomaticEnv()
	config.SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "voxbridge",
	Short: "voxbridge relays voice-channel media for a conversational agent",
	Long: `voxbridge sits between a control process and Discord voice. The control
process relays signalling over one WebSocket; the bridge owns the media
connection, captures per-speaker speech segments, detects barge-in, and
plays synthesized audio back.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media bridge",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", "error", err)
	}

	dialer := discordvoice.NewDialer(logger)
	bridge := relay.New(logger, cfg, dialer, media.NewOpusDecoder)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: bridge.Router(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
