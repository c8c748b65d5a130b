package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ragdesk_back/api"
)

const shutdownTimeout = 15 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		srv, err := api.NewServer(api.Deps{
			Documents:      a.repo,
			Chatbots:       a.repo,
			Files:          a.files,
			Websites:       a.websites,
			Pipeline:       a.pipeline,
			Query:          a.query,
			Vectors:        a.vectors,
			Catalog:        a.catalog,
			JWTSecret:      a.cfg.Auth.JWTSecret,
			Realm:          a.cfg.Auth.Realm,
			AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		})
		if err != nil {
			return err
		}

		port := a.cfg.HTTP.Port
		if servePort != "" {
			port = servePort
		}
		httpServer := &http.Server{
			Addr:              ":" + port,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("ragdesk: listening on :%s (vector backend %s)", port, a.cfg.Vector.Backend)
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("start server: %w", err)
			}
		case <-ctx.Done():
			log.Printf("ragdesk: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("ragdesk: shutdown: %v", err)
			}
		}
		srv.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides http.port)")
	rootCmd.AddCommand(serveCmd)
}
