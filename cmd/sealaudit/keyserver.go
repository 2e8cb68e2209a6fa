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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/keyserver"
	"github.com/org/sealaudit/internal/policy"
)

// keyserverCmd runs one standalone key server. It must share the API's
// postgres database so that its seal_approve simulation sees the same
// policies.
func keyserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyserver",
		Short: "Run a standalone key server node",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			listen, _ := cmd.Flags().GetString("listen")
			shareDir, _ := cmd.Flags().GetString("share-dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage != "postgres" {
				log.Warn().Msg("key server on in-memory storage sees no policies and will deny every fetch")
			}
			master := cfg.MasterKeyBytes()
			if master == nil {
				return errors.New("keyservers.master_key (or SEALAUDIT_MASTER_KEY) is required for a standalone key server")
			}
			defer crypto.Zero(master)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			clk := clock.Real()
			shares, err := openShareStore(shareDir, id)
			if err != nil {
				return err
			}
			ks, err := keyserver.NewServer(keyserver.ServerConfig{
				ID:        id,
				PackageID: cfg.PackageID,
				MasterKey: master,
			}, shares, policy.NewEngine(store, clk, events.Discard), clk)
			if err != nil {
				shares.Close() //nolint:errcheck
				return err
			}
			defer ks.Close() //nolint:errcheck

			httpSrv := &http.Server{
				Addr:         listen,
				Handler:      keyserver.Handler(ks, cfg.KeyServers.StoreToken),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			log.Info().Str("id", id).Str("addr", listen).Bool("accepts_shares", cfg.KeyServers.StoreToken != "").Msg("key server started")

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("key server failed: %w", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("id", "ks-1", "Key server id")
	cmd.Flags().String("listen", ":8301", "Listen address")
	cmd.Flags().String("share-dir", "", "Badger directory for wrapped shares (in-memory when empty)")
	return cmd
}
