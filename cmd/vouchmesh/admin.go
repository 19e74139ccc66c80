package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vouchmesh/vouchmesh/internal/health"
	"github.com/vouchmesh/vouchmesh/internal/metrics"
	"github.com/vouchmesh/vouchmesh/internal/persist"
)

// maxStateBody bounds the state blob accepted over the admin endpoint.
const maxStateBody = 64 << 20

// adminServer is the local control surface: metrics, status and the
// commit/recover entry points. It binds to loopback by default and
// carries no authentication of its own.
type adminServer struct {
	svc    *persist.Service
	server *http.Server
}

func newAdminServer(listen string, svc *persist.Service) *adminServer {
	a := &adminServer{svc: svc}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("POST /v1/commit", a.handleCommit)
	mux.HandleFunc("POST /v1/recover", a.handleRecover)

	a.server = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

func (a *adminServer) Start() {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

func (a *adminServer) Stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin shutdown incomplete")
	}
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.svc.Status()); err != nil {
		log.Warn().Err(err).Msg("Status encode failed")
	}
}

func (a *adminServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxStateBody))
	if err != nil {
		http.Error(w, "read state", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty state", http.StatusBadRequest)
		return
	}

	if err := a.svc.Commit(r.Context(), raw); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, health.ErrWritesBlocked) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.handleStatus(w, r)
}

func (a *adminServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	raw, err := a.svc.Recover(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(raw); err != nil {
		log.Warn().Err(err).Msg("Recovered state write failed")
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(adminURL + "/v1/status")
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", adminURL, err)
	}
	defer resp.Body.Close()

	var st persist.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	printStatus(st)
	return nil
}

func printStatus(st persist.Status) {
	fmt.Printf("Tier:                %s\n", st.Tier)
	fmt.Printf("Snapshot version:    %d\n", st.SnapshotVersion)
	fmt.Printf("Chunks:              %d (%d at replica target)\n", st.ChunksTotal, st.FullyReplicated)
	fmt.Printf("Recovery confidence: %.0f%%\n", st.RecoveryConfidence*100)
	fmt.Printf("Participants:        %d\n", st.Participants)
	fmt.Printf("Chunks held:         %d\n", st.ChunksHeld)
	if st.LastCommitAge > 0 {
		fmt.Printf("Last commit:         %s ago\n", st.LastCommitAge.Round(time.Second))
	}
}

func runCommit(cmd *cobra.Command, args []string) error {
	state, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer state.Close()

	resp, err := http.Post(adminURL+"/v1/commit", "application/octet-stream", state)
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", adminURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("commit refused: %s", string(body))
	}

	var st persist.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	printStatus(st)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(adminURL+"/v1/recover", "application/octet-stream", nil)
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", adminURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("recovery failed: %s", string(body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read recovered state: %w", err)
	}

	if outFile == "" {
		_, err = os.Stdout.Write(raw)
		return err
	}
	if err := os.WriteFile(outFile, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outFile, err)
	}
	fmt.Fprintf(os.Stderr, "Recovered %d bytes to %s\n", len(raw), outFile)
	return nil
}
