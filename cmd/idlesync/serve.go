package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-idlesync/config"
	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an engine and serve /metrics and /debug/idling",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		return serve(ctx, addr, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func serve(ctx context.Context, addr string, cfg *config.Config, logger core.Logger) error {
	e, err := newEngine("main", cfg, logger)
	if err != nil {
		return err
	}
	e.start(ctx)
	defer e.stop()

	if cfgFile != "" {
		w, err := config.Watch(cfgFile, e.policies, logger)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(e),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", core.F("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(e *engine) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	debug := r.PathPrefix("/debug/idling").Subrouter()
	debug.HandleFunc("", e.handleStatus).Methods(http.MethodGet)
	debug.HandleFunc("/wait", e.handleWait).Methods(http.MethodPost)
	debug.HandleFunc("/resources/{name}", e.handleResource).Methods(http.MethodPost, http.MethodDelete)
	return r
}

type statusResponse struct {
	Looper        core.LooperStats      `json:"looper"`
	Pool          core.PoolStats        `json:"pool"`
	Registry      core.RegistryStats    `json:"registry"`
	BusyResources []string              `json:"busy_resources"`
	Consistent    bool                  `json:"consistent"`
	Generation    uint64                `json:"generation"`
	Recent        []core.DispatchRecord `json:"recent_dispatches"`
	Policies      map[string]string     `json:"policies"`
}

func (e *engine) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		Looper:     e.looper.Stats(),
		Pool:       e.pool.Stats(),
		Registry:   e.registry.Stats(),
		Generation: e.ctrl.Generation(),
		Recent:     e.looper.RecentDispatches(20),
		Policies: map[string]string{
			"master":          e.policies.Master().Timeout.String(),
			"dynamic_warning": e.policies.DynamicWarning().Timeout.String(),
			"dynamic_error":   e.policies.DynamicError().Timeout.String(),
		},
	}
	err := e.looper.RunSync(req.Context(), func() {
		resp.BusyResources, resp.Consistent = e.registry.BusyResources()
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type waitResponse struct {
	Idle    bool   `json:"idle"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

// handleWait runs one wait. An optional timeout query parameter bounds the
// request independently of the idling policies.
func (e *engine) handleWait(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if raw := req.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	err := e.ctrl.LoopUntilIdle(ctx)
	resp := waitResponse{Idle: err == nil, Elapsed: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		resp.Error = err.Error()
	}

	status := http.StatusOK
	var notIdle *idling.AppNotIdleError
	var timedOut *idling.IdlingResourceTimeoutError
	switch {
	case err == nil:
	case errors.As(err, &notIdle), errors.As(err, &timedOut):
		status = http.StatusConflict
	default:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleResource marks a named counting resource busy (POST) or done
// (DELETE), registering it on first use. It lets external drivers model
// work the engine cannot see.
func (e *engine) handleResource(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	res := e.countingResource(name)

	switch req.Method {
	case http.MethodPost:
		res.Increment()
	case http.MethodDelete:
		if err := res.TryDecrement(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource": name, "count": res.Count()})
}

func (e *engine) countingResource(name string) *idling.CountingResource {
	e.resourcesMu.Lock()
	defer e.resourcesMu.Unlock()
	if res, ok := e.resources[name]; ok {
		return res
	}
	res := idling.NewCountingResource(name, false, e.logger)
	e.registry.RegisterResources(res)
	e.resources[name] = res
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
