// Command modelq is the operational front-end for a ModelQ deployment:
// queue inspection, task removal, a maintenance worker, and an admin HTTP
// server with metrics. Handler execution lives in the embedding
// application, which runs a modelq.Server over its own Mux.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	modelq "github.com/ModelsLab/modelq-go"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := modelq.LoadConfig()
	rdb := modelq.NewRedisClient(cfg)
	defer rdb.Close()

	cli := modelq.NewClient(rdb,
		modelq.WithTaskTTL(cfg.TaskTTL),
		modelq.WithHistoryRetention(cfg.HistoryRetention),
	)
	ctx := context.Background()

	switch cmd := os.Args[1]; cmd {
	case "status":
		cmdStatus(ctx, cli)
	case "list-queued":
		cmdListQueued(ctx, cli)
	case "remove-task":
		cmdRemoveTask(ctx, cli, os.Args[2:])
	case "clear-queue":
		cmdClearQueue(ctx, cli)
	case "run-workers":
		cmdRunWorkers(rdb, cfg, os.Args[2:])
	case "serve":
		cmdServe(ctx, cli, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: modelq <command> [flags]

commands:
  status                  aggregate queue statistics
  list-queued             tasks waiting in the main queue
  remove-task <id>        remove one task from the queue
  clear-queue             drop the main queue
  run-workers [--workers N]  run a maintenance worker (reaper, promoter)
  serve [--addr :8080]    admin HTTP server with /metrics`)
}

func cmdStatus(ctx context.Context, cli *modelq.Client) {
	stats, err := cli.Stats(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(stats)
}

func cmdListQueued(ctx context.Context, cli *modelq.Client) {
	tasks, err := cli.Queued(ctx)
	if err != nil {
		fatal(err)
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.Name, t.Status)
	}
	fmt.Printf("%d task(s) queued\n", len(tasks))
}

func cmdRemoveTask(ctx context.Context, cli *modelq.Client, args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("remove-task requires a task id"))
	}
	removed, err := cli.RemoveFromQueue(ctx, args[0])
	if err != nil {
		fatal(err)
	}
	if !removed {
		fmt.Println("task not found in queue")
		os.Exit(1)
	}
	fmt.Println("removed")
}

func cmdClearQueue(ctx context.Context, cli *modelq.Client) {
	if err := cli.DeleteQueue(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("queue cleared")
}

func cmdRunWorkers(rdb *redis.Client, cfg modelq.Config, args []string) {
	fs := flag.NewFlagSet("run-workers", flag.ExitOnError)
	workers := fs.Int("workers", 1, "advisory worker count")
	_ = fs.Parse(args)

	log := modelq.NewFmtLogger()
	log.Warnf("no handlers are registered in this binary; running queue maintenance only")

	mux := modelq.NewMux()
	srv := modelq.NewServer(rdb, modelq.ServerConfig{
		WorkerID:         cfg.WorkerID,
		Workers:          *workers,
		RequeueThreshold: cfg.RequeueThreshold,
		RetryDelay:       cfg.RetryDelay,
		TaskTTL:          cfg.TaskTTL,
		HistoryRetention: cfg.HistoryRetention,
		WebhookURL:       cfg.WebhookURL,
		Logger:           log,
	}, mux)

	srv.Start()
	waitForSignal()
	srv.Stop()
}

func cmdServe(ctx context.Context, cli *modelq.Client, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	_ = fs.Parse(args)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", modelq.MetricsHandler())
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := cli.Stats(req.Context())
		writeJSON(w, stats, err)
	})
	r.Get("/tasks/queued", func(w http.ResponseWriter, req *http.Request) {
		tasks, err := cli.Queued(req.Context())
		writeJSON(w, tasks, err)
	})
	r.Get("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		t, err := cli.Details(req.Context(), chi.URLParam(req, "id"))
		writeJSON(w, t, err)
	})
	r.Get("/workers", func(w http.ResponseWriter, req *http.Request) {
		ws, err := cli.Workers(req.Context())
		writeJSON(w, ws, err)
	})

	httpSrv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	fmt.Printf("admin server listening on %s\n", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(err)
	}
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(b))
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "modelq:", err)
	os.Exit(1)
}
