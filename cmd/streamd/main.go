// streamd serves conversation event streams over SSE and accepts tool
// approval decisions. It wires the shared Redis and Mongo client handles at
// startup and passes them down by reference; nothing in the tree holds
// process-wide mutable state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/runstream/approval"
	approvalredis "goa.design/runstream/approval/redis"
	"goa.design/runstream/checkpoint"
	checkpointinmem "goa.design/runstream/checkpoint/inmem"
	checkpointmongo "goa.design/runstream/checkpoint/mongo"
	"goa.design/runstream/consumer"
	feedpulse "goa.design/runstream/feed/pulse"
	clientspulse "goa.design/runstream/feed/pulse/clients/pulse"
	journalredis "goa.design/runstream/journal/redis"
	"goa.design/runstream/sse"
	"goa.design/runstream/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		httpF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *httpF != "" {
		cfg.HTTP.Addr = *httpF
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr}, log.KV{K: "redis-addr", V: cfg.Redis.Addr})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	jnl, err := journalredis.New(journalredis.Options{
		Client:    rdb,
		KeyPrefix: cfg.Journal.KeyPrefix,
		MaxLen:    cfg.Journal.MaxLen,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	pingers := []health.Pinger{jnl}

	var checkpoints checkpoint.Store
	if cfg.Mongo.URI != "" {
		mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("connect mongo: %w", err))
		}
		defer func() {
			if derr := mongoClient.Disconnect(context.Background()); derr != nil {
				log.Errorf(ctx, derr, "disconnect mongo")
			}
		}()
		store, err := checkpointmongo.New(checkpointmongo.Options{
			Client:     mongoClient,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		checkpoints = store
		pingers = append(pingers, store)
	} else {
		log.Printf(ctx, "no mongo uri configured, using in-memory checkpoints")
		checkpoints = checkpointinmem.New()
	}

	approvalStores, err := approvalredis.New(approvalredis.Options{
		Client:      rdb,
		DecisionTTL: cfg.Approval.DecisionTTL.Std(),
		PendingTTL:  cfg.Approval.PendingTTL.Std(),
		ResultTTL:   cfg.Approval.ResultTTL.Std(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	pingers = append(pingers, approvalStores)

	gate, err := approval.NewGate(approval.Options{
		Decisions: approvalStores.Decisions,
		Pending:   approvalStores.Pending,
		Results:   approvalStores.Results,
		Logger:    logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	cons, err := consumer.New(consumer.Options{
		Journal:           jnl,
		Checkpoints:       checkpoints,
		BatchSize:         cfg.Consumer.BatchSize,
		BlockTimeout:      cfg.Consumer.BlockTimeout.Std(),
		KeepAliveInterval: cfg.Consumer.KeepAliveInterval.Std(),
		RetryDelay:        cfg.Consumer.RetryDelay.Std(),
		StopAtEnd:         true,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	events, err := sse.NewHandler(sse.Options{
		Streamer: cons,
		Format:   sse.Format(cfg.HTTP.Format),
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// The live endpoint serves the cross-process Pulse feed over the same
	// SSE wire contract as the journal replay endpoint.
	pulseClient, err := clientspulse.New(clientspulse.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.Feed.StreamMaxLen,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer func() {
		if cerr := pulseClient.Close(context.Background()); cerr != nil {
			log.Errorf(ctx, cerr, "close pulse client")
		}
	}()
	subscriber, err := feedpulse.NewSubscriber(feedpulse.SubscriberOptions{
		Client:   pulseClient,
		SinkName: cfg.Feed.SinkName,
		Buffer:   cfg.Feed.Buffer,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	liveStreamer, err := feedpulse.NewStreamer(feedpulse.StreamerOptions{
		Subscriber: subscriber,
		Logger:     logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	live, err := sse.NewHandler(sse.Options{
		Streamer: liveStreamer,
		Format:   sse.Format(cfg.HTTP.Format),
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /conversations/{id}/events", events)
	mux.Handle("GET /conversations/{id}/live", live)
	mux.Handle("POST /conversations/{id}/approval", decideHandler(gate))
	mux.Handle("GET /results/{id}", resultHandler(gate))
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))

	srv := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     log.HTTP(ctx)(mux),
		ReadTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
}

// decideHandler records a human verdict for a conversation's suspended tool
// call and returns the prompt used to re-drive the run.
func decideHandler(gate *approval.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Verdict approval.Verdict `json:"verdict"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		p, err := gate.Decide(r.Context(), r.PathValue("id"), body.Verdict)
		if errors.Is(err, approval.ErrNoPending) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			ToolName string `json:"tool_name"`
			Prompt   string `json:"prompt"`
		}{
			ToolName: p.ToolName,
			Prompt:   approval.ResumePrompt(p, body.Verdict),
		})
	})
}

// resultHandler serves stored tool output for "view result" actions.
func resultHandler(gate *approval.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, found, err := gate.Result(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no such result", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(content)
	})
}
