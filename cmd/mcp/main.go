// Command mcp serves the annotation converter as MCP tools over stdio or
// streamable HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/mcpserver"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

var version = "0.1.0"

func main() {
	transport := flag.String("transport", "stdio", "Transport mode: stdio or http")
	addr := flag.String("addr", ":8081", "HTTP listen address (only used with -transport http)")
	history := flag.String("history", "", "Run history: a SQLite path, or a postgres:// / sqlite:// URL (default $CONVERTER_HISTORY_URL)")
	qdrantURL := flag.String("qdrant", "", "Qdrant gRPC address for the geometry index (optional)")
	collection := flag.String("collection", "annotation_geometry", "Qdrant collection name")
	maxEntry := flag.Int64("max-entry-size", 0, "Largest archive entry in bytes (0 means unlimited)")
	flag.Parse()

	_ = godotenv.Load(".env.nexus")

	// stdout carries the protocol on stdio, so logs go to stderr.
	logger := logging.NewLoggerWithWriter("mcp", os.Stderr, logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg := mcpserver.Config{Version: version, MaxEntrySize: *maxEntry, Logger: logger}

	historyURL := *history
	if historyURL == "" {
		historyURL = os.Getenv("CONVERTER_HISTORY_URL")
	}
	if historyURL != "" {
		sm, err := openHistory(historyURL, *qdrantURL, *collection, logger)
		if err != nil {
			log.Fatalf("Failed to open run history: %v", err)
		}
		defer sm.Close()
		cfg.History = sm
	}

	srv := mcpserver.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *transport {
	case "stdio":
		logger.Printf("Annotation converter MCP server starting (stdio)")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return srv
		}, nil)
		httpSrv := &http.Server{Addr: *addr, Handler: handler}
		go func() {
			<-ctx.Done()
			httpSrv.Close()
		}()
		logger.Printf("Annotation converter MCP server listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	default:
		log.Fatalf("Unknown transport: %s (use stdio or http)", *transport)
	}
}

func openHistory(url, qdrantURL, collection string, logger *logging.Logger) (*storage.StorageManager, error) {
	if !strings.Contains(url, "://") {
		url = "sqlite://" + url
	}
	store, err := storage.OpenStore(url, logger)
	if err != nil {
		return nil, err
	}
	var index storage.Indexer
	if qdrantURL != "" {
		gi, err := storage.NewGeometryIndex(qdrantURL, collection)
		if err != nil {
			store.Close()
			return nil, err
		}
		index = gi
	}
	return storage.NewStorageManagerWith(store, index, logger), nil
}
