// Command mockserver runs a standalone mock team usage API for local runs and
// end-to-end tests. It serves generated activity for a small team and exposes
// /admin/* endpoints for runtime mutation.
//
// Usage:
//
//	go run ./internal/testutil/cmd/mockserver [flags]
//
// Flags:
//
//	--port     HTTP port (default: 19312)
//	--key      Expected API key (default: testutil.TestAPIKey)
//	--days     Days of history to generate, ending today (default: 120)
//
// Point teamtrack at it with USAGE_API_BASE_URL=http://localhost:19312.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onllm-dev/teamtrack/internal/testutil"
)

func main() {
	port := flag.Int("port", 19312, "HTTP port for the mock server")
	key := flag.String("key", testutil.TestAPIKey, "Expected API key")
	days := flag.Int("days", 120, "Days of history to generate")
	flag.Parse()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	records := testutil.TeamUsage(testutil.DefaultEmails(), today.AddDate(0, 0, -*days+1), today)

	mock := testutil.NewMockAPI(
		testutil.WithAPIKey(*key),
		testutil.WithRecords(records),
		testutil.WithMembers(testutil.DefaultMembers()),
	)

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}

	httpSrv := &http.Server{
		Handler:      mock,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("mock usage API listening on http://localhost:%d", *port)
		log.Printf("  API key: %s", *key)
		log.Printf("  %d records, %d days", len(records), *days)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}
