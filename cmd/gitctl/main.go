// Command gitctl is a debug CLI that runs one GitRunner operation directly
// against a real sandbox driver and blob store, without going through the
// Execution Orchestrator's admission/HTTP path. Grounded on cmd/migrate's
// flag-driven, single-purpose auxiliary binary shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"apex-orchestrator/internal/blobsync"
	"apex-orchestrator/internal/gitrunner"
	"apex-orchestrator/internal/sandbox"
	"apex-orchestrator/internal/store/blobstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("WARNING: No .env file found, using environment variables")
	}

	var (
		op         = flag.String("op", "", "git operation: init|status|add|commit|push|pull|clone|add-remote|remove-remote|list-remotes|validate|check-repo")
		projectID  = flag.Uint("project", 0, "project id")
		userID     = flag.Uint("user", 0, "user id")
		remoteURL  = flag.String("remote", "", "remote URL (may embed credentials)")
		dataFile   = flag.String("data", "", "path to a JSON file of operation-specific data (e.g. commit message)")
		timeout    = flag.Duration("timeout", 60*time.Second, "operation timeout")
		execID     = flag.String("exec-id", "gitctl-"+fmt.Sprint(time.Now().UnixNano()), "execution id to tag the workspace with")
	)
	flag.Parse()

	if *op == "" {
		fmt.Fprintln(os.Stderr, "usage: gitctl -op=<operation> -project=<id> -user=<id> [-remote=URL] [-data=file.json] [-timeout=60s]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var operationData json.RawMessage
	if *dataFile != "" {
		raw, err := os.ReadFile(*dataFile)
		if err != nil {
			log.Fatalf("reading -data file: %v", err)
		}
		operationData = raw
	}

	driver, err := sandbox.NewDockerDriver(sandbox.DefaultConfig())
	if err != nil {
		log.Fatalf("initializing sandbox driver: %v", err)
	}

	var syncer gitrunner.Syncer
	if bucket := os.Getenv("BLOB_BUCKET"); bucket != "" {
		s3Store, err := blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Bucket:       bucket,
			Region:       envOr("AWS_REGION", "us-east-1"),
			Endpoint:     os.Getenv("BLOB_ENDPOINT"),
			UsePathStyle: os.Getenv("BLOB_PATH_STYLE") == "true",
		})
		if err != nil {
			log.Fatalf("initializing blob store: %v", err)
		}
		syncer = blobsync.New(s3Store)
	} else {
		syncer = blobsync.New(blobstore.NewMemStore())
	}

	runner := gitrunner.New(driver, syncer, gitrunner.DefaultConfig())

	result, err := runner.Execute(context.Background(), gitrunner.Request{
		ExecutionID:   *execID,
		UserID:        uint(*userID),
		ProjectID:     uint(*projectID),
		Operation:     gitrunner.Operation(*op),
		OperationData: operationData,
		RemoteURL:     *remoteURL,
		Timeout:       *timeout,
	})
	if err != nil {
		log.Fatalf("git operation failed: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if decoded, err := result.Decode(gitrunner.Operation(*op)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not decode typed result: %v\n", err)
	} else if decoded != nil {
		typed, _ := json.MarshalIndent(decoded, "", "  ")
		fmt.Println(string(typed))
	}

	if !result.Success {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
