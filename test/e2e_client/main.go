// Command e2e_client smoke-tests a running tokenkeeper deployment over its
// admin endpoints. It exits non-zero if the server is unreachable or reports
// an unhealthy store.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	logger := log.New(os.Stdout, "e2e-client: ", log.LstdFlags)

	addr := flag.String("addr", "http://localhost:8080", "admin address of the running server")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	logger.Println("Checking health...")
	if err := check(client, *addr+"/healthz", io.Discard); err != nil {
		logger.Fatalf("Health check failed: %v", err)
	}
	logger.Println("Server is healthy.")

	logger.Println("Fetching status...")
	var status bytes.Buffer
	if err := check(client, *addr+"/status", &status); err != nil {
		logger.Fatalf("Status check failed: %v", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, status.Bytes(), "", "  "); err != nil {
		logger.Fatalf("Status response is not valid JSON: %v", err)
	}
	logger.Printf("Status:\n%s", pretty.String())
}

func check(client *http.Client, url string, out io.Writer) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
