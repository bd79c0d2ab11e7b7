package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/config"
)

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)

	var url string
	cmd.StringVar(&url, "url", "http://localhost:"+cfg.HealthPort+"/health", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(out, "OK")
	return 0
}
