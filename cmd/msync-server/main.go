package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"m-sync-go/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (default $MSYNC_CONFIG or .config.yaml)")
	flag.Parse()

	fmt.Printf("[%s] [INFO] [BOOT] starting msync-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if err := bootstrap.Run(context.Background(), *configPath); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "msync-server failed: %v\n", err)
		os.Exit(1)
	}
}
