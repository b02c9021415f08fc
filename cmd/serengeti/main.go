package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ao/Serengeti-sub006/internal/config"
	"github.com/ao/Serengeti-sub006/internal/httpapi"
	"github.com/ao/Serengeti-sub006/internal/node"
)

func main() {
	app := &cli.Command{
		Name:    "serengeti",
		Usage:   "Serengeti distributed document node",
		Version: node.Version,

		Commands: []*cli.Command{
			serveCommand(),
			benchCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Boot a node: recovery, registry, scheduler, HTTP listener",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServe(ctx, c.String("config"))
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	fileCfg, err := config.LoadFromEnvOrFlag(configPath)
	if err != nil {
		return fmt.Errorf("serengeti: loading config: %w", err)
	}

	nodeCfg, err := node.FromFileConfig(fileCfg)
	if err != nil {
		return fmt.Errorf("serengeti: translating config: %w", err)
	}

	n, err := node.New(nodeCfg)
	if err != nil {
		return fmt.Errorf("serengeti: constructing node: %w", err)
	}

	if err := n.Recover(); err != nil {
		log.Printf("serengeti: recovery failed: %v", err)
		return err
	}
	n.Start()

	srv := httpapi.New(n, httpapi.Config{Port: fileCfg.HTTP.Port, JWTSecret: fileCfg.HTTP.JWTSecret})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serengeti: http listener: %w", err)
		}
	case <-stop:
		log.Println("serengeti: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(); err != nil {
		log.Printf("serengeti: http shutdown error: %v", err)
	}
	if err := n.Shutdown(shutdownCtx); err != nil {
		log.Printf("serengeti: node shutdown error: %v", err)
		return err
	}
	return nil
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Drive an insert throughput smoke test against a running node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:1985", Usage: "node HTTP address"},
			&cli.StringFlag{Name: "token", Usage: "bearer token for the query API"},
			&cli.StringFlag{Name: "database", Value: "bench", Usage: "database name"},
			&cli.StringFlag{Name: "table", Value: "rows", Usage: "table name"},
			&cli.IntFlag{Name: "n", Value: 100, Usage: "number of insert round trips"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runBench(ctx, c.String("addr"), c.String("token"), c.String("database"), c.String("table"), int(c.Int("n")))
		},
	}
}

func runBench(ctx context.Context, addr, token, database, table string, n int) error {
	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()

	for i := 0; i < n; i++ {
		body, _ := json.Marshal(map[string]any{
			"op":       "insert",
			"database": database,
			"table":    table,
			"value":    map[string]any{"seq": i},
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("serengeti bench: insert %d: %w", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("serengeti bench: insert %d returned status %d", i, resp.StatusCode)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("serengeti bench: %d inserts in %s (%.1f ops/sec)\n", n, elapsed, float64(n)/elapsed.Seconds())
	return nil
}
