// Package main is the operator CLI for a cdcfleet cluster. Any node can
// serve any command.
//
// Usage:
//
//	cdcctl [-node URL] start -f task.json
//	cdcctl [-node URL] stop|restart|delete|status TASK_ID
//	cdcctl [-node URL] list|nodes|health
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dreamware/cdcfleet/internal/cluster"
	"github.com/dreamware/cdcfleet/internal/task"
)

var errUsage = errors.New("usage: cdcctl [-node URL] [-timeout D] start -f FILE | stop|restart|delete|status ID | list|nodes|health")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cdcctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	node := fs.String("node", getenv("CDC_NODE", "http://127.0.0.1:8090"), "node API base URL")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := cluster.NewClient(*node)

	cmd, rest := rest[0], rest[1:]
	var (
		result any
		err    error
	)
	switch cmd {
	case "start":
		var cfg *task.Config
		if cfg, err = readTask(rest); err != nil {
			return err
		}
		result, err = c.StartTask(ctx, cfg)
	case "stop", "restart", "delete", "status":
		if len(rest) != 1 {
			return errUsage
		}
		id := rest[0]
		switch cmd {
		case "stop":
			err = c.StopTask(ctx, id)
			result = map[string]string{"stopped": id}
		case "restart":
			result, err = c.RestartTask(ctx, id)
		case "delete":
			err = c.DeleteTask(ctx, id)
			result = map[string]string{"deleted": id}
		default:
			result, err = c.Task(ctx, id)
		}
	case "list":
		result, err = c.Tasks(ctx)
	case "nodes":
		result, err = c.Nodes(ctx)
	case "health":
		result, err = c.Health(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readTask(args []string) (*task.Config, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("f", "", "task configuration JSON file, - for stdin")
	if err := fs.Parse(args); err != nil || *file == "" {
		return nil, errUsage
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return nil, err
	}
	var cfg task.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", *file, err)
	}
	if cfg.TaskID == "" {
		return nil, fmt.Errorf("%s: taskId is required", *file)
	}
	return &cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
