// Command examples is a small operator console for the gateway approval API.
//
//	GATEWAY_URL=http://localhost:8091 GATEWAY_TOKEN=... go run ./sdk/go/examples list
//	go run ./sdk/go/examples approve <confirmation-id>
//	go run ./sdk/go/examples deny <confirmation-id>
//	go run ./sdk/go/examples journal [run-id]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"OpenMCP-Gateway/sdk/go/gateway"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: examples list|approve|deny|journal [id]")
	}
	baseURL := os.Getenv("GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8091"
	}
	client, err := gateway.NewClient(baseURL, nil)
	if err != nil {
		return err
	}
	client.SetToken(os.Getenv("GATEWAY_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch args[0] {
	case "list":
		list, err := client.ListConfirmations(ctx, "")
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no pending confirmations")
		}
		for _, c := range list {
			fmt.Printf("%s  run=%s  %s  state=%s  expires=%s\n", c.ID, c.RunID, c.Summary, c.State, c.ExpiresAt.Format(time.RFC3339))
		}
	case "approve", "deny":
		if len(args) < 2 {
			return errors.New("confirmation id required")
		}
		res, err := client.Resolve(ctx, args[1], args[0] == "approve")
		if err != nil {
			return err
		}
		fmt.Println(res.Text)
		if hash, ok := gateway.ExtractTxHash(res.Text); ok {
			fmt.Println("tx:", hash)
		}
	case "journal":
		runID := ""
		if len(args) > 1 {
			runID = args[1]
		}
		entries, err := client.Journal(ctx, runID, 20)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s  %s\n", e.ResolvedAt.Format(time.RFC3339), e.Operation, e.Decision, e.Result)
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
