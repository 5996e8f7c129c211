package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loomrun/loom/internal/handlers"
	"github.com/loomrun/loom/internal/registry"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/internal/validation"
	"github.com/loomrun/loom/pkg/schema"
)

const orderApprovalV1 = `{
	"name": "order-approval",
	"version": "1.0.0",
	"description": "Amount triage with a human approval lane.",
	"initial": "triage",
	"terminals": ["archive"],
	"steps": [
		{"id": "triage", "kind": "gateway", "gateway": {
			"mode": "exclusive",
			"routes": [
				{"when": "data.amount < 1000.0", "to": "auto-clear"},
				{"when": "data.amount >= 1000.0", "to": "approval"}
			]
		}},
		{"id": "auto-clear", "kind": "automated",
			"automated": {"handler": "context.set", "params": {"values": {"route": "low"}}}},
		{"id": "approval", "kind": "human",
			"human": {"title": "Approve order of ${{data.amount}}", "assignee": "finance"}},
		{"id": "archive", "kind": "automated",
			"automated": {"handler": "context.set", "params": {"values": {"archived": true}}}}
	],
	"edges": [
		{"from": "auto-clear", "to": "archive"},
		{"from": "approval", "to": "archive"}
	]
}`

func main() {
	dir, _ := os.MkdirTemp("", "dbg")
	defer os.RemoveAll(dir)
	s, err := store.NewLibSQLStore(filepath.Join(dir, "d.db"))
	if err != nil { panic(err) }
	if err := s.Migrate(context.Background()); err != nil { panic(err) }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hreg := handlers.NewRegistry()
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil { panic(err) }
	if err := handlers.RegisterBuiltins(hreg, validator, logger, handlers.HTTPConfig{}); err != nil { panic(err) }
	reg, err := registry.New(registry.Options{Store: s, Handlers: hreg, Logger: logger})
	if err != nil { panic(err) }
	_, err = reg.RegisterJSON(context.Background(), []byte(orderApprovalV1))
	if err != nil {
		fmt.Printf("err type %T\n", err)
		if le, ok := err.(*schema.LoomError); ok {
			fmt.Printf("code=%s msg=%s\n", le.Code, le.Message)
			fmt.Printf("details: %#v\n", le.Details)
		} else {
			fmt.Println(err)
		}
	}
}
