// Package main is the rsmctl debug client for replicated state-machine services.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/replistate/client-go/internal/config"
	"github.com/replistate/client-go/pkg/client"
	"github.com/replistate/client-go/pkg/protocol"
	"github.com/replistate/client-go/pkg/transport"
)

const usage = `Usage: rsmctl [command]
       rsmctl create <type> <name>                 Create a service instance.
       rsmctl delete <type> <name>                 Delete a service instance.
       rsmctl exec <type> <name> <op> [hex]        Execute a command operation with an optional hex payload.
       rsmctl query <type> <name> <op> [hex]       Execute a query operation with an optional hex payload.

Commands:
  create   Create the service instance on the server.
  delete   Delete the service instance from the server.
  exec     Run a state-mutating operation through the consensus path.
  query    Run a read-only operation through the read path.

Environment: COMMS_URL (default nats://127.0.0.1:4222), RSM_SUBJECT_PREFIX, RSM_TARGET,
CONNECT_TIMEOUT, HANDSHAKE_TIMEOUT, REQUEST_TIMEOUT, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "create", "delete":
		if len(args) < 3 {
			log.Fatalf("rsmctl %s: require <type> <name>", cmd)
		}
		if err := runLifecycle(cmd, args[1], args[2]); err != nil {
			log.Fatalf("rsmctl %s: %v", cmd, err)
		}
		return
	case "exec", "query":
		if len(args) < 4 {
			log.Fatalf("rsmctl %s: require <type> <name> <op> [hex]", cmd)
		}
		payload := ""
		if len(args) > 4 {
			payload = args[4]
		}
		kind := protocol.KindCommand
		if cmd == "query" {
			kind = protocol.KindQuery
		}
		if err := runExecute(kind, args[1], args[2], args[3], payload); err != nil {
			log.Fatalf("rsmctl %s: %v", cmd, err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

// setup loads config, wires logging, and connects the transport.
func setup() (*config.Config, *transport.Comms, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	tc := transport.NewComms(transport.Options{
		URL:              cfg.COMMSURL,
		Name:             cfg.COMMSName,
		SubjectPrefix:    cfg.SubjectPrefix,
		Target:           cfg.Target,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err := tc.Connect(context.Background()); err != nil {
		return nil, nil, err
	}
	return cfg, tc, nil
}

func runLifecycle(cmd, serviceType, serviceName string) error {
	cfg, tc, err := setup()
	if err != nil {
		return err
	}
	defer tc.Close(context.Background())

	sc := client.New(protocol.ServiceID{Name: serviceName, Type: serviceType}, tc)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	if cmd == "create" {
		if err := sc.Create(ctx); err != nil {
			return err
		}
		fmt.Printf("Created %s/%s.\n", serviceType, serviceName)
		return nil
	}
	if err := sc.Delete(ctx); err != nil {
		return err
	}
	fmt.Printf("Deleted %s/%s.\n", serviceType, serviceName)
	return nil
}

func runExecute(kind protocol.OperationKind, serviceType, serviceName, opName, payloadHex string) error {
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return fmt.Errorf("payload must be hex: %w", err)
	}

	cfg, tc, err := setup()
	if err != nil {
		return err
	}
	defer tc.Close(context.Background())

	sc := client.New(protocol.ServiceID{Name: serviceName, Type: serviceType}, tc)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	respCtx, output, err := sc.Execute(ctx, protocol.OperationID{ID: opName, Kind: kind}, protocol.RequestContext{}, payload)
	if err != nil {
		return err
	}
	fmt.Printf("index=%d sequence=%d output=%s\n", respCtx.Index, respCtx.Sequence, hex.EncodeToString(output))
	return nil
}
