package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.uber.org/multierr"

	"github.com/DistCompiler/converge/configs"
	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
	"github.com/DistCompiler/converge/kvsync"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: converge <serve|check-dfs|check-bfs> [options]

Explores every reachable interleaving of a replicated key-value/list store
and checks that the replicas converge.

  serve       interactive state-space explorer over HTTP
  check-dfs   exhaustive depth-first check
  check-bfs   exhaustive breadth-first check (minimal counterexamples)

Run 'converge <subcommand> -h' for the options.
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	sub := os.Args[1]
	switch sub {
	case "serve", "check-dfs", "check-bfs":
	default:
		usage()
	}

	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	defaults := configs.Defaults()
	configPath := fs.String("c", "", "config file (flags override it)")
	servers := fs.Int("servers", defaults.Servers, "number of replicas")
	putClients := fs.Int("put-clients", defaults.PutClients, "number of put clients")
	deleteClients := fs.Int("delete-clients", defaults.DeleteClients, "number of delete clients")
	insertClients := fs.Int("insert-clients", defaults.InsertClients, "number of insert clients")
	requests := fs.Int("requests", defaults.RequestsPerClient, "requests per client")
	syncMethod := fs.String("sync-method", defaults.SyncMethod, "sync strategy: changes or messages")
	objectKind := fs.String("object", defaults.ObjectKind, "object kind: map or list")
	network := fs.String("network", defaults.Network, "network order: ordered or unordered")
	messageAcks := fs.Bool("message-acks", false, "replicas acknowledge every request")
	followUpGets := fs.Bool("follow-up-gets", false, "clients read back every acknowledged write")
	workers := fs.Int("workers", 0, "BFS worker goroutines (0 = all CPUs)")
	stateDir := fs.String("state-dir", "", "spill the visited-state set to this directory")
	serveAddr := fs.String("addr", defaults.ServeAddr, "explorer listen address (serve only)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	root := defaults
	if *configPath != "" {
		var err error
		root, err = configs.ReadConfig(*configPath)
		if err != nil {
			level.Error(logger).Log("msg", "reading config", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	// Flags the user actually set win over the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "servers":
			root.Servers = *servers
		case "put-clients":
			root.PutClients = *putClients
		case "delete-clients":
			root.DeleteClients = *deleteClients
		case "insert-clients":
			root.InsertClients = *insertClients
		case "requests":
			root.RequestsPerClient = *requests
		case "sync-method":
			root.SyncMethod = *syncMethod
		case "object":
			root.ObjectKind = *objectKind
		case "network":
			root.Network = *network
		case "message-acks":
			root.MessageAcks = *messageAcks
		case "follow-up-gets":
			root.FollowUpGets = *followUpGets
		case "workers":
			root.Workers = *workers
		case "state-dir":
			root.StateDir = *stateDir
		case "addr":
			root.ServeAddr = *serveAddr
		}
	})

	if err := run(sub, root, logger); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func buildModel(root configs.Root) (*explore.Model, error) {
	strategy, err := kvsync.ParseSyncStrategy(root.SyncMethod)
	if err != nil {
		return nil, err
	}
	kind, err := doc.ParseKind(root.ObjectKind)
	if err != nil {
		return nil, err
	}
	network, err := kvsync.ParseNetworkKind(root.Network)
	if err != nil {
		return nil, err
	}
	return kvsync.BuildModel(kvsync.Config{
		Servers:           root.Servers,
		PutClients:        root.PutClients,
		DeleteClients:     root.DeleteClients,
		InsertClients:     root.InsertClients,
		RequestsPerClient: root.RequestsPerClient,
		Strategy:          strategy,
		ObjectKind:        kind,
		Network:           network,
		MessageAcks:       root.MessageAcks,
		FollowUpGets:      root.FollowUpGets,
	})
}

func run(sub string, root configs.Root, logger log.Logger) error {
	model, err := buildModel(root)
	if err != nil {
		return err
	}

	if sub == "serve" {
		return explore.NewExplorer(model, logger).ListenAndServe(root.ServeAddr)
	}

	opts := []explore.CheckerOption{explore.WithLogger(logger)}
	if root.Workers > 0 {
		opts = append(opts, explore.WithWorkers(root.Workers))
	}
	var store explore.StateStore
	if root.StateDir != "" {
		badgerStore, err := explore.NewBadgerStore(root.StateDir)
		if err != nil {
			return err
		}
		store = badgerStore
		opts = append(opts, explore.WithStore(store))
	}

	checker, err := explore.NewChecker(model, opts...)
	if err != nil {
		return closeStore(store, err)
	}

	var result *explore.Result
	if sub == "check-dfs" {
		result, err = checker.CheckDFS()
	} else {
		result, err = checker.CheckBFS()
	}
	if err != nil {
		return closeStore(store, err)
	}

	report(result, logger)
	return closeStore(store, result.Err())
}

func closeStore(store explore.StateStore, err error) error {
	if store != nil {
		err = multierr.Append(err, store.Close())
	}
	return err
}

func report(result *explore.Result, logger log.Logger) {
	level.Info(logger).Log(
		"msg", "search finished",
		"run", result.RunID,
		"states", result.StatesVisited,
		"transitions", result.Transitions,
		"depth", result.MaxDepth)
	for _, pr := range result.Properties {
		if pr.Holds {
			level.Info(logger).Log(
				"property", pr.Property.Name,
				"expectation", pr.Property.Expectation,
				"holds", true)
			continue
		}
		level.Error(logger).Log(
			"property", pr.Property.Name,
			"expectation", pr.Property.Expectation,
			"holds", false)
		fmt.Fprintf(os.Stderr, "counterexample for %q:\n%v", pr.Property.Name, pr.Counterexample)
	}
	for _, ee := range result.ExecErrors {
		level.Error(logger).Log("msg", "execution fault", "err", ee.Err)
		fmt.Fprintf(os.Stderr, "trace:\n%v", ee.Trace)
	}
}
