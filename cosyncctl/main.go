package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/cosync/cosync"
)

const CosyncCtlVersion = "0.0.1"

const DefaultUrl = "ws://127.0.0.1:8080/sync"

const AgentSecretEnv = "COSYNC_AGENT_SECRET"

func main() {
	usage := fmt.Sprintf(
		`Cosync control.

The default url is:
    url: %s

The agent secret is read from --agent_secret, then $%s, then the terminal.

Usage:
    cosyncctl new-agent
    cosyncctl serve [--addr=<addr>] [--metrics_addr=<metrics_addr>]
        [--agent_secret=<agent_secret>]
        [-v]
    cosyncctl create-map [--url=<url>] [--agent_secret=<agent_secret>] [--public] [-v]
    cosyncctl put [--url=<url>] [--agent_secret=<agent_secret>] [-v]
        --id=<id> <key> <value>
    cosyncctl get [--url=<url>] [--agent_secret=<agent_secret>] [-v]
        --id=<id> [<key>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --addr=<addr>                    Listen address [default: :8080].
    --metrics_addr=<metrics_addr>    Serve prometheus metrics on this address.
    --url=<url>                      Sync server url.
    --agent_secret=<agent_secret>    The agent secret.
    --id=<id>                        The covalue id.
    --public                         Everyone can read the map.
    -v                               Verbose logging.`,
		DefaultUrl,
		AgentSecretEnv,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CosyncCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if verbose, _ := opts.Bool("-v"); verbose {
		flag.Set("v", "2")
	}

	if newAgent_, _ := opts.Bool("new-agent"); newAgent_ {
		newAgent(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if createMap_, _ := opts.Bool("create-map"); createMap_ {
		createMap(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	}
}

func newAgent(opts docopt.Opts) {
	agentSecret := cosync.NewAgentSecret()
	agentId, err := agentSecret.AgentId()
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent_id: %s\n", agentId)
	fmt.Printf("agent_secret: %s\n", agentSecret)
}

func requireAgentSecret(opts docopt.Opts) cosync.AgentSecret {
	if agentSecretAny := opts["--agent_secret"]; agentSecretAny != nil {
		return cosync.AgentSecret(agentSecretAny.(string))
	}
	if agentSecret := os.Getenv(AgentSecretEnv); agentSecret != "" {
		return cosync.AgentSecret(agentSecret)
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		panic(fmt.Errorf("Missing agent secret."))
	}
	fmt.Print("Enter agent secret: ")
	agentSecretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return cosync.AgentSecret(strings.TrimSpace(string(agentSecretBytes)))
}

func urlOpt(opts docopt.Opts) string {
	if urlAny := opts["--url"]; urlAny != nil {
		return urlAny.(string)
	}
	return DefaultUrl
}

func serve(opts docopt.Opts) {
	addr, _ := opts.String("--addr")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	var agentSecret cosync.AgentSecret
	if agentSecretAny := opts["--agent_secret"]; agentSecretAny != nil {
		agentSecret = cosync.AgentSecret(agentSecretAny.(string))
	} else {
		agentSecret = cosync.NewAgentSecret()
	}

	settings := cosync.DefaultLocalNodeSettings()
	settings.Storage = cosync.NewMemoryStorage()
	node, err := cosync.NewLocalNode(ctx, agentSecret, settings)
	if err != nil {
		panic(err)
	}
	defer node.Close()

	if metricsAddrAny := opts["--metrics_addr"]; metricsAddrAny != nil {
		metricsServer := &http.Server{
			Addr:    metricsAddrAny.(string),
			Handler: promhttp.Handler(),
		}
		go func() {
			defer cancel()
			if err := metricsServer.ListenAndServe(); err != nil {
				fmt.Printf("metrics error: %s\n", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	fmt.Printf("agent_id: %s\n", node.AgentId())
	fmt.Printf("Serving %s on %s\n", CosyncCtlVersion, addr)

	api := startApi(ctx, node, addr, func(err error) {
		fmt.Printf("sync error: %s\n", err)
		cancel()
	})
	defer api.stopApi()

	select {
	case <-ctx.Done():
	}
}

// a node connected to the sync server
// commands run as the bare agent, so the agent can read and write what it created
func connectNode(ctx context.Context, opts docopt.Opts) *cosync.LocalNode {
	node, err := cosync.NewLocalNodeWithDefaults(ctx, requireAgentSecret(opts))
	if err != nil {
		panic(err)
	}
	go cosync.ConnectWsPeer(ctx, node, "server", urlOpt(opts), cosync.DefaultWsTransportSettings())

	for len(node.SyncManager().ServerPeerIds()) == 0 {
		select {
		case <-ctx.Done():
			panic(fmt.Errorf("Could not connect to %s.", urlOpt(opts)))
		case <-time.After(50 * time.Millisecond):
		}
	}
	return node
}

func commandContext() (context.Context, context.CancelFunc) {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(signalCtx, 30*time.Second)
	return ctx, func() {
		cancel()
		signalCancel()
	}
}

func createMap(opts docopt.Opts) {
	ctx, cancel := commandContext()
	defer cancel()

	node := connectNode(ctx, opts)
	defer node.Close()

	group, err := node.CreateGroup(ctx)
	if err != nil {
		panic(err)
	}
	if public, _ := opts.Bool("--public"); public {
		if err := group.AddMember(ctx, cosync.EveryoneMember, cosync.RoleReader); err != nil {
			panic(err)
		}
	}
	coMap, err := node.CreateMap(group, nil)
	if err != nil {
		panic(err)
	}

	waitForSync(ctx, node, group.Id(), coMap.Id())
	fmt.Printf("%s\n", coMap.Id())
}

func loadMap(ctx context.Context, node *cosync.LocalNode, opts docopt.Opts) *cosync.CoMap {
	idStr, _ := opts.String("--id")
	id, err := cosync.ParseCoValueId(idStr)
	if err != nil {
		panic(err)
	}
	view, err := node.Load(ctx, id)
	if err != nil {
		panic(err)
	}
	coMap, ok := view.(*cosync.CoMap)
	if !ok {
		panic(fmt.Errorf("%s is not a map.", id))
	}
	return coMap
}

func put(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")

	ctx, cancel := commandContext()
	defer cancel()

	node := connectNode(ctx, opts)
	defer node.Close()

	coMap := loadMap(ctx, node, opts)

	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		// a bare string
		value = valueStr
	}
	if err := coMap.Set(key, value); err != nil {
		panic(err)
	}

	waitForSync(ctx, node, coMap.Id())
	fmt.Printf("Put %s.\n", key)
}

func get(opts docopt.Opts) {
	ctx, cancel := commandContext()
	defer cancel()

	node := connectNode(ctx, opts)
	defer node.Close()

	coMap := loadMap(ctx, node, opts)

	var out any
	if keyAny := opts["<key>"]; keyAny != nil {
		value, ok := coMap.Get(keyAny.(string))
		if !ok {
			fmt.Printf("Not found.\n")
			return
		}
		out = value
	} else {
		out = coMap
	}

	var b []byte
	var err error
	if term.IsTerminal(int(syscall.Stdout)) {
		b, err = json.MarshalIndent(out, "", "  ")
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", b)
}

func waitForSync(ctx context.Context, node *cosync.LocalNode, ids ...cosync.CoValueId) {
	for _, id := range ids {
		if err := node.WaitForSync(ctx, id); err != nil {
			panic(err)
		}
	}
}
