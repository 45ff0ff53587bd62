// Command homeservercore wires every in-scope package into a single
// running process: one JetStream instance, one storage/kv.Store per
// component, and the admission/timeline/sync pipeline threaded through
// them (process.ProcessContext, setup/jetstream.NATSInstance,
// setup/config.Load).
//
// HTTP routing is owned by the layer that embeds this core, so this binary
// exposes nothing on the network itself; it is meant to be embedded by,
// or run alongside, a routing layer that calls eventinput.Inputer and
// syncapi/sync.Engine directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/matrixcore/homeservercore/eventinput"
	"github.com/matrixcore/homeservercore/federationsender"
	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/internal/logging"
	"github.com/matrixcore/homeservercore/roomstate/accessor"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/serverkeys"
	"github.com/matrixcore/homeservercore/setup/config"
	"github.com/matrixcore/homeservercore/setup/jetstream"
	"github.com/matrixcore/homeservercore/setup/process"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
	"github.com/matrixcore/homeservercore/syncapi/consumers"
	"github.com/matrixcore/homeservercore/syncapi/notifier"
	"github.com/matrixcore/homeservercore/syncapi/storage"
	"github.com/matrixcore/homeservercore/syncapi/sync"
	"github.com/matrixcore/homeservercore/timeline"
)

func main() {
	configPath := flag.String("config", "homeservercore.yaml", "path to the YAML config file")
	generate := flag.Bool("generate-config", false, "write a default config to -config and exit")
	flag.Parse()

	logging.SetupStdLogging()

	if *generate {
		if err := writeDefaultConfig(*configPath); err != nil {
			log.WithError(err).Fatal("homeservercore: generating default config")
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("homeservercore: loading config")
	}
	if err := logging.SetupHookLogging(logging.FileHookConfig{
		Enabled: cfg.Logging.Enabled,
		Path:    string(cfg.Logging.Path),
		Level:   cfg.Logging.Level,
	}); err != nil {
		log.WithError(err).Fatal("homeservercore: configuring file logging")
	}

	procCtx := process.NewProcessContext()
	srv, err := newServer(procCtx, cfg)
	if err != nil {
		log.WithError(err).Fatal("homeservercore: starting")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("homeservercore: shutting down")
	procCtx.Shutdown()
	<-procCtx.WaitForShutdown()
	srv.nats.Close()
}

// server bundles the running process's top-level collaborators, purely
// so main can hold onto the NATS instance for a clean shutdown.
type server struct {
	nats   *jetstream.NATSInstance
	input  *eventinput.Inputer
	sender *federationsender.Sender
	engine *sync.Engine
}

func newServer(procCtx *process.ProcessContext, cfg *config.HomeserverCore) (*server, error) {
	ctx := procCtx.Context()

	private, err := serverkeys.LoadOrCreatePrivateKey(string(cfg.Global.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	nats := &jetstream.NATSInstance{}
	js, _, err := nats.Prepare(ctx, cfg.Global.JetStream.Addresses)
	if err != nil {
		return nil, fmt.Errorf("starting jetstream: %w", err)
	}
	prefix := jetstream.TopicPrefix(cfg.Global.JetStream.TopicPrefix)
	if err := jetstream.EnsureStreams(js, prefix, jetstream.OutputRoomEvent); err != nil {
		return nil, fmt.Errorf("ensuring jetstream streams: %w", err)
	}

	roomServerKV, err := kv.OpenFromConnectionString(cfg.RoomServer.Database.ConnectionString, "roomserver")
	if err != nil {
		return nil, fmt.Errorf("opening room server store: %w", err)
	}
	fedSenderKV, err := kv.OpenFromConnectionString(cfg.FederationSender.Database.ConnectionString, "federationsender")
	if err != nil {
		return nil, fmt.Errorf("opening federation sender store: %w", err)
	}
	syncKV, err := kv.OpenFromConnectionString(cfg.SyncAPI.Database.ConnectionString, "syncapi")
	if err != nil {
		return nil, fmt.Errorf("opening sync api store: %w", err)
	}

	c := counter.New(0)
	sid := shortid.New(roomServerKV, c)
	comp := compressor.New(roomServerKV, sid)
	pdus := pdustore.New(roomServerKV)
	acc, err := accessor.New(comp, sid, pdus)
	if err != nil {
		return nil, fmt.Errorf("building state accessor: %w", err)
	}

	tl := timeline.New(timeline.Deps{
		KV:         roomServerKV,
		Counter:    c,
		ShortID:    sid,
		PDUs:       pdus,
		Compressor: comp,
		Publisher:  js,
		Prefix:     prefix,
	})

	keys := serverkeys.New(
		spec.ServerName(cfg.Global.ServerName),
		gomatrixserverlib.KeyID(cfg.Global.KeyID),
		private,
		unreachableFetcher{},
		serverNames(cfg.ServerKeyAPI.NotaryServers),
		cfg.ServerKeyAPI.KeyValidityHorizonDuration(),
	)

	input := eventinput.New(eventinput.Deps{
		KV:         roomServerKV,
		ShortID:    sid,
		PDUs:       pdus,
		Compressor: comp,
		Timeline:   tl,
		Keys:       keys,
		Fetch:      unreachableFetcher{},
	})

	limits := federationsender.DefaultLimits()
	limits.PDU = cfg.FederationSender.PDULimit
	limits.EDU = cfg.FederationSender.EDULimit
	limits.Presence = cfg.FederationSender.PresenceLimit
	limits.MaxRetries = cfg.FederationSender.SendMaxRetries
	sender := federationsender.New(fedSenderKV, unreachableTransport{}, limits, 4)

	syncDB := storage.New(syncKV)
	n := notifier.New()
	engine := &sync.Engine{
		Counter:  c,
		Notifier: n,
		Accessor: acc,
		PDUs:     pdus,
		Timeline: tl,
		ShortID:  sid,
		SyncDB:   syncDB,
	}

	syncRoomEventConsumer := consumers.NewOutputRoomEventConsumer(js, prefix, syncDB, n)
	procCtx.ComponentStarted()
	go func() {
		defer procCtx.ComponentFinished()
		if err := syncRoomEventConsumer.Start(ctx); err != nil {
			log.WithError(err).Error("homeservercore: sync room-event consumer stopped")
		}
	}()

	fedRoomEventConsumer := federationsender.NewOutputRoomEventConsumer(
		js, prefix, sender, tl, acc, sid, spec.ServerName(cfg.Global.ServerName),
	)
	procCtx.ComponentStarted()
	go func() {
		defer procCtx.ComponentFinished()
		if err := fedRoomEventConsumer.Start(ctx); err != nil {
			log.WithError(err).Error("homeservercore: federation sender room-event consumer stopped")
		}
	}()

	log.WithField("server_name", cfg.Global.ServerName).Info("homeservercore: ready")
	return &server{nats: nats, input: input, sender: sender, engine: engine}, nil
}

func serverNames(names []string) []spec.ServerName {
	out := make([]spec.ServerName, len(names))
	for i, n := range names {
		out[i] = spec.ServerName(n)
	}
	return out
}

// unreachableFetcher/unreachableTransport satisfy eventinput.Fetcher,
// serverkeys.Fetcher, and federationsender.Transport without opening any
// socket. The real collaborator is a federation HTTP client owned by
// the routing layer that embeds this core, not by the core itself, so
// these stand in as the documented integration seam until that layer
// supplies a real one.
type unreachableFetcher struct{}

func (unreachableFetcher) FetchEvent(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, servers []spec.ServerName, eventID string) ([]byte, error) {
	return nil, fmt.Errorf("homeservercore: no federation client wired in for event fetch (event %s)", eventID)
}

func (unreachableFetcher) GetServerKeys(ctx context.Context, server spec.ServerName) (gomatrixserverlib.ServerKeys, error) {
	return gomatrixserverlib.ServerKeys{}, fmt.Errorf("homeservercore: no federation client wired in for key fetch (server %s)", server)
}

func (unreachableFetcher) LookupServerKeys(ctx context.Context, notary spec.ServerName, serverKeys map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp) ([]gomatrixserverlib.ServerKeys, error) {
	return nil, fmt.Errorf("homeservercore: no federation client wired in for notary lookup via %s", notary)
}

type unreachableTransport struct{}

func (unreachableTransport) SendTransaction(ctx context.Context, dest federationsender.Destination, txnID string, pdus [][]byte, edus []json.RawMessage) error {
	return fmt.Errorf("homeservercore: no federation client wired in for transaction %s", txnID)
}

func writeDefaultConfig(path string) error {
	var c config.HomeserverCore
	c.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	out, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}
