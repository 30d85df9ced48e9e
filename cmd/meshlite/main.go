// Command meshlite runs one replicated peer: it opens the database,
// applies the app's migrations, serves a WebSocket endpoint for inbound
// peers, and dials any configured outbound peers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/migrate"
	"github.com/meshlite/meshlite/internal/replica"
	"github.com/meshlite/meshlite/internal/transport"
	"github.com/meshlite/meshlite/internal/util/stopper"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("meshlite exited")
	}
}

func run() error {
	cfg := &replica.Config{}
	flags := pflag.NewFlagSet("meshlite", pflag.ContinueOnError)
	cfg.Bind(flags)

	var bindAddr, migrationsPath string
	var peerSpecs []string
	flags.StringVar(&bindAddr, "bindAddr", ":26240", "the network address to bind to")
	flags.StringVar(&migrationsPath, "migrations", "",
		"a JSON file of {up, down} migration pairs")
	flags.StringArrayVar(&peerSpecs, "peer", nil,
		"an outbound peer as <peerId>=<websocket url>; repeatable")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	migrations, err := loadMigrations(migrationsPath)
	if err != nil {
		return err
	}

	ctx := stopper.WithContext(context.Background())
	engine, cleanup, err := replica.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := engine.Migrate(ctx, migrations); err != nil {
		return err
	}
	engine.Run(ctx)

	for _, spec := range peerSpecs {
		if err := dialPeer(ctx, engine, cfg, spec); err != nil {
			return err
		}
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/replicate", func(w http.ResponseWriter, r *http.Request) {
		peer, err := strconv.ParseInt(r.URL.Query().Get("peer"), 10, 64)
		if err != nil || peer <= 0 {
			http.Error(w, "missing or invalid peer parameter", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("could not upgrade connection")
			return
		}
		engine.AddRemotePeer(ident.PeerID(peer),
			transport.NewWebSocket(conn, cfg.SocketStringMode))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		out, err := engine.Metrics()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, out)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: bindAddr, Handler: mux}
	ctx.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	ctx.Go(func() error {
		<-ctx.Stopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.WithFields(log.Fields{
		"addr": bindAddr,
		"peer": engine.PeerID(),
	}).Info("meshlite serving")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.WithField("signal", sig).Info("shutting down")
		ctx.Stop(10 * time.Second)
	case <-ctx.Stopping():
	}
	return ctx.Wait()
}

func loadMigrations(path string) ([]migrate.Migration, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading migrations file")
	}
	var out []migrate.Migration
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "parsing migrations file")
	}
	return out, nil
}

func dialPeer(ctx context.Context, engine *replica.Engine, cfg *replica.Config, spec string) error {
	id, url, found := strings.Cut(spec, "=")
	if !found {
		return errors.Errorf("malformed peer %q, want <peerId>=<url>", spec)
	}
	peer, err := strconv.ParseInt(id, 10, 64)
	if err != nil || peer <= 0 {
		return errors.Errorf("malformed peer id in %q", spec)
	}
	socket, err := transport.DialWebSocket(ctx, url, cfg.SocketStringMode)
	if err != nil {
		return err
	}
	engine.AddRemotePeer(ident.PeerID(peer), socket)
	return nil
}
