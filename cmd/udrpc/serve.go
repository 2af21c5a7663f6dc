package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/flowmesh/udrpc"
	"github.com/flowmesh/udrpc/broker"
	"github.com/flowmesh/udrpc/reqtype"
	"github.com/flowmesh/udrpc/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// echoReqType is the sole request type served by serveCmd: it returns its
// input payload unchanged. A real deployment would register its own
// application methods through a reqtype.Catalog instead.
const echoReqType = 1

type serveOpts struct {
	DataAddr     string `flag:"data-addr,:7900,UDP address for the endpoint's data path"`
	BrokerAddr   string `flag:"broker-addr,:7901,TCP address for the session-management broker to listen on"`
	HTTPAddr     string `flag:"http-addr,:7902,HTTP address to serve /debug/vars and /metrics on"`
	Host         string `flag:"host,localhost,this host's name as announced to peers"`
	EndpointID   int    `flag:"endpoint-id,1,endpoint ID to register with the broker"`
	EtcdEndpoint string `flag:"etcd,,etcd endpoint for peer discovery (optional; empty disables the Directory)"`
	WorkerCount  int    `flag:"workers,0,worker threads in the broker's shared heavy-handler pool (0 disables pooling)"`
}

var serveOptsV serveOpts

var serveCmd = &command.C{
	Name:  "serve",
	Usage: "serve [flags]",
	Help: `Host an echo endpoint behind a local session-management broker.

The endpoint accepts connections from peer udrpc processes and answers every
request on request type 1 with its payload unchanged. Metrics are exposed
over HTTP for scraping or for the monitor subcommand to poll.`,
	SetFlags: func(env *command.Env, fs *flag.FlagSet) {
		flax.MustBind(fs, &serveOptsV)
	},
	Run: runServe,
}

func runServe(env *command.Env) error {
	opts := serveOptsV
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("serve: build logger: %w", err)
	}
	defer log.Sync()

	var dial func(context.Context, string) (net.Conn, error)
	if opts.EtcdEndpoint != "" {
		dir, err := broker.NewDirectory([]string{opts.EtcdEndpoint})
		if err != nil {
			return fmt.Errorf("serve: connect directory: %w", err)
		}
		defer dir.Close()
		if err := dir.Announce(ctx, opts.Host, opts.BrokerAddr); err != nil {
			return fmt.Errorf("serve: announce: %w", err)
		}
		dial = dir.Dialer()
	}

	br := broker.New(opts.Host, log, opts.WorkerCount, dial)
	defer br.Close()

	lst, err := net.Listen("tcp", opts.BrokerAddr)
	if err != nil {
		return fmt.Errorf("serve: listen broker: %w", err)
	}
	go func() {
		if err := br.Serve(ctx, lst); err != nil && ctx.Err() == nil {
			log.Error("broker serve exited", zap.Error(err))
		}
	}()

	tr, err := transport.NewUDP(opts.DataAddr)
	if err != nil {
		return fmt.Errorf("serve: bind data socket: %w", err)
	}
	defer tr.Close()

	endpointID := byte(opts.EndpointID)
	inbox, send, runHeavy := br.Register(endpointID)

	ep, err := udrpc.New(tr, udrpc.Config{
		EndpointID: endpointID,
		SelfHost:   opts.Host,
		SMInbox:    inbox,
		SMSend:     send,
		RunHeavy:   runHeavy,
		Logger:     log,
		SMCallback: func(ev udrpc.SMEvent) {
			log.Info("session event", zap.Any("event", ev))
		},
	})
	if err != nil {
		return fmt.Errorf("serve: new endpoint: %w", err)
	}
	defer ep.Close()

	cat := reqtype.New().Set("echo", echoReqType).Bind(ep)
	cat.Handle("echo", func(_ context.Context, req *udrpc.Request) (*udrpc.MessageBuffer, error) {
		buf, err := ep.AllocMsgBuffer(len(req.Data()))
		if err != nil {
			return nil, fmt.Errorf("echo: allocate reply: %w", err)
		}
		copy(buf.Payload(), req.Data())
		return buf, nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/vars", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprint(w, ep.Vars().String())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(ep.Registry(), promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: opts.HTTPAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", zap.Error(err))
		}
	}()
	defer httpSrv.Close()

	log.Info("serving",
		zap.String("data_addr", opts.DataAddr),
		zap.String("broker_addr", opts.BrokerAddr),
		zap.String("http_addr", opts.HTTPAddr),
		zap.Int("endpoint_id", opts.EndpointID))

	return ep.RunEventLoopForever(ctx)
}
