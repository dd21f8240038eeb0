// commsd runs the realtime communication core for one signed-in user:
// message sync, unread tracking, notifications, and call signaling over the
// configured channel backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/matchwork/comms/internal/call"
	"github.com/matchwork/comms/internal/client"
	"github.com/matchwork/comms/internal/config"
	"github.com/matchwork/comms/internal/notify"
	"github.com/matchwork/comms/internal/realtime"
	"github.com/matchwork/comms/internal/store"
)

var log = logging.Logger("commsd")

func main() {
	var (
		configPath = flag.String("config", "comms.json", "path to config file")
		initConfig = flag.Bool("init", false, "write a starter config file and exit")
		logLevel   = flag.String("log-level", "info", "log level (debug|info|warn|error)")
	)
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}

	if *initConfig {
		cfg := config.Default()
		cfg.Identity.UserID = "me"
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configPath)
		return
	}

	if err := run(*configPath); err != nil {
		log.Errorf("commsd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Identity.DisplayName != "" {
		if err := st.UpsertProfile(context.Background(), cfg.Identity.UserID, cfg.Identity.DisplayName); err != nil {
			return err
		}
	}

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	var sink notify.Sink
	if cfg.Notify.Enabled {
		sink = notify.SinkFunc(func(a notify.Alert) error {
			fmt.Printf("[%s] %s: %s\n", a.At.Format(time.Kitchen), a.SenderName, a.Body)
			return nil
		})
	}

	c := client.New(cfg.Identity.UserID, st, bus, client.Options{
		ICEServers: iceServers(cfg.Call.STUNServers),
		Sink:       sink,
	})
	defer c.Close()

	c.Calls().OnIncoming(func(ic *call.IncomingCall) {
		log.Infof("incoming %s call from %s in %s", ic.Kind, ic.From, ic.ConversationID)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Infof("shutting down")
	return nil
}

func openBus(cfg *config.Config) (realtime.Bus, error) {
	switch {
	case cfg.Realtime.NATSURL != "":
		return realtime.NewNATSBus(cfg.Realtime.NATSURL, realtime.NATSOptions{
			MaxReconnects: cfg.Realtime.MaxReconnects,
			ReconnectWait: time.Duration(cfg.Realtime.ReconnectWaitSec) * time.Second,
		})
	case cfg.Realtime.RelayURL != "":
		return realtime.NewRelayBus(cfg.Realtime.RelayURL)
	default:
		return realtime.NewMemoryBus(), nil
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
