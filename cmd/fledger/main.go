// Command fledger is the node CLI: it loads configuration, runs a node's
// broker/network/kademlia/storage stack, and offers local inspection
// subcommands.
//
// One cobra.Command per resource, with subcommands nested under it.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fledger/internal/dhtstorage"
	"fledger/internal/flo"
	"fledger/internal/kademlia"
	"fledger/internal/network"
	"fledger/internal/nodeid"
	"fledger/internal/realmview"
	"fledger/internal/router"
	"fledger/internal/system"
	"fledger/pkg/config"
	"fledger/pkg/log"
)

// dhtTopic is the gossipsub topic carrying this node's DHT router
// envelopes: forwarded hops, content-addressed lookups and anti-entropy
// sync traffic, flooded to the mesh. Every received envelope is fed into
// system.System.HandleEnvelope, which does not filter on the envelope's
// To field.
const dhtTopic = "fledger/dht"

func main() {
	root := &cobra.Command{Use: "fledger"}
	root.AddCommand(nodeCmd())
	root.AddCommand(kademliaCmd())
	root.AddCommand(storeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadFromEnv()
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "run a fledger node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.New("node")

			pub, _, err := ed25519.GenerateKey(nil)
			if err != nil {
				return err
			}
			self := nodeid.FromPublicKey(pub)
			logger.Infof("starting node %s", self)

			netCfg := network.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
				BootstrapPeers: cfg.Network.BootstrapPeers,
			}
			n, err := network.New(netCfg, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			realm := flo.Realm{Config: flo.RealmConfig{MaxSpace: 1 << 30, MaxFloSize: 1 << 20}}
			owned := make([]flo.FloID, 0, len(cfg.Storage.Owned))
			for _, s := range cfg.Storage.Owned {
				if id, err := flo.ParseFloID(s); err == nil {
					owned = append(owned, id)
				}
			}
			storage := dhtstorage.New(self, realm, owned)

			transport := router.New(self, router.SystemConfig{
				K:              cfg.Kademlia.K,
				PingInterval:   cfg.Kademlia.PingInterval,
				PingTimeout:    cfg.Kademlia.PingTimeout,
				AcceptedRealms: cfg.Storage.Realms,
			})

			sys := system.New(self, cfg.Kademlia.K, cfg.Kademlia.PingInterval, cfg.Kademlia.PingTimeout, transport, storage, logger)
			sys.SetFloodFallback(func(payload []byte) error { return n.Broadcast(dhtTopic, payload) })

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub, err := n.Subscribe(dhtTopic)
			if err != nil {
				return err
			}
			go func() {
				for {
					m, err := sub.Next(ctx)
					if err != nil {
						return // ctx cancelled or subscription closed
					}
					env, err := router.UnmarshalEnvelope(m.Data)
					if err != nil {
						logger.WithError(err).Warn("node: decode dht envelope failed")
						continue
					}
					if err := sys.HandleEnvelope(env); err != nil {
						logger.WithError(err).Warn("node: handle dht envelope failed")
					}
				}
			}()

			go sys.SyncTick(ctx, time.Minute)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("shutting down")
					return nil
				case <-ticker.C:
					toPing, removed := sys.Tick()
					if len(toPing) > 0 || len(removed) > 0 {
						logger.Debugf("tick: ping=%d removed=%d", len(toPing), len(removed))
					}
				}
			}
		},
	})
	return cmd
}

func kademliaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "kademlia"}
	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "show the depth of the local bucket tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub, _, err := ed25519.GenerateKey(nil)
			if err != nil {
				return err
			}
			self := nodeid.FromPublicKey(pub)
			kad := kademlia.New(self, cfg.Kademlia.K, cfg.Kademlia.PingInterval, cfg.Kademlia.PingTimeout)
			fmt.Printf("self=%s buckets=%d\n", self, kad.Depth())
			return nil
		},
	})
	return cmd
}

func storeCmd() *cobra.Command {
	// Store subcommands operate on an ephemeral in-process realm view:
	// persistent on-disk encoding is out of scope.
	cmd := &cobra.Command{Use: "store"}

	var tag string
	put := &cobra.Command{
		Use:   "put [payload]",
		Short: "construct and store a Flo in an ephemeral realm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			realm := flo.Realm{Config: flo.RealmConfig{MaxSpace: 1 << 20, MaxFloSize: 1 << 16}}
			storage := dhtstorage.New(nodeid.NodeID{}, realm, nil)
			f, err := flo.New(flo.RealmID{}, tag, 1, []byte(args[0]), flo.NoRules(), flo.FloConfig{})
			if err != nil {
				return err
			}
			if err := storage.Upsert(f, time.Now()); err != nil {
				return err
			}
			fmt.Println(f.ID.String())
			return nil
		},
	}
	put.Flags().StringVar(&tag, "tag", "note", "type tag for the stored Flo")
	cmd.AddCommand(put)

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [tag]",
		Short: "list Flos by type tag in an ephemeral realm (demonstration only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			realm := flo.Realm{Config: flo.RealmConfig{MaxSpace: 1 << 20, MaxFloSize: 1 << 16}}
			storage := dhtstorage.New(nodeid.NodeID{}, realm, nil)
			view := realmview.New(storage, flo.RealmID{})
			page := view.Tag(args[0])
			for _, f := range page.Flos {
				fmt.Printf("%s v%d\n", f.ID, f.Version)
			}
			return nil
		},
	})

	return cmd
}
