package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"

	"github.com/personhood-net/trustfabric/config"
	"github.com/personhood-net/trustfabric/core/attestation"
	"github.com/personhood-net/trustfabric/core/challenge"
	"github.com/personhood-net/trustfabric/core/consensus"
	"github.com/personhood-net/trustfabric/identity"
	"github.com/personhood-net/trustfabric/io/store"
	"github.com/personhood-net/trustfabric/io/transport"
	"github.com/personhood-net/trustfabric/io/zk"
	"github.com/personhood-net/trustfabric/peer"
)

func main() {
	zkEndpoint := flag.String("zkverifier", "http://localhost:9090/verify", "zk verifier service endpoint")
	conf := config.Get()

	id, err := identity.Load(conf.KeyFile)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	log.Infof("node identity %s", id.Did())

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              conf.WalPath,
		Prefix:           "trust",
		SegmentThreshold: 1024 * 1024,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		log.Fatalf("open wal: %v", err)
	}
	defer wal.Close()

	st, err := store.New(conf.DBPath, wal)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	oracle := zk.NewOracle(*zkEndpoint)

	// the hub and the consensus components reference each other, so the
	// handlers close over late-bound pointers.
	var (
		nullifierCons   *consensus.Consensus
		attestationCons *attestation.Consensus
	)

	challengeVerify := challenge.VerifyFn(oracle.VerifyProofBytes)
	peers := peer.NewManager(
		func(ctx context.Context, p peer.Peer) challenge.Result {
			return transport.ChallengePeer(ctx, p, identity.Verify)
		},
		func(count int) {
			if nullifierCons != nil {
				nullifierCons.SetPeerCount(count)
			}
		},
		nil,
		time.Duration(conf.RecheckMins)*time.Minute,
	)

	hub := transport.New(conf.Listen, peers,
		func(ctx context.Context, raw []byte) error { return nullifierCons.HandleMessage(ctx, raw) },
		func(ctx context.Context, raw []byte) error { return attestationCons.HandleMessage(ctx, raw) },
		id, challengeVerify,
	)

	nullifierCons = consensus.New(consensus.Config{
		MinPeers:     conf.MinPeers,
		RoundTimeout: time.Duration(conf.TimeoutMs) * time.Millisecond,
	}, id, id, oracle, hub, st.Nullifiers())

	attestationCons = attestation.New(id, id, hub, st.Reputation(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go peers.RunIntegritySweep(ctx)
	go func() {
		for _, addr := range conf.Peers {
			if err := peers.Admit(ctx, peer.Peer{URL: addr}); err != nil {
				log.Warnf("peer %s not admitted: %v", addr, err)
			}
		}
	}()

	mux := http.NewServeMux()
	hub.Routes(mux)

	log.Infof("listening on %s", conf.Listen)
	if err := http.ListenAndServe(conf.Listen, mux); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
