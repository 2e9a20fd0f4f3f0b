package config

import (
	"flag"
	"strings"
)

type Config struct {
	Listen      string
	Peers       []string
	MinPeers    int
	TimeoutMs   uint64
	DBPath      string
	WalPath     string
	KeyFile     string
	RecheckMins uint64
}

// Get creates configuration from command-line arguments.
func Get() *Config {
	listen := flag.String("listen", "localhost:4050", "node listen address")
	peers := flag.String("peers", "", "comma-separated peer addresses to join")
	minpeers := flag.Int("minpeers", 3, "minimum connected peers for quorum mode; below this proposals commit locally")
	timeout := flag.Uint64("timeout", 10000, "ms, consensus round timeout")
	dbpath := flag.String("dbpath", "./badger", "database path on filesystem")
	walpath := flag.String("walpath", "./wal", "write-ahead log path on filesystem")
	keyfile := flag.String("keyfile", "./node.key", "ed25519 seed file (created if missing)")
	recheck := flag.Uint64("recheck", 5, "minutes between peer integrity re-challenges")
	flag.Parse()

	var peersArray []string
	for _, p := range strings.Split(*peers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peersArray = append(peersArray, p)
		}
	}

	return &Config{
		Listen:      *listen,
		Peers:       peersArray,
		MinPeers:    *minpeers,
		TimeoutMs:   *timeout,
		DBPath:      *dbpath,
		WalPath:     *walpath,
		KeyFile:     *keyfile,
		RecheckMins: *recheck,
	}
}
