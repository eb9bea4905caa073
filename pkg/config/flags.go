package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers the node flags on fs with defaults taken from Default.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()

	fs.IntP("port", "p", def.Port, "HTTP bind port")
	fs.String("join", "", "join key of a remote drive (replica mode)")
	fs.String("seed", "", "local directory to publish (seed mode)")
	fs.Bool("full", false, "replica only: download the entire drive before serving")
	fs.String("proxy-url", "", "externally reachable URL to display instead of localhost")
	fs.String("cors-origin", "", "restrict CORS to this origin (default: any)")
	fs.StringSlice("bootstrap", nil, "DHT bootstrap peer multiaddrs")
	fs.Bool("public-bootstrap", def.Network.PublicBootstrap, "also bootstrap from the public IPFS DHT")
	fs.Bool("mdns", def.Network.MDNS, "discover peers on the local network via mDNS")
	fs.StringSlice("listen", def.Network.ListenAddrs, "swarm listen multiaddrs")
	fs.String("seed-store", def.SeedStore, "store directory used in seed mode")
	fs.String("replica-store", def.ReplicaStore, "store directory used in replica mode")
	fs.String("max-file-size", "", "skip local files larger than this when mirroring (e.g. 100MB)")
	fs.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	fs.String("admin-addr", "", "serve the gRPC admin status service on this address")
	fs.String("mount", "", "mount the drive read-only at this path via FUSE")
}

// ApplyFlags overlays every flag the user set explicitly. Flags left at their
// default do not override values from the environment or a config file.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error

	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		var applyErr error
		switch f.Name {
		case "port":
			c.Port, applyErr = fs.GetInt(f.Name)
		case "join":
			c.Join = f.Value.String()
		case "seed":
			c.Seed = f.Value.String()
		case "full":
			c.Full, applyErr = fs.GetBool(f.Name)
		case "proxy-url":
			c.ProxyURL = f.Value.String()
		case "cors-origin":
			c.AllowedOrigin = f.Value.String()
		case "bootstrap":
			c.Network.Bootstrap, applyErr = fs.GetStringSlice(f.Name)
		case "public-bootstrap":
			c.Network.PublicBootstrap, applyErr = fs.GetBool(f.Name)
		case "mdns":
			c.Network.MDNS, applyErr = fs.GetBool(f.Name)
		case "listen":
			c.Network.ListenAddrs, applyErr = fs.GetStringSlice(f.Name)
		case "seed-store":
			c.SeedStore = f.Value.String()
		case "replica-store":
			c.ReplicaStore = f.Value.String()
		case "max-file-size":
			c.MaxFileSize = f.Value.String()
		case "metrics-port":
			c.MetricsPort, applyErr = fs.GetInt(f.Name)
		case "admin-addr":
			c.AdminAddr = f.Value.String()
		case "mount":
			c.MountPoint = f.Value.String()
		}

		if applyErr != nil {
			err = fmt.Errorf("invalid --%s: %w", f.Name, applyErr)
		}
	})

	return err
}
