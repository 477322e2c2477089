// Package main provides the CLI entry point for the Silent Speaker agent.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/silentspeaker/silentspeaker/internal/agent"
	"github.com/silentspeaker/silentspeaker/internal/certutil"
	"github.com/silentspeaker/silentspeaker/internal/config"
	"github.com/silentspeaker/silentspeaker/internal/crypto"
	"github.com/silentspeaker/silentspeaker/internal/logging"
	"github.com/silentspeaker/silentspeaker/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "silentspeaker",
		Short:   "Silent Speaker - covert QUIC messaging agent",
		Long:    "Silent Speaker runs a QUIC-based messaging node with dynamic frame obfuscation, forward error correction, and priority stream scheduling.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Key & Certificate Management:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	keygen := keygenCmd()
	keygen.GroupID = "admin"
	rootCmd.AddCommand(keygen)

	cert := certCmd()
	cert.GroupID = "admin"
	rootCmd.AddCommand(cert)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal default config: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Wrote default configuration to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "./config.yaml", "Path to write the configuration file")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  "Start the agent with the specified configuration, dialing configured peers and listening if configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			m := metrics.Default()

			a, err := agent.New(cfg, log, m)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}

			a.SetOnContentWhisper(func(peerID, content string) {
				fmt.Printf("[%s] %s\n", peerID, content)
			})

			fmt.Println("Starting Silent Speaker agent...")
			if err := a.Start(context.Background()); err != nil {
				return fmt.Errorf("start agent: %w", err)
			}
			if addr := a.ListenAddr(); addr != "" {
				fmt.Printf("Listening on %s\n", addr)
			}
			fmt.Printf("Dialing %d configured peer(s)\n", len(cfg.Peers))

			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address, log)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- a.Stop() }()
			select {
			case err := <-done:
				if err != nil {
					return fmt.Errorf("stop agent: %w", err)
				}
			case <-ctx.Done():
				return fmt.Errorf("shutdown timed out")
			}

			fmt.Println("Agent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server exited", logging.KeyError, err.Error())
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate X25519 keypairs and provision per-peer framing seeds",
	}

	cmd.AddCommand(keygenIdentityCmd())
	cmd.AddCommand(keygenSeedCmd())
	return cmd
}

func keygenIdentityCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Generate this agent's X25519 seed-exchange keypair",
		Long:  "Generates the private/public keypair used to open sealed per-peer framing seeds provisioned by other agents.",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, publicKey, err := crypto.GenerateEphemeralKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			defer crypto.ZeroKey(&privateKey)

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			keyPath := outDir + "/seed.key"
			pubPath := outDir + "/seed.pub"
			if err := os.WriteFile(keyPath, privateKey[:], 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, publicKey[:], 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			fmt.Printf("Generated seed-exchange identity:\n")
			fmt.Printf("  Private key: %s (keep secret, set agent.seed_private_key_file)\n", keyPath)
			fmt.Printf("  Public key:  %s (share with peers provisioning a seed to you)\n", pubPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "./data", "Output directory for the keypair")
	return cmd
}

func keygenSeedCmd() *cobra.Command {
	var (
		peerPubKeyPath string
		outPath        string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision a random framing seed sealed for a peer's public key",
		Long:  "Generates a random 32-byte base seed and seals it for the peer identified by --peer-public-key, producing the file that peer's config.peers[].seed_file should point at.",
		RunE: func(cmd *cobra.Command, args []string) error {
			peerPub, err := os.ReadFile(peerPubKeyPath)
			if err != nil {
				return fmt.Errorf("read peer public key: %w", err)
			}
			if len(peerPub) != crypto.KeySize {
				return fmt.Errorf("peer public key must be %d bytes, got %d", crypto.KeySize, len(peerPub))
			}
			var peerPublicKey [32]byte
			copy(peerPublicKey[:], peerPub)

			var seed [32]byte
			if _, err := rand.Read(seed[:]); err != nil {
				return fmt.Errorf("generate seed: %w", err)
			}

			box := crypto.NewSealedBox(peerPublicKey)
			sealed, err := box.Seal(seed[:])
			if err != nil {
				return fmt.Errorf("seal seed: %w", err)
			}

			if err := os.WriteFile(outPath, sealed, 0o644); err != nil {
				return fmt.Errorf("write sealed seed: %w", err)
			}

			fmt.Printf("Sealed a %s base seed for the peer at %s\n", humanize.Bytes(uint64(len(seed))), peerPubKeyPath)
			fmt.Printf("Wrote %s (%s)\n", outPath, humanize.Bytes(uint64(len(sealed))))
			return nil
		},
	}

	cmd.Flags().StringVar(&peerPubKeyPath, "peer-public-key", "", "Path to the receiving peer's public key file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "./data/peer.seed", "Output path for the sealed seed file")
	cmd.MarkFlagRequired("peer-public-key")
	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate TLS certificates for the QUIC transport",
	}

	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certAgentCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a CA certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.GenerateCA(commonName, time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("generate CA: %w", err)
			}
			certPath := outDir + "/ca.crt"
			keyPath := outDir + "/ca.key"
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}
			fmt.Printf("CA certificate: %s\n", certPath)
			fmt.Printf("CA private key: %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", ca.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "Silent Speaker CA", "Common name for the CA")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 3650, "Validity period in days")
	return cmd
}

func certAgentCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		caPath     string
		caKeyPath  string
		dnsNames   string
		ipAddrs    string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Generate an agent certificate signed by a CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("common name is required")
			}

			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("load CA: %w", err)
			}

			opts := certutil.DefaultPeerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.ParentCert = ca.Certificate
			opts.ParentKey = ca.PrivateKey

			if dnsNames != "" {
				opts.DNSNames = append(opts.DNSNames, strings.Split(dnsNames, ",")...)
			}
			if ipAddrs != "" {
				for _, ip := range strings.Split(ipAddrs, ",") {
					parsed := net.ParseIP(strings.TrimSpace(ip))
					if parsed == nil {
						return fmt.Errorf("invalid IP address: %s", ip)
					}
					opts.IPAddresses = append(opts.IPAddresses, parsed)
				}
			}

			gc, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("generate agent certificate: %w", err)
			}

			certPath := outDir + "/" + commonName + ".crt"
			keyPath := outDir + "/" + commonName + ".key"
			if err := gc.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save agent certificate: %w", err)
			}

			fmt.Printf("Agent certificate: %s\n", certPath)
			fmt.Printf("Agent private key: %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", gc.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "Common name for the agent certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	cmd.Flags().StringVar(&caPath, "ca-cert", "./certs/ca.crt", "Path to the CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "Path to the CA private key")
	cmd.Flags().StringVar(&dnsNames, "dns", "", "Comma-separated DNS SANs")
	cmd.Flags().StringVar(&ipAddrs, "ip", "", "Comma-separated IP SANs")
	return cmd
}
