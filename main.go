// Package main provides the peerlink command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/device"
	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/network"
	"peerlink/pairing"
	"peerlink/plugins/ping"
	"peerlink/protocol"
	"peerlink/radio"
	"peerlink/registry"
	"peerlink/storage"
)

// Version is set at build time.
var Version = "dev"

// dataDir is set by the persistent --data-dir flag.
var dataDir string

func main() {
	rootCmd := &cobra.Command{
		Use:          "peerlink",
		Short:        "peerlink - discover, pair with and talk to nearby devices",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for persistent state (default: per-user config directory)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(trustedCmd())
	rootCmd.AddCommand(unpairCmd())
	rootCmd.AddCommand(fingerprintCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type environment struct {
	cfg   *config.DeviceConfig
	paths config.Paths
	cert  *crypto.LocalCertificate
	store *storage.Store
}

func openEnvironment() (*environment, error) {
	cfg, paths, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cert, err := crypto.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("prepare device certificate: %w", err)
	}
	store, err := storage.Open(paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &environment{cfg: cfg, paths: paths, cert: cert, store: store}, nil
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "database close error: %v\n", err)
	}
}

func runCmd() *cobra.Command {
	var acceptPairing bool
	var pairWith string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device engine",
		Long:  "Announce this device, link to nearby devices and keep running until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.cfg

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.NewMetrics()

			factories := []device.PluginFactory{ping.Factory(logger, nil)}
			incoming, outgoing := device.Capabilities(factories)
			identity := cfg.Identity(incoming, outgoing)

			reg, err := registry.New(registry.Options{
				Local:     env.cert,
				Store:     env.store,
				Factories: factories,
				Logger:    logger,
				Metrics:   m,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			providers, err := buildProviders(cfg, env.cert, identity, reg, logger, m)
			if err != nil {
				return err
			}
			for _, p := range providers {
				if err := reg.AddProvider(ctx, p); err != nil {
					return fmt.Errorf("add %s transport: %w", p.Name(), err)
				}
			}

			fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
			fmt.Printf("Device Name:     %s\n", identity.DeviceName)
			fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(env.cert.Fingerprint()))
			fmt.Printf("Config File:     %s\n", env.paths.Config)

			events, unsubscribe := reg.Subscribe()
			defer unsubscribe()
			go watchEvents(ctx, reg, events, logger, acceptPairing, pairWith)

			if err := reg.Start(ctx); err != nil {
				return fmt.Errorf("start transports: %w", err)
			}

			if cfg.MetricsAddress != "" {
				server := &http.Server{
					Addr:              cfg.MetricsAddress,
					Handler:           metricsMux(m),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
			}

			fmt.Println("Status:          running (press Ctrl+C to stop)")
			<-ctx.Done()
			fmt.Println("Status:          shutting down")
			return reg.Stop()
		},
	}

	cmd.Flags().BoolVar(&acceptPairing, "accept-pairing", false, "Accept every incoming pairing request")
	cmd.Flags().StringVar(&pairWith, "pair", "", "Request pairing with this device id once it is reachable")

	return cmd
}

func buildProviders(cfg *config.DeviceConfig, cert *crypto.LocalCertificate, identity protocol.Identity, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) ([]link.Provider, error) {
	lan, err := network.NewProvider(network.Options{
		Identity:           identity,
		Certificate:        cert,
		Trusted:            reg.TrustedCertificate,
		UDPAddress:         fmt.Sprintf(":%d", cfg.UDPPort),
		BroadcastPort:      cfg.UDPPort,
		BroadcastAddresses: cfg.BroadcastAddresses,
		CustomAddresses:    cfg.CustomAddresses,
		TCPPorts:           network.PortRange{Min: cfg.TCPPortMin, Max: cfg.TCPPortMax},
		PayloadPorts:       network.PortRange{Min: cfg.PayloadPortMin, Max: cfg.PayloadPortMax},
		EnableMDNS:         cfg.EnableMDNS,
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		return nil, fmt.Errorf("create lan transport: %w", err)
	}
	providers := []link.Provider{lan}

	if cfg.EnableRadio {
		adapter, err := radio.NewSocketAdapter(cfg.RadioSocketDir, cfg.RadioAddress)
		if err != nil {
			return nil, fmt.Errorf("create radio adapter: %w", err)
		}
		rp, err := radio.NewProvider(radio.Options{
			Identity:      identity,
			Adapter:       adapter,
			ProbeInterval: cfg.ProbeInterval(),
			Logger:        logger,
			Metrics:       m,
		})
		if err != nil {
			return nil, fmt.Errorf("create radio transport: %w", err)
		}
		providers = append(providers, rp)
	}
	return providers, nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func watchEvents(ctx context.Context, reg *registry.Registry, events <-chan registry.Event, logger *slog.Logger, acceptPairing bool, pairWith string) {
	requested := false
	for event := range events {
		d, ok := reg.Device(event.DeviceID)
		if !ok {
			logger.Info("device event", "event", string(event.Type), logging.KeyDeviceID, event.DeviceID)
			continue
		}

		switch event.Type {
		case registry.EventPairing:
			logPairingEvent(logger, d, *event.Pairing)
			if event.Pairing.Type == pairing.EventRequested && d.PairState() == pairing.RequestedByPeer {
				if !acceptPairing {
					logger.Info("pairing request ignored; restart with --accept-pairing to accept", logging.KeyDeviceID, d.ID())
					continue
				}
				if err := d.AcceptPairing(ctx); err != nil {
					logger.Warn("accept pairing", logging.KeyDeviceID, d.ID(), logging.KeyError, err)
				}
			}
		default:
			logger.Info("device event",
				"event", string(event.Type),
				logging.KeyDeviceID, d.ID(),
				logging.KeyDeviceName, d.Name(),
				"reachable", d.IsReachable(),
				logging.KeyPairState, d.PairState().String(),
				"transports", d.Transports(),
			)
		}

		if !requested && pairWith != "" && d.ID() == pairWith && d.IsReachable() && !d.IsPaired() {
			requested = true
			if err := d.RequestPairing(ctx); err != nil {
				logger.Warn("request pairing", logging.KeyDeviceID, d.ID(), logging.KeyError, err)
			}
		}
	}
}

func logPairingEvent(logger *slog.Logger, d *device.Device, e pairing.Event) {
	attrs := []any{logging.KeyDeviceID, d.ID(), logging.KeyDeviceName, d.Name(), "event", string(e.Type)}
	if e.Type == pairing.EventRequested {
		if key, err := d.VerificationKey(); err == nil {
			attrs = append(attrs, "verification_key", key)
		}
	}
	if e.Err != nil {
		attrs = append(attrs, logging.KeyError, e.Err)
	}
	logger.Info("pairing", attrs...)
}

func trustedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trusted",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			records, err := env.store.ListTrustRecords()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No paired devices")
				return nil
			}
			for _, record := range records {
				lastSeen := "never"
				if !record.LastSeen.IsZero() {
					lastSeen = humanize.Time(record.LastSeen)
				}
				fmt.Printf("%s  %-32s %-8s paired %s, last seen %s\n",
					record.DeviceID,
					record.DeviceName,
					record.DeviceType,
					humanize.Time(record.PairedAt),
					lastSeen,
				)
				fmt.Printf("    %s\n", crypto.FormatFingerprint(record.Fingerprint))
			}
			return nil
		},
	}
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			deviceID := args[0]
			if err := env.store.DeleteTrustRecord(deviceID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%s is not paired", deviceID)
				}
				return err
			}
			if err := env.store.Audit(storage.KindDeviceUnpaired, storage.SeverityInfo, deviceID, map[string]any{"reason": "cli"}); err != nil {
				fmt.Fprintf(os.Stderr, "log security event: %v\n", err)
			}
			fmt.Printf("Unpaired %s\n", deviceID)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's certificate fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
			fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(env.cert.Fingerprint()))
			return nil
		},
	}
}
