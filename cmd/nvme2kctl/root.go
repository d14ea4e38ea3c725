package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvme2k-go/nvme2k/config"
	"github.com/nvme2k-go/nvme2k/controller"
	"github.com/nvme2k-go/nvme2k/hostservices"
	"github.com/nvme2k-go/nvme2k/hostservices/sim"
	"github.com/nvme2k-go/nvme2k/hostservices/uio"
	"github.com/nvme2k-go/nvme2k/logging"
	"github.com/nvme2k-go/nvme2k/metrics"
)

var (
	flagBackend string
	flagUIOPath string
	flagConfig  string
	flagListen  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nvme2kctl",
	Short: "Query and drive a host-side NVMe controller",
	Long: "nvme2kctl brings up the driver core against a real UIO-backed " +
		"NVMe controller or an in-memory simulator and issues the SCSI/ATA " +
		"surface the controller translates to NVMe commands.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "sim", `hostservices.Services backend: "sim" or "uio"`)
	rootCmd.PersistentFlags().StringVar(&flagUIOPath, "uio-path", "/sys/class/uio/uio0", `UIO sysfs device when --backend=uio`)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file (defaults if empty)")
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "address to serve Prometheus metrics on while the command runs, e.g. :9100")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable development (human-readable, debug-level) logging")

	rootCmd.AddCommand(initCmd, scsiCmd, smartCmd, shutdownCmd, resetBusCmd, stressCmd)
}

// session bundles the controller and the resources openDevice acquired for
// it, so every subcommand can defer a single teardown call.
type session struct {
	ctx   *controller.Context
	svc   hostservices.Services
	stats *metrics.Stats
	log   *logging.Logger
	close func() error
}

// openDevice resolves --backend/--uio-path into a hostservices.Services
// backend, builds the Context, and starts the --listen metrics server if
// requested.
func openDevice() (*session, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var log *logging.Logger
	var err error
	if flagVerbose {
		log, err = logging.NewDevelopment()
	} else {
		log, err = logging.New()
	}
	if err != nil {
		return nil, fmt.Errorf("nvme2kctl: building logger: %w", err)
	}
	stats := metrics.New()

	var svc hostservices.Services
	var closeFn func() error
	switch flagBackend {
	case "sim":
		svc = sim.New()
		closeFn = func() error { return nil }
	case "uio":
		d, err := uio.Open(flagUIOPath)
		if err != nil {
			return nil, fmt.Errorf("nvme2kctl: opening %s: %w", flagUIOPath, err)
		}
		svc, closeFn = d, d.Close
	default:
		return nil, fmt.Errorf("nvme2kctl: --backend must be \"sim\" or \"uio\", got %q", flagBackend)
	}

	if flagListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(stats.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(flagListen, mux); err != nil {
				log.Error("metrics server exited", zap.Error(err))
			}
		}()
	}

	ctx, err := controller.New(svc, cfg, log, stats)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("nvme2kctl: building controller: %w", err)
	}

	return &session{ctx: ctx, svc: svc, stats: stats, log: log, close: closeFn}, nil
}

func (s *session) teardown() {
	s.log.Sync()
	s.close()
}

// initAndRun is the common shape of the scsi and smart subcommands:
// open the device, bring the controller to Ready, run fn, then shut down
// cleanly regardless of fn's outcome.
func initAndRun(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := openDevice()
	if err != nil {
		return err
	}
	defer s.teardown()

	if err := s.ctx.Init(cmd.Context()); err != nil {
		return fmt.Errorf("nvme2kctl: init: %w", err)
	}
	defer s.ctx.Shutdown(cmd.Context())

	return fn(s)
}
