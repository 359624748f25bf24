// Package profiling starts the optional pprof endpoint and Pyroscope
// continuous profiler.
package profiling

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const (
	defaultPprofPort     = "6060"
	defaultPyroscopeURL  = "http://pyroscope:4040"
	defaultEnvironment   = "development"
	pprofReadHeaderLimit = 5 * time.Second
)

// Config controls profiling. Zero values fall back to the environment:
// ENABLE_PROFILING, PPROF_PORT, ENABLE_CONTINUOUS_PROFILING,
// PYROSCOPE_SERVER_URL and PYROSCOPE_ENVIRONMENT.
type Config struct {
	Pprof        bool
	PprofPort    string
	Pyroscope    bool
	PyroscopeURL string
	Environment  string
	Version      string
}

// FromEnv reads Config from the environment.
func FromEnv(version string) Config {
	cfg := Config{
		Pprof:        os.Getenv("ENABLE_PROFILING") == "true",
		PprofPort:    os.Getenv("PPROF_PORT"),
		Pyroscope:    os.Getenv("ENABLE_CONTINUOUS_PROFILING") == "true",
		PyroscopeURL: os.Getenv("PYROSCOPE_SERVER_URL"),
		Environment:  os.Getenv("PYROSCOPE_ENVIRONMENT"),
		Version:      version,
	}
	if cfg.PprofPort == "" {
		cfg.PprofPort = defaultPprofPort
	}
	if cfg.PyroscopeURL == "" {
		cfg.PyroscopeURL = defaultPyroscopeURL
	}
	if cfg.Environment == "" {
		cfg.Environment = defaultEnvironment
	}
	return cfg
}

// Profiler owns whatever profiling was started.
type Profiler struct {
	pprof     *http.Server
	pyroscope *pyroscope.Profiler
}

// Start starts the enabled profilers. pprof binds to localhost only.
func Start(serviceName string, cfg Config, log logger.Logger) (*Profiler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Profiler{}

	if cfg.Pprof {
		p.pprof = startPprof("localhost:"+cfg.PprofPort, log)
	}

	if cfg.Pyroscope {
		prof, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "north-cloud." + serviceName,
			ServerAddress:   cfg.PyroscopeURL,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
			Tags: map[string]string{
				"environment": cfg.Environment,
				"version":     cfg.Version,
				"hostname":    hostname(),
				"go_version":  runtime.Version(),
			},
		})
		if err != nil {
			_ = p.Stop()
			return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
		}
		p.pyroscope = prof
		log.Info("Pyroscope continuous profiling started",
			logger.String("server", cfg.PyroscopeURL),
			logger.String("environment", cfg.Environment),
		)
	}
	return p, nil
}

func startPprof(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: pprofReadHeaderLimit}
	go func() {
		log.Info("Starting pprof server", logger.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server error", logger.Error(err))
		}
	}()
	return srv
}

// Stop stops every started profiler. It is safe on a nil Profiler.
func (p *Profiler) Stop() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.pprof != nil {
		errs = append(errs, p.pprof.Close())
	}
	if p.pyroscope != nil {
		errs = append(errs, p.pyroscope.Stop())
	}
	return errors.Join(errs...)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
