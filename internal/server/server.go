// Package server is Eventhub's composition root: it wires configuration,
// the backplane client, the worker pool, the backplane-consumer fan-in
// loop, the maintenance cron thread, TLS hot reload, and the HTTP
// listeners into one runnable process (spec §4, §9, §11).
package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/eventhub/eventhub/internal/backplane"
	"github.com/eventhub/eventhub/internal/cache"
	"github.com/eventhub/eventhub/internal/config"
	"github.com/eventhub/eventhub/internal/httpapi"
	"github.com/eventhub/eventhub/internal/metrics"
	"github.com/eventhub/eventhub/internal/rpc"
	"github.com/eventhub/eventhub/internal/worker"
)

// heartbeatTopic is the internal topic the cron thread publishes a
// wall-clock timestamp to every 5s, used to sample redis_publish_delay_ms
// (spec §6). Its '$' characters are outside the client topic alphabet, so
// no client can publish or subscribe to it; handleBackplaneMessage consumes
// it and never fans it out to workers.
const heartbeatTopic = "$metrics$/system_unixtime"

// Server owns every long-lived resource of one Eventhub process.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	rdb     *backplane.Client
	cache   *cache.Store

	workers    []*worker.Worker
	dispatcher *rpc.Dispatcher
	handler    *httpapi.Handler

	cron *cron.Cron

	limiter    *rate.Limiter
	instanceID string

	certMu   sync.Mutex
	cert     atomic.Pointer[tls.Certificate]
	certHash [16]byte

	plainSrv *http.Server
	tlsSrv   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server from cfg. It does not bind listeners or start any
// goroutines; call Start for that.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With().Str("instance_id", instanceID).Logger()

	hostname, _ := os.Hostname()
	instanceLabel := fmt.Sprintf("%s:%d", hostname, cfg.ListenPort)
	m := metrics.New(cfg.PrometheusMetricPrefix, instanceLabel)

	rdb := backplane.New(backplane.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})

	store := cache.New(rdb, cfg.RedisPrefix, cfg.MaxCacheLength, cfg.DefaultCacheTTL)
	dispatcher := rpc.New(store, cfg.EnableCache, cfg.EnableKVStore, cfg.MaxCacheRequestLimit, logger, m)

	numWorkers := cfg.WorkerThreads
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	workers := make([]*worker.Worker, numWorkers)
	for i := range workers {
		workers[i] = worker.New(i, m, logger)
	}
	m.SetWorkerCount(numWorkers)

	// Burst equal to max_connections lets a cold-start thundering herd
	// through once; the refill rate then smooths sustained admission to
	// one tenth of capacity per second, mirroring the teacher's
	// resource_guard admitting bursts but throttling sustained overload.
	limiter := rate.NewLimiter(rate.Limit(cfg.MaxConnections/10+1), cfg.MaxConnections)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		rdb:        rdb,
		cache:      store,
		workers:    workers,
		dispatcher: dispatcher,
		limiter:    limiter,
		instanceID: instanceID,
	}

	s.handler = httpapi.New(httpapi.Config{
		Workers:       workers,
		Dispatcher:    dispatcher,
		Cache:         store,
		Metrics:       m,
		JWTSecret:     cfg.JWTSecret,
		DisableAuth:   cfg.DisableAuth,
		EnableSSE:     cfg.EnableSSE,
		PingInterval:  time.Duration(cfg.PingInterval) * time.Second,
		MaxReplay:     cfg.MaxCacheRequestLimit,
		Logger:        logger,
		VerboseHealth: s.VerboseHealth,
	})

	if cfg.EnableSSL {
		if err := s.loadCertificate(); err != nil {
			return nil, fmt.Errorf("loading initial TLS certificate: %w", err)
		}
	}

	return s, nil
}

func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if s.metrics.CurrentConnections() >= int64(s.cfg.MaxConnections) || !s.limiter.Allow() {
			http.Error(w, `{"error":"server at capacity"}`, http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the configured listeners, launches the worker pool, the
// backplane consumer loop, and the maintenance cron thread, then blocks
// until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Run(s.ctx)
		}(w)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeBackplane()
	}()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 60s", s.purgeExpiredCache); err != nil {
		return fmt.Errorf("scheduling cache purge: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 5s", s.publishHeartbeat); err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 10s", s.sampleBufferSaturation); err != nil {
		return fmt.Errorf("scheduling buffer saturation sampling: %w", err)
	}
	if s.cfg.EnableSSL && s.cfg.SSLCertAutoReload {
		interval := fmt.Sprintf("@every %ds", s.cfg.SSLCertCheckInterval)
		if _, err := s.cron.AddFunc(interval, s.checkCertReload); err != nil {
			return fmt.Errorf("scheduling cert reload check: %w", err)
		}
	}
	s.cron.Start()

	handler := s.admissionMiddleware(s.handler)
	errCh := make(chan error, 2)

	if !s.cfg.DisableUnsecure {
		s.plainSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.ListenPort),
			Handler:           handler,
			MaxHeaderBytes:    httpapi.MaxHeaderBytes,
			ReadHeaderTimeout: time.Duration(s.cfg.HandshakeTimeout) * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info().Int("port", s.cfg.ListenPort).Msg("plain listener starting")
			if err := s.plainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("plain listener: %w", err)
			}
		}()
	}

	if s.cfg.EnableSSL {
		s.tlsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.SSLListenPort),
			Handler:           handler,
			MaxHeaderBytes:    httpapi.MaxHeaderBytes,
			ReadHeaderTimeout: time.Duration(s.cfg.HandshakeTimeout) * time.Second,
			TLSConfig: &tls.Config{
				MinVersion:     tls.VersionTLS12,
				GetCertificate: s.getCertificate,
			},
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info().Int("port", s.cfg.SSLListenPort).Msg("tls listener starting")
			if err := s.tlsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("tls listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return err
	case <-s.ctx.Done():
		return nil
	}
}

// getCertificate satisfies tls.Config.GetCertificate, reading the
// currently-active certificate through the atomic pointer so an in-flight
// handshake is never affected by a concurrent reload.
func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := s.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("no TLS certificate loaded")
	}
	return cert, nil
}

func (s *Server) loadCertificate() error {
	certBytes, err := os.ReadFile(s.cfg.SSLCertificate)
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	keyBytes, err := os.ReadFile(s.cfg.SSLPrivateKey)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return fmt.Errorf("parsing keypair: %w", err)
	}

	s.certMu.Lock()
	defer s.certMu.Unlock()
	s.cert.Store(&cert)
	s.certHash = md5.Sum(append(certBytes, keyBytes...))
	return nil
}

// checkCertReload is the cron-scheduled hook for `ssl_cert_auto_reload`:
// it hashes the certificate and key files on disk and only rebuilds and
// swaps in a new tls.Certificate when the content has actually changed,
// validating the keypair parses before the swap (spec §11: validate
// before swap, never leave an in-flight handshake using a half-built
// config).
func (s *Server) checkCertReload() {
	certBytes, err := os.ReadFile(s.cfg.SSLCertificate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cert reload: failed to read certificate")
		return
	}
	keyBytes, err := os.ReadFile(s.cfg.SSLPrivateKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cert reload: failed to read private key")
		return
	}
	hash := md5.Sum(append(certBytes, keyBytes...))

	s.certMu.Lock()
	unchanged := bytes.Equal(hash[:], s.certHash[:])
	s.certMu.Unlock()
	if unchanged {
		return
	}

	if err := s.loadCertificate(); err != nil {
		s.logger.Error().Err(err).Msg("cert reload: new certificate failed to validate, keeping old one")
		return
	}
	s.logger.Info().Msg("cert reload: swapped in new TLS certificate")
}

func (s *Server) purgeExpiredCache() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.cache.PurgeExpired(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("cache purge failed")
	}
}

func (s *Server) publishHeartbeat() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	now := time.Now().UnixMilli()
	if err := s.cache.PublishEnvelope(ctx, heartbeatTopic, "", fmt.Sprintf("%d", now), s.instanceID); err != nil {
		s.metrics.IncRedisConnectionFail()
		s.logger.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

// sampleBufferSaturation aggregates each worker's SampleBufferSaturation
// reading and warns when a large share of sampled connections are near
// their send mailbox's capacity, grounded on the teacher's
// sampleClientBuffers high-saturation warning.
func (s *Server) sampleBufferSaturation() {
	var sampled, high int
	for _, w := range s.workers {
		n, h := w.SampleBufferSaturation()
		sampled += n
		high += h
	}
	if sampled == 0 {
		return
	}
	pct := float64(high) / float64(sampled) * 100
	s.metrics.SetBufferSaturationPercent(pct)
	if pct >= 25 {
		s.logger.Warn().
			Int("high_saturation_count", high).
			Int("total_sampled", sampled).
			Float64("high_saturation_pct", pct).
			Msg("high buffer saturation detected across sampled connections")
	}
}

// consumeBackplane subscribes to every topic channel under the
// configured prefix and fans each decoded envelope out to every local
// worker's registry. It auto-reconnects on failure (spec §9), counting
// each reconnect into redis_connection_fail_count.
func (s *Server) consumeBackplane() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.runBackplaneConsumer(); err != nil {
			s.metrics.IncRedisConnectionFail()
			s.logger.Warn().Err(err).Msg("backplane consumer disconnected, retrying in 5s")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (s *Server) runBackplaneConsumer() error {
	sub := s.rdb.PSubscribe(s.ctx, s.cache.ChannelPattern())
	defer sub.Close()

	if _, err := sub.Receive(s.ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("backplane subscription channel closed")
			}
			s.handleBackplaneMessage(msg.Payload)
		}
	}
}

func (s *Server) handleBackplaneMessage(payload string) {
	env, err := cache.DecodeEnvelope([]byte(payload))
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode backplane envelope")
		return
	}

	if env.Topic == heartbeatTopic {
		s.sampleHeartbeatDelay(env)
		return
	}

	for _, w := range s.workers {
		w.Publish(env.Topic, env.ID, env.Message, env.Origin)
	}
}

func (s *Server) sampleHeartbeatDelay(env cache.Envelope) {
	var sentMs int64
	if _, err := fmt.Sscanf(env.Message, "%d", &sentMs); err != nil {
		return
	}
	delay := time.Now().UnixMilli() - sentMs
	if delay < 0 {
		delay = 0
	}
	s.metrics.SetRedisPublishDelay(float64(delay))
}

// VerboseHealth reports process resource usage alongside the plain health
// status, gated by ?verbose=1 (spec §6.2). Grounded on the teacher's
// collectMetrics/monitorMemory gopsutil usage.
func (s *Server) VerboseHealth() map[string]any {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			out["rss_bytes"] = mi.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			out["cpu_percent"] = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["system_memory_used_percent"] = vm.UsedPercent
	}
	return out
}

// Shutdown stops the cron thread, drains the HTTP listeners, cancels every
// worker's context, and waits for all goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}

	var wg sync.WaitGroup
	if s.plainSrv != nil {
		wg.Add(1)
		go func() { defer wg.Done(); _ = s.plainSrv.Shutdown(ctx) }()
	}
	if s.tlsSrv != nil {
		wg.Add(1)
		go func() { defer wg.Done(); _ = s.tlsSrv.Shutdown(ctx) }()
	}
	wg.Wait()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return s.rdb.Close()
}
