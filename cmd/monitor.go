package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/pjlink/client"
	"github.com/luma/pjlink/internal/env"
	"github.com/luma/pjlink/internal/meta"
	"github.com/luma/pjlink/storage"
	"github.com/luma/pjlink/transport"
)

var (
	// The device to monitor. Flags override the environment config.
	deviceHost string
	devicePort int

	// The port to listen for http requests on
	httpPort string

	// How often to poll the device
	pollEvery time.Duration
)

var snapshotKey = []byte("snapshot")

func init() {
	flags := MonitorCmd.PersistentFlags()

	flags.StringVarP(&deviceHost, "host", "a", "", "The device host (overrides PJLINK_HOST)")
	flags.IntVarP(&devicePort, "port", "p", 0, "The device port (overrides PJLINK_PORT)")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.DurationVar(&pollEvery, "poll-every", 30*time.Second, "The device polling interval")
}

var MonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll a PJLink device and expose its state over HTTP",
	Long: `Poll a PJLink device and expose its state over HTTP

Usage
	pjlink monitor --host 10.0.0.42

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		if deviceHost == "" {
			deviceHost = conf.Host
		}
		if devicePort == 0 {
			devicePort = conf.Port
		}

		store := storage.NewInmemoryStore()

		keepAlive := time.Duration(conf.KeepAliveMs) * time.Millisecond
		if conf.KeepAliveMs <= 0 {
			// Zero in the environment means "no keep-alive supervisor".
			keepAlive = -1
		}

		cl := client.New(client.Options{
			Transport: transport.NewTCP(transport.Options{
				Host:        deviceHost,
				Port:        devicePort,
				DialTimeout: 5 * time.Second,
				ReadTimeout: 5 * time.Second,
				Log:         log.Named("transport"),
			}),
			Password:             conf.Password,
			CommandsCooldown:     time.Duration(conf.CooldownMs) * time.Millisecond,
			ConnectionKeepAlive:  keepAlive,
			InputRefreshInterval: time.Duration(conf.InputRefreshMs) * time.Millisecond,
			Metadata:             meta.NewProvider(),
			Log:                  log,
		})

		router := setupRouter(log)

		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/snapshot", func(c *gin.Context) {
			value, err := store.Get(c.Request.Context(), snapshotKey)
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}

			if len(value) == 0 {
				c.String(http.StatusNotFound, "no snapshot collected yet")
				return
			}

			c.Data(http.StatusOK, "application/json", value)
		})

		router.POST("/control", func(c *gin.Context) {
			var body struct {
				Property string `json:"property" binding:"required"`
				Value    string `json:"value"`
			}

			if err := c.ShouldBindJSON(&body); err != nil {
				c.String(http.StatusBadRequest, err.Error())
				return
			}

			if err := cl.Control(c.Request.Context(), body.Property, body.Value); err != nil {
				c.String(http.StatusBadGateway, err.Error())
				return
			}

			c.Status(http.StatusNoContent)
		})

		s := &http.Server{
			Addr:    net.JoinHostPort("0.0.0.0", httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		// Log snapshot publications as they land in the store.
		go func() {
			for update := range store.ListenToUpdates() {
				log.Debug("Snapshot published", zap.Int("bytes", len(update.Value)))
			}
		}()

		log.Info("Monitoring",
			zap.String("device", net.JoinHostPort(deviceHost, strconv.Itoa(devicePort))),
			zap.String("httpPort", httpPort),
			zap.Duration("pollEvery", pollEvery))

		go pollLoop(ctx, cl, store, pollEvery, log)

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		var closeErr error
		if err := s.Shutdown(shutdownCtx); err != nil {
			closeErr = multierr.Append(closeErr, err)
		}

		closeErr = multierr.Append(closeErr, cl.Close())
		closeErr = multierr.Append(closeErr, store.Close())

		if closeErr != nil {
			log.Error("Shutdown was not clean", zap.Error(closeErr))
		}

		log.Info("Exiting")
		return nil
	},
}

// pollLoop polls the device on a fixed cadence and publishes each
// snapshot into the store.
func pollLoop(
	ctx context.Context,
	cl *client.Client,
	store storage.Store,
	every time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		snapshot, err := cl.Poll(ctx)
		if err != nil {
			log.Error("Poll failed", zap.Error(err))
		} else if err := store.Set(ctx, snapshotKey, snapshot); err != nil {
			log.Error("Failed to publish snapshot", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupRouter(log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
