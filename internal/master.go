// Package internal wires the master together: configuration, the durable
// store, the HTTP server and the fleet of agents.
package internal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/corral-sh/corral/internal/allocationmap"
	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/internal/db"
	"github.com/corral-sh/corral/internal/fleet"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/logger"
)

// Master is the top-level server object.
type Master struct {
	version string
	config  *config.Config
	syslog  *logrus.Entry

	echo  *echo.Echo
	fleet *fleet.Fleet
}

// New creates a master from the given configuration.
func New(version string, cfg *config.Config) *Master {
	logger.SetLogrus(cfg.Log)
	config.SetMasterConfig(cfg)

	return &Master{
		version: version,
		config:  cfg,
		syslog:  logrus.WithField("component", "master"),
	}
}

// Run starts the master and blocks until the context is cancelled or the
// server fails.
func (m *Master) Run(ctx context.Context) error {
	m.syslog.Infof("master version %s starting", m.version)

	if err := db.Connect(&m.config.DB); err != nil {
		return errors.Wrap(err, "connecting to database")
	}

	allocationmap.InitAllocationMap()

	m.echo = echo.New()
	m.echo.Logger = logger.New()
	m.echo.HideBanner = true
	m.echo.HidePort = true
	m.echo.Use(middleware.Recover())

	m.fleet = fleet.New(&agentmsg.MasterSetAgentOptions{
		MasterInfo: agentmsg.MasterInfo{
			Version:     m.version,
			MasterID:    uuid.NewString(),
			ClusterName: m.config.ClusterName,
		},
	})
	m.fleet.RegisterRoutes(m.echo)

	m.echo.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	go func() {
		<-ctx.Done()
		if err := m.echo.Shutdown(context.Background()); err != nil {
			m.syslog.WithError(err).Error("error shutting down server")
		}
	}()

	addr := fmt.Sprintf(":%d", m.config.Port)
	m.syslog.Infof("accepting incoming connections on %s", addr)
	if err := m.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}
