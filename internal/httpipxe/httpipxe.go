// Package httpipxe implements the HTTP iPXE endpoint: component H. It
// renders the Director's boot decision for a device as a plain-text
// iPXE script.
package httpipxe

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/rackops/director/data"
	"github.com/rackops/director/internal/catalog"
)

// Policy is the subset of the Director this handler needs.
type Policy interface {
	NextBootTarget(ctx context.Context, uuid string) (data.BootTarget, error)
}

// Server wires Policy and Catalog lookups to a gin router.
type Server struct {
	Policy  Policy
	Catalog catalog.Catalog
	Log     logr.Logger

	Engine *gin.Engine
}

// New returns a Server with routes registered but not yet listening.
func New(policy Policy, cat catalog.Catalog, log logr.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{Policy: policy, Catalog: cat, Log: log, Engine: gin.New()}
	s.Engine.Use(gin.Recovery())
	s.Engine.GET("/ipxe", s.handleByUUID)
	s.Engine.GET("/ipxe/:mac", s.handleByMAC)
	return s
}

// ListenAndServe starts the HTTP server on addr; it blocks until the
// server stops or ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Engine}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleByUUID(c *gin.Context) {
	uuid := c.Query("uuid")
	if uuid == "" {
		c.String(http.StatusBadRequest, "missing uuid query parameter")
		return
	}
	s.renderScript(c, uuid)
}

func (s *Server) handleByMAC(c *gin.Context) {
	mac, err := net.ParseMAC(c.Param("mac"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid mac address")
		return
	}
	iface, err := s.Catalog.FindInterfaceByMAC(c.Request.Context(), mac)
	if err == catalog.ErrNotFound {
		c.String(http.StatusNotFound, "unknown interface")
		return
	}
	if err != nil {
		s.Log.Error(err, "looking up interface by mac", "mac", mac.String())
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	s.renderScript(c, iface.DeviceUUID)
}

func (s *Server) renderScript(c *gin.Context, uuid string) {
	target, err := s.Policy.NextBootTarget(c.Request.Context(), uuid)
	if err != nil {
		s.Log.Error(err, "resolving boot target", "uuid", uuid)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}

	c.Data(http.StatusOK, "text/plain", []byte(renderIPXEScript(target)))
}

func renderIPXEScript(target data.BootTarget) string {
	if target.Kind == data.BootLocalDisk {
		return "#!ipxe\nsanboot --no-describe --drive 0x80\n"
	}
	p := target.Profile
	return fmt.Sprintf("#!ipxe\nkernel %s\ninitrd %s\nimgargs %s %s\nboot\n", p.Kernel, p.Ramdisk, p.Kernel, p.Cmdline)
}
