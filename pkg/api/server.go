// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

/*
Package api implements the meterman REST surface. Using HTTP calls, it's
possible to query the persisted meter evidence, queue node control
requests and inspect live device state.
*/
package api

import (
	"crypto/subtle"
	"fmt"
	stdLog "log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/leehonan/meterman-server/pkg/config"
	"github.com/leehonan/meterman-server/pkg/devices"
	"github.com/leehonan/meterman-server/pkg/gwlink"
	"github.com/leehonan/meterman-server/pkg/meterdata"
	"github.com/leehonan/meterman-server/pkg/metrics"
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

// DataService is the slice of the data manager the API reads and writes.
type DataService interface {
	MeterEntries(f store.MeterEntryFilter) ([]store.MeterEntry, error)
	MeterConsumption(nodeUUID string, timeFrom, timeTo int64) (int64, error)
	GatewaySnapshots(f store.GatewaySnapFilter) ([]store.GatewaySnapshot, error)
	NodeSnapshots(f store.NodeSnapFilter) ([]store.NodeSnapshot, error)
	NodeEvents(f store.NodeEventFilter) ([]store.NodeEvent, error)
	SoftDeleteMeterEntries(nodeUUID string, timeFrom, timeTo int64, types []store.EntryType) (int64, error)
	UpsertSynthMeterUpdates(nodeUUID string, entries []meterdata.UpdateEntry, rebaseFirst, liftLater bool) error
}

// DeviceService is the slice of the device manager the API drives.
type DeviceService interface {
	SetNodeGINRRate(nodeUUID string, tmpPollRate, tmpPollPeriod int) error
	SetNodeMeterValue(nodeUUID string, newMeterValue int64) error
	SetNodeMeterInterval(nodeUUID string, newMeterInterval int) error
	SetNodePuckLED(nodeUUID string, newPuckLEDRate, newPuckLEDTime int) error
	Nodes() []devices.NodeRecord
	Gateways() []gwlink.GatewayInfo
}

var (
	_ DataService   = (*meterdata.Manager)(nil)
	_ DeviceService = (*devices.Manager)(nil)
)

// Server owns the HTTP router and listener.
type Server struct {
	cfg     config.RestAPI
	data    DataService
	devices DeviceService

	// localIP is swapped by tests exercising the LAN-only rule.
	localIP func() net.IP

	router   *mux.Router
	listener net.Listener
}

// NewServer creates the router and registers every handler. Call Start to
// begin serving.
func NewServer(cfg config.RestAPI, data DataService, devs DeviceService) *Server {
	s := &Server{
		cfg:     cfg,
		data:    data,
		devices: devs,
		localIP: outboundIP,
	}
	s.router = mux.NewRouter()
	s.router.Use(s.recordMetrics, corsHeaders, s.checkAuth)
	s.setupHandlers(s.router)
	return s
}

// Start opens the listener and serves the API in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("unable to create the api server: %w", err)
	}
	s.listener = ln

	errorLog := stdLog.New(errorLogWriter{}, "Error from the http API server: ", 0) // log errors to seelog
	srv := &http.Server{
		// Use a recovery handler to log panics if they happen.
		// The client will receive a 500 error.
		Handler: handlers.RecoveryHandler(
			handlers.PrintRecoveryStack(true),
			handlers.RecoveryLogger(errorLog),
		)(s.router),
		ErrorLog: errorLog,
	}

	log.Infof("Starting API server on port %d with lan_only=%v...", s.cfg.Port, s.cfg.AccessLANOnly)
	go srv.Serve(ln) //nolint:errcheck
	return nil
}

// Stop closes the listener; the server stops accepting requests.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// errorLogWriter funnels the http.Server error log into seelog.
type errorLogWriter struct{}

func (errorLogWriter) Write(p []byte) (int, error) {
	log.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}

// corsHeaders adds the permissive CORS set to every response, auth
// failures included.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		h.Set("Access-Control-Allow-Methods", "GET,PUT,POST")
		next.ServeHTTP(w, r)
	})
}

// checkAuth enforces the LAN-only rule and basic auth for every route.
// /metrics skips basic auth; the LAN rule still applies to it.
func (s *Server) checkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowAccess(r) {
			writeUnauthorized(w)
			return
		}
		if r.URL.Path != "/metrics" && !s.checkBasicAuth(r) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

// allowAccess applies the LAN-only restriction: loopback, or the /24 of
// the server's outbound interface.
func (s *Server) allowAccess(r *http.Request) bool {
	client := clientIP(r)
	local := s.localIP()

	allow := true
	if s.cfg.AccessLANOnly {
		allow = client != nil && (client.IsLoopback() || sameLAN(client, local))
	}
	log.Infof("API auth attempt from %s. Local IP is %s. LAN only=%v. Allow access=%v",
		client, local, s.cfg.AccessLANOnly, allow)
	return allow
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// sameLAN reports whether both addresses sit in the same /24.
func sameLAN(client, local net.IP) bool {
	c4, l4 := client.To4(), local.To4()
	if c4 == nil || l4 == nil {
		return false
	}
	mask := net.CIDRMask(24, 32)
	return c4.Mask(mask).Equal(l4.Mask(mask))
}

// outboundIP finds the address of the interface holding the default
// route, using a throwaway UDP socket that is never written to.
func outboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// recordMetrics counts every request against its route template and
// response code.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
