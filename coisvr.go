// Package coisvr is a static file server for WebAssembly demos that need
// cross-origin isolation (SharedArrayBuffer, wasm threads). Every response
// carries the headers Cross-Origin-Opener-Policy: same-origin and
// Cross-Origin-Embedder-Policy: require-corp, files get their Content-Type
// from a configurable extension table.
// This package can be configured to log all pairs of request/response by adding an
// auto-generated requestId to the request_Context. It also monitors
// number of requests for each path, requests duration percentile.
package coisvr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/mywrap/gofast"
	"github.com/mywrap/log"
	"github.com/mywrap/metric"
)

// State of a Server, it only moves forward: New -> Listening -> Stopped
type State int32

const (
	StateNew State = iota
	StateListening
	StateStopped
)

func (st State) String() string {
	switch st {
	case StateNew:
		return "NEW"
	case StateListening:
		return "LISTENING"
	case StateStopped:
		return "STOPPED"
	}
	return "State(" + strconv.Itoa(int(st)) + ")"
}

// Server must be inited by calling func NewServer
type Server struct {
	conf Config
	// httpConf defines parameters for running an HTTP server,
	// ReadTimeout and WriteTimeout should be big for a file server
	httpConf *http.Server
	// should not access this Router directly,
	// files are served by its NotFound handler
	Router             *httprouter.Router
	Metric             metric.Metric // nil if Config_Metric is false
	IsMetricResetDaily bool

	mu       sync.Mutex
	listener net.Listener
	state    atomic.Int32
}

// NewServer init a Server with my recommended http settings
// and an in-memory metric.
// The config is validated here so a missing root fails before binding.
func NewServer(conf Config) (*Server, error) {
	return NewServerWithConf(nil, conf, nil)
}

// NewServerWithConf is used for custom timeouts or providing a persistent
// metric instead of in-memory. Both httpConf and metric0 can be nil.
func NewServerWithConf(httpConf *http.Server, conf Config,
	metric0 metric.Metric) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conf.MimeTypes = cloneMimeTypes(conf.MimeTypes)
	if httpConf == nil {
		httpConf = NewDefaultHTTPConfig()
	}
	if conf.Metric && metric0 == nil {
		metric0 = metric.NewMemoryMetric()
	}
	if !conf.Metric {
		metric0 = nil
	}

	router := httprouter.New()
	// only GET and HEAD are served, OPTIONS gets a 405 like other methods
	router.HandleOPTIONS = false
	router.MethodNotAllowed = http.HandlerFunc(methodNotAllowed)
	httpConf.Handler = WithIsolationHeaders(router)
	s := &Server{
		conf:               conf,
		httpConf:           httpConf,
		Router:             router,
		Metric:             metric0,
		IsMetricResetDaily: true,
	}
	if s.Metric != nil && s.IsMetricResetDaily {
		gofast.NewCron(s.Metric.Reset, 24*time.Hour, 0)
	}
	if s.Metric != nil {
		s.AddHandler("GET", conf.MetricPath, s.handleMetric())
		s.AddHandler("HEAD", conf.MetricPath, s.handleMetric())
	}
	s.AddHandlerNotFound(s.handleFiles())
	return s, nil
}

// AddHandler defines the router. Ex: AddHandler("GET", "/", ExampleHandler()).
// A registered path takes precedence over a file with the same path.
func (s *Server) AddHandler(method string, path string, handler http.HandlerFunc) {
	defer func() { // in case of adding a same handler twice
		if r := recover(); r != nil {
			log.Infof("error when AddHandler: %v", r)
		}
	}()
	s.Router.HandlerFunc(method, path, s.augment(method, path, handler))
}

// AddHandlerNotFound will be called when no matching route is found
func (s *Server) AddHandlerNotFound(handler http.HandlerFunc) {
	s.Router.NotFound = s.augment("", "", handler)
}

// augment wraps handler with metric then log,
// be careful not to augment a handler with itself (stack overflow)
func (s *Server) augment(method string, path string,
	handler http.HandlerFunc) http.HandlerFunc {
	augmented := handler
	if s.Metric != nil {
		augmented = s.augmentMetric(method, path, augmented)
	}
	if s.conf.LogRequests {
		augmented = s.augmentLog(augmented)
	}
	return augmented
}

func (s *Server) augmentMetric(method string, path string,
	handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var metricKey string
		if method != "" && path != "" {
			metricKey = fmt.Sprintf("%v_%v", path, method)
		} else {
			metricKey = fmt.Sprintf("%v_%v", r.URL.Path, r.Method)
		}
		s.Metric.Count(metricKey)
		beginTime := time.Now()
		handler(w, r)
		s.Metric.Duration(metricKey, time.Since(beginTime))
	}
}

func (s *Server) augmentLog(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := gofast.GenUUID()
		ctx := context.WithValue(r.Context(), CtxRequestId, requestId)
		query := r.URL.RawQuery
		if query != "" {
			query = "?" + query
		}
		log.Condf(s.conf.LogRequests, "http request %v from %v: %v %v%v",
			requestId, r.RemoteAddr, r.Method, r.URL.Path, query)
		sw := &statusWriter{ResponseWriter: w}
		handler(sw, r.WithContext(ctx))
		log.Condf(s.conf.LogRequests, "http responded %v to %v: %v %v%v: %v",
			requestId, r.RemoteAddr, r.Method, r.URL.Path, query, sw.Status())
	}
}

// Handler returns the composed handler: isolation headers, router, files
func (s *Server) Handler() http.Handler {
	return s.httpConf.Handler
}

// Config returns a copy of the config the server was created with
func (s *Server) Config() Config {
	conf := s.conf
	conf.MimeTypes = cloneMimeTypes(s.conf.MimeTypes)
	return conf
}

// State returns the current life cycle state
func (s *Server) State() State {
	return State(s.state.Load())
}

// Listen binds the TCP listener on Config_Addr,
// an error here (port in use, permission denied) is not retried
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateNew {
		return fmt.Errorf("listen: server is %v", s.State())
	}
	ln, err := net.Listen("tcp", s.conf.Addr())
	if err != nil {
		return fmt.Errorf("listen %v: %w", s.conf.Addr(), err)
	}
	s.listener = ln
	s.state.Store(int32(StateListening))
	return nil
}

// Serve accepts connections until ctx is done, then closes the listener and
// all connections without waiting for in-flight requests.
// Returns nil after a ctx stop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil || s.State() != StateListening {
		return errors.New("serve: server is not listening")
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpConf.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.state.Store(int32(StateStopped))
		err := s.httpConf.Close()
		<-errCh
		if err != nil {
			return fmt.Errorf("close server: %w", err)
		}
		return nil
	case err := <-errCh:
		s.state.Store(int32(StateStopped))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Start is Listen then Serve, logging the served directory and URL
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	log.Printf("serving %v at %v", s.conf.Root, s.URL())
	return s.Serve(ctx)
}

// Addr returns the bound address after Listen, Config_Addr before
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.conf.Addr()
	}
	return s.listener.Addr().String()
}

// URL returns http://host:port with the configured host and the bound port
func (s *Server) URL() string {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return s.conf.URL()
	}
	return "http://" + net.JoinHostPort(s.conf.Host, port)
}

// NewDefaultHTTPConfig is my suggestion of a http server config,
// feel free to modified base on your circumstance
func NewDefaultHTTPConfig() *http.Server {
	return &http.Server{
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      20 * time.Minute,
	}
}

func (s *Server) handleMetric() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentMetric := s.Metric.GetCurrentMetric()
		sort.Sort(metric.SortByAveDur(currentMetric))
		beauty, err := json.MarshalIndent(currentMetric, "", "\t")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(beauty)
	}
}

// statusWriter remembers the status code for the response log
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// ReadFrom keeps the sendfile path of the underlying writer,
// http_ServeContent copies file bodies with io_CopyN
func (w *statusWriter) ReadFrom(src io.Reader) (int64, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(src)
	}
	return io.Copy(w.ResponseWriter, src)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// GetUrlParams returns URL parameters of a route added by AddHandler as a map,
// ex: path `/match/:id` has param `id`
func GetUrlParams(r *http.Request) map[string]string {
	params := httprouter.ParamsFromContext(r.Context())
	result := make(map[string]string, len(params))
	for _, param := range params {
		result[param.Key] = param.Value
	}
	return result
}

// GetRequestId returns the auto generated unique requestId,
// empty if request logging is off
func GetRequestId(r *http.Request) string {
	id, _ := r.Context().Value(CtxRequestId).(string)
	return id
}

// ctxKeyType is used for avoiding context key conflict
type ctxKeyType string

// CtxRequestId is a internal request id
const CtxRequestId ctxKeyType = "CtxRequestId"
