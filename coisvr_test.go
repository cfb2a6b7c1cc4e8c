package coisvr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestServer_Metric(t *testing.T) {
	s := newTestServer(t, nil)
	doRequest(s, "GET", "/pkg/demo.wasm")
	doRequest(s, "GET", "/missing.html")

	res := doRequest(s, "GET", MetricPath)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %v", res.Status)
	}
	checkIsolationHeaders(t, res.Header)
	body := readBody(t, res)
	if !json.Valid([]byte(body)) {
		t.Errorf("metric is not json: %v", body)
	}
	for _, key := range []string{"/pkg/demo.wasm_GET", "/missing.html_GET"} {
		if !strings.Contains(body, key) {
			t.Errorf("metric lacks %v: %v", key, body)
		}
	}
	if r, e := res.Header.Get("Content-Type"), "application/json"; r != e {
		t.Errorf("error metric Content-Type: real %v, expected %v", r, e)
	}

	res = doRequest(s, "HEAD", MetricPath)
	if r, e := res.StatusCode, http.StatusOK; r != e {
		t.Errorf("error HEAD metric: real %v, expected %v", r, e)
	}
	if r, e := res.Header.Get("Content-Type"), "application/json"; r != e {
		t.Errorf("error HEAD metric Content-Type: real %v, expected %v", r, e)
	}

	// the router answers other methods on a route like the file handler does
	for _, method := range []string{"POST", "OPTIONS", "DELETE"} {
		res = doRequest(s, method, MetricPath)
		if r, e := res.StatusCode, http.StatusMethodNotAllowed; r != e {
			t.Errorf("error %v metric: real %v, expected %v", method, r, e)
		}
		if r, e := res.Header.Get("Allow"), "GET, HEAD"; r != e {
			t.Errorf("error %v metric Allow: real %v, expected %v", method, r, e)
		}
		checkIsolationHeaders(t, res.Header)
	}
}

func TestServer_MetricDisabled(t *testing.T) {
	s := newTestServer(t, func(conf *Config) {
		conf.Metric = false
		conf.LogRequests = false
	})
	if s.Metric != nil {
		t.Error("expected nil Metric")
	}
	if r, e := doRequest(s, "GET", MetricPath).StatusCode, http.StatusNotFound; r != e {
		t.Errorf("error metric disabled: real %v, expected %v", r, e)
	}
	if r, e := doRequest(s, "GET", "/pkg/demo.wasm").StatusCode, http.StatusOK; r != e {
		t.Errorf("error serve without log: real %v, expected %v", r, e)
	}
}

func TestServer_AddHandler(t *testing.T) {
	s := newTestServer(t, nil)
	var requestId string
	s.AddHandler("GET", "/pkg/demo.wasm",
		func(w http.ResponseWriter, r *http.Request) {
			requestId = GetRequestId(r)
			w.Write([]byte("PONG"))
		})
	// adding the same route twice is recovered
	s.AddHandler("GET", "/pkg/demo.wasm",
		func(w http.ResponseWriter, r *http.Request) {})

	res := doRequest(s, "GET", "/pkg/demo.wasm")
	if body := readBody(t, res); body != "PONG" {
		t.Errorf("route does not take precedence over file: %q", body)
	}
	if requestId == "" {
		t.Error("empty request id")
	}
	checkIsolationHeaders(t, res.Header)
}

func TestNewServer_InvalidRoot(t *testing.T) {
	dir := t.TempDir()
	conf := Config{Root: filepath.Join(dir, FilesLocation), Host: "127.0.0.1",
		MimeTypes: DefaultMimeTypes()}
	if _, err := NewServer(conf); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error NewServer missing root: %v", err)
	}
	writeFile(t, conf.Root, "not a directory")
	if _, err := NewServer(conf); !errors.Is(err, ErrRootNotDir) {
		t.Errorf("error NewServer file root: %v", err)
	}
}

func TestNewServer_ConfigIsCopied(t *testing.T) {
	s := newTestServer(t, nil)
	conf := s.Config()
	conf.MimeTypes[".wasm"] = "text/plain"
	if r := doRequest(s, "GET", "/pkg/demo.wasm").Header.Get("Content-Type"); r != "application/wasm" {
		t.Errorf("server config was mutated: %v", r)
	}
}

func TestServer_ListenServeStop(t *testing.T) {
	s := newTestServer(t, nil)
	if s.State() != StateNew {
		t.Errorf("unexpected state %v", s.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Serve(ctx); err == nil {
		t.Error("expected error when Serve before Listen")
	}
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateListening {
		t.Errorf("unexpected state %v", s.State())
	}
	if err := s.Listen(); err == nil {
		t.Error("expected error when Listen twice")
	}
	_, port, _ := net.SplitHostPort(s.Addr())
	if port == "0" || s.URL() != "http://127.0.0.1:"+port {
		t.Errorf("unexpected addr %v, url %v", s.Addr(), s.URL())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	client := &http.Client{Timeout: 3 * time.Second}
	res, err := client.Get(s.URL() + "/pkg/demo.wasm")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, res)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || body != testFiles["pkg/demo.wasm"] {
		t.Errorf("unexpected response %v %q", res.Status, body)
	}
	if r := res.Header.Get("Content-Type"); r != "application/wasm" {
		t.Errorf("unexpected Content-Type %v", r)
	}
	if r, e := res.Header.Get("Content-Length"),
		strconv.Itoa(len(testFiles["pkg/demo.wasm"])); r != e {
		t.Errorf("Content-Length real %v, expected %v", r, e)
	}
	checkIsolationHeaders(t, res.Header)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("error Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if s.State() != StateStopped {
		t.Errorf("unexpected state %v", s.State())
	}
	if conn, err := net.DialTimeout("tcp", s.Addr(), time.Second); err == nil {
		conn.Close()
		t.Error("server still accepts connections after stop")
	}
	if err := s.Listen(); err == nil {
		t.Error("expected error when Listen after stop")
	}
}

func TestServer_ListenPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port
	s := newTestServer(t, func(conf *Config) { conf.Port = port })
	if err := s.Listen(); err == nil {
		t.Error("expected error when Listen on a bound port")
	}
	if s.State() != StateNew {
		t.Errorf("unexpected state %v", s.State())
	}
}

func TestServer_Start(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Errorf("error Start: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("unexpected state %v", s.State())
	}
}

func TestGetUrlParams(t *testing.T) {
	s := newTestServer(t, nil)
	type ParamQueryW struct {
		ParamId string
		QueryQ1 string
	}
	s.AddHandler("GET", "/match/:id",
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ParamQueryW{
				ParamId: GetUrlParams(r)["id"],
				QueryQ1: r.FormValue("q1"),
			})
		})
	res := doRequest(s, "GET", "/match/119?q1=lan")
	var data ParamQueryW
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data.ParamId != "119" || data.QueryQ1 != "lan" {
		t.Errorf("data: %#v", data)
	}
	checkIsolationHeaders(t, res.Header)

	r := httptest.NewRequest("GET", "/pkg/demo.wasm", nil)
	if params := GetUrlParams(r); len(params) != 0 {
		t.Errorf("unexpected params %v", params)
	}
}

// readerFromWriter records whether the body went through ReadFrom
type readerFromWriter struct {
	*httptest.ResponseRecorder
	readFromCalled bool
}

func (w *readerFromWriter) ReadFrom(src io.Reader) (int64, error) {
	w.readFromCalled = true
	return io.Copy(w.ResponseRecorder, src)
}

func TestStatusWriter_ReadFrom(t *testing.T) {
	under := &readerFromWriter{ResponseRecorder: httptest.NewRecorder()}
	sw := &statusWriter{ResponseWriter: under}
	// http_ServeContent copies with CopyN, whose LimitedReader has no WriteTo
	n, err := io.CopyN(sw, strings.NewReader("wasm bytes"), int64(len("wasm bytes")))
	if err != nil || n != int64(len("wasm bytes")) {
		t.Fatalf("error copy: %v %v", n, err)
	}
	if !under.readFromCalled {
		t.Error("ReadFrom of the underlying writer was not used")
	}
	if sw.Status() != http.StatusOK || under.Body.String() != "wasm bytes" {
		t.Errorf("unexpected status %v body %q", sw.Status(), under.Body.String())
	}

	// a writer without ReadFrom still gets the body
	rec := httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(sw, strings.NewReader("part")); err != nil {
		t.Fatal(err)
	}
	if sw.Status() != http.StatusPartialContent || rec.Body.String() != "part" {
		t.Errorf("unexpected status %v body %q", sw.Status(), rec.Body.String())
	}
}
