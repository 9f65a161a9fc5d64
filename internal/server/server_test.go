package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ec2-elastic-agent/internal/plugin"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	names []string
	body  []byte
	ids   []string
	reply plugin.Response
}

func (f *fakeDispatcher) Handle(ctx context.Context, name string, body []byte) plugin.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	f.body = body
	f.ids = append(f.ids, requestIDFrom(ctx))
	return f.reply
}

func (f *fakeDispatcher) calls() (names []string, body string, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), string(f.body), append([]string(nil), f.ids...)
}

func (f *fakeDispatcher) setReply(r plugin.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

type ServerSuite struct {
	suite.Suite
	d   *fakeDispatcher
	srv *httptest.Server
}

func (s *ServerSuite) SetupTest() {
	s.d = &fakeDispatcher{reply: plugin.Response{Code: http.StatusOK, Body: []byte(`true`)}}
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "healthy")
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "# metrics")
	})
	s.srv = httptest.NewServer(New(Config{Health: health, Metrics: metrics, MaxBodyBytes: 64}, s.d, nil).Handler())
}

func (s *ServerSuite) TearDownTest() {
	s.srv.Close()
}

func (s *ServerSuite) post(path, body string, header http.Header) *http.Response {
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.srv.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func readAll(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func (s *ServerSuite) TestRequestIsDispatched() {
	resp := s.post("/v1/requests/"+plugin.RequestShouldAssignWork, `{"agent":{}}`, nil)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("application/json", resp.Header.Get("Content-Type"))
	s.Equal("true", readAll(resp))
	names, body, _ := s.d.calls()
	s.Equal([]string{plugin.RequestShouldAssignWork}, names)
	s.Equal(`{"agent":{}}`, body)
}

func (s *ServerSuite) TestResponseCodeIsPassedThrough() {
	s.d.setReply(plugin.Response{Code: http.StatusNotFound, Body: []byte(`{"message":"unknown request"}`)})

	resp := s.post("/v1/requests/nope", "", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.JSONEq(`{"message":"unknown request"}`, readAll(resp))
}

func (s *ServerSuite) TestEmptyBody() {
	s.d.setReply(plugin.Response{Code: http.StatusOK})

	resp := s.post("/v1/requests/"+plugin.RequestServerPing, "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Empty(readAll(resp))
}

func (s *ServerSuite) TestRequestID() {
	resp := s.post("/v1/requests/x", "", nil)
	readAll(resp)
	generated := resp.Header.Get(RequestIDHeader)
	s.NotEmpty(generated)

	resp = s.post("/v1/requests/x", "", http.Header{RequestIDHeader: []string{"abc-123"}})
	readAll(resp)
	s.Equal("abc-123", resp.Header.Get(RequestIDHeader))

	_, _, ids := s.d.calls()
	s.Equal([]string{generated, "abc-123"}, ids)
}

func (s *ServerSuite) TestBodyTooLarge() {
	resp := s.post("/v1/requests/x", strings.Repeat("a", 65), nil)
	readAll(resp)
	s.Equal(http.StatusRequestEntityTooLarge, resp.StatusCode)
	names, _, _ := s.d.calls()
	s.Empty(names)
}

func (s *ServerSuite) TestGetOnRequestsNotAllowed() {
	resp, err := s.srv.Client().Get(s.srv.URL + "/v1/requests/x")
	s.Require().NoError(err)
	readAll(resp)
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (s *ServerSuite) TestHealthAndMetrics() {
	resp, err := s.srv.Client().Get(s.srv.URL + "/healthz")
	s.Require().NoError(err)
	s.Equal("healthy", readAll(resp))

	resp, err = s.srv.Client().Get(s.srv.URL + "/metrics")
	s.Require().NoError(err)
	s.Equal("# metrics", readAll(resp))
}

func (s *ServerSuite) TestOptionalRoutesAbsent() {
	srv := httptest.NewServer(New(Config{}, s.d, nil).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	s.Require().NoError(err)
	readAll(resp)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestServeStopsOnCancel(t *testing.T) {
	d := &fakeDispatcher{reply: plugin.Response{Code: http.StatusOK}}
	srv := New(Config{ShutdownTimeout: time.Second}, d, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/requests/x", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
