package influxdb_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"fluxgate/internal/adapters/influxdb"
	perr "fluxgate/internal/platform/errors"
)

func newClient(t *testing.T, ts *httptest.Server) *influxdb.Client {
	t.Helper()
	host, portText, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portText)
	return influxdb.New(influxdb.Config{
		Host:    host,
		Port:    port,
		Timeout: 5 * time.Second,
		Retries: 3,
	})
}

func TestQueryDecodesEnvelope(t *testing.T) {
	var gotQuery, gotDB, gotEpoch, gotUser string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotDB = r.URL.Query().Get("db")
		gotEpoch = r.URL.Query().Get("epoch")
		gotUser = r.URL.Query().Get("u")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"name":"cpu","columns":["time","mean"],"values":[[1510000000000000000,0.5]]}]}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	results, err := c.Query(context.Background(), "alice", "secret", "telegraf", `SELECT mean("v") FROM "cpu"`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotQuery != `SELECT mean("v") FROM "cpu"` || gotDB != "telegraf" || gotEpoch != "ns" || gotUser != "alice" {
		t.Fatalf("request params: q=%q db=%q epoch=%q u=%q", gotQuery, gotDB, gotEpoch, gotUser)
	}
	if len(results) != 1 || results[0].NumSeries() != 1 || results[0].Series[0].Times[0] != 1510000000000000000 {
		t.Fatalf("decoded: %+v", results)
	}
}

func TestQueryRetriesBrokenConnection(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("server does not support hijacking")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"results":[{"statement_id":0}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	if _, err := c.Query(context.Background(), "", "", "db", "SELECT 1"); err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestQueryExhaustedRetriesIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	c := newClient(t, ts)
	_, err := c.Query(context.Background(), "", "", "db", "SELECT 1")
	if err == nil || !perr.Retryable(err) {
		t.Fatalf("want transient error, got %v", err)
	}
}

func TestQueryStatusMapping(t *testing.T) {
	status := http.StatusBadRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"invalid query"}`))
	}))
	defer ts.Close()
	c := newClient(t, ts)

	_, err := c.Query(context.Background(), "", "", "db", "bogus")
	if !perr.IsCode(err, perr.ErrorCodeBackendClient) {
		t.Fatalf("400 must map to a client error, got %v", err)
	}
	if perr.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("client error must keep the backend status, got %d", perr.HTTPStatus(err))
	}

	status = http.StatusInternalServerError
	_, err = c.Query(context.Background(), "", "", "db", "bogus")
	if !perr.IsCode(err, perr.ErrorCodeBackendServer) {
		t.Fatalf("500 must map to a server error, got %v", err)
	}
}

func TestQueryFallsBackToConfiguredCredentials(t *testing.T) {
	var gotUser, gotPass string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("u")
		gotPass = r.URL.Query().Get("p")
		w.Write([]byte(`{"results":[{"statement_id":0}]}`))
	}))
	defer ts.Close()

	host, portText, _ := net.SplitHostPort(ts.Listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	c := influxdb.New(influxdb.Config{Host: host, Port: port, User: "svc", Password: "hunter2"})

	if _, err := c.Query(context.Background(), "", "", "db", "SELECT 1"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotUser != "svc" || gotPass != "hunter2" {
		t.Fatalf("credentials: u=%q p=%q", gotUser, gotPass)
	}
}

func TestSeriesCount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[` +
			`{"name":"cpu","tags":{"host":"a"},"columns":["time","v"],"values":[[1,1]]},` +
			`{"name":"cpu","tags":{"host":"b"},"columns":["time","v"],"values":[[1,2]]}]}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	n, err := c.SeriesCount(context.Background(), "", "", "db", "SELECT v FROM cpu LIMIT 1")
	if err != nil || n != 2 {
		t.Fatalf("SeriesCount = %d, %v", n, err)
	}
}

func TestShowSchemas(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "SHOW DATABASES" {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"name":"databases","columns":["name"],"values":[["_internal"],["telegraf"]]}]}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	got, err := c.ShowSchemas(context.Background())
	if err != nil {
		t.Fatalf("ShowSchemas: %v", err)
	}
	if len(got) != 2 || got[1] != "telegraf" {
		t.Fatalf("schemas: %v", got)
	}
}

func TestShowRetentionPolicies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"columns":["name","duration","shardGroupDuration","replicaN","default"],"values":[` +
			`["autogen","720h0m0s","24h0m0s",1,true],` +
			`["rp_2y","17520h0m0s","168h0m0s",1,false]]}]}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	got, err := c.ShowRetentionPolicies(context.Background(), "telegraf")
	if err != nil {
		t.Fatalf("ShowRetentionPolicies: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rps: %+v", got)
	}
	if !got[0].Default || got[0].Duration != 720*time.Hour {
		t.Fatalf("autogen: %+v", got[0])
	}
	if got[1].Name != "rp_2y" || got[1].Duration != 17520*time.Hour {
		t.Fatalf("rp_2y: %+v", got[1])
	}
}

func TestShowContinuousQueries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[` +
			`{"name":"telegraf","columns":["name","query"],"values":[["cq_5m","CREATE CONTINUOUS QUERY cq_5m ON telegraf BEGIN SELECT mean(v) INTO telegraf.rp_90d.cpu FROM telegraf.autogen.cpu GROUP BY time(5m) END"]]},` +
			`{"name":"_internal","columns":["name","query"],"values":[]}]}]}`))
	}))
	defer ts.Close()

	c := newClient(t, ts)
	got, err := c.ShowContinuousQueries(context.Background())
	if err != nil {
		t.Fatalf("ShowContinuousQueries: %v", err)
	}
	cqs := got["telegraf"]
	if len(cqs) != 1 || cqs[0].Interval != "5m" || cqs[0].Into.RP != "rp_90d" {
		t.Fatalf("cqs: %+v", cqs)
	}
}
