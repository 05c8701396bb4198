package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"turnstone/logbus"
)

type fakeWorkerStatus struct {
	ends, positions map[logbus.Partition]int64
	steady          bool
}

func (f *fakeWorkerStatus) EndOffsets() map[logbus.Partition]int64 { return f.ends }
func (f *fakeWorkerStatus) Positions() map[logbus.Partition]int64  { return f.positions }
func (f *fakeWorkerStatus) IsSteady() bool                         { return f.steady }

type fakeFlushStatus struct {
	flushes, cleaned, keys uint64
}

func (f *fakeFlushStatus) FlushesTotal() uint64        { return f.flushes }
func (f *fakeFlushStatus) CleanedRecordsTotal() uint64 { return f.cleaned }
func (f *fakeFlushStatus) IndexKeysTotal() uint64      { return f.keys }

func TestHealthzReturnsOK(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusReportsLagAndFlushCounters(t *testing.T) {
	part := logbus.Partition{Topic: "ops", Index: 0}
	worker := &fakeWorkerStatus{
		ends:      map[logbus.Partition]int64{part: 10},
		positions: map[logbus.Partition]int64{part: 4},
		steady:    true,
	}
	flush := &fakeFlushStatus{flushes: 2, cleaned: 7, keys: 50}

	srv := httptest.NewServer(NewRouter(worker, flush, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Steady {
		t.Error("Steady = false, want true")
	}
	if got.Lag["ops-0"] != 6 {
		t.Errorf("Lag[ops-0] = %d, want 6", got.Lag["ops-0"])
	}
	if got.FlushesTotal != 2 || got.CleanedTotal != 7 || got.IndexKeys != 50 {
		t.Errorf("flush counters = %+v", got)
	}
}

func TestStatusOmitsFieldsWhenCollaboratorsAreNil(t *testing.T) {
	srv := httptest.NewServer(NewRouter(nil, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Steady || got.Lag != nil {
		t.Errorf("expected zero-value status, got %+v", got)
	}
}
