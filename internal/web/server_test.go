package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rosterd/internal/audit"
	"rosterd/internal/backup"
	"rosterd/internal/catalog"
	"rosterd/internal/config"
	"rosterd/internal/lockfile"
	"rosterd/internal/store"
)

const testRoster = "RUT,NOMBRE,Email,Teléfono\n" +
	"12.345.678-5,Ana Pérez,ana@uni.cl,+56912345678\n" +
	"7.654.321-6,Luis Soto,luis@uni.cl,22334455\n" +
	"11.111.111-1,María Núñez,,\n"

type testServer struct {
	*Server
	dir   string
	locks *lockfile.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.New(dir, backup.NewManager(2))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	locks := lockfile.NewManager(time.Minute, 200*time.Millisecond, 10*time.Millisecond)
	cfg := &config.Config{}
	cfg.Data.PageSize = 2
	cfg.Server.RequestTimeout = 5 * time.Second

	srv := NewServer(Deps{
		Catalog: cat,
		Locks:   locks,
		Backups: backup.NewManager(2),
	}, cfg)
	return &testServer{Server: srv, dir: dir, locks: locks}
}

func (ts *testServer) seed(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(ts.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return path
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func (ts *testServer) open(t *testing.T, name string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/rosters/"+name+"/open", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open %s: status %d: %s", name, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListRosters(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.seed(t, "ignore.txt", "x")

	rec := ts.do(t, http.MethodGet, "/api/rosters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Rosters []catalog.Entry `json:"rosters"`
	}
	decode(t, rec, &resp)
	if len(resp.Rosters) != 1 || resp.Rosters[0].Name != "people.csv" {
		t.Errorf("rosters = %+v", resp.Rosters)
	}
}

func TestCreateRoster(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/rosters", createRosterRequest{
		Name:    "new.csv",
		Columns: []string{"RUT", "NOMBRE"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	data, err := os.ReadFile(filepath.Join(ts.dir, "new.csv"))
	if err != nil {
		t.Fatalf("roster file not created: %v", err)
	}
	if string(data) != "RUT,NOMBRE\n" {
		t.Errorf("file content = %q", data)
	}

	// Duplicate name is rejected
	rec = ts.do(t, http.MethodPost, "/api/rosters", createRosterRequest{
		Name:    "new.csv",
		Columns: []string{"RUT"},
	})
	if rec.Code == http.StatusCreated {
		t.Error("duplicate create succeeded")
	}

	// Traversal is rejected
	rec = ts.do(t, http.MethodPost, "/api/rosters", createRosterRequest{
		Name:    "../evil.csv",
		Columns: []string{"RUT"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal status = %d", rec.Code)
	}
}

func TestOpenRoster_AutoDetect(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/open", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp openRosterResponse
	decode(t, rec, &resp)
	if resp.Rows != 3 {
		t.Errorf("rows = %d, want 3", resp.Rows)
	}
	if resp.ColumnMap["identityNumber"] != "RUT" {
		t.Errorf("identity column = %q", resp.ColumnMap["identityNumber"])
	}
	if resp.ColumnMap["phone"] != "Teléfono" {
		t.Errorf("phone column = %q", resp.ColumnMap["phone"])
	}
}

func TestOpenRoster_SchemaMismatch(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/open", openRosterRequest{
		Columns: map[string]string{"identityNumber": "CEDULA"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != "SCHEMA_MISMATCH" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestOpenRoster_UnknownRole(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/open", openRosterRequest{
		Columns: map[string]string{"salary": "RUT"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != "BAD_REQUEST" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestOpenRoster_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/rosters/missing.csv/open", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecords_RequireOpenSession(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)

	rec := ts.do(t, http.MethodGet, "/api/rosters/people.csv/records", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before open", rec.Code)
	}
}

func TestListRecords_Pagination(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodGet, "/api/rosters/people.csv/records?page=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page store.Page
	decode(t, rec, &page)
	if page.TotalRows != 3 || page.TotalPages != 2 {
		t.Errorf("page meta = %+v", page)
	}
	if len(page.Records) != 1 || page.Records[0].Position != 2 {
		t.Errorf("page 2 records = %+v", page.Records)
	}
}

func TestInsertRecord(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/records", map[string]string{
		"RUT":    "123456785",
		"NOMBRE": "Nuevo",
		"Email":  "Nuevo@Uni.CL",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var pr store.PositionedRecord
	decode(t, rec, &pr)
	if pr.Position != 3 {
		t.Errorf("position = %d", pr.Position)
	}
	if pr.Fields["RUT"] != "12.345.678-5" {
		t.Errorf("identity not canonicalized: %q", pr.Fields["RUT"])
	}
	if pr.Fields["Email"] != "Nuevo@uni.cl" {
		t.Errorf("email domain not lowercased: %q", pr.Fields["Email"])
	}
}

func TestInsertRecord_ValidationFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/records", map[string]string{
		"RUT": "12.345.678-0",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != "VALIDATION_FAILED" || len(resp.Rejections) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Rejections[0].Column != "RUT" {
		t.Errorf("rejected column = %q", resp.Rejections[0].Column)
	}
}

func TestUpdateAndDeleteRecord(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodPut, "/api/rosters/people.csv/records/0", map[string]string{
		"Email": "ana.perez@uni.cl",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	var pr store.PositionedRecord
	decode(t, rec, &pr)
	if pr.Fields["Email"] != "ana.perez@uni.cl" {
		t.Errorf("email = %q", pr.Fields["Email"])
	}

	rec = ts.do(t, http.MethodPut, "/api/rosters/people.csv/records/99", map[string]string{
		"Email": "x@uni.cl",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("out-of-range update status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/api/rosters/people.csv/records/1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/records", nil)
	var page store.Page
	decode(t, rec, &page)
	if page.TotalRows != 2 {
		t.Errorf("rows after delete = %d", page.TotalRows)
	}
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodGet, "/api/rosters/people.csv/search?q=perez", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp searchResponse
	decode(t, rec, &resp)
	if len(resp.Matches) != 1 || resp.Matches[0].Position != 0 {
		t.Errorf("matches = %+v", resp.Matches)
	}

	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", rec.Code)
	}
}

func TestConcurrentMutations(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	// Distinct valid identity numbers, one per writer.
	idents := []string{"1-9", "2-7", "3-5", "4-3", "5-1", "6-K", "7-8", "8-6"}

	var wg sync.WaitGroup
	statuses := make([]int, len(idents))
	for i, id := range idents {
		wg.Add(2)
		go func(i int, id string) {
			defer wg.Done()
			rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/records", map[string]string{
				"RUT":    id,
				"NOMBRE": "Concurrente",
			})
			statuses[i] = rec.Code
		}(i, id)
		go func() {
			defer wg.Done()
			ts.do(t, http.MethodGet, "/api/rosters/people.csv/search?q=perez", nil)
		}()
	}
	wg.Wait()

	for i, code := range statuses {
		if code != http.StatusCreated {
			t.Errorf("insert %d status = %d", i, code)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/rosters/people.csv/records?pageSize=50", nil)
	var page store.Page
	decode(t, rec, &page)
	if page.TotalRows != 3+len(idents) {
		t.Fatalf("rows = %d, want %d", page.TotalRows, 3+len(idents))
	}
	seen := make(map[int]bool)
	for _, pr := range page.Records {
		if seen[pr.Position] {
			t.Errorf("duplicate position %d", pr.Position)
		}
		seen[pr.Position] = true
	}
}

func TestLookup(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodGet, "/api/rosters/people.csv/lookup?identity=123456785", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var pr store.PositionedRecord
	decode(t, rec, &pr)
	if pr.Position != 0 || pr.Fields["NOMBRE"] != "Ana Pérez" {
		t.Errorf("lookup result = %+v", pr)
	}

	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/lookup?identity=9.999.999-9", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown identity status = %d", rec.Code)
	}
}

func TestCommitAndBackups(t *testing.T) {
	ts := newTestServer(t)
	path := ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodPut, "/api/rosters/people.csv/records/0", map[string]string{
		"Email": "ana.perez@uni.cl",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/rosters/people.csv/commit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d: %s", rec.Code, rec.Body.String())
	}
	var res store.CommitResult
	decode(t, rec, &res)
	if res.State != store.StateCommitted || res.RowsWritten != 3 {
		t.Fatalf("result = %+v", res)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read roster: %v", err)
	}
	if !strings.Contains(string(data), "ana.perez@uni.cl") {
		t.Error("edit not persisted")
	}

	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/backups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("backups status = %d", rec.Code)
	}
	var backupsResp struct {
		Backups []backup.Snapshot `json:"backups"`
	}
	decode(t, rec, &backupsResp)
	if len(backupsResp.Backups) != 1 {
		t.Errorf("backups = %+v", backupsResp.Backups)
	}
}

func TestCommit_LockBusy(t *testing.T) {
	ts := newTestServer(t)
	path := ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	other := lockfile.NewManager(time.Minute, time.Second, 10*time.Millisecond)
	h, err := other.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("competing acquire: %v", err)
	}
	defer other.Release(h)

	ts.do(t, http.MethodPut, "/api/rosters/people.csv/records/0", map[string]string{
		"Email": "ana.perez@uni.cl",
	})

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/commit", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != "LOCK_BUSY" {
		t.Errorf("code = %q", resp.Code)
	}

	// Edits survive for retry
	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/records", nil)
	var page store.Page
	decode(t, rec, &page)
	if page.Records[0].Fields["Email"] != "ana.perez@uni.cl" {
		t.Error("pending edit lost after LOCK_BUSY")
	}
}

func TestDiscard(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	ts.do(t, http.MethodDelete, "/api/rosters/people.csv/records/0", nil)
	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/discard", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("discard status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/records", nil)
	var page store.Page
	decode(t, rec, &page)
	if page.TotalRows != 3 {
		t.Errorf("rows after discard = %d, want 3", page.TotalRows)
	}
}

func TestCloseRoster(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")

	rec := ts.do(t, http.MethodPost, "/api/rosters/people.csv/close", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/rosters/people.csv/records", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("records after close status = %d", rec.Code)
	}
}

func TestAuditQuery(t *testing.T) {
	ts := newTestServer(t)

	// Without a persistent store the endpoint reports unavailable.
	rec := ts.do(t, http.MethodGet, "/api/audit", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	events, err := audit.OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	defer events.Close()
	ts.deps.Events = events
	ts.deps.Recorder = events

	ts.seed(t, "people.csv", testRoster)
	ts.open(t, "people.csv")
	ts.do(t, http.MethodPost, "/api/rosters/people.csv/records", map[string]string{
		"RUT": "1-9", "NOMBRE": "X",
	})

	rec = ts.do(t, http.MethodGet, "/api/audit?kind=record_inserted", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Events []audit.Event `json:"events"`
	}
	decode(t, rec, &resp)
	if len(resp.Events) != 1 || resp.Events[0].Kind != audit.KindRecordInserted {
		t.Errorf("events = %+v", resp.Events)
	}
}
