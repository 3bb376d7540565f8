package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rosterd/internal/audit"
	"rosterd/internal/dataset"
	"rosterd/internal/logging"
	"rosterd/internal/store"
	"rosterd/internal/validate"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRosters returns the catalog of roster files in the data directory.
func (s *Server) handleListRosters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Catalog.List()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rosters": entries})
}

type createRosterRequest struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// handleCreateRoster creates a new empty roster file with the given header.
func (s *Server) handleCreateRoster(w http.ResponseWriter, r *http.Request) {
	var req createRosterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.Columns) == 0 {
		badRequest(w, "columns must not be empty")
		return
	}

	path, err := s.deps.Catalog.Resolve(req.Name)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := store.Create(path, req.Columns); err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("roster created", "roster", req.Name, "columns", len(req.Columns))
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "columns": req.Columns})
}

type openRosterRequest struct {
	// Columns maps validation roles (identityNumber, email, phone) to
	// column names. Omitted roles are auto-detected from the header.
	Columns map[string]string `json:"columns"`
}

type openRosterResponse struct {
	Name      string            `json:"name"`
	Columns   []string          `json:"columns"`
	ColumnMap map[string]string `json:"columnMap"`
	Rows      int               `json:"rows"`
}

// handleOpenRoster loads a roster into an in-memory editing session. An
// already-open session is replaced, dropping its uncommitted edits.
func (s *Server) handleOpenRoster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.deps.Catalog.ResolveExisting(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}

	var req openRosterRequest
	if r.ContentLength != 0 {
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	cm := dataset.ColumnMap{}
	for role, col := range req.Columns {
		cm[validate.Role(role)] = col
	}
	if len(cm) == 0 {
		d, rerr := dataset.ReadFile(path)
		if rerr != nil {
			s.respondError(w, r, rerr)
			return
		}
		cm = dataset.DetectColumns(d.Columns)
	}

	st, err := store.Open(path, cm, store.Options{
		Locks:   s.deps.Locks,
		Backups: s.deps.Backups,
		Audit:   s.deps.Recorder,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.putSession(name, st)

	resp := openRosterResponse{
		Name:      name,
		Columns:   st.Columns(),
		ColumnMap: make(map[string]string, len(st.ColumnMap())),
		Rows:      st.Len(),
	}
	for role, col := range st.ColumnMap() {
		resp.ColumnMap[string(role)] = col
	}

	logging.FromContext(r.Context()).Info("roster opened", "roster", name, "rows", st.Len())
	writeJSON(w, http.StatusOK, resp)
}

// handleCloseRoster drops the editing session without committing.
func (s *Server) handleCloseRoster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.getSession(name); !ok {
		notFound(w, "roster not open")
		return
	}
	s.dropSession(name)
	w.WriteHeader(http.StatusNoContent)
}

// openSession fetches the session for the route's roster name, writing a
// 404 when the roster was never opened. Callers must hold the session
// mutex around every store call; the store itself is not safe for
// concurrent requests.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) (*session, string, bool) {
	name := chi.URLParam(r, "name")
	ses, ok := s.getSession(name)
	if !ok {
		notFound(w, "roster not open")
		return nil, name, false
	}
	return ses, name, true
}

// handleListRecords returns one page of records, optionally filtered.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ses, _, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", s.pageSize)

	var filter func(dataset.Record) bool
	if q := r.URL.Query().Get("q"); q != "" {
		filter = st.Matcher(q)
	}

	writeJSON(w, http.StatusOK, st.List(page, pageSize, filter))
}

type searchResponse struct {
	Query   string                   `json:"query"`
	Matches []store.PositionedRecord `json:"matches"`
}

// handleSearch returns every record matching the query, with positions.
// Matching is case- and accent-insensitive across all columns.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ses, _, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	q := r.URL.Query().Get("q")
	if q == "" {
		badRequest(w, "missing query parameter q")
		return
	}

	resp := searchResponse{Query: q, Matches: []store.PositionedRecord{}}
	for _, pos := range st.Search(q) {
		rec, err := st.Record(pos)
		if err != nil {
			continue
		}
		resp.Matches = append(resp.Matches, store.PositionedRecord{Position: pos, Fields: rec})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLookup finds the record holding an identity number. The number is
// normalized before comparison, so "12.345.678-5" and "123456785" match the
// same record.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	ses, _, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	id := r.URL.Query().Get("identity")
	if id == "" {
		badRequest(w, "missing query parameter identity")
		return
	}

	pos := st.FindByIdentity(id)
	if pos < 0 {
		notFound(w, "no record with that identity number")
		return
	}
	rec, err := st.Record(pos)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.PositionedRecord{Position: pos, Fields: rec})
}

// handleInsertRecord validates and appends a record to the session.
func (s *Server) handleInsertRecord(w http.ResponseWriter, r *http.Request) {
	ses, name, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	pos, err := st.Insert(fields)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rec, _ := st.Record(pos)
	logging.FromContext(r.Context()).Info("record inserted", "roster", name, "position", pos)
	writeJSON(w, http.StatusCreated, store.PositionedRecord{Position: pos, Fields: rec})
}

// handleUpdateRecord validates and overwrites fields of one record.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	ses, name, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	pos, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		badRequest(w, "invalid record position")
		return
	}

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if err := st.Update(pos, fields); err != nil {
		s.respondError(w, r, err)
		return
	}

	rec, _ := st.Record(pos)
	logging.FromContext(r.Context()).Info("record updated", "roster", name, "position", pos)
	writeJSON(w, http.StatusOK, store.PositionedRecord{Position: pos, Fields: rec})
}

// handleDeleteRecord removes one record from the session.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ses, name, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	pos, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		badRequest(w, "invalid record position")
		return
	}

	if err := st.Delete(pos); err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("record deleted", "roster", name, "position", pos)
	w.WriteHeader(http.StatusNoContent)
}

// handleCommit runs the full commit protocol for the session. The response
// always carries the terminal state; non-COMMITTED terminals map to error
// statuses but still include the state machine's result.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	ses, name, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	st := ses.st

	log := logging.WithFields(r.Context(), "roster", name)
	log.Info("commit started", "dirty", st.Dirty(), "rows", st.Len())

	res, err := st.Commit(r.Context())
	if err != nil {
		log.Warn("commit did not complete", "state", res.State, "error", err)
		s.respondError(w, r, err)
		return
	}

	log.Info("commit succeeded",
		"rows", res.RowsWritten,
		"backup", res.BackupPath,
		"reclaimed_lock", res.Reclaimed,
	)
	writeJSON(w, http.StatusOK, res)
}

// handleDiscard drops all uncommitted edits, keeping the session open.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	ses, name, ok := s.openSession(w, r)
	if !ok {
		return
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()

	ses.st.Discard()
	logging.FromContext(r.Context()).Info("edits discarded", "roster", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleListBackups lists the snapshots for a roster, oldest first. The
// roster does not need to be open.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.deps.Catalog.ResolveExisting(name)
	if err != nil {
		notFound(w, err.Error())
		return
	}

	snaps, err := s.deps.Backups.List(path)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": snaps})
}

// handleAuditQuery returns audit events, newest first.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "persistent audit store not configured",
			Code:  "AUDIT_DISABLED",
		})
		return
	}

	f := audit.Filter{
		Kind:    audit.Kind(r.URL.Query().Get("kind")),
		Dataset: r.URL.Query().Get("dataset"),
		Limit:   queryInt(r, "limit", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(w, "since must be RFC3339")
			return
		}
		f.Since = ts
	}

	events, err := s.deps.Events.Query(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
