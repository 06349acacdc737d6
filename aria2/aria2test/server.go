// Package aria2test provides an in-memory aria2 JSON-RPC server for tests.
package aria2test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/hrz6976/fetchmate/aria2"
)

type Server struct {
	*httptest.Server

	// Secret, when set, must be sent as the leading token parameter.
	Secret string
	// OnAdd fills in a newly added download. The default leaves Files empty.
	OnAdd func(st *aria2.Status, uris []string, opts map[string]string)

	mu        sync.Mutex
	downloads map[string]*aria2.Status
	options   map[string]map[string]string
	calls     []string
	next      int
}

func NewServer() *Server {
	s := &Server{
		downloads: map[string]*aria2.Status{},
		options:   map[string]map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL of the JSON-RPC endpoint.
func (s *Server) RPCURL() string { return s.Server.URL + "/jsonrpc" }

// Put stores st under its gid, replacing any previous download.
func (s *Server) Put(st *aria2.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.downloads[st.Gid] = &cp
}

// Update mutates the download gid under the server lock.
func (s *Server) Update(gid string, fn func(st *aria2.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.downloads[gid]; ok {
		fn(st)
	}
}

func (s *Server) Get(gid string) (aria2.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.downloads[gid]
	if !ok {
		return aria2.Status{}, false
	}
	return *st, true
}

// Options returns the last options passed for gid by addUri or changeOption.
func (s *Server) Options(gid string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[gid]
}

// Calls returns the invoked method names in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type request struct {
	Method string            `json:"method"`
	ID     string            `json:"id"`
	Params []json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := req.Params
	if s.Secret != "" {
		var token string
		if len(params) == 0 || json.Unmarshal(params[0], &token) != nil || token != "token:"+s.Secret {
			writeError(w, req.ID, 1, "Unauthorized")
			return
		}
		params = params[1:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Method)

	var gid string
	if req.Method != "aria2.addUri" && len(params) > 0 {
		_ = json.Unmarshal(params[0], &gid)
	}

	switch req.Method {
	case "aria2.addUri":
		var uris []string
		opts := map[string]string{}
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &uris)
		}
		if len(params) > 1 {
			_ = json.Unmarshal(params[1], &opts)
		}
		s.next++
		st := &aria2.Status{
			Gid:    fmt.Sprintf("%016x", s.next),
			Status: "active",
			Dir:    opts["dir"],
		}
		if opts["pause"] == "true" {
			st.Status = "paused"
		}
		if s.OnAdd != nil {
			s.OnAdd(st, uris, opts)
		}
		s.downloads[st.Gid] = st
		s.options[st.Gid] = opts
		writeResult(w, req.ID, st.Gid)
		return
	}

	st, ok := s.downloads[gid]
	if !ok {
		writeError(w, req.ID, 1, fmt.Sprintf("GID %s is not found", gid))
		return
	}

	switch req.Method {
	case "aria2.tellStatus":
		writeResult(w, req.ID, st)
	case "aria2.changeOption":
		opts := map[string]string{}
		if len(params) > 1 {
			_ = json.Unmarshal(params[1], &opts)
		}
		if sel, ok := opts["select-file"]; ok {
			chosen := map[string]bool{}
			for _, idx := range strings.Split(sel, ",") {
				chosen[strings.TrimSpace(idx)] = true
			}
			for i := range st.Files {
				st.Files[i].Selected = fmt.Sprint(chosen[st.Files[i].Index])
			}
		}
		s.options[gid] = opts
		writeResult(w, req.ID, "OK")
	case "aria2.unpause":
		if st.Status == "paused" {
			st.Status = "active"
		}
		writeResult(w, req.ID, gid)
	case "aria2.forceRemove":
		if st.Status != "active" && st.Status != "waiting" && st.Status != "paused" {
			writeError(w, req.ID, 1, "Active Download not found for GID#"+gid)
			return
		}
		st.Status = "removed"
		writeResult(w, req.ID, gid)
	case "aria2.removeDownloadResult":
		delete(s.downloads, gid)
		writeResult(w, req.ID, "OK")
	default:
		writeError(w, req.ID, 1, "No such method: "+req.Method)
	}
}

func writeResult(w http.ResponseWriter, id string, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	})
}
