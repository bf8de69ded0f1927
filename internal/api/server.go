// Package api exposes the archive over HTTP: documents, threads, raw
// sources, defuzzed search, the management surface and a streaming feed
// of newly archived messages.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/auth"
	"github.io/infrasutra/mailarchive/internal/cache"
	"github.io/infrasutra/mailarchive/internal/catalog"
	"github.io/infrasutra/mailarchive/internal/config"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/sse"
	"github.io/infrasutra/mailarchive/internal/threads"
)

type Server struct {
	cfg     config.Config
	store   *index.Store
	auth    *auth.Manager
	hub     *sse.Hub
	catalog *catalog.Catalog
	mgr     *archive.Manager
	logger  *slog.Logger
	// docMeta caches permalink lookups made on behalf of source requests,
	// which carry no privacy information of their own.
	docMeta *cache.Cache
	mux     *http.ServeMux
}

func NewServer(cfg config.Config, store *index.Store, authManager *auth.Manager, hub *sse.Hub, cat *catalog.Catalog, logger *slog.Logger) *Server {
	server := &Server{
		cfg:     cfg,
		store:   store,
		auth:    authManager,
		hub:     hub,
		catalog: cat,
		mgr:     archive.NewManager(store),
		logger:  logger,
		docMeta: cache.New(4096),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/email", server.handleEmail)
	mux.HandleFunc("/api/thread", server.handleThread)
	mux.HandleFunc("/api/source", server.handleSource)
	mux.HandleFunc("/api/stats", server.handleStats)
	mux.HandleFunc("/api/lists", server.handleLists)
	mux.HandleFunc("/api/mbox", server.handleMbox)
	mux.HandleFunc("/api/mgmt", server.handleMgmt)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	switch r.URL.Path {
	case "/health":
		s.respondText(w, http.StatusOK, "ok")
	case "/ready":
		s.handleReady(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountDocuments(r.Context(), index.Term{Field: "deleted", Value: true}); err != nil {
		s.respondText(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	token, err := s.auth.Issue(email, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	if ac.Anonymous() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"email":         ac.Identity.Email,
		"authoritative": ac.Identity.Authoritative,
		"admin":         ac.Identity.Admin,
	})
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	doc, status := s.visibleEmail(r, ac)
	if doc == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if ac.Anonymous() {
		doc = access.Anonymize(doc)
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	root, status := s.visibleEmail(r, ac)
	if root == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	children, err := threads.Discover(r.Context(), s.store, ac, root)
	if err != nil {
		s.logger.Error("discover thread", "mid", root.MID, "error", err)
		http.Error(w, "unable to load thread", http.StatusInternalServerError)
		return
	}
	emails := append([]*index.Document{root}, children...)
	// Anonymization happens before tree assembly so the nodes and the
	// participant summary never carry full addresses for anonymous callers.
	if ac.Anonymous() {
		for i, doc := range emails {
			emails[i] = access.Anonymize(doc)
		}
	}
	nodes, participants := threads.Construct(emails)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"thread":       nodes,
		"emails":       emails,
		"participants": participants,
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	rec, err := s.store.FindSourceByPermalink(r.Context(), id)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load source", http.StatusInternalServerError)
		return
	}
	if rec.Deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	meta, err := s.documentMeta(r, rec.Permalink)
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		http.Error(w, "unable to load source", http.StatusInternalServerError)
		return
	}
	// Sources without a surviving document, deleted documents for
	// non-admins, and private documents the caller cannot read all look
	// the same from outside.
	if meta == nil || (meta.deleted && !ac.Admin()) || !s.canAccessMeta(ac, meta) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive.DecodeSource(rec.Source))
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	lists := s.catalog.Lists(ac.CanAccessList)
	s.respondJSON(w, http.StatusOK, map[string]any{"lists": lists})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	listRaw := strings.TrimSpace(r.URL.Query().Get("list"))
	if listRaw == "" {
		listRaw = sse.Wildcard
	}
	if listRaw != sse.Wildcard {
		if info, ok := s.catalog.Lookup(listRaw); ok && info.Private && !ac.CanAccessList(listRaw) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(listRaw)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

// visibleEmail resolves the id query parameter to a document the caller may
// read. Inaccessible, missing and (for non-admins) deleted documents all
// return 404 so probing cannot distinguish them.
func (s *Server) visibleEmail(r *http.Request, ac *access.Context) (*index.Document, int) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		return nil, http.StatusBadRequest
	}
	doc, err := s.loadEmail(r, id)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, http.StatusNotFound
		}
		s.logger.Error("load email", "id", id, "error", err)
		return nil, http.StatusInternalServerError
	}
	if doc.Deleted && !ac.Admin() {
		return nil, http.StatusNotFound
	}
	if !ac.CanAccess(doc) {
		return nil, http.StatusNotFound
	}
	return doc, http.StatusOK
}

// loadEmail tries the id as a permalink first, then as a Message-Id.
// Clients and mail software disagree on whether '+' survives URL plumbing,
// so both spellings are tried, bare and angle-bracketed.
func (s *Server) loadEmail(r *http.Request, id string) (*index.Document, error) {
	doc, err := s.store.FindByPermalink(r.Context(), id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, index.ErrNotFound) {
		return nil, err
	}
	for _, candidate := range messageIDCandidates(id) {
		docs, err := s.store.SearchDocuments(r.Context(),
			index.Term{Field: "message-id", Value: candidate}, 1, index.SortAscending)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
	}
	return nil, index.ErrNotFound
}

func messageIDCandidates(id string) []string {
	var candidates []string
	seen := map[string]bool{}
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			candidates = append(candidates, v)
		}
	}
	for _, variant := range []string{id, strings.ReplaceAll(id, " ", "+"), strings.ReplaceAll(id, "+", " ")} {
		add(variant)
		if !strings.HasPrefix(variant, "<") {
			add("<" + variant + ">")
		}
	}
	return candidates
}

// docMetaEntry is the cached privacy shape of a document, enough to gate a
// source request without refetching the full body.
type docMetaEntry struct {
	listRaw string
	private bool
	deleted bool
}

func (s *Server) documentMeta(r *http.Request, permalink string) (*docMetaEntry, error) {
	if cached, ok := s.docMeta.Get(permalink); ok {
		return cached.(*docMetaEntry), nil
	}
	doc, err := s.store.FindByPermalink(r.Context(), permalink)
	if err != nil {
		return nil, err
	}
	meta := &docMetaEntry{listRaw: doc.ListRaw, private: doc.Private, deleted: doc.Deleted}
	// Deleted state flips on admin action, so only settled lookups are
	// worth caching.
	if !meta.deleted {
		s.docMeta.Put(permalink, meta)
	}
	return meta, nil
}

func (s *Server) canAccessMeta(ac *access.Context, meta *docMetaEntry) bool {
	if !meta.private {
		return true
	}
	return ac.CanAccessList(meta.listRaw)
}

func (s *Server) accessContext(r *http.Request) *access.Context {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return &access.Context{}
	}
	email, err := s.auth.Parse(cookie.Value, time.Now())
	if err != nil {
		return &access.Context{}
	}
	return &access.Context{Identity: s.auth.Identity(email)}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
