package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcdickinson/rsimpl/internal/cas"
	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/jcdickinson/rsimpl/internal/db"
	"github.com/jcdickinson/rsimpl/internal/docs"
	"github.com/jcdickinson/rsimpl/internal/implementors"
	md "github.com/jcdickinson/rsimpl/internal/markdown"
	"github.com/jcdickinson/rsimpl/internal/rpc"
	"golang.org/x/sync/singleflight"
)

const defaultWaitTimeout = 30 * time.Second

// publication is the daemon's record of one published page.
type publication struct {
	id    string
	index implementors.Index
}

type Server struct {
	db         *db.DB
	registry   *implementors.Registry
	fetcher    *docs.Fetcher
	builder    *docs.Builder
	cfg        *config.Config
	socketPath string
	httpServer *http.Server
	listener   net.Listener

	mu         sync.Mutex
	expTimer   *time.Timer
	expiration time.Duration
	exit       func()

	// pubMu serializes publishes so a page is archived exactly once.
	pubMu        sync.Mutex
	publications map[string]publication

	buildGroup singleflight.Group
}

// NewServer creates a daemon server. database may be nil, in which case
// publications are kept in memory only.
func NewServer(cfg *config.Config, database *db.DB, socketPath string) *Server {
	expSec := cfg.Daemon.ExpirationSeconds
	if expSec <= 0 {
		expSec = 600
	}

	fetcher := docs.NewFetcher(cfg.Docs)
	return &Server{
		db:           database,
		registry:     implementors.NewRegistry(),
		fetcher:      fetcher,
		builder:      docs.NewBuilder(fetcher, cfg.Build.Concurrency),
		cfg:          cfg,
		socketPath:   socketPath,
		expiration:   time.Duration(expSec) * time.Second,
		exit:         func() { os.Exit(0) },
		publications: make(map[string]publication),
	}
}

// Handler returns the daemon's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /publish", s.withExpReset(s.handlePublish))
	mux.HandleFunc("POST /consume", s.withExpReset(s.handleConsume))
	mux.HandleFunc("POST /wait", s.withExpReset(s.handleWait))
	mux.HandleFunc("POST /build", s.withExpReset(s.handleBuild))
	mux.HandleFunc("POST /get-implementors", s.withExpReset(s.handleGetImplementors))
	mux.HandleFunc("POST /invalidate", s.withExpReset(s.handleInvalidate))
	mux.HandleFunc("GET /status", s.withExpReset(s.handleStatus))
	mux.HandleFunc("POST /clear-cache", s.withExpReset(s.handleClearCache))
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.expTimer = time.AfterFunc(s.expiration, s.expire)
	s.mu.Unlock()

	slog.Info("daemon listening", "socket", s.socketPath, "expiration", s.expiration)

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.mu.Lock()
	if s.expTimer != nil {
		s.expTimer.Stop()
	}
	s.mu.Unlock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Error("daemon shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Error("daemon listener close", "error", err)
			errs = append(errs, err)
		}
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Error("daemon socket remove", "error", err)
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("daemon db close", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) expire() {
	slog.Info("daemon expiring due to inactivity")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.exit()
}

func (s *Server) resetExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expTimer != nil {
		s.expTimer.Stop()
		s.expTimer.Reset(s.expiration)
	}
}

func (s *Server) withExpReset(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.resetExpiration()
		handler(w, r)
	}
}

// publish hands idx to the trait's page and archives it.
func (s *Server) publish(trait string, idx implementors.Index) (rpc.PublishResponse, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	h := s.registry.Page(trait)
	if h.State().Published {
		return rpc.PublishResponse{}, fmt.Errorf("%s: %w", trait, implementors.ErrAlreadyPublished)
	}

	id := uuid.NewString()
	s.archive(trait, id, idx)
	s.publications[trait] = publication{id: id, index: idx.Clone()}

	if err := h.Publish(idx.Clone()); err != nil {
		return rpc.PublishResponse{}, fmt.Errorf("%s: %w", trait, err)
	}
	delivered := h.State().Delivered
	if delivered {
		s.markDelivered(trait)
	}

	slog.Info("published implementor index", "trait", trait, "publication", id, "libraries", len(idx), "records", idx.Len(), "delivered", delivered)
	return rpc.PublishResponse{
		Trait:         trait,
		PublicationID: id,
		Records:       idx.Len(),
		Delivered:     delivered,
	}, nil
}

// archive stores a publication in the CAS and DB. Failures are logged only;
// the handoff does not depend on the archive.
func (s *Server) archive(trait, id string, idx implementors.Index) {
	if s.db == nil {
		return
	}
	hash, err := cas.WriteIndex(idx)
	if err != nil {
		slog.Warn("failed to archive index snapshot", "trait", trait, "error", err)
		return
	}
	if err := s.db.SavePage(trait, id, hash, idx); err != nil {
		slog.Warn("failed to store page", "trait", trait, "error", err)
	}
}

func (s *Server) markDelivered(trait string) {
	if s.db == nil {
		return
	}
	if err := s.db.MarkDelivered(trait); err != nil {
		slog.Warn("failed to mark page delivered", "trait", trait, "error", err)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req rpc.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Trait == "" {
		writeError(w, http.StatusBadRequest, "missing trait")
		return
	}
	if req.Index == nil {
		req.Index = implementors.Index{}
	}
	if err := req.Index.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.publish(req.Trait, req.Index)
	if errors.Is(err, implementors.ErrAlreadyPublished) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req rpc.ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := rpc.ConsumeResponse{Trait: req.Trait}
	if h, ok := s.registry.Lookup(req.Trait); ok {
		resp.Index, resp.Found = h.Consume()
	}
	if resp.Found {
		s.markDelivered(req.Trait)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var req rpc.WaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Trait == "" {
		writeError(w, http.StatusBadRequest, "missing trait")
		return
	}

	timeout := defaultWaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	idx, err := s.registry.Page(req.Trait).Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusRequestTimeout, fmt.Sprintf("no index published for %s within %s", req.Trait, timeout))
			return
		}
		slog.Debug("waiter went away", "trait", req.Trait, "error", err)
		return
	}
	s.markDelivered(req.Trait)
	writeJSON(w, http.StatusOK, rpc.ConsumeResponse{Trait: req.Trait, Found: true, Index: idx})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req rpc.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Trait == "" || len(req.Crates) == 0 {
		writeError(w, http.StatusBadRequest, "build needs a trait and at least one crate")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// A shared build may still report progress after this handler returned;
	// those lines are logged but never written to w.
	var (
		sendMu sync.Mutex
		closed bool
	)
	defer func() {
		sendMu.Lock()
		closed = true
		sendMu.Unlock()
	}()
	enc := json.NewEncoder(w)
	send := func(line rpc.ProgressLine) bool {
		sendMu.Lock()
		defer sendMu.Unlock()
		if line.Message != "" {
			slog.Info(line.Message, "trait", req.Trait)
		}
		if closed {
			return false
		}
		if err := enc.Encode(line); err != nil {
			slog.Debug("build client disconnected", "error", err)
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	result := s.build(r.Context(), req, func(msg string) {
		send(rpc.ProgressLine{Type: "progress", Message: msg})
	})
	send(rpc.ProgressLine{Type: "result", Result: &result})
}

func (s *Server) build(ctx context.Context, req rpc.BuildRequest, progress func(string)) rpc.BuildResult {
	result := rpc.BuildResult{Trait: req.Trait}

	specs := make([]docs.CrateSpec, len(req.Crates))
	keys := make([]string, len(req.Crates))
	for i, c := range req.Crates {
		specs[i] = docs.CrateSpec{Name: c.Name, Version: c.Version}
		keys[i] = specs[i].String()
	}

	// Identical concurrent builds share one run, including its publication.
	// The run is detached from the leader's request so that a disconnecting
	// client does not fail the builds waiting on it.
	key := fmt.Sprintf("%s|%t|%s", req.Trait, req.Publish, strings.Join(keys, ","))
	ch := s.buildGroup.DoChan(key, func() (interface{}, error) {
		return s.runBuild(context.WithoutCancel(ctx), req, specs, progress)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		result.Error = ctx.Err().Error()
		return result
	}
	if res.Err != nil {
		result.Error = res.Err.Error()
		return result
	}
	out := res.Val.(buildOutcome)

	result.Index = out.index
	for _, lib := range out.index.Libraries() {
		result.Libraries = append(result.Libraries, rpc.LibraryResult{Name: lib, Records: len(out.index[lib])})
	}
	if out.publishErr != nil {
		result.Error = out.publishErr.Error()
		return result
	}
	result.PublicationID = out.publicationID
	return result
}

// buildOutcome is the shared result of one build run.
type buildOutcome struct {
	index         implementors.Index
	publicationID string
	publishErr    error
}

func (s *Server) runBuild(ctx context.Context, req rpc.BuildRequest, specs []docs.CrateSpec, progress func(string)) (buildOutcome, error) {
	idx, err := s.builder.Build(ctx, specs, req.Trait, progress)
	if err != nil {
		return buildOutcome{}, err
	}
	out := buildOutcome{index: idx}
	if !req.Publish {
		return out, nil
	}
	resp, err := s.publish(req.Trait, idx)
	if err != nil {
		out.publishErr = err
		return out, nil
	}
	out.publicationID = resp.PublicationID
	progress(fmt.Sprintf("published %d implementors of %s", resp.Records, req.Trait))
	return out, nil
}

// lookupIndex returns the most recent index for trait, live or stored.
func (s *Server) lookupIndex(trait string) (implementors.Index, string, error) {
	s.pubMu.Lock()
	pub, ok := s.publications[trait]
	s.pubMu.Unlock()
	if ok {
		return pub.index, "live", nil
	}
	if s.db == nil {
		return nil, "", nil
	}
	page, err := s.db.GetPage(trait)
	if err != nil || page == nil {
		return nil, "", err
	}

	// The snapshot is the exact published bytes; the tables are the fallback.
	if cas.Has(page.SnapshotHash) {
		idx, err := cas.ReadIndex(page.SnapshotHash)
		if err == nil {
			return idx, "stored", nil
		}
		slog.Warn("failed to read index snapshot", "trait", trait, "hash", page.SnapshotHash, "error", err)
	}
	idx, err := s.db.LoadIndex(trait)
	if err != nil {
		return nil, "", err
	}
	return idx, "stored", nil
}

func (s *Server) handleGetImplementors(w http.ResponseWriter, r *http.Request) {
	var req rpc.GetImplementorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	idx, source, err := s.lookupIndex(req.Trait)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if idx == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no implementor index for %s", req.Trait))
		return
	}

	text := md.ImplementorsMarkdown(req.Trait, idx, func(href string) string {
		return docs.HrefToRsdoc(href, "")
	})
	writeJSON(w, http.StatusOK, rpc.GetImplementorsResponse{Markdown: text, Source: source})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req rpc.InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "missing type")
		return
	}

	traits := make(map[string]bool)
	s.pubMu.Lock()
	for trait, pub := range s.publications {
		for _, t := range pub.index.InvolvedTypes() {
			if t == req.Type {
				traits[trait] = true
				break
			}
		}
	}
	s.pubMu.Unlock()

	if s.db != nil {
		stored, err := s.db.TraitsInvolving(req.Type)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, t := range stored {
			traits[t] = true
		}
	}

	resp := rpc.InvalidateResponse{Type: req.Type, Traits: make([]string, 0, len(traits))}
	for t := range traits {
		resp.Traits = append(resp.Traits, t)
	}
	sort.Strings(resp.Traits)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	byTrait := make(map[string]*rpc.PageStatus)

	if s.db != nil {
		pages, err := s.db.ListPages()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, p := range pages {
			state := "stored"
			if p.DeliveredAt != nil {
				state = "delivered"
			}
			byTrait[p.Trait] = &rpc.PageStatus{
				Trait:         p.Trait,
				State:         state,
				Records:       p.Records,
				PublicationID: p.PublicationID,
				Stored:        true,
			}
		}
	}

	s.pubMu.Lock()
	for _, ps := range s.registry.Pages() {
		st, ok := byTrait[ps.Trait]
		if !ok {
			st = &rpc.PageStatus{Trait: ps.Trait}
			byTrait[ps.Trait] = st
		}
		st.State = ps.State.String()
		if pub, ok := s.publications[ps.Trait]; ok {
			st.PublicationID = pub.id
			st.Records = pub.index.Len()
		}
	}
	s.pubMu.Unlock()

	resp := rpc.StatusResponse{Pages: make([]rpc.PageStatus, 0, len(byTrait))}
	for _, st := range byTrait {
		resp.Pages = append(resp.Pages, *st)
	}
	sort.Slice(resp.Pages, func(i, j int) bool { return resp.Pages[i].Trait < resp.Pages[j].Trait })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.fetcher.ClearMemory()
	slog.Info("rustdoc memory cache cleared", "crates", n)
	writeJSON(w, http.StatusOK, rpc.ClearCacheResponse{Dropped: n})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
		s.exit()
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
