// Package session implements the virtual user that drives list, create, update
// and delete traffic against a form-based CRUD application.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/loadscope/internal/config"
	"github.com/torosent/loadscope/internal/extractor"
	"github.com/torosent/loadscope/internal/httpclient"
	"github.com/torosent/loadscope/internal/runner"
)

// Task names as reported to the stats aggregator.
const (
	TaskViewList = "view_list"
	TaskCreate   = "create"
	TaskUpdate   = "update"
	TaskDelete   = "delete"
)

// Lifecycle of a Session.
type Phase int32

const (
	Starting Phase = iota
	Running
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// RequestRecorder receives every HTTP call a session makes.
type RequestRecorder interface {
	RecordRequest(name string, latency time.Duration, err error)
}

// State is the per-session data carried between tasks.
type State struct {
	Token     string
	EntityIDs []string
}

// Options configure a Session.
type Options struct {
	EntityPath string // listing path, e.g. "/posts/"
	Client     *http.Client
	Builder    *httpclient.RequestBuilder
	Parser     extractor.ResponseParser
	Recorder   RequestRecorder
	Weights    config.TaskWeights
	Seed       int64
	Logger     *zap.Logger
}

// Session is one virtual user. It is driven by a single runner goroutine; only
// Phase and Snapshot may be called concurrently.
type Session struct {
	id     int
	opt    Options
	rnd    *rand.Rand
	phase  atomic.Int32
	mu     sync.Mutex
	state  State
	routes routes
}

type routes struct {
	list, create, update, delete string
}

func newRoutes(entityPath string) routes {
	base := "/" + strings.Trim(entityPath, "/") + "/"
	if base == "//" {
		base = "/"
	}
	return routes{
		list:   base,
		create: base + "create/",
		update: base + "update/",
		delete: base + "delete/",
	}
}

// New returns a Session in the Starting phase.
func New(id int, opt Options) (*Session, error) {
	if opt.Client == nil {
		return nil, errors.New("session: client is required")
	}
	if opt.Builder == nil {
		return nil, errors.New("session: request builder is required")
	}
	if opt.EntityPath == "" {
		opt.EntityPath = config.DefaultEntityPath
	}
	if opt.Parser == nil {
		opt.Parser = extractor.NewHTMLParser()
	}
	if opt.Recorder == nil {
		opt.Recorder = nopRecorder{}
	}
	if opt.Weights == (config.TaskWeights{}) {
		opt.Weights = config.DefaultTaskWeights()
	}
	if opt.Seed == 0 {
		opt.Seed = time.Now().UnixNano()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Session{
		id:     id,
		opt:    opt,
		rnd:    rand.New(rand.NewSource(opt.Seed + int64(id))),
		routes: newRoutes(opt.EntityPath),
	}, nil
}

// Phase reports the session's lifecycle phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Token: s.state.Token, EntityIDs: append([]string(nil), s.state.EntityIDs...)}
}

// OnStart loads the listing page to pick up the anti-forgery token, then moves
// the session to Running. A failed load is returned for logging only.
func (s *Session) OnStart(ctx context.Context) error {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()
	defer s.phase.CompareAndSwap(int32(Starting), int32(Running))

	page, err := s.fetch(ctx, s.routes.list, s.routes.list)
	if err != nil {
		return err
	}
	if page.status != http.StatusOK {
		return &runner.HTTPError{StatusCode: page.status}
	}
	if token, ok := s.opt.Parser.Token(page.body, s.cookieToken()); ok {
		s.setToken(token)
	} else {
		s.opt.Logger.Debug("no anti-forgery token on listing page", zap.Int("session", s.id))
	}
	return nil
}

// OnStop moves the session to Stopped.
func (s *Session) OnStop() { s.phase.Store(int32(Stopped)) }

// Tasks returns the weighted task set.
func (s *Session) Tasks() []runner.Task {
	w := s.opt.Weights
	return []runner.Task{
		{Name: TaskViewList, Weight: w.List, Run: s.ViewList},
		{Name: TaskCreate, Weight: w.Create, Run: s.Create},
		{Name: TaskUpdate, Weight: w.Update, Run: s.Update},
		{Name: TaskDelete, Weight: w.Delete, Run: s.Delete},
	}
}

// ViewList loads the listing page; only a 200 counts as success.
func (s *Session) ViewList(ctx context.Context) error {
	page, err := s.fetch(ctx, s.routes.list, s.routes.list)
	if err != nil {
		return err
	}
	return expectStatus(page.status, http.StatusOK)
}

// Create submits a new entity with random title and author.
func (s *Session) Create(ctx context.Context) error {
	token, err := s.formToken(ctx, s.routes.create, s.routes.create)
	if err != nil {
		return err
	}
	form := url.Values{
		"title":  {"Test Post " + s.randomString(8)},
		"author": {"Author " + s.randomString(6)},
	}
	return s.submit(ctx, s.routes.create, "POST "+s.routes.create, form, token)
}

// Update edits the first entity linked from the listing page, or skips when
// there is none.
func (s *Session) Update(ctx context.Context) error {
	id, err := s.discover(ctx, s.routes.update)
	if err != nil {
		return err
	}
	path := s.routes.update + id + "/"
	token, err := s.formToken(ctx, path, s.routes.update+"[id]/")
	if err != nil {
		return err
	}
	form := url.Values{
		"title":  {"Updated Post " + s.randomString(8)},
		"author": {"Updated Author " + s.randomString(6)},
	}
	return s.submit(ctx, path, "POST "+s.routes.update+"[id]/", form, token)
}

// Delete removes the first entity linked from the listing page, or skips when
// there is none.
func (s *Session) Delete(ctx context.Context) error {
	id, err := s.discover(ctx, s.routes.delete)
	if err != nil {
		return err
	}
	path := s.routes.delete + id + "/"
	token, err := s.formToken(ctx, path, s.routes.delete+"[id]/")
	if err != nil {
		return err
	}
	if err := s.submit(ctx, path, "POST "+s.routes.delete+"[id]/", nil, token); err != nil {
		return err
	}
	s.forget(id)
	return nil
}

// discover returns the id of the first entity link into route on the listing
// page. runner.ErrSkipped means there was nothing to act on.
func (s *Session) discover(ctx context.Context, route string) (string, error) {
	page, err := s.fetch(ctx, s.routes.list, s.routes.list)
	if err != nil {
		return "", err
	}
	if err := expectStatus(page.status, http.StatusOK); err != nil {
		return "", err
	}
	id, ok := s.opt.Parser.FirstRouteLink(page.body, route)
	if !ok {
		return "", runner.ErrSkipped
	}
	s.observe(id)
	return id, nil
}

// formToken loads a form page and returns a fresh token. A page without one
// falls back to the cookie and then to the token held since OnStart.
func (s *Session) formToken(ctx context.Context, path, name string) (string, error) {
	page, err := s.fetch(ctx, path, name)
	if err != nil {
		return "", err
	}
	if token, ok := s.opt.Parser.Token(page.body, s.cookieToken()); ok {
		s.setToken(token)
		return token, nil
	}
	return s.Snapshot().Token, nil
}

func (s *Session) submit(ctx context.Context, path, name string, form url.Values, token string) error {
	req, err := s.opt.Builder.PostForm(ctx, path, form, token)
	if err != nil {
		return err
	}
	resp, err := s.do(req, name, false)
	if err != nil {
		return err
	}
	return expectStatus(resp.status, http.StatusOK, http.StatusFound)
}

type fetched struct {
	status int
	body   []byte
}

func (s *Session) fetch(ctx context.Context, path, name string) (fetched, error) {
	req, err := s.opt.Builder.Get(ctx, path)
	if err != nil {
		return fetched{}, err
	}
	return s.do(req, "GET "+name, true)
}

// do issues req and records it under name. Statuses of 400 and above count as
// failed requests; whether the task fails is decided by the caller.
func (s *Session) do(req *http.Request, name string, keepBody bool) (fetched, error) {
	start := time.Now()
	resp, err := s.opt.Client.Do(req)
	if err != nil {
		if req.Context().Err() == nil {
			s.opt.Recorder.RecordRequest(name, time.Since(start), err)
		}
		return fetched{}, err
	}

	var body []byte
	if keepBody {
		body, err = httpclient.ReadBody(resp, 0)
	} else {
		httpclient.Discard(resp)
	}
	latency := time.Since(start)
	if err != nil {
		if req.Context().Err() == nil {
			s.opt.Recorder.RecordRequest(name, latency, err)
		}
		return fetched{}, err
	}

	var reqErr error
	if resp.StatusCode >= http.StatusBadRequest {
		reqErr = &runner.HTTPError{StatusCode: resp.StatusCode}
	}
	s.opt.Recorder.RecordRequest(name, latency, reqErr)
	return fetched{status: resp.StatusCode, body: body}, nil
}

func (s *Session) cookieToken() string {
	return httpclient.Cookie(s.opt.Client, s.opt.Builder.URL(s.routes.list), httpclient.CSRFCookieName)
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.state.Token = token
	s.mu.Unlock()
}

func (s *Session) observe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, known := range s.state.EntityIDs {
		if known == id {
			return
		}
	}
	s.state.EntityIDs = append(s.state.EntityIDs, id)
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.state.EntityIDs[:0]
	for _, known := range s.state.EntityIDs {
		if known != id {
			ids = append(ids, known)
		}
	}
	s.state.EntityIDs = ids
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (s *Session) randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[s.rnd.Intn(len(alphanumeric))]
	}
	return string(b)
}

func expectStatus(got int, want ...int) error {
	for _, w := range want {
		if got == w {
			return nil
		}
	}
	return &runner.HTTPError{StatusCode: got}
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, time.Duration, error) {}
