package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facadeworks/elevsync/internal/remote"
	"github.com/shopspring/decimal"
)

// Call is one entry of the FakeRemote call log.
type Call struct {
	Token string
	Op    string
	Arg   string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Op
	}
	return c.Op + "(" + c.Arg + ")"
}

type fakeProject struct {
	item   remote.ProjectItem
	folder string
	phases []string
}

type fakePhase struct {
	item       remote.PhaseItem
	project    string
	elevations []string
}

type fakeElevation struct {
	item      remote.ElevationItem
	phase     string
	artifact  []byte
	thumbnail []byte
}

type fakeSelection struct {
	folder  string
	project string
	phase   string
}

type fault struct {
	op    string
	arg   string
	err   error
	times int
}

// FakeRemote is an in-memory implementation of the remote API with the same
// stateful, per-token navigation semantics. It records every call, tracks
// how many sessions are open at once, and can inject failures.
type FakeRemote struct {
	Username string
	Password string

	// Latency is slept inside every call, outside the lock, so concurrent
	// sessions genuinely overlap.
	Latency time.Duration

	mu         sync.Mutex
	folders    map[string]remote.FolderItem
	projects   map[string]*fakeProject
	phases     map[string]*fakePhase
	elevations map[string]*fakeElevation
	folderProj map[string][]string

	sessions  map[string]*fakeSelection
	nextToken int
	calls     []Call
	faults    []*fault

	active    int
	maxActive int
	inFlight  int
	maxFlight int
}

// NewFakeRemote returns an empty fake accepting the given credentials.
func NewFakeRemote(username, password string) *FakeRemote {
	return &FakeRemote{
		Username:   username,
		Password:   password,
		folders:    make(map[string]remote.FolderItem),
		projects:   make(map[string]*fakeProject),
		phases:     make(map[string]*fakePhase),
		elevations: make(map[string]*fakeElevation),
		folderProj: make(map[string][]string),
		sessions:   make(map[string]*fakeSelection),
	}
}

// AddFolder adds a folder. Its parent is derived from the path; "/A" is top level.
func (f *FakeRemote) AddFolder(folderPath, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[folderPath] = remote.FolderItem{Path: folderPath, Name: name}
}

// RemoveFolder removes a folder and everything beneath it.
func (f *FakeRemote) RemoveFolder(folderPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.folders {
		if p == folderPath || strings.HasPrefix(p, folderPath+"/") {
			delete(f.folders, p)
			delete(f.folderProj, p)
		}
	}
}

// AddProject adds a project to a folder.
func (f *FakeRemote) AddProject(folderPath, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[id] = &fakeProject{item: remote.ProjectItem{ID: id, Name: name}, folder: folderPath}
	f.folderProj[folderPath] = append(f.folderProj[folderPath], id)
}

// RemoveProject removes a project from its folder.
func (f *FakeRemote) RemoveProject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return
	}
	f.folderProj[p.folder] = without(f.folderProj[p.folder], id)
	delete(f.projects, id)
}

// AddPhase adds a phase to a project.
func (f *FakeRemote) AddPhase(projectID, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[id] = &fakePhase{item: remote.PhaseItem{ID: id, Name: name}, project: projectID}
	if p, ok := f.projects[projectID]; ok {
		p.phases = append(p.phases, id)
	}
}

// AddElevation adds an elevation with its parts-list artifact to a phase.
func (f *FakeRemote) AddElevation(phaseID, id, name string, artifact []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elevations[id] = &fakeElevation{
		item: remote.ElevationItem{
			ID:     id,
			Name:   name,
			Width:  decimal.NewFromInt(1000),
			Height: decimal.NewFromInt(2000),
			Depth:  decimal.NewFromInt(60),
		},
		phase:     phaseID,
		artifact:  artifact,
		thumbnail: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	}
	if p, ok := f.phases[phaseID]; ok {
		p.elevations = append(p.elevations, id)
	}
}

// SetElevationName renames an elevation, which changes its fingerprint.
func (f *FakeRemote) SetElevationName(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.elevations[id]; ok {
		e.item.Name = name
	}
}

// InjectFault makes the next times calls of op fail with err. An empty arg
// matches any argument. Injecting remote.ErrUnauthorized also drops the
// session, like a real server-side expiry.
func (f *FakeRemote) InjectFault(op, arg string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &fault{op: op, arg: arg, err: err, times: times})
}

// ExpireAll drops every open session server-side.
func (f *FakeRemote) ExpireAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token := range f.sessions {
		delete(f.sessions, token)
		f.active--
	}
}

// Calls returns a copy of the call log.
func (f *FakeRemote) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the ops, with arguments, issued under one token.
func (f *FakeRemote) CallsFor(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Token == token {
			out = append(out, c.String())
		}
	}
	return out
}

// CountOp counts calls of op with arg (any arg when empty).
func (f *FakeRemote) CountOp(op, arg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && (arg == "" || c.Arg == arg) {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// OpenSessions is the number of sessions currently logged in.
func (f *FakeRemote) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// MaxOpenSessions is the highest number of simultaneously open sessions seen.
func (f *FakeRemote) MaxOpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// MaxInFlight is the highest number of simultaneously executing calls seen.
func (f *FakeRemote) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

func (f *FakeRemote) Authenticate(ctx context.Context, username, password string) (string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "authenticate", Arg: username})
	if err := f.takeFault("authenticate", username); err != nil {
		return "", err
	}
	if username != f.Username || password != f.Password {
		return "", fmt.Errorf("fake authenticate: %w", remote.ErrUnauthorized)
	}
	f.nextToken++
	token := fmt.Sprintf("tok-%d", f.nextToken)
	f.sessions[token] = &fakeSelection{}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return token, nil
}

func (f *FakeRemote) Logout(ctx context.Context, token string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Token: token, Op: "logout"})
	if err := f.takeFault("logout", ""); err != nil {
		return err
	}
	if _, ok := f.sessions[token]; !ok {
		return fmt.Errorf("fake logout: %w", remote.ErrUnauthorized)
	}
	delete(f.sessions, token)
	f.active--
	return nil
}

func (f *FakeRemote) ListFolders(ctx context.Context, token string) ([]remote.FolderItem, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "list-folders", "")
	if err != nil {
		return nil, err
	}
	parent := sel.folder
	var out []remote.FolderItem
	for p, item := range f.folders {
		if parentOf(p) == parent {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *FakeRemote) SelectFolder(ctx context.Context, token, folderPath string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "select-folder", folderPath)
	if err != nil {
		return err
	}
	if _, ok := f.folders[folderPath]; !ok {
		return &remote.APIError{Op: "select-folder", StatusCode: http.StatusNotFound, Message: "folder not found"}
	}
	*sel = fakeSelection{folder: folderPath}
	return nil
}

func (f *FakeRemote) ListProjects(ctx context.Context, token string) ([]remote.ProjectItem, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "list-projects", "")
	if err != nil {
		return nil, err
	}
	if sel.folder == "" {
		return nil, &remote.APIError{Op: "list-projects", StatusCode: http.StatusConflict, Message: "no folder selected"}
	}
	var out []remote.ProjectItem
	for _, id := range f.folderProj[sel.folder] {
		out = append(out, f.projects[id].item)
	}
	return out, nil
}

func (f *FakeRemote) SelectProject(ctx context.Context, token, id string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "select-project", id)
	if err != nil {
		return err
	}
	p, ok := f.projects[id]
	if !ok || p.folder != sel.folder {
		return &remote.APIError{Op: "select-project", StatusCode: http.StatusNotFound, Message: "project not found in selected folder"}
	}
	sel.project = id
	sel.phase = ""
	return nil
}

func (f *FakeRemote) ListPhases(ctx context.Context, token string) ([]remote.PhaseItem, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "list-phases", "")
	if err != nil {
		return nil, err
	}
	p, ok := f.projects[sel.project]
	if !ok {
		return nil, &remote.APIError{Op: "list-phases", StatusCode: http.StatusConflict, Message: "no project selected"}
	}
	var out []remote.PhaseItem
	for _, id := range p.phases {
		out = append(out, f.phases[id].item)
	}
	return out, nil
}

func (f *FakeRemote) SelectPhase(ctx context.Context, token, id string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "select-phase", id)
	if err != nil {
		return err
	}
	ph, ok := f.phases[id]
	if !ok || ph.project != sel.project {
		return &remote.APIError{Op: "select-phase", StatusCode: http.StatusNotFound, Message: "phase not found in selected project"}
	}
	sel.phase = id
	return nil
}

func (f *FakeRemote) ListElevations(ctx context.Context, token string) ([]remote.ElevationItem, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "list-elevations", "")
	if err != nil {
		return nil, err
	}
	ph, ok := f.phases[sel.phase]
	if !ok {
		return nil, &remote.APIError{Op: "list-elevations", StatusCode: http.StatusConflict, Message: "no phase selected"}
	}
	var out []remote.ElevationItem
	for _, id := range ph.elevations {
		if e, ok := f.elevations[id]; ok {
			out = append(out, e.item)
		}
	}
	return out, nil
}

func (f *FakeRemote) PartsList(ctx context.Context, token, elevationID string, w io.Writer) (int64, error) {
	defer f.enter()()
	f.mu.Lock()
	sel, err := f.begin(token, "parts-list", elevationID)
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}
	e, ok := f.elevations[elevationID]
	if !ok || e.phase != sel.phase {
		f.mu.Unlock()
		return 0, &remote.APIError{Op: "parts-list", StatusCode: http.StatusNotFound, Message: "elevation not found in selected phase"}
	}
	data := e.artifact
	f.mu.Unlock()

	n, err := w.Write(data)
	return int64(n), err
}

func (f *FakeRemote) Thumbnail(ctx context.Context, token, elevationID string) ([]byte, string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, err := f.begin(token, "thumbnail", elevationID)
	if err != nil {
		return nil, "", err
	}
	e, ok := f.elevations[elevationID]
	if !ok || e.phase != sel.phase {
		return nil, "", &remote.APIError{Op: "thumbnail", StatusCode: http.StatusNotFound, Message: "elevation not found in selected phase"}
	}
	return append([]byte(nil), e.thumbnail...), "image/png", nil
}

// enter tracks in-flight calls and applies Latency. It must run before the
// lock is taken.
func (f *FakeRemote) enter() func() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	latency := f.Latency
	f.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

// begin logs the call, applies faults and resolves the token. Caller holds mu.
func (f *FakeRemote) begin(token, op, arg string) (*fakeSelection, error) {
	f.calls = append(f.calls, Call{Token: token, Op: op, Arg: arg})
	if err := f.takeFault(op, arg); err != nil {
		if isUnauthorized(err) {
			if _, ok := f.sessions[token]; ok {
				delete(f.sessions, token)
				f.active--
			}
		}
		return nil, err
	}
	sel, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("fake %s: %w", op, remote.ErrUnauthorized)
	}
	return sel, nil
}

// takeFault consumes a matching fault. Caller holds mu.
func (f *FakeRemote) takeFault(op, arg string) error {
	for i, flt := range f.faults {
		if flt.op != op || (flt.arg != "" && flt.arg != arg) {
			continue
		}
		flt.times--
		if flt.times <= 0 {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
		}
		return flt.err
	}
	return nil
}

func isUnauthorized(err error) bool {
	return remote.StatusCode(err) == http.StatusUnauthorized
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return ""
	}
	return dir
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
