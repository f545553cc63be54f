package cast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/autocast/castprotocol"
	"go2tv.app/autocast/devices"
	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/models"
)

const testItem = "dQw4w9WgXcQ"

type fakeController struct {
	host string
	port int

	connectErr error
	launchErr  error
	loadErr    error
	stopErr    error
	block      bool

	mu       sync.Mutex
	launched string
	loaded   castprotocol.MediaRequest
	stopped  int
	closed   int
}

func (c *fakeController) Connect(ctx context.Context) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.connectErr
}

func (c *fakeController) LaunchReceiver(ctx context.Context, appID string) error {
	c.mu.Lock()
	c.launched = appID
	c.mu.Unlock()
	return c.launchErr
}

func (c *fakeController) LoadItem(ctx context.Context, req castprotocol.MediaRequest) (*castprotocol.CastStatus, error) {
	c.mu.Lock()
	c.loaded = req
	c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return &castprotocol.CastStatus{PlayerState: "PLAYING", MediaTitle: "Morning Live", ContentID: req.ItemID}, nil
}

func (c *fakeController) GetStatus(ctx context.Context) (*castprotocol.CastStatus, error) {
	return &castprotocol.CastStatus{PlayerState: "PLAYING", CurrentTime: 42}, nil
}

func (c *fakeController) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
	return c.stopErr
}

func (c *fakeController) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeController) counts() (stopped, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.closed
}

type controllerPool struct {
	mu    sync.Mutex
	next  []*fakeController
	made  []*fakeController
	proto fakeController
}

func (p *controllerPool) factory(host string, port int) Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c *fakeController
	if len(p.next) > 0 {
		c, p.next = p.next[0], p.next[1:]
	} else {
		c = &fakeController{
			connectErr: p.proto.connectErr,
			launchErr:  p.proto.launchErr,
			loadErr:    p.proto.loadErr,
			stopErr:    p.proto.stopErr,
			block:      p.proto.block,
		}
	}
	c.host, c.port = host, port
	p.made = append(p.made, c)
	return c
}

func (p *controllerPool) all() []*fakeController {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeController(nil), p.made...)
}

type fakeResolver struct {
	mu      sync.Mutex
	devices map[uint]models.Device
	err     error
	calls   int
	touched []uint
}

func (r *fakeResolver) ResolveTarget(ctx context.Context, explicitID *uint) (models.Device, devices.Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return models.Device{}, devices.TierNone, r.err
	}
	if explicitID != nil {
		if d, ok := r.devices[*explicitID]; ok {
			return d, devices.TierExplicit, nil
		}
	}
	for _, d := range r.devices {
		return d, devices.TierMostRecent, nil
	}
	return models.Device{}, devices.TierNone, errs.New(errs.NotFound, "registry.resolve", "no device available")
}

func (r *fakeResolver) Touch(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type finished struct {
	id      uint
	status  models.AttemptStatus
	message string
}

type fakeAudit struct {
	mu       sync.Mutex
	rows     []models.CastAttempt
	finished []finished
}

func (a *fakeAudit) CreateAttempt(ctx context.Context, row *models.CastAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row.ID = uint(len(a.rows) + 1)
	a.rows = append(a.rows, *row)
	return nil
}

func (a *fakeAudit) FinishAttempt(ctx context.Context, id uint, status models.AttemptStatus, message string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = append(a.finished, finished{id: id, status: status, message: message})
	return nil
}

func (a *fakeAudit) Rows() []models.CastAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.CastAttempt(nil), a.rows...)
}

func (a *fakeAudit) Finished() []finished {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]finished(nil), a.finished...)
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []events.Payload
}

func (r *recordingPublisher) Publish(p events.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recordingPublisher) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Kind())
	}
	return out
}

func (r *recordingPublisher) Payloads() []events.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Payload(nil), r.payloads...)
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

type harness struct {
	m        *Manager
	pool     *controllerPool
	resolver *fakeResolver
	audit    *fakeAudit
	pub      *recordingPublisher
	disc     *closeCounter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool: &controllerPool{},
		resolver: &fakeResolver{devices: map[uint]models.Device{
			1: {ID: 1, Name: "Living Room", Address: "192.168.1.10", Port: 8009, IsActive: true},
		}},
		audit: &fakeAudit{},
		pub:   &recordingPublisher{},
		disc:  &closeCounter{},
	}
	h.m = NewManager(Deps{
		Resolver:    h.resolver,
		Audit:       h.audit,
		Events:      h.pub,
		Controllers: h.pool.factory,
		Discovery:   h.disc,
		Logger:      zerolog.Nop(),
	}, Options{ConnectTimeout: time.Second, LaunchTimeout: time.Second, LoadTimeout: time.Second, StopTimeout: time.Second})
	return h
}

func equalKinds(got, want []events.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func uintPtr(v uint) *uint { return &v }

func TestStartCastRejectsInvalidItemID(t *testing.T) {
	for _, id := range []string{"", "short", "has spaces in it", "bad/char/slash", string(make([]byte, 65))} {
		h := newHarness(t)
		_, err := h.m.StartCast(context.Background(), id, nil, nil)
		if !errs.Is(err, errs.Validation) {
			t.Fatalf("StartCast(%q) err = %v, want Validation", id, err)
		}
		if h.resolver.Calls() != 0 {
			t.Fatalf("StartCast(%q) resolved a device", id)
		}
		if len(h.audit.Rows()) != 0 || len(h.pub.Kinds()) != 0 {
			t.Fatalf("StartCast(%q) recorded or announced", id)
		}
		if memo, ok := h.m.LastAttempt(); !ok || memo.ItemID != id {
			t.Fatalf("StartCast(%q) memo = %+v, %v, want the rejected request", id, memo, ok)
		}
	}
}

func TestStartCastInvalidItemKeepsActiveSession(t *testing.T) {
	h := newHarness(t)
	first, err := h.m.StartCast(context.Background(), testItem, uintPtr(1), nil)
	if err != nil {
		t.Fatalf("StartCast() err = %v", err)
	}
	rows := len(h.audit.Rows())

	if _, err := h.m.StartCast(context.Background(), "bad id", uintPtr(1), uintPtr(3)); !errs.Is(err, errs.Validation) {
		t.Fatalf("StartCast(bad id) err = %v, want Validation", err)
	}

	st := h.m.Status()
	if !st.Active || st.SessionID != first.SessionID {
		t.Fatalf("Status() = %+v, want the first session still active", st)
	}
	if len(h.audit.Rows()) != rows {
		t.Fatalf("invalid start wrote %d audit rows", len(h.audit.Rows())-rows)
	}
	if st.LastAttempt == nil || st.LastAttempt.ItemID != "bad id" || st.LastAttempt.ScheduleID == nil || *st.LastAttempt.ScheduleID != 3 {
		t.Fatalf("Status().LastAttempt = %+v, want the rejected request", st.LastAttempt)
	}
}

func TestStartCastSuccess(t *testing.T) {
	h := newHarness(t)
	sched := uintPtr(7)

	res, err := h.m.StartCast(context.Background(), testItem, uintPtr(1), sched)
	if err != nil {
		t.Fatalf("StartCast() err = %v", err)
	}
	if res.Device.ID != 1 || res.Tier != devices.TierExplicit || res.Player != "PLAYING" || res.SessionID == "" {
		t.Fatalf("StartCast() = %+v", res)
	}

	ctrls := h.pool.all()
	if len(ctrls) != 1 {
		t.Fatalf("controllers made = %d, want 1", len(ctrls))
	}
	c := ctrls[0]
	if c.host != "192.168.1.10" || c.port != 8009 {
		t.Fatalf("controller endpoint = %s:%d", c.host, c.port)
	}
	if c.launched != castprotocol.YouTubeAppID {
		t.Fatalf("launched app = %q, want %q", c.launched, castprotocol.YouTubeAppID)
	}
	if c.loaded.ItemID != testItem || !c.loaded.Live {
		t.Fatalf("loaded = %+v", c.loaded)
	}

	st := h.m.Status()
	if !st.Active || st.State != StateActive || st.ItemID != testItem || st.DeviceName != "Living Room" {
		t.Fatalf("Status() = %+v", st)
	}
	if st.ScheduleID == nil || *st.ScheduleID != 7 {
		t.Fatalf("Status().ScheduleID = %v, want 7", st.ScheduleID)
	}

	rows := h.audit.Rows()
	if len(rows) != 1 || rows[0].Status != models.AttemptStarted || rows[0].ItemTitle != "Morning Live" {
		t.Fatalf("audit rows = %+v", rows)
	}
	if rows[0].DeviceID == nil || *rows[0].DeviceID != 1 {
		t.Fatalf("audit device = %v, want 1", rows[0].DeviceID)
	}
	if !equalKinds(h.pub.Kinds(), []events.Kind{events.KindCastStarted}) {
		t.Fatalf("events = %v", h.pub.Kinds())
	}
	if len(h.resolver.touched) != 1 || h.resolver.touched[0] != 1 {
		t.Fatalf("touched = %v, want [1]", h.resolver.touched)
	}

	memo, ok := h.m.LastAttempt()
	if !ok || memo.ItemID != testItem || *memo.DeviceID != 1 || *memo.ScheduleID != 7 {
		t.Fatalf("LastAttempt() = %+v, %v", memo, ok)
	}

	player, err := h.m.PlayerStatus(context.Background())
	if err != nil || player.PlayerState != "PLAYING" {
		t.Fatalf("PlayerStatus() = %+v, %v", player, err)
	}
}

func TestStartCastFailures(t *testing.T) {
	tests := []struct {
		name     string
		proto    fakeController
		resolve  error
		wantKind errs.Kind
		wantDev  bool
		wantCtrl bool
	}{
		{
			name:     "no device",
			resolve:  errs.New(errs.NotFound, "registry.resolve", "no device available"),
			wantKind: errs.NotFound,
		},
		{
			name:     "connect refused",
			proto:    fakeController{connectErr: errors.New("connection refused")},
			wantKind: errs.TransientNetwork,
			wantDev:  true,
			wantCtrl: true,
		},
		{
			name:     "launch rejected",
			proto:    fakeController{launchErr: errors.New("launch error")},
			wantKind: errs.DeviceProtocol,
			wantDev:  true,
			wantCtrl: true,
		},
		{
			name:     "load rejected",
			proto:    fakeController{loadErr: errors.New("load failed")},
			wantKind: errs.DeviceProtocol,
			wantDev:  true,
			wantCtrl: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pool.proto = tt.proto
			h.resolver.err = tt.resolve

			_, err := h.m.StartCast(context.Background(), testItem, nil, nil)
			var aerr *AttemptError
			if !errors.As(err, &aerr) {
				t.Fatalf("StartCast() err = %v, want *AttemptError", err)
			}
			if !errs.Is(err, tt.wantKind) {
				t.Fatalf("StartCast() kind = %s, want %s", errs.KindOf(err), tt.wantKind)
			}

			rows := h.audit.Rows()
			if len(rows) != 1 || rows[0].Status != models.AttemptError || rows[0].ErrorMessage == "" {
				t.Fatalf("audit rows = %+v", rows)
			}
			if (rows[0].DeviceID != nil) != tt.wantDev {
				t.Fatalf("audit device = %v, want set %v", rows[0].DeviceID, tt.wantDev)
			}
			if rows[0].EndedAt == nil {
				t.Fatal("failed attempt has no end time")
			}
			if !equalKinds(h.pub.Kinds(), []events.Kind{events.KindCastFailed}) {
				t.Fatalf("events = %v", h.pub.Kinds())
			}
			if st := h.m.Status(); st.Active || st.State != StateIdle {
				t.Fatalf("Status() = %+v, want idle", st)
			}
			ctrls := h.pool.all()
			if tt.wantCtrl {
				if len(ctrls) != 1 {
					t.Fatalf("controllers = %d, want 1", len(ctrls))
				}
				if _, closed := ctrls[0].counts(); closed != 1 {
					t.Fatalf("controller closed %d times, want 1", closed)
				}
			} else if len(ctrls) != 0 {
				t.Fatalf("controllers = %d, want 0", len(ctrls))
			}
			if _, ok := h.m.LastAttempt(); !ok {
				t.Fatal("failed attempt did not record the retry memo")
			}
		})
	}
}

func TestStartCastResolvesHostnames(t *testing.T) {
	origLookup := lookupHost
	t.Cleanup(func() { lookupHost = origLookup })

	lookupHost = func(ctx context.Context, host string) ([]string, error) {
		if host != "tv.local" {
			return nil, errors.New("no such host")
		}
		return []string{"192.168.1.50"}, nil
	}

	h := newHarness(t)
	h.resolver.devices = map[uint]models.Device{2: {ID: 2, Name: "TV", Address: "tv.local"}}
	if _, err := h.m.StartCast(context.Background(), testItem, nil, nil); err != nil {
		t.Fatalf("StartCast() err = %v", err)
	}
	if c := h.pool.all()[0]; c.host != "192.168.1.50" || c.port != 8009 {
		t.Fatalf("controller endpoint = %s:%d", c.host, c.port)
	}

	h = newHarness(t)
	h.resolver.devices = map[uint]models.Device{3: {ID: 3, Name: "Gone", Address: "gone.local"}}
	_, err := h.m.StartCast(context.Background(), testItem, nil, nil)
	if !errs.Is(err, errs.TransientNetwork) {
		t.Fatalf("StartCast() err = %v, want TransientNetwork", err)
	}
	if len(h.pool.all()) != 0 {
		t.Fatal("controller created for unresolvable host")
	}
}

func TestStartCastPreemptsActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.m.StartCast(ctx, testItem, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.m.StartCast(ctx, "abcdefghijk", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("preempting start reused the session id")
	}

	want := []events.Kind{events.KindCastStarted, events.KindCastStopped, events.KindCastStarted}
	if !equalKinds(h.pub.Kinds(), want) {
		t.Fatalf("events = %v, want %v", h.pub.Kinds(), want)
	}
	stopped := h.pub.Payloads()[1].(events.CastStopped)
	if stopped.Reason != "superseded" {
		t.Fatalf("stop reason = %q, want superseded", stopped.Reason)
	}

	ctrls := h.pool.all()
	if s, c := ctrls[0].counts(); s != 1 || c != 1 {
		t.Fatalf("first controller stopped=%d closed=%d, want 1/1", s, c)
	}
	fin := h.audit.Finished()
	if len(fin) != 1 || fin[0].id != 1 || fin[0].status != models.AttemptStopped {
		t.Fatalf("finished = %+v", fin)
	}
	if st := h.m.Status(); st.ItemID != "abcdefghijk" {
		t.Fatalf("Status().ItemID = %q", st.ItemID)
	}
}

func TestStopCastIdle(t *testing.T) {
	h := newHarness(t)
	res, err := h.m.StopCast(context.Background(), "manual")
	if err != nil || res.Active {
		t.Fatalf("StopCast() = %+v, %v", res, err)
	}
	if len(h.pub.Kinds()) != 0 {
		t.Fatalf("events = %v, want none", h.pub.Kinds())
	}
}

func TestStopCastActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.m.StartCast(ctx, testItem, nil, nil); err != nil {
		t.Fatal(err)
	}

	res, err := h.m.StopCast(ctx, "")
	if err != nil {
		t.Fatalf("StopCast() err = %v", err)
	}
	if !res.Active || res.Reason != "manual" || res.DeviceName != "Living Room" {
		t.Fatalf("StopCast() = %+v", res)
	}
	if st := h.m.Status(); st.Active || st.State != StateIdle {
		t.Fatalf("Status() = %+v", st)
	}
	fin := h.audit.Finished()
	if len(fin) != 1 || fin[0].status != models.AttemptStopped {
		t.Fatalf("finished = %+v", fin)
	}
	if _, err := h.m.PlayerStatus(ctx); !errs.Is(err, errs.NotFound) {
		t.Fatalf("PlayerStatus() after stop err = %v, want NotFound", err)
	}
}

func TestStopCastFailureStillIdles(t *testing.T) {
	h := newHarness(t)
	h.pool.proto = fakeController{stopErr: errors.New("device unreachable")}
	ctx := context.Background()
	if _, err := h.m.StartCast(ctx, testItem, nil, nil); err != nil {
		t.Fatal(err)
	}

	res, err := h.m.StopCast(ctx, "manual")
	if !errs.Is(err, errs.DeviceProtocol) {
		t.Fatalf("StopCast() err = %v, want DeviceProtocol", err)
	}
	if !res.Active {
		t.Fatalf("StopCast() = %+v", res)
	}
	if st := h.m.Status(); st.Active || st.State != StateIdle {
		t.Fatalf("Status() = %+v, want idle", st)
	}
	fin := h.audit.Finished()
	if len(fin) != 1 || fin[0].status != models.AttemptError || fin[0].message != "device unreachable" {
		t.Fatalf("finished = %+v", fin)
	}
	payloads := h.pub.Payloads()
	if stopped, ok := payloads[len(payloads)-1].(events.CastStopped); !ok || stopped.Error == "" {
		t.Fatalf("last event = %#v, want cast_stopped with error", payloads[len(payloads)-1])
	}
}

func TestStopCastCancelsInflightStart(t *testing.T) {
	h := newHarness(t)
	h.pool.proto = fakeController{block: true}
	h.m.opts.ConnectTimeout = time.Minute

	done := make(chan error, 1)
	go func() {
		_, err := h.m.StartCast(context.Background(), testItem, nil, nil)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.m.Status().State != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("start never reached connecting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := h.m.StopCast(context.Background(), "manual")
	if err != nil || res.Active {
		t.Fatalf("StopCast() = %+v, %v", res, err)
	}

	select {
	case err := <-done:
		var aerr *AttemptError
		if !errors.As(err, &aerr) {
			t.Fatalf("StartCast() err = %v, want *AttemptError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StartCast() did not return after stop")
	}
	if st := h.m.Status(); st.State != StateIdle || st.Active {
		t.Fatalf("Status() = %+v, want idle", st)
	}
}

func TestConcurrentStartsKeepOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.m.StartCast(ctx, testItem, nil, nil); err != nil {
				t.Errorf("StartCast() err = %v", err)
			}
		}()
	}
	wg.Wait()

	var started, stopped int
	for _, k := range h.pub.Kinds() {
		switch k {
		case events.KindCastStarted:
			started++
		case events.KindCastStopped:
			stopped++
		}
	}
	if started != 5 || stopped != 4 {
		t.Fatalf("started=%d stopped=%d, want 5/4", started, stopped)
	}

	var open int
	for _, c := range h.pool.all() {
		if _, closed := c.counts(); closed == 0 {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("open controllers = %d, want 1", open)
	}
}

func TestTestDevice(t *testing.T) {
	h := newHarness(t)
	if err := h.m.TestDevice(context.Background(), 1); err != nil {
		t.Fatalf("TestDevice() err = %v", err)
	}
	c := h.pool.all()[0]
	if _, closed := c.counts(); closed != 1 || c.launched != castprotocol.YouTubeAppID {
		t.Fatalf("controller closed=%d launched=%q", closed, c.launched)
	}
	if st := h.m.Status(); st.Active {
		t.Fatal("TestDevice() started a session")
	}
	if len(h.audit.Rows()) != 0 {
		t.Fatal("TestDevice() wrote an audit row")
	}

	if err := h.m.TestDevice(context.Background(), 99); !errs.Is(err, errs.NotFound) {
		t.Fatalf("TestDevice(unknown) err = %v, want NotFound", err)
	}
}

func TestCleanupRunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.m.StartCast(ctx, testItem, nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := h.m.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() err = %v", err)
	}
	if err := h.m.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup() err = %v", err)
	}

	if h.disc.n != 1 {
		t.Fatalf("discovery closed %d times, want 1", h.disc.n)
	}
	payloads := h.pub.Payloads()
	stopped, ok := payloads[len(payloads)-1].(events.CastStopped)
	if !ok || stopped.Reason != "cleanup" {
		t.Fatalf("last event = %#v, want cast_stopped cleanup", payloads[len(payloads)-1])
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateLaunching:  "launching",
		StateLoading:    "loading",
		StateActive:     "active",
		StateStopping:   "stopping",
		State(42):       "state(42)",
	} {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
