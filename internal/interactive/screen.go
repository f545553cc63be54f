package interactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"go2tv.app/autocast/castprotocol"
	"go2tv.app/autocast/internal/cast"
)

// Session is the cast manager as seen by the status screen.
type Session interface {
	Status() cast.Status
	PlayerStatus(ctx context.Context) (*castprotocol.CastStatus, error)
	StopCast(ctx context.Context, reason string) (cast.StopResult, error)
}

// StatusScreen shows the active cast session until it ends or ESC is
// pressed.
type StatusScreen struct {
	Current     tcell.Screen
	Session     Session
	exitCTXfunc context.CancelFunc
	title       string
	lastAction  string
	mu          sync.RWMutex
	fini        sync.Once
}

func (p *StatusScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

// EmitMsg redraws the screen with inputtext as the state line.
func (p *StatusScreen) EmitMsg(inputtext string) {
	p.updateLastAction(inputtext)
	s := p.Current

	p.mu.RLock()
	title := p.title
	p.mu.RUnlock()

	w, h := s.Size()
	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)

	s.Clear()

	header := "Title: " + title
	p.emitStr(w/2-runewidth.StringWidth(header)/2, h/2-2, tcell.StyleDefault, header)
	switch inputtext {
	case waitingMsg, bufferingMsg:
		p.emitStr(w/2-len(inputtext)/2, h/2, blinkStyle, inputtext)
	default:
		p.emitStr(w/2-len(inputtext)/2, h/2, boldStyle, inputtext)
	}
	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to stop and exit.")

	if st := p.Session.Status(); st.Active {
		device := "Device: " + st.DeviceName
		p.emitStr(w/2-runewidth.StringWidth(device)/2, h/2+2, tcell.StyleDefault, device)
	}
	s.Show()
}

// Run draws the screen and blocks until it is closed.
func (p *StatusScreen) Run(ctx context.Context, title string) error {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()

	s := p.Current
	if err := s.Init(); err != nil {
		return fmt.Errorf("status screen: %w", err)
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)

	p.EmitMsg(waitingMsg)

	go p.poll(ctx)

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			s.Sync()
			p.EmitMsg(p.getLastAction())
		case *tcell.EventKey:
			p.HandleKeyEvent(ctx, ev)
		}
	}
}

func (p *StatusScreen) poll(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Fini()
			return
		case <-ticker.C:
		}

		st := p.Session.Status()
		var player *castprotocol.CastStatus
		if st.Active {
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			player, _ = p.Session.PlayerStatus(pctx)
			cancel()
		}
		line := stateLine(st, player)
		p.EmitMsg(line)
		if line == stoppedMsg {
			p.Fini()
			return
		}
	}
}

// HandleKeyEvent stops the session on ESC, Ctrl-C or q.
func (p *StatusScreen) HandleKeyEvent(ctx context.Context, ev *tcell.EventKey) {
	switch {
	case ev.Key() == tcell.KeyEscape, ev.Key() == tcell.KeyCtrlC:
	case ev.Key() == tcell.KeyRune && ev.Rune() == 'q':
	default:
		return
	}
	p.EmitMsg("Stopping...")
	_, _ = p.Session.StopCast(context.WithoutCancel(ctx), "manual")
	p.Fini()
}

// Fini closes the screen and cancels the caller's context.
func (p *StatusScreen) Fini() {
	p.fini.Do(func() {
		p.Current.Fini()
		p.exitCTXfunc()
	})
}

// NewStatusScreen creates a status screen over the terminal.
func NewStatusScreen(session Session, ctxCancel context.CancelFunc) (*StatusScreen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("status screen: %w", err)
	}

	return &StatusScreen{
		Current:     s,
		Session:     session,
		exitCTXfunc: ctxCancel,
	}, nil
}

func (p *StatusScreen) getLastAction() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAction
}

func (p *StatusScreen) updateLastAction(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAction = s
}

const (
	waitingMsg   = "Waiting for status..."
	bufferingMsg = "Buffering..."
	stoppedMsg   = "Stopped"
)

// stateLine is the text shown for a session and its player state.
func stateLine(st cast.Status, player *castprotocol.CastStatus) string {
	if !st.Active {
		return stoppedMsg
	}
	if player == nil {
		return waitingMsg
	}
	switch player.PlayerState {
	case "PLAYING":
		if player.CurrentTime > 0 {
			return "Playing " + clock(player.CurrentTime)
		}
		return "Playing"
	case "PAUSED":
		return "Paused"
	case "BUFFERING":
		return bufferingMsg
	case "IDLE":
		return stoppedMsg
	case "":
		return waitingMsg
	}
	return player.PlayerState
}

func clock(seconds float32) string {
	d := time.Duration(seconds) * time.Second
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
