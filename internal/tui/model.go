// Package tui is the terminal chat window. It renders the state of one chat store, sends what the user
// types, and keeps the message viewport following the answer unless the user scrolls away.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/rag-chat-widget/internal/chat"
	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/scroll"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Archive keeps transcripts of closed chat windows.
type Archive interface {
	SaveTranscript(ctx context.Context, t models.Transcript) (string, error)
}

// Options configures a chat window.
type Options struct {
	// Title is shown in the header line.
	Title string
	// Archive receives the transcript when the window closes. It may be nil.
	Archive Archive
	Logger  *slog.Logger
}

// Model is the Bubble Tea model of the chat window. It must be used through a pointer, since the scroll
// controller holds on to its viewport.
type Model struct {
	chat    *chat.Chat
	archive Archive
	title   string

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	scroll   *scroll.Controller

	state chat.State
	err   error
	// revealed counts the runes shown so far of typed messages.
	revealed map[string]int

	width  int
	height int

	changes <-chan struct{}
	stop    func()

	ctx    context.Context
	cancel context.CancelFunc
	// cancelReq cancels the request in flight, numbered reqID. It is nil while none is.
	cancelReq context.CancelFunc
	reqID     int

	logger *slog.Logger
}

type stateMsg struct{}

type tickMsg time.Time

type replyMsg struct {
	id  int
	err error
}

type createdMsg struct {
	err error
}

// viewportAdapter exposes a bubbles viewport to the scroll controller, measured in lines.
type viewportAdapter struct {
	vp *viewport.Model
}

const (
	// revealPerTick is how many runes of a typed message appear per scroll.PollInterval.
	revealPerTick = 4

	headerHeight = 1
	statusHeight = 1
	inputHeight  = 3

	maxTitleRunes = 60

	errLoggerKey = "err"
)

// New creates the chat window of c.
func New(c *chat.Chat, opts Options) *Model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	title := opts.Title
	if title == "" {
		title = "RAG Chat"
	}

	ti := textinput.New()
	ti.Placeholder = "Ask a question..."
	ti.Prompt = "> "
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	changes, stop := c.Store().Subscribe()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Model{
		chat:     c,
		archive:  opts.Archive,
		title:    title,
		viewport: viewport.New(0, 0),
		input:    ti,
		spinner:  sp,
		revealed: make(map[string]int),
		changes:  changes,
		stop:     stop,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(slog.String("module", "tui")),
	}
	m.scroll = scroll.NewController(viewportAdapter{vp: &m.viewport})
	return m
}

// Init opens the conversation and starts listening to the store.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.createConversation(),
		m.waitForChange(),
		tick(),
	)
}

// Update handles one message of the Bubble Tea event loop.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.scroll.OnScroll()
		return m, cmd

	case stateMsg:
		m.syncState()
		return m, m.waitForChange()

	case tickMsg:
		m.scroll.Tick(m.state.Streaming)
		if m.reveal() {
			m.refresh()
		}
		return m, tick()

	case replyMsg:
		if msg.id == m.reqID {
			m.cancelReq = nil
		}
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.err = msg.err
		}
		return m, nil

	case createdMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the window.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	header := headerStyle.Render(m.title)
	input := inputStyle.Width(max(m.width-2, 1)).Render(m.input.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.statusLine(), input)
}

// Close stops the window: it cancels the answer in progress, archives the transcript if the user asked
// anything, and resets the chat so the next window starts a new conversation.
func (m *Model) Close(ctx context.Context) error {
	m.cancel()
	m.stop()

	err := m.archiveTranscript(ctx)
	m.chat.Session().ResetState()
	return err
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.cancelRequest()
		return m, tea.Quit

	case tea.KeyEnter:
		return m, m.submit()

	case tea.KeyCtrlN:
		m.cancelRequest()
		m.err = nil
		return m, m.newConversation()

	case tea.KeyUp:
		m.viewport.LineUp(1)
		m.scroll.OnScroll()
		return m, nil

	case tea.KeyDown:
		m.viewport.LineDown(1)
		m.scroll.OnScroll()
		return m, nil

	case tea.KeyPgUp:
		m.viewport.LineUp(m.viewport.Height)
		m.scroll.OnScroll()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.LineDown(m.viewport.Height)
		m.scroll.OnScroll()
		return m, nil

	case tea.KeyEnd:
		m.scroll.ResetScrollFollow()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input as a question, or as the tool response while a tool action waits for one.
// Nothing is sent, and the input is kept, while an answer is on its way.
func (m *Model) submit() tea.Cmd {
	if m.busy() {
		return nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.err = nil

	tool := m.state.PendingToolAction() != nil
	ctx, cancel := context.WithCancel(m.ctx)
	m.reqID++
	id := m.reqID
	m.cancelReq = cancel
	c := m.chat
	return func() tea.Msg {
		defer cancel()

		var err error
		if tool {
			err = c.SubmitToolResponse(ctx, text)
		} else {
			err = c.Send(ctx, text)
		}
		return replyMsg{id: id, err: err}
	}
}

// busy reports whether a request of this window is in flight or the store still shows an answer coming.
func (m *Model) busy() bool {
	return m.cancelReq != nil || m.state.Thinking || m.state.Streaming
}

func (m *Model) cancelRequest() {
	if m.cancelReq != nil {
		m.cancelReq()
		m.cancelReq = nil
	}
}

func (m *Model) createConversation() tea.Cmd {
	ctx := m.ctx
	session := m.chat.Session()
	return func() tea.Msg {
		return createdMsg{err: session.CreateConversation(ctx)}
	}
}

// newConversation archives the current conversation and opens a fresh one.
func (m *Model) newConversation() tea.Cmd {
	ctx := m.ctx
	session := m.chat.Session()
	return func() tea.Msg {
		if err := m.archiveTranscript(ctx); err != nil {
			m.logger.Error("Failed to archive transcript", slog.String(errLoggerKey, err.Error()))
		}
		session.ResetState()
		return createdMsg{err: session.CreateConversation(ctx)}
	}
}

func (m *Model) waitForChange() tea.Cmd {
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return stateMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(scroll.PollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// syncState renders the latest snapshot and lets the scroll controller react to it. The content must be
// in the viewport before the controller measures it.
func (m *Model) syncState() {
	m.state = m.chat.Store().State()
	for _, msg := range m.state.Messages {
		if _, ok := m.revealed[msg.ID]; !ok && msg.Typed {
			m.revealed[msg.ID] = 0
		}
	}

	if ta := m.state.PendingToolAction(); ta != nil {
		m.input.Placeholder = fmt.Sprintf("Response for %s...", ta.FunctionName)
	} else {
		m.input.Placeholder = "Ask a question..."
	}

	m.refresh()
	m.scroll.OnMessages(m.state.Messages)
	m.scroll.OnThinking(m.state.Thinking)
}

// reveal advances the typed messages still appearing. It reports whether anything changed.
func (m *Model) reveal() bool {
	var changed bool
	for _, msg := range m.state.Messages {
		n, ok := m.revealed[msg.ID]
		if !ok {
			continue
		}
		total := utf8.RuneCountInString(msg.Text)
		if n >= total {
			continue
		}
		m.revealed[msg.ID] = min(n+revealPerTick, total)
		changed = true
	}
	return changed
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = max(height-headerHeight-statusHeight-inputHeight, 1)
	m.input.Width = max(width-6, 1)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderMessages())
}

func (m *Model) renderMessages() string {
	width := max(m.viewport.Width-2, 10)

	var blocks []string
	for _, msg := range m.state.Messages {
		text := m.visibleText(msg)
		if text == "" && len(msg.FunctionCalls) == 0 {
			continue
		}

		var sb strings.Builder
		if msg.Sender == models.SenderUser {
			sb.WriteString(userStyle.Render(string(msg.Sender)))
		} else {
			sb.WriteString(assistantStyle.Render(string(msg.Sender)))
		}
		for _, fc := range msg.FunctionCalls {
			sb.WriteString("\n")
			sb.WriteString(callStyle.Render(fmt.Sprintf("%s %s (%s)", callStatusIcon[fc.Status], fc.Name, fc.Status)))
		}
		if text != "" {
			sb.WriteString("\n")
			sb.WriteString(textStyle.Width(width).Render(text))
		}
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n\n")
}

func (m *Model) visibleText(msg models.Message) string {
	n, ok := m.revealed[msg.ID]
	if !ok {
		return msg.Text
	}
	runes := []rune(msg.Text)
	return string(runes[:min(n, len(runes))])
}

func (m *Model) statusLine() string {
	switch {
	case m.scroll.ShowIndicator(m.state.Streaming):
		return indicatorStyle.Render("↓ New messages, press end to follow")
	case m.err != nil:
		return errorStyle.Render(m.err.Error())
	case m.state.Thinking:
		return statusStyle.Render(m.spinner.View() + " Thinking...")
	case m.state.PendingToolAction() != nil:
		return statusStyle.Render(fmt.Sprintf("%s is waiting for a response", m.state.ToolAction.FunctionName))
	case m.state.Streaming:
		return statusStyle.Render("Answering...")
	default:
		return statusStyle.Render("enter send • pgup/pgdown scroll • ctrl+n new conversation • esc quit")
	}
}

func (m *Model) archiveTranscript(ctx context.Context) error {
	if m.archive == nil {
		return nil
	}

	st := m.chat.Store().State()
	title := transcriptTitle(st.Messages)
	if title == "" {
		return nil
	}

	id, err := m.archive.SaveTranscript(ctx, models.Transcript{
		SessionID: st.SessionID,
		Title:     title,
		ClosedAt:  time.Now(),
		Messages:  st.Messages,
	})
	if err != nil {
		return fmt.Errorf("failed to archive transcript: %w", err)
	}

	m.logger.Info("Transcript archived", slog.String("transcriptID", id), slog.String("sessionID", st.SessionID))
	return nil
}

// transcriptTitle names a transcript after its first question. It is empty if the user asked nothing.
func transcriptTitle(msgs []models.Message) string {
	for _, msg := range msgs {
		if msg.Sender != models.SenderUser {
			continue
		}
		runes := []rune(strings.TrimSpace(msg.Text))
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes]) + "..."
		}
		return string(runes)
	}
	return ""
}

func (a viewportAdapter) ScrollTop() int {
	return a.vp.YOffset
}

func (a viewportAdapter) ScrollHeight() int {
	return a.vp.TotalLineCount()
}

func (a viewportAdapter) ClientHeight() int {
	return a.vp.Height
}

// ScrollTo moves the viewport immediately. A terminal has no smooth scrolling.
func (a viewportAdapter) ScrollTo(top int, _ bool) {
	a.vp.SetYOffset(top)
}
