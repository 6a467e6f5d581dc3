package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rag/internal/answer"
	"rag/internal/chunker"
	"rag/internal/domain"
)

// Port is the TUI-facing subset of the retrieval engine.
type Port interface {
	Search(ctx context.Context, query string, topK int) (domain.SearchResult, error)
	Ask(ctx context.Context, query string, topK int) (domain.Answer, error)
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	service   Port
	topK      int
	input     textinput.Model
	viewport  viewport.Model
	answer    *domain.Answer
	hits      []domain.Hit
	summary   string
	status    string
	cursor    int
	ready     bool
	lastQuery string
}

// New creates a new TUI model instance. summary is shown under the header.
func New(service Port, summary string, topK int) Model {
	if topK <= 0 {
		topK = 5
	}
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{service: service, topK: topK, input: ti, viewport: vp, summary: summary, status: "Ready. Up/Down browse sources."}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2                                    // header + summary
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" {
				m.ask(q)
				m.viewport.SetContent(m.render())
				m.viewport.GotoTop()
				return m, nil
			}
		case "down":
			if len(m.hits) > 0 {
				m.cursor = (m.cursor + 1) % len(m.hits)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "up":
			if len(m.hits) > 0 {
				m.cursor = (m.cursor - 1 + len(m.hits)) % len(m.hits)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) ask(q string) {
	ctx := context.Background()
	a, err := m.service.Ask(ctx, q, m.topK)
	if err != nil {
		m.status = "Error: " + err.Error()
		m.answer, m.hits = nil, nil
		return
	}
	res, err := m.service.Search(ctx, q, m.topK)
	if err != nil {
		m.status = "Error: " + err.Error()
		m.answer, m.hits = nil, nil
		return
	}
	m.answer = &a
	m.hits = res.Hits
	m.cursor = 0
	m.lastQuery = q
	if a.Refused {
		m.status = fmt.Sprintf("Refused %q (confidence %.3f)", q, a.Confidence)
	} else {
		m.status = fmt.Sprintf("Answered %q from %d sources (confidence %.3f)", q, len(a.Citations), a.Confidence)
	}
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Answers")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	statusStyle := okStyle
	if m.answer != nil && m.answer.Refused {
		statusStyle = refusedStyle
	}
	status := statusStyle.Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	if m.answer == nil {
		return "No answer yet."
	}
	var b strings.Builder
	if m.answer.Refused && m.answer.Answer != "" {
		b.WriteString(refusedStyle.Render(m.answer.Answer))
	} else {
		b.WriteString(m.answer.Answer)
	}
	if len(m.answer.Citations) > 0 {
		b.WriteString("\n\nSources:")
		for i, c := range m.answer.Citations {
			line := fmt.Sprintf("\n %d. %s  score=%.3f", i+1, c.Title, c.Score)
			if c.URL != "" {
				line += "  " + c.URL
			}
			b.WriteString(line)
		}
	}
	if len(m.hits) > 0 {
		h := m.hits[m.cursor]
		b.WriteString(fmt.Sprintf("\n\nHit %d/%d  %s  score=%.3f\n\n", m.cursor+1, len(m.hits), answer.Title(h), h.Score))
		b.WriteString(highlightBestSentence(h.Document.Text, m.lastQuery))
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	refusedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

func highlightBestSentence(text, query string) string {
	sentences := chunker.SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	sentences[bestIdx] = highlightStyle.Render(sentences[bestIdx])
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
