// Package main provides the rostrum CLI entry point.
// This file implements the interactive chat interface using bubbletea.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"rostrum/cmd/rostrum/ui"
	"rostrum/internal/config"
	"rostrum/internal/embedding"
	"rostrum/internal/oracle"
	"rostrum/internal/store"
)

// chatSystemPrompt keeps chat answers grounded in the retrieved excerpts.
const chatSystemPrompt = "You are a helpful assistant that answers questions " +
	"about UN speeches based solely on the provided context. If you don't " +
	"know the answer based on the context, say so."

const welcomeMessage = `**Welcome to UN Speeches Chat!**

Ask questions about the UN General Debate speeches and get answers grounded
in the most similar speech texts. Type ` + "`/help`" + ` for commands.`

// chatModel is the main model for the interactive chat interface
type chatModel struct {
	// UI components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    ui.Styles
	renderer  *glamour.TermRenderer

	// State
	history   []chatMessage
	isLoading bool
	err       error
	width     int
	height    int
	ready     bool
	turnCount int
	cfg       *config.Config

	// Backend
	st     *store.SpeechStore
	engine embedding.Engine
	llm    oracle.Client
}

type chatMessage struct {
	role    string // "user" or "assistant"
	content string
	time    time.Time
}

// Messages for tea updates
type (
	responseMsg string
	errorMsg    error
)

// newChatModel builds the chat model around already-opened collaborators.
// The caller owns the store and engine lifetimes.
func newChatModel(cfg *config.Config, st *store.SpeechStore, engine embedding.Engine, llm oracle.Client) chatModel {
	// Initialize styles
	styles := ui.DefaultStyles()
	switch cfg.Chat.Theme {
	case "dark":
		styles = ui.NewStyles(ui.DarkTheme())
	case "light":
		styles = ui.NewStyles(ui.LightTheme())
	}

	// Initialize textinput for input
	ti := textinput.New()
	ti.Placeholder = "Ask about the speeches... (Enter to send, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.PromptStyle = styles.Prompt
	ti.TextStyle = styles.UserInput

	// Initialize spinner
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	// Initialize viewport for chat history
	vp := viewport.New(80, 20)
	vp.SetContent("")

	// Initialize markdown renderer
	var renderer *glamour.TermRenderer
	if styles.Theme.IsDark {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
	} else {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(80),
		)
	}

	return chatModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    styles,
		renderer:  renderer,
		history: []chatMessage{
			{role: "assistant", content: welcomeMessage, time: time.Now()},
		},
		cfg:    cfg,
		st:     st,
		engine: engine,
		llm:    llm,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}

		// Handle regular key input
		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 4
		footerHeight := 3
		inputHeight := 3

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-footerHeight-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		}

		m.textinput.Width = msg.Width - 4

		// Update renderer word wrap
		if m.renderer != nil {
			m.renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(msg.Width-8),
			)
		}
		m.viewport.SetContent(m.renderHistory())

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case responseMsg:
		m.isLoading = false
		m.turnCount++
		m.history = append(m.history, chatMessage{
			role:    "assistant",
			content: string(msg),
			time:    time.Now(),
		})
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()

	case errorMsg:
		m.isLoading = false
		m.err = msg
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	// Check for special commands
	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	// Add user message to history
	m.history = append(m.history, chatMessage{
		role:    "user",
		content: input,
		time:    time.Now(),
	})

	// Clear input and any stale error
	m.textinput.Reset()
	m.err = nil

	// Update viewport
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()

	// Start loading
	m.isLoading = true

	// Process in background
	return m, tea.Batch(
		m.spinner.Tick,
		m.processQuestion(input),
	)
}

func (m chatModel) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)

	switch parts[0] {
	case "/quit", "/exit", "/q":
		return m, tea.Quit

	case "/clear":
		m.history = []chatMessage{}
		m.viewport.SetContent("")
		m.textinput.Reset()
		return m, nil

	case "/help":
		help := `## Available Commands

| Command | Description |
|---------|-------------|
| /help | Show this help message |
| /clear | Clear chat history |
| /status | Show corpus and retrieval status |
| /quit, /exit, /q | Exit the chat |

## Tips
- **Enter** to send a question
- **Ctrl+C** or **Esc** to exit
- Use **↑/↓** to scroll history
- Answers cite the speeches they draw on; run ` + "`rostrum embed`" + ` first
  so every speech is searchable
`
		return m.appendAssistant(help)

	case "/status":
		return m.appendAssistant(m.statusReport())

	default:
		return m.appendAssistant(fmt.Sprintf("Unknown command `%s`. Type `/help` for the command list.", parts[0]))
	}
}

// appendAssistant records an assistant message and refreshes the viewport.
func (m chatModel) appendAssistant(content string) (tea.Model, tea.Cmd) {
	m.history = append(m.history, chatMessage{
		role:    "assistant",
		content: content,
		time:    time.Now(),
	})
	m.textinput.Reset()
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
	return m, nil
}

// statusReport summarizes the corpus and retrieval setup as markdown.
func (m chatModel) statusReport() string {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GetQueryTimeout())
	defer cancel()

	stats, err := m.st.Stats(ctx)
	if err != nil {
		return fmt.Sprintf("Could not read corpus stats: %v", err)
	}

	var sb strings.Builder
	sb.WriteString("## Chat Status\n\n")
	sb.WriteString(fmt.Sprintf("- **Corpus**: %s\n", m.st.Path()))
	sb.WriteString(fmt.Sprintf("- **Speeches**: %d from %d countries (%d-%d)\n",
		stats.Speeches, stats.Countries, stats.YearMin, stats.YearMax))
	sb.WriteString(fmt.Sprintf("- **Embedded**: %d speeches\n", stats.Embeddings))
	sb.WriteString(fmt.Sprintf("- **Retrieval**: top %d by cosine similarity\n", m.topK()))
	sb.WriteString(fmt.Sprintf("- **Embedding**: %s\n", m.engine.Name()))
	sb.WriteString(fmt.Sprintf("- **Chat model**: %s\n", m.llm.Model()))
	sb.WriteString(fmt.Sprintf("- **Turns**: %d\n", m.turnCount))
	return sb.String()
}

func (m chatModel) topK() int {
	if m.cfg.Chat.TopK > 0 {
		return m.cfg.Chat.TopK
	}
	return 2
}

// processQuestion answers one question from the most similar speeches.
func (m chatModel) processQuestion(question string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Embed the question
		vector, err := m.engine.Embed(ctx, question)
		if err != nil {
			return errorMsg(fmt.Errorf("embedding error: %w", err))
		}

		// Retrieve the nearest speeches
		matches, err := m.st.SemanticSearch(ctx, vector, m.topK())
		if err != nil {
			return errorMsg(fmt.Errorf("search error: %w", err))
		}
		if len(matches) == 0 {
			return responseMsg("No relevant speeches found. Run `rostrum embed` to populate the speech vectors.")
		}

		// Ground the answer in the retrieved texts
		answer, err := m.llm.Complete(ctx, chatSystemPrompt, groundedQuestion(question, matches))
		if err != nil {
			return errorMsg(fmt.Errorf("chat error: %w", err))
		}

		return responseMsg(answer + "\n\n" + formatSources(matches))
	}
}

// groundedQuestion renders the retrieved speeches as tagged context blocks
// followed by the question.
func groundedQuestion(question string, matches []store.SpeechMatch) string {
	var sb strings.Builder
	sb.WriteString("Context information is below.\n\n")
	sb.WriteString("<speeches>\n")
	for _, mt := range matches {
		sb.WriteString("<speech>\n")
		sb.WriteString(fmt.Sprintf("<country>%s</country>\n", mt.CountryName))
		sb.WriteString(fmt.Sprintf("<session>%d</session>\n", mt.Session))
		sb.WriteString(fmt.Sprintf("<year>%d</year>\n", mt.Year))
		sb.WriteString(fmt.Sprintf("<speaker>%s</speaker>\n", mt.Speaker))
		sb.WriteString(fmt.Sprintf("<text>%s</text>\n", mt.Text))
		sb.WriteString("</speech>\n")
	}
	sb.WriteString("</speeches>\n\n")
	sb.WriteString(fmt.Sprintf("Question: %s\n\n", question))
	sb.WriteString("Answer the question based only on the provided context:")
	return sb.String()
}

// formatSources lists the retrieved speeches as a markdown attribution block.
func formatSources(matches []store.SpeechMatch) string {
	var sb strings.Builder
	sb.WriteString("**Sources:**\n")
	for _, mt := range matches {
		sb.WriteString(fmt.Sprintf("%d. Speech by %s (%s, %d, Session %d) - similarity %.2f\n",
			mt.Rank, mt.Speaker, mt.CountryName, mt.Year, mt.Session, mt.Similarity))
	}
	return sb.String()
}

func (m chatModel) renderHistory() string {
	var sb strings.Builder

	for _, msg := range m.history {
		if msg.role == "user" {
			userStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Primary).
				MarginTop(1)
			sb.WriteString(userStyle.Render("You") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.content))
			sb.WriteString("\n\n")
		} else {
			assistantStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Accent).
				MarginTop(1)
			sb.WriteString(assistantStyle.Render("🎙 rostrum") + "\n")

			// Render markdown with panic recovery
			sb.WriteString(m.safeRenderMarkdown(msg.content))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery
func (m chatModel) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			// If glamour panics, return plain text
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m chatModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	header := m.renderHeader()

	chatView := m.styles.Content.Render(m.viewport.View())

	if m.isLoading {
		chatView += "\n" + m.styles.Spinner.Render(m.spinner.View()) + " Searching speeches..."
	}

	if m.err != nil {
		chatView += "\n" + m.styles.Error.Render("Error: "+m.err.Error())
	}

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	inputArea := inputStyle.Render(m.textinput.View())

	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m chatModel) renderHeader() string {
	title := m.styles.Header.Render(" 🎙 rostrum ")
	version := m.styles.Badge.Render("v" + m.cfg.Version)
	corpus := m.styles.Muted.Render(fmt.Sprintf(" 📚 %s", m.st.Path()))

	var status string
	if m.isLoading {
		status = m.styles.Warning.Render("● Thinking")
	} else {
		status = m.styles.Success.Render("● Ready")
	}

	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		" ",
		version,
		"  ",
		status,
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		headerLine,
		corpus,
		m.styles.RenderDivider(m.width),
	)
}

func (m chatModel) renderFooter() string {
	help := m.styles.Muted.Render("Enter: send • /help: commands • Ctrl+C: exit")
	return lipgloss.NewStyle().
		MarginTop(1).
		Render(help)
}

// runInteractiveChat opens the corpus and engines, then starts the chat UI.
func runInteractiveChat() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Corpus.DatabasePath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	if !st.VectorReady() {
		return fmt.Errorf("vector search unavailable; chat needs the sqlite-vec extension and embedded speeches (run 'rostrum embed')")
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	llm, err := oracle.NewClient(oracle.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.GetLLMTimeout(),
	})
	if err != nil {
		return err
	}

	p := tea.NewProgram(
		newChatModel(cfg, st, engine, llm),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	_, err = p.Run()
	return err
}
