package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/proxy-audit/proxy-audit/internal/pipeline"
	"github.com/proxy-audit/proxy-audit/internal/rules"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#585858")) // Dark Gray

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")). // White
			Background(lipgloss.Color("#7D56F4")). // Purple
			Padding(0, 1)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#5f5fd7")). // Purple/Blue
				Bold(true).
				Border(lipgloss.NormalBorder(), false, false, true, false).
				BorderForeground(lipgloss.Color("#585858")). // Dark Gray
				Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5f5fd7")). // Purple/Blue
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#767676")). // Dimmed Gray
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(lipgloss.Color("#585858")). // Dark Gray
			Padding(0, 1).
			Width(100)

	badgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")). // White
			Background(lipgloss.Color("#22aa22")). // Green
			Padding(0, 1).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff5f5f")). // Soft red
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffdf87")). // Amber
			Bold(true)
)

type modelState int

const (
	stateList modelState = iota
	stateDetail
)

// Scanner runs one scan; *pipeline.Scanner implements it.
type Scanner interface {
	Scan(ctx context.Context, opts pipeline.Options) (model.Report, error)
}

// Store is the part of *rules.Store the browser uses.
type Store interface {
	Load(ctx context.Context) (rules.State, error)
	Assign(ctx context.Context, name string, p model.Policy) (rules.Change, error)
	Dir() string
}

type Config struct {
	Scanner Scanner
	Store   Store
	Options pipeline.Options
	// AfterAssign runs after every successful assignment, e.g. to re-export
	// rule files.
	AfterAssign func(ctx context.Context) error
	Version     string
	Log         zerolog.Logger
}

type MainModel struct {
	cfg Config

	state    modelState
	table    table.Model
	input    textinput.Model
	side     viewport.Model
	viewport viewport.Model

	report   model.Report
	results  []model.ClassificationResult
	filtered []model.ClassificationResult

	scanning  bool
	statusMsg string
	errMsg    string
	width     int
	height    int
	quitting  bool

	sortCol  string
	sortDesc bool

	// Mouse double-click tracking
	lastClickTime time.Time
	lastClickX    int
	lastClickY    int

	watcher *fsnotify.Watcher
}

func InitialModel(cfg Config) MainModel {
	t := table.New(
		table.WithColumns(baseColumns()),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	s := table.DefaultStyles()
	s.Header = tableHeaderStyle.BorderForeground(lipgloss.Color("#585858"))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#ffffaf")). // Light Yellow
		Background(lipgloss.Color("#5f00d7")). // Purple
		Bold(false)
	t.SetStyles(s)

	ti := textinput.New()
	ti.Placeholder = "Filter by name, PID, mode, policy..."
	ti.CharLimit = 156
	ti.Width = 50
	ti.Prompt = "> "
	ti.PromptStyle = promptStyle
	ti.Blur()

	side := viewport.New(0, 0)
	side.YPosition = 0

	vp := viewport.New(0, 0)
	vp.YPosition = 0

	return MainModel{
		cfg:      cfg,
		state:    stateList,
		table:    t,
		input:    ti,
		side:     side,
		viewport: vp,
		scanning: true,
		sortCol:  "mode",
	}
}

// Start runs the browser until the user quits. The rules directory is
// watched so assignments made from other terminals show up.
func Start(cfg Config) error {
	if os.Getenv("COLORTERM") == "" {
		os.Setenv("COLORTERM", "truecolor") //nolint:errcheck
	}

	m := InitialModel(cfg)
	if cfg.Store != nil {
		w, err := newRulesWatcher(cfg.Store.Dir())
		if err != nil {
			cfg.Log.Warn().Err(err).Msg("rules directory not watched")
		} else {
			m.watcher = w
			defer w.Close()
		}
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running tui: %w", err)
	}
	return nil
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.runScan(),
		waitForRulesChange(m.watcher),
	)
}
