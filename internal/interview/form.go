package interview

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/mark3labs/bundlr/internal/evidence"
)

// Color palette (Catppuccin Mocha)
var (
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext0 = lipgloss.Color("#a6adc8")
	colorSubtext1 = lipgloss.Color("#bac2de")
	colorSurface2 = lipgloss.Color("#585b70")
	colorMauve    = lipgloss.Color("#cba6f7")
	colorPeach    = lipgloss.Color("#fab387")
	colorRed      = lipgloss.Color("#f38ba8")
	colorGreen    = lipgloss.Color("#a6e3a1")
)

var (
	styleTitle     = lipgloss.NewStyle().Foreground(colorMauve).Bold(true)
	styleQuestion  = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	styleMuted     = lipgloss.NewStyle().Foreground(colorSubtext0)
	styleWaiver    = lipgloss.NewStyle().Foreground(colorPeach).Bold(true)
	styleError     = lipgloss.NewStyle().Foreground(colorRed)
	styleAnswered  = lipgloss.NewStyle().Foreground(colorGreen)
	styleHintKey   = lipgloss.NewStyle().Foreground(colorSubtext1).Bold(true)
	styleHintSep   = lipgloss.NewStyle().Foreground(colorSurface2)
	styleContainer = lipgloss.NewStyle().Padding(1, 2)
)

// Form steps through a round's questions one at a time. Enter records the
// typed answer and moves on; an empty answer leaves the question open.
// ctrl+n switches the current entry to a not-required reason.
type Form struct {
	round       Round
	answers     []*Answer
	index       int
	input       textinput.Model
	notRequired bool
	err         string
	width       int
	done        bool
	cancelled   bool
}

// NewForm creates a form for r.
func NewForm(r Round) *Form {
	ti := textinput.New()
	ti.Placeholder = "Type your answer..."
	ti.CharLimit = 2000
	ti.Focus()
	return &Form{
		round:   r,
		answers: make([]*Answer, len(r.Questions)),
		input:   ti,
		width:   80,
	}
}

// RunForm runs the form as a standalone program and returns the answers
// given. It returns an error if the user cancels.
func RunForm(r Round) ([]Answer, error) {
	if len(r.Questions) == 0 {
		return nil, nil
	}
	p := tea.NewProgram(NewForm(r))
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("answer form failed: %w", err)
	}
	f, ok := final.(*Form)
	if !ok {
		return nil, fmt.Errorf("unexpected model type")
	}
	if f.cancelled {
		return nil, fmt.Errorf("answer form cancelled by user")
	}
	return f.Answers(), nil
}

// Answers returns the recorded answers in question order.
func (f *Form) Answers() []Answer {
	var out []Answer
	for _, a := range f.answers {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (f *Form) Init() tea.Cmd {
	return textinput.Blink
}

func (f *Form) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		f.width = msg.Width
		f.input.SetWidth(max(20, msg.Width-8))
		return f, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			f.cancelled = true
			return f, tea.Quit
		case "ctrl+n":
			f.notRequired = !f.notRequired
			f.err = ""
			f.updatePlaceholder()
			return f, nil
		case "ctrl+p", "shift+tab":
			if f.index > 0 {
				f.move(f.index - 1)
			}
			return f, nil
		case "enter":
			return f, f.submit()
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// submit stores the current entry and advances, quitting after the last question.
func (f *Form) submit() tea.Cmd {
	value := strings.TrimSpace(f.input.Value())
	q := f.round.Questions[f.index]
	switch {
	case value == "":
		f.answers[f.index] = nil
	case evidence.IsPlaceholder(value):
		f.err = "That reads as a placeholder. Give a concrete answer or leave it empty to skip."
		return nil
	default:
		f.answers[f.index] = &Answer{QuestionID: q.ID, Text: value, NotRequired: f.notRequired}
	}
	f.err = ""
	if f.index == len(f.round.Questions)-1 {
		f.done = true
		return tea.Quit
	}
	f.move(f.index + 1)
	return nil
}

func (f *Form) move(to int) {
	f.index = to
	f.err = ""
	f.notRequired = false
	f.input.SetValue("")
	if a := f.answers[to]; a != nil {
		f.input.SetValue(a.Text)
		f.notRequired = a.NotRequired
	}
	f.input.CursorEnd()
	f.updatePlaceholder()
}

func (f *Form) updatePlaceholder() {
	if f.notRequired {
		f.input.Placeholder = "Why does this not apply?"
	} else {
		f.input.Placeholder = "Type your answer..."
	}
}

func (f *Form) View() tea.View {
	var view tea.View
	view.Content = lipgloss.NewLayer(styleContainer.Render(f.render()))
	return view
}

func (f *Form) render() string {
	if len(f.round.Questions) == 0 {
		return styleMuted.Render("No open questions.")
	}
	q := f.round.Questions[f.index]
	wrap := lipgloss.NewStyle().Width(max(20, f.width-4))

	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("Round %d  ·  Question %d of %d", f.round.Number, f.index+1, len(f.round.Questions))))
	b.WriteString("  ")
	b.WriteString(f.progress())
	b.WriteString("\n\n")
	b.WriteString(styleMuted.Render(q.ID))
	b.WriteString("\n")
	b.WriteString(wrap.Inherit(styleQuestion).Render(q.Text))
	b.WriteString("\n")
	if q.ImpactNote != "" {
		b.WriteString(wrap.Inherit(styleMuted).Render("Why it matters: " + q.ImpactNote))
		b.WriteString("\n")
	}
	if len(q.EvidenceRefs) > 0 {
		b.WriteString(styleMuted.Render("Evidence: " + strings.Join(q.EvidenceRefs, ", ")))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if f.notRequired {
		b.WriteString(styleWaiver.Render("Not required"))
		b.WriteString("\n")
	}
	b.WriteString(f.input.View())
	b.WriteString("\n")
	if f.err != "" {
		b.WriteString("\n")
		b.WriteString(styleError.Render(f.err))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(hintBar("enter", "next", "ctrl+n", "not required", "ctrl+p", "back", "esc", "cancel"))
	return b.String()
}

func (f *Form) progress() string {
	var b strings.Builder
	for i, a := range f.answers {
		switch {
		case i == f.index:
			b.WriteString(styleTitle.Render("●"))
		case a != nil:
			b.WriteString(styleAnswered.Render("●"))
		default:
			b.WriteString(styleHintSep.Render("○"))
		}
	}
	return b.String()
}

// hintBar renders key-description pairs separated by bullets.
func hintBar(pairs ...string) string {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, styleHintKey.Render(pairs[i])+" "+styleMuted.Render(pairs[i+1]))
	}
	return strings.Join(parts, " "+styleHintSep.Render("•")+" ")
}
