package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Terminal blocks on line input for each decision.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{In: in, Out: out}
}

// readLines feeds lines from In; a single reader goroutine keeps buffered
// input intact across checkpoints.
func (t *Terminal) readLines() {
	t.lines = make(chan string)
	go func() {
		defer close(t.lines)
		sc := bufio.NewScanner(t.In)
		for sc.Scan() {
			t.lines <- sc.Text()
		}
	}()
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(t.readLines)
	select {
	case <-ctx.Done():
		return "", ErrPaused
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
}

func (t *Terminal) Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (Outcome, error) {
	if err := t.render(rc, step); err != nil {
		return Outcome{}, err
	}

	for {
		fmt.Fprint(t.Out, promptStyle.Render("[a]pprove  [r]evise  [i]nstruct  re[x]ect > "))
		line, err := t.readLine(ctx)
		if err != nil {
			return Outcome{}, err
		}
		decision, err := models.ParseDecision(line)
		if err != nil {
			fmt.Fprintln(t.Out, warnStyle.Render(err.Error()))
			continue
		}
		if !decision.NeedsFeedback() {
			return Outcome{Decision: decision}, nil
		}

		label := "Feedback"
		if decision == models.DecisionInstruct {
			label = "Rule to add"
		}
		for {
			fmt.Fprint(t.Out, promptStyle.Render(label+" > "))
			feedback, err := t.readLine(ctx)
			if err != nil {
				return Outcome{}, err
			}
			if feedback != "" {
				return Outcome{Decision: decision, Feedback: feedback}, nil
			}
		}
	}
}

func (t *Terminal) render(rc *models.RunContext, step pipeline.Step) error {
	body, err := RenderYAML(BuildPayload(rc, step.Name))
	if err != nil {
		return err
	}
	fmt.Fprintln(t.Out, headerStyle.Render(fmt.Sprintf("Checkpoint: %s (run %s)", step.Name, rc.RunID)))
	fmt.Fprintln(t.Out, body)
	return nil
}

// RenderYAML shows the payload with the same keys it has in the store.
func RenderYAML(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
