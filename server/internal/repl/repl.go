// Package repl 是交互式命令行：读取输入，识别运行时命令，逐个渲染编排 step。
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"socratic-tutor/server/internal/model"
	"socratic-tutor/server/internal/session"
)

// Options 控制渲染方式。
type Options struct {
	// Color 为 false 或输出不是终端时不加样式。
	Color bool
	// Markdown 为 true 时用 glamour 渲染教学策略的回复。
	Markdown bool
	// Threshold 只用于展示达标提示。
	Threshold float64
	// MaxHops 只用于展示往返上限提示。
	MaxHops int
}

type styles struct {
	node    lipgloss.Style
	raw     lipgloss.Style
	score   lipgloss.Style
	banner  lipgloss.Style
	notice  lipgloss.Style
	failure lipgloss.Style
}

func newStyles(out io.Writer, color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{node: plain, raw: plain, score: plain, banner: plain, notice: plain, failure: plain}
	}
	r := lipgloss.NewRenderer(out)
	return styles{
		node:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		raw:     r.NewStyle().Faint(true),
		score:   r.NewStyle().Foreground(lipgloss.Color("11")),
		banner:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		notice:  r.NewStyle().Italic(true),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// REPL 绑定一个会话与输入输出。
type REPL struct {
	in       *bufio.Scanner
	out      io.Writer
	sess     *session.Session
	opts     Options
	styles   styles
	markdown *glamour.TermRenderer
}

func New(in io.Reader, out io.Writer, sess *session.Session, opts Options) *REPL {
	if opts.Threshold <= 0 {
		opts.Threshold = model.DefaultMasteryThreshold
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	r := &REPL{
		in:     scanner,
		out:    out,
		sess:   sess,
		opts:   opts,
		styles: newStyles(out, opts.Color && isTerminal(out)),
	}
	if opts.Markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			r.markdown = renderer
		}
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Run 运行提示循环，直到 quit/exit、输入结束或 ctx 取消。
func (r *REPL) Run(ctx context.Context) error {
	r.println(session.HelpLine)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		r.print("User: ")
		if !r.in.Scan() {
			r.println("")
			return r.in.Err()
		}
		input := r.in.Text()

		cmd := session.ParseCommand(input)
		switch cmd {
		case session.CommandQuit:
			return nil
		case session.CommandNone:
			if strings.TrimSpace(input) == "" {
				continue
			}
			r.turn(ctx, input)
		default:
			notice, err := r.sess.Execute(ctx, cmd)
			if err != nil {
				r.println(r.styles.failure.Render(err.Error()))
				continue
			}
			r.println(r.styles.notice.Render(notice))
		}
	}
}

func (r *REPL) turn(ctx context.Context, input string) {
	for step, err := range r.sess.Turn(ctx, input) {
		if err != nil {
			r.println(r.styles.failure.Render("Turn failed: " + err.Error()))
			return
		}
		r.render(step)
	}
}

func (r *REPL) render(step model.Step) {
	if len(step.Messages) > 0 {
		last := step.Messages[len(step.Messages)-1]
		r.println("")
		r.println(r.styles.node.Render("["+strings.ToUpper(step.Node)+"]:") + " " + r.renderContent(last.Content))
	}
	if step.Raw != "" {
		r.println(r.styles.raw.Render("[ARBITER_RAW]: " + step.Raw))
	}
	if step.MasteryScore != nil {
		r.println(r.styles.score.Render("--- Current Mastery Score: " + formatScore(*step.MasteryScore) + " ---"))
	}
	if !step.Done {
		return
	}
	switch step.DoneReason {
	case model.DoneMastery:
		r.println(r.styles.banner.Render(fmt.Sprintf(
			"*** Mastery threshold reached (>= %s). Interaction finished. You may start a new topic. ***",
			formatScore(r.opts.Threshold))))
	case model.DoneHopLimit:
		hops := r.opts.MaxHops
		if step.Result != nil {
			hops = step.Result.Hops
		}
		r.println(r.styles.notice.Render(fmt.Sprintf(
			"--- Reached %d teaching steps without mastery. Continue when ready. ---", hops)))
	}
}

func (r *REPL) renderContent(content string) string {
	if r.markdown == nil {
		return content
	}
	out, err := r.markdown.Render(content)
	if err != nil {
		return content
	}
	return "\n" + strings.TrimRight(out, "\n")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r *REPL) print(s string) {
	_, _ = io.WriteString(r.out, s)
}

func (r *REPL) println(s string) {
	_, _ = io.WriteString(r.out, s+"\n")
}
