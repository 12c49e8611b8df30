package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"chat-widget/internal/domain"
	"chat-widget/internal/widget"
)

const helpText = `commands:
  /new                   start a new conversation
  /collapse, /expand     hide or show the widget
  /accept, /decline      accept or decline the terms
  /feedback N [comment]  rate the conversation 1-5
  /clear                 forget everything stored, including your user id
  /retry                 resend the last failed message
  /state                 show the widget state
  /version               show the widget version
  /quit                  exit
anything else is sent to the assistant`

type repl struct {
	ctrl *widget.Controller
	in   *bufio.Scanner
	out  io.Writer
}

func newREPL(ctrl *widget.Controller, in io.Reader, out io.Writer) *repl {
	return &repl{ctrl: ctrl, in: bufio.NewScanner(in), out: out}
}

// run prints the restored conversation, then reads lines until /quit, EOF or
// ctx is cancelled.
func (r *repl) run(ctx context.Context) error {
	v := r.ctrl.Version()
	r.printf("%s %s (%s)  type /help for commands\n", v.Name, v.Version, v.Variant)
	for _, m := range r.ctrl.State().Messages {
		r.printMessage(m)
	}
	r.printScreen()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for r.in.Scan() {
			select {
			case lines <- r.in.Text():
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- r.in.Err()
	}()

	for {
		r.printf("> ")
		select {
		case <-ctx.Done():
			r.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				r.printf("\n")
				return <-scanErr
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.printError(err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		added, err := r.ctrl.Send(ctx, line)
		r.printMessages(added)
		return false, err
	}

	cmd, args, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", helpText)
	case "/clear":
		r.ctrl.ClearAll(ctx)
		r.printf("cleared, you are now a new user\n")
		r.printScreen()
	case "/new":
		r.ctrl.NewSession(ctx)
		r.printf("started a new conversation\n")
	case "/collapse":
		r.ctrl.Collapse(ctx)
		r.printScreen()
	case "/expand":
		r.ctrl.Expand(ctx)
		r.printScreen()
	case "/accept":
		r.ctrl.AcceptTerms(ctx)
		r.printScreen()
	case "/decline":
		r.ctrl.DeclineTerms(ctx)
		r.printScreen()
	case "/retry":
		added, err := r.ctrl.Retry(ctx)
		r.printMessages(added)
		return false, err
	case "/feedback":
		return false, r.feedback(ctx, args)
	case "/state":
		st := r.ctrl.State()
		r.printf("user=%s session=%s screen=%s messages=%d collapsed=%t terms=%t retries=%d\n",
			st.UserID, orDash(st.SessionID), st.CurrentScreen, len(st.Messages), st.IsCollapsed, st.TermsAccepted, st.RetryCount)
		if st.LastError != "" {
			r.printf("last error: %s\n", st.LastError)
		}
	case "/version":
		v := r.ctrl.Version()
		r.printf("%s %s (%s)\n", v.Name, v.Version, v.Variant)
	default:
		r.printf("unknown command %s, try /help\n", cmd)
	}
	return false, nil
}

func (r *repl) feedback(ctx context.Context, args string) error {
	ratingRaw, comment, _ := strings.Cut(strings.TrimSpace(args), " ")
	rating, err := strconv.Atoi(ratingRaw)
	if err != nil {
		return &widget.Error{Code: widget.ErrorInvalidInput, Reason: "invalid_rating"}
	}
	r.ctrl.OpenFeedback()
	ok, err := r.ctrl.SubmitFeedback(ctx, rating, comment)
	if err != nil {
		return err
	}
	if ok {
		r.printf("thanks for the feedback\n")
	} else {
		r.printf("feedback could not be delivered\n")
	}
	return nil
}

func (r *repl) printMessages(msgs []domain.Message) {
	for _, m := range msgs {
		r.printMessage(m)
	}
}

func (r *repl) printMessage(m domain.Message) {
	who := "bot"
	if m.IsUser {
		who = "you"
	}
	text := m.Text
	if m.IsHTML {
		text = plainText(text)
	}
	r.printf("%s: %s\n", who, text)
	if len(m.Suggestions) > 0 {
		r.printf("     [%s]\n", strings.Join(m.Suggestions, "] ["))
	}
}

// plainText renders an HTML reply as terminal text: tags dropped, entities
// decoded, line breaks kept.
func plainText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			case "br":
				b.WriteByte('\n')
			case "p", "div", "li":
				if tt == html.EndTagToken {
					b.WriteByte('\n')
				}
			}
		}
	}
}

func (r *repl) printScreen() {
	switch r.ctrl.State().CurrentScreen {
	case domain.ScreenCollapsed:
		r.printf("(widget collapsed, /expand to open)\n")
	case domain.ScreenWelcome:
		if !r.ctrl.State().TermsAccepted {
			r.printf("(please /accept the terms to start chatting)\n")
			return
		}
		r.printf("(how can we help?)\n")
	}
}

func (r *repl) printError(err error) {
	var widgetErr *widget.Error
	if !errors.As(err, &widgetErr) {
		r.printf("error: %v\n", err)
		return
	}
	switch widgetErr.Code {
	case widget.ErrorTermsNotAccepted:
		r.printf("please /accept the terms first\n")
	case widget.ErrorUpstream, widget.ErrorRateLimited:
		r.printf("the assistant is unavailable (%s), /retry to try again\n", widgetErr.Reason)
	case widget.ErrorRetriesExhausted:
		r.printf("giving up after repeated failures, start a /new conversation\n")
	default:
		r.printf("%s\n", strings.ReplaceAll(widgetErr.Reason, "_", " "))
	}
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
