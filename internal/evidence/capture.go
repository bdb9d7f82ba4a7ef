// Package evidence loads a rendered artifact, exercises its controls and
// records screenshots plus an ordered interaction log.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"qaloop/internal/automation"
	"qaloop/internal/types"
)

const (
	ShotInitial      = "initial"
	ShotAfterSliders = "after_sliders"
	ShotAfterInputs  = "after_inputs"
	ShotAfterButtons = "after_buttons"
)

type Options struct {
	// MaxPerKind bounds how many sliders and how many inputs are exercised.
	MaxPerKind int
	// MaxButtons bounds how many buttons are clicked.
	MaxButtons int
	// SettleDelay is waited after load and after every interaction.
	SettleDelay time.Duration
	// RenderTimeout bounds navigation plus the render probe.
	RenderTimeout time.Duration
	Logger        *log.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxPerKind:    3,
		MaxButtons:    2,
		SettleDelay:   time.Second,
		RenderTimeout: 60 * time.Second,
	}
}

// Capturer produces Evidence from a leased automation session.
type Capturer struct {
	opts Options
	log  *log.Logger
}

func New(opts Options) *Capturer {
	def := DefaultOptions()
	if opts.MaxPerKind <= 0 {
		opts.MaxPerKind = def.MaxPerKind
	}
	if opts.MaxButtons < 0 {
		opts.MaxButtons = def.MaxButtons
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = def.RenderTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	return &Capturer{opts: opts, log: lg}
}

type group struct {
	trigger string
	shot    string
	limit   int
	kinds   []types.ControlKind
}

// Capture loads target in sess and records evidence. Image components only
// get the initial screenshot. The session is left on the target page; the
// caller resets it when releasing the lease.
func (c *Capturer) Capture(ctx context.Context, sess automation.Session, target string, kind types.ComponentType) (*types.Evidence, error) {
	ev := &types.Evidence{Target: target}

	if err := c.load(ctx, sess, target); err != nil {
		return nil, err
	}
	if err := c.shoot(ctx, sess, ev, ShotInitial, "", 0); err != nil {
		return nil, err
	}

	if kind != types.ComponentImage {
		var controls []types.Control
		if err := sess.Evaluate(ctx, discoverScript, &controls); err != nil {
			if perr := passthrough(ctx, err); perr != nil {
				return nil, perr
			}
			return nil, &RenderError{Target: target, Err: fmt.Errorf("discover controls: %w", err)}
		}
		ev.Controls = controls
		c.log.Printf("evidence: %s: %d controls", target, len(controls))

		groups := []group{
			{trigger: "sliders", shot: ShotAfterSliders, limit: c.opts.MaxPerKind, kinds: []types.ControlKind{types.ControlSlider}},
			{trigger: "inputs", shot: ShotAfterInputs, limit: c.opts.MaxPerKind, kinds: []types.ControlKind{types.ControlTextInput, types.ControlNumberInput}},
			{trigger: "buttons", shot: ShotAfterButtons, limit: c.opts.MaxButtons, kinds: []types.ControlKind{types.ControlButton}},
		}
		for _, g := range groups {
			picked := pick(controls, g.kinds, g.limit)
			if len(picked) == 0 {
				continue
			}
			for _, ctl := range picked {
				it, err := c.exercise(ctx, sess, ctl)
				if err != nil {
					if perr := passthrough(ctx, err); perr != nil {
						return nil, perr
					}
					var iErr *InteractionError
					if errors.As(err, &iErr) {
						c.log.Printf("evidence: %s: skipped: %v", target, err)
					}
				}
				ev.Log = append(ev.Log, it)
				if err := sleep(ctx, c.opts.SettleDelay); err != nil {
					return nil, err
				}
			}
			if err := c.shoot(ctx, sess, ev, g.shot, g.trigger, len(picked)); err != nil {
				return nil, err
			}
		}
	}

	msgs, err := sess.Console(ctx)
	if err != nil {
		c.log.Printf("evidence: %s: console unavailable: %v", target, err)
	}
	ev.Console = msgs
	return ev, nil
}

func (c *Capturer) load(ctx context.Context, sess automation.Session, target string) error {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RenderTimeout)
	defer cancel()

	fail := func(err error) error {
		if perr := passthrough(ctx, err); perr != nil {
			return perr
		}
		return &RenderError{Target: target, Err: err}
	}
	if err := sess.Navigate(rctx, target); err != nil {
		return fail(err)
	}
	if err := sleep(rctx, c.opts.SettleDelay); err != nil {
		return fail(err)
	}
	var probe struct {
		Ready    string `json:"ready"`
		Elements int    `json:"elements"`
	}
	if err := sess.Evaluate(rctx, probeScript, &probe); err != nil {
		return fail(fmt.Errorf("probe: %w", err))
	}
	if probe.Elements == 0 {
		return fail(errors.New("page rendered no content"))
	}
	return nil
}

func (c *Capturer) shoot(ctx context.Context, sess automation.Session, ev *types.Evidence, name, trigger string, actions int) error {
	png, err := sess.Screenshot(ctx)
	if err != nil {
		if perr := passthrough(ctx, err); perr != nil {
			return perr
		}
		return &RenderError{Target: ev.Target, Err: fmt.Errorf("screenshot %s: %w", name, err)}
	}
	ev.Screenshots = append(ev.Screenshots, types.Screenshot{Name: name, Trigger: trigger, Actions: actions, PNG: png})
	return nil
}

// exercise performs the kind's representative action. The returned
// Interaction is always appended to the log; err is an *InteractionError,
// a context error or a closed session.
func (c *Capturer) exercise(ctx context.Context, sess automation.Session, ctl types.Control) (types.Interaction, error) {
	it := types.Interaction{Selector: ctl.Selector, Kind: ctl.Kind}
	var script string
	switch ctl.Kind {
	case types.ControlSlider:
		it.Action = "set"
		it.Value = strconv.FormatFloat((ctl.Min+ctl.Max)/2, 'f', -1, 64)
		script = setValueScript(ctl.Selector, it.Value)
	case types.ControlNumberInput:
		it.Action = "type"
		it.Value = "5"
		script = setValueScript(ctl.Selector, it.Value)
	case types.ControlTextInput:
		it.Action = "type"
		it.Value = "test"
		script = setValueScript(ctl.Selector, it.Value)
	default:
		it.Action = "click"
		script = clickScript(ctl.Selector)
	}

	var res actionResult
	err := sess.Evaluate(ctx, script, &res)
	if err == nil && !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "action rejected"
		}
		err = errors.New(msg)
	}
	if err != nil {
		if perr := passthrough(ctx, err); perr != nil {
			return it, perr
		}
		iErr := &InteractionError{Control: ctl, Action: it.Action, Err: err}
		it.Error = iErr.Err.Error()
		return it, iErr
	}
	return it, nil
}

// passthrough returns the error Capture hands back unwrapped: the caller's
// context ending, or the session dying so the caller can reconnect.
func passthrough(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, automation.ErrSessionClosed) {
		return err
	}
	return nil
}

func pick(controls []types.Control, kinds []types.ControlKind, limit int) []types.Control {
	var out []types.Control
	for _, c := range controls {
		if len(out) >= limit {
			break
		}
		for _, k := range kinds {
			if c.Kind == k {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
