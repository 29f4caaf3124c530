// Package exprconf evaluates configuration values that are expressions.
//
// Reporting settings like the aggregate report frequency or the maximum report
// size can depend on the domain a report is about. Such settings are written
// as expressions (github.com/antonmedv/expr), compiled when the configuration
// is loaded, and evaluated with an Env each time a value is needed. A plain
// literal like "daily" or 26214400 is a valid expression too.
//
// Variables available in expressions:
//
//   - domain: the policy domain a report is for, in ASCII.
//   - hostname: the hostname of this mail server.
//   - remote_ip: for failure reports, IP address of the SMTP client.
//   - from_domain: for failure reports, the domain of the message From header.
package exprconf

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/ratelimit"
)

var ErrUnset = errors.New("expression not set")

// Env holds the values for the variables available to expressions.
type Env struct {
	Domain     string
	Hostname   string
	RemoteIP   string
	FromDomain string
}

func (e Env) vars() map[string]any {
	return map[string]any{
		"domain":      e.Domain,
		"hostname":    e.Hostname,
		"remote_ip":   e.RemoteIP,
		"from_domain": e.FromDomain,
	}
}

// Expr is a compiled expression. A nil *Expr is an unset value: evaluating it
// returns ErrUnset.
type Expr struct {
	Source string
	prog   *vm.Program
}

// Compile parses and type checks src. An empty (or all whitespace) src
// returns a nil Expr.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	prog, err := expr.Compile(src, expr.Env(Env{}.vars()))
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", src, err)
	}
	return &Expr{src, prog}, nil
}

// MustCompile is like Compile but panics on errors. For tests and defaults.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates the expression with the variables from env.
func (e *Expr) Eval(env Env) (any, error) {
	if e == nil {
		return nil, ErrUnset
	}
	v, err := expr.Run(e.prog, env.vars())
	if err != nil {
		return nil, fmt.Errorf("evaluating expression %q: %w", e.Source, err)
	}
	return v, nil
}

func (e *Expr) eval(log mlog.Log, env Env) (any, bool) {
	v, err := e.Eval(env)
	if err == ErrUnset {
		return nil, false
	} else if err != nil {
		log.Errorx("evaluating configuration expression", err, slog.String("domain", env.Domain))
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

// String evaluates the expression and returns a string result. An empty
// string result is treated as unset.
func (e *Expr) String(log mlog.Log, env Env) (string, bool) {
	v, ok := e.eval(log, env)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		log.Error("configuration expression did not evaluate to string", slog.String("expr", e.Source), slog.Any("value", v))
		return "", false
	}
	return s, s != ""
}

// Int64 evaluates the expression and returns an integer result.
func (e *Expr) Int64(log mlog.Log, env Env) (int64, bool) {
	v, ok := e.eval(log, env)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	log.Error("configuration expression did not evaluate to integer", slog.String("expr", e.Source), slog.Any("value", v))
	return 0, false
}

// Duration evaluates the expression and parses the result as duration, e.g.
// "1h" or "24h".
func (e *Expr) Duration(log mlog.Log, env Env) (time.Duration, bool) {
	s, ok := e.String(log, env)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Errorx("parsing duration from configuration expression", err, slog.String("expr", e.Source))
		return 0, false
	}
	return d, true
}

// Frequencies are the aggregate report intervals that a frequency expression
// can evaluate to, besides "never".
var Frequencies = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// Frequency evaluates the expression as aggregate report frequency. For
// "never", ok is true and interval is zero.
func (e *Expr) Frequency(log mlog.Log, env Env) (interval time.Duration, ok bool) {
	s, ok := e.String(log, env)
	if !ok {
		return 0, false
	}
	if s == "never" {
		return 0, true
	}
	d, ok := Frequencies[s]
	if !ok {
		log.Error("unknown report frequency from configuration expression", slog.String("expr", e.Source), slog.String("value", s))
		return 0, false
	}
	return d, true
}

// Rate evaluates the expression as rate, e.g. "1/1d".
func (e *Expr) Rate(log mlog.Log, env Env) (ratelimit.Rate, bool) {
	s, ok := e.String(log, env)
	if !ok {
		return ratelimit.Rate{}, false
	}
	r, err := ratelimit.ParseRate(s)
	if err != nil {
		log.Errorx("parsing rate from configuration expression", err, slog.String("expr", e.Source))
		return ratelimit.Rate{}, false
	}
	return r, true
}
