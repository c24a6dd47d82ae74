package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tphummel/lab_matrix/internal/remote"
)

// ErrInvalidClassifierConfig is returned by ClassifierConfig.Validate.
var ErrInvalidClassifierConfig = errors.New("invalid classifier config")

// ClassifierConfig carries the settings the remote program reads from its
// environment. Provider and Model are required; APIKey and BaseURL are
// optional.
type ClassifierConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// Validate reports missing required fields.
func (c ClassifierConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Provider) == "" {
		missing = append(missing, "provider")
	}
	if strings.TrimSpace(c.Model) == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidClassifierConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Env returns the settings as NAME=value pairs, omitting empty optionals.
func (c ClassifierConfig) Env() []string {
	env := []string{
		"SYSADMIN_AI_PROVIDER=" + c.Provider,
		"SYSADMIN_AI_MODEL=" + c.Model,
	}
	if c.APIKey != "" {
		env = append(env, "SYSADMIN_AI_API_KEY="+c.APIKey)
	}
	if c.BaseURL != "" {
		env = append(env, "SYSADMIN_AI_BASE_URL="+c.BaseURL)
	}
	return env
}

// InvocationError reports a remote call that exited non-zero or did not
// print a single JSON value.
type InvocationError struct {
	Expr   string
	Result remote.Result
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote call %s: %v\nstdout: %s\nstderr: %s", e.Expr, e.Err, e.Result.Stdout, e.Result.Stderr)
	}
	return fmt.Sprintf("remote call %s exited %d\nstdout: %s\nstderr: %s", e.Expr, e.Result.ExitCode, e.Result.Stdout, e.Result.Stderr)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// PyStr quotes s as a Python single-quoted string literal.
func PyStr(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}

// Call renders sysadmin_ai.<fn>(args...) with each argument as a string
// literal.
func Call(fn string, args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = PyStr(a)
	}
	return "sysadmin_ai." + fn + "(" + strings.Join(quoted, ", ") + ")"
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Command builds the one-line remote command that imports the payload,
// evaluates expr and prints the result as JSON. Settings from cfg, when
// non-nil, are passed as environment.
func Command(expr string, cfg *ClassifierConfig) string {
	code := "import sys, json; " +
		"sys.path.insert(0, " + PyStr(RemoteDir) + "); " +
		"import sysadmin_ai; " +
		"result = " + expr + "; " +
		"print(json.dumps(result))"
	var b strings.Builder
	if cfg != nil {
		for _, kv := range cfg.Env() {
			name, value, _ := strings.Cut(kv, "=")
			b.WriteString(name + "=" + shellQuote(value) + " ")
		}
	}
	b.WriteString("python3 -c " + shellQuote(code))
	return b.String()
}

// Invoke evaluates expr on the machine and decodes the JSON it prints into
// out.
func Invoke(ctx context.Context, conn Conn, expr string, cfg *ClassifierConfig, out any) error {
	res, err := conn.Run(ctx, Command(expr, cfg), 120*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &InvocationError{Expr: expr, Result: res}
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), out); err != nil {
		return &InvocationError{Expr: expr, Result: res, Err: err}
	}
	return nil
}

// Verdict is a safety check result: a decision such as "safe", "confirm" or
// "blocked", and a reason that is empty for safe commands.
type Verdict struct {
	Decision string
	Reason   string
}

// UnmarshalJSON decodes the two-element [decision, reason] form.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var pair []*string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return fmt.Errorf("verdict: want [decision, reason], got %s", b)
	}
	v.Decision = *pair[0]
	v.Reason = ""
	if pair[1] != nil {
		v.Reason = *pair[1]
	}
	return nil
}

// CheckCommandSafety asks the remote classifier about command.
func CheckCommandSafety(ctx context.Context, conn Conn, command string, cfg *ClassifierConfig) (Verdict, error) {
	var v Verdict
	err := Invoke(ctx, conn, Call("check_command_safety", command), cfg, &v)
	return v, err
}
