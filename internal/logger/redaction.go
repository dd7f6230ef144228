package logger

import (
	"io"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// rule replaces matches of re with repl, which may refer to groups.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs credentials from log output.
type Redactor struct {
	rules   []rule
	secrets *strings.Replacer
}

// NewRedactor covers provider API keys, bearer tokens and secret-looking
// key/value pairs. Key/value matches keep the key so the line stays readable.
// Each of secrets is also removed wherever it appears verbatim.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{
		rules: []rule{
			{re: regexp.MustCompile(`sk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`), repl: redacted},
			{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), repl: redacted},
			{re: regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`), repl: "${1}" + redacted},
			{re: regexp.MustCompile(`(?i)(x-api-key["']?\s*[:=]\s*["']?)[^\s"',]+`), repl: "${1}" + redacted},
			{re: regexp.MustCompile(`(?i)((?:api_?key|password|secret|token)["']?\s*[:=]\s*["']?)[^\s"',]{8,}`), repl: "${1}" + redacted},
		},
	}
	var pairs []string
	for _, secret := range secrets {
		if len(secret) >= 4 {
			pairs = append(pairs, secret, redacted)
		}
	}
	if len(pairs) > 0 {
		r.secrets = strings.NewReplacer(pairs...)
	}
	return r
}

// AddPattern redacts every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact returns s with credentials replaced by [REDACTED].
func (r *Redactor) Redact(s string) string {
	if r.secrets != nil {
		s = r.secrets.Replace(s)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if _, err := io.WriteString(w, r.Redact(string(p))); err != nil {
			return 0, err
		}
		// A redacted line may be shorter; callers must still see a full write.
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
