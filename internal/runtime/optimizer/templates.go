package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TemplateSpec is one canned-response rule as it appears in the templates
// file: a regexp matched against the prompt and a sprig-enabled reply body.
type TemplateSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reply   string `yaml:"reply"`
}

type cannedTemplate struct {
	name    string
	pattern *regexp.Regexp
	tmpl    *template.Template
}

// TemplateSet matches prompts against canned-response rules. Sets are
// immutable once compiled; the optimizer swaps whole sets on reload.
type TemplateSet struct {
	templates []cannedTemplate
}

// templateData is what a canned reply renders against.
type templateData struct {
	Prompt string
	UserID string
	Now    time.Time
}

// Sprig's filesystem and environment helpers are removed so a templates file
// cannot read outside its own data.
func templateFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	return funcs
}

// CompileTemplates builds a TemplateSet from specs, rejecting the whole set
// on any invalid pattern or template body.
func CompileTemplates(specs []TemplateSpec) (*TemplateSet, error) {
	set := &TemplateSet{templates: make([]cannedTemplate, 0, len(specs))}
	for _, spec := range specs {
		if strings.TrimSpace(spec.Pattern) == "" {
			return nil, fmt.Errorf("optimizer: template %q has no pattern", spec.Name)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("optimizer: template %q pattern: %w", spec.Name, err)
		}
		tmpl, err := template.New(spec.Name).Funcs(templateFuncs()).Parse(spec.Reply)
		if err != nil {
			return nil, fmt.Errorf("optimizer: template %q body: %w", spec.Name, err)
		}
		set.templates = append(set.templates, cannedTemplate{name: spec.Name, pattern: re, tmpl: tmpl})
	}
	return set, nil
}

// DefaultTemplates covers the built-in short-circuits: greetings and status
// inquiries.
func DefaultTemplates() *TemplateSet {
	set, err := CompileTemplates([]TemplateSpec{
		{
			Name:    "greeting",
			Pattern: `(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening))[.!\s]*$`,
			Reply:   "Hello! How can I help you today?",
		},
		{
			Name:    "status",
			Pattern: `(?i)^\s*(are you (there|up|online)|status|ping)\??\s*$`,
			Reply:   "All systems are operational as of {{ .Now.Format \"15:04:05 MST\" }}.",
		},
		{
			Name:    "thanks",
			Pattern: `(?i)^\s*(thanks|thank you|thx)[.!\s]*$`,
			Reply:   "You're welcome!",
		},
	})
	if err != nil {
		panic(err) // built-in specs are constants
	}
	return set
}

// Match renders the first canned reply whose pattern matches the prompt.
func (s *TemplateSet) Match(prompt, userID string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, ct := range s.templates {
		if !ct.pattern.MatchString(prompt) {
			continue
		}
		var buf bytes.Buffer
		data := templateData{Prompt: prompt, UserID: userID, Now: time.Now()}
		if err := ct.tmpl.Execute(&buf, data); err != nil {
			continue
		}
		return buf.String(), true
	}
	return "", false
}

// Len reports the number of compiled rules.
func (s *TemplateSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.templates)
}

// LoadTemplateFile parses a yaml templates file into a compiled set.
func LoadTemplateFile(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("optimizer: read templates file: %w", err)
	}
	var specs []TemplateSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("optimizer: parse templates file: %w", err)
	}
	return CompileTemplates(specs)
}

// TemplateWatcher monitors the templates file and swaps in a freshly
// compiled set on change. Stop must be called to release the fsnotify
// watcher.
type TemplateWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *TemplateWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchTemplates wires fsnotify around the templates file, invoking onChange
// with each successfully compiled set. Compile failures keep the previous
// set and report through onError.
func WatchTemplates(ctx context.Context, path string, logger *slog.Logger, onChange func(*TemplateSet), onError func(error)) (*TemplateWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("optimizer: watch templates requires a change callback")
	}
	set, err := LoadTemplateFile(path)
	if err != nil {
		return nil, err
	}
	onChange(set)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("optimizer: watch templates: %w", err)
	}
	// Watch the directory: editors replace files atomically, which drops
	// per-file watches.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("optimizer: watch templates dir: %w", err)
	}

	done := make(chan struct{})
	target := filepath.Clean(path)

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("optimizer: watch templates close: %w", err))
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				set, err := LoadTemplateFile(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if logger != nil {
					logger.Info("canned templates reloaded", slog.Int("count", set.Len()))
				}
				onChange(set)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return &TemplateWatcher{cancel: cancel, done: done}, nil
}
