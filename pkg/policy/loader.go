package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const policyReloadDelay = 500 * time.Millisecond

// parser turns the bytes of one policy file into a Policy.
type parser func(path string, data []byte) (*Policy, error)

var parsers = map[string]parser{
	".rego": parseRegoFile,
	".json": parseJSONFile,
}

// cachedPolicy remembers a parsed file until its modification time changes.
type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// Loader reads admission policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file named by paths. Directories are
// walked recursively; unreadable files inside a directory are skipped with a
// warning, while a path that does not exist is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var files []string
	for _, path := range paths {
		found, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		files = append(files, found...)
	}

	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			if isExplicit(file, paths) {
				return nil, err
			}
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, *p)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Policies read from disk")

	return policies, nil
}

// policyFiles lists the policy files at path in lexical order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(path))]
	return ok
}

func isExplicit(file string, paths []string) bool {
	for _, p := range paths {
		if p == file {
			return true
		}
	}
	return false
}

// loadFromFile parses one file, reusing the cached result while the file is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	parse, ok := parsers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	l.mu.Lock()
	cached, hit := l.cache[path]
	l.mu.Unlock()
	if hit && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: *p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("Policy parsed")
	return p, nil
}

// parseRegoFile names the policy after the file. Leading comments become the
// description; a "# severity: <level>" comment sets the severity.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	src := string(data)
	description, severity := regoHeader(src)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: description,
		Rego:        src,
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
		Source:      path,
	}, nil
}

// parseJSONFile decodes a full Policy document. Name defaults to the file name.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return &p, nil
}

// regoHeader reads the comment block at the top of a Rego module.
func regoHeader(src string) (string, Severity) {
	var lines []string
	severity := SeverityWarning

	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
			continue
		}
		if comment != "" {
			lines = append(lines, comment)
		}
	}

	return strings.Join(lines, " "), severity
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, renamed or removed. apply receives the complete new set; it runs
// at most once per quiet period. Watching stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatches(fw, path); err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.watchLoop(ctx, fw, paths, apply)

	l.logger.Info().
		Strs("paths", paths).
		Msg("Watching policy paths")
	return nil
}

// addWatches registers path, or every directory below it.
func addWatches(fw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, fw *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer fw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(policyReloadDelay, func() {
				l.reload(ctx, paths, apply)
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) {
	if ctx.Err() != nil {
		return
	}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload policies, keeping previous set")
		return
	}
	if err := apply(policies); err != nil {
		l.logger.Error().Err(err).Msg("Failed to apply reloaded policies, keeping previous set")
		return
	}
	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")
}
