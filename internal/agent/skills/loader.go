package skills

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/internal/logging"
)

// SkillFileName is the manifest file looked for in each pack directory.
const SkillFileName = "SKILL.md"

// Loader keeps an in-memory index of skill packs under a directory and
// optionally watches it for changes.
type Loader struct {
	mu       sync.RWMutex
	skills   map[string]*Skill
	dir      string
	watcher  *fsnotify.Watcher
	onChange func()
	cancel   context.CancelFunc
}

// NewLoader returns a loader rooted at dir. Call LoadAll before use.
func NewLoader(dir string) *Loader {
	return &Loader{
		skills: make(map[string]*Skill),
		dir:    dir,
	}
}

// LoadAll scans the directory tree for SKILL.md files. A missing root is
// not an error; the loader just holds no packs.
func (l *Loader) LoadAll() error {
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.skills = make(map[string]*Skill)

	return filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || !strings.EqualFold(info.Name(), SkillFileName) {
			return nil
		}
		if err := l.loadFileLocked(path); err != nil {
			logging.Errorf("skills: skipping %s: %v", path, err)
		}
		return nil
	})
}

// loadFileLocked parses one manifest and indexes it. Caller holds l.mu.
func (l *Loader) loadFileLocked(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	skill, err := ParseSkillMD(content)
	if err != nil {
		return err
	}

	if skill.Version == "" {
		skill.Version = "1.0.0"
	}
	skill.FilePath = path

	l.skills[skill.Name] = skill
	return nil
}

// Watch reloads packs as files change on disk. Safe to skip for
// one-shot loads; Stop tears the watcher down.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.watcher = watcher

	if err := l.watchRecursive(l.dir); err != nil {
		watcher.Close()
		l.watcher = nil
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.watchLoop(ctx)

	return nil
}

func (l *Loader) watchRecursive(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("skills: watch error: %v", err)
		}
	}
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	// New pack directories need their own watch before the manifest
	// inside them produces events.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			l.watchRecursive(event.Name)
		}
	}

	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		l.mu.Lock()
		if err := l.loadFileLocked(event.Name); err != nil {
			logging.Errorf("skills: reloading %s: %v", event.Name, err)
		}
		l.mu.Unlock()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		l.mu.Lock()
		for name, skill := range l.skills {
			if skill.FilePath == event.Name {
				delete(l.skills, name)
				break
			}
		}
		l.mu.Unlock()
	default:
		return
	}

	l.mu.RLock()
	cb := l.onChange
	l.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

// OnChange registers a callback invoked after any watched reload.
func (l *Loader) OnChange(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Stop tears down the watcher if one is running.
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
}

// Get returns a pack by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	return skill, ok
}

// List returns all packs, highest priority first, ties by name.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count reports how many packs are loaded.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}
