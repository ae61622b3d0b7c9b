package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vitrinelabs/vitrine/layout"
)

// ManagerConfig wires the layout sources a Manager keeps in sync with
// its backend: local directories, an optional git repository, and an
// optional filesystem watcher for hot reload.
type ManagerConfig struct {
	Directories []string      `yaml:"directories" json:"directories"`
	Environment string        `yaml:"environment" json:"environment"`
	GitURL      string        `yaml:"git_url" json:"git_url"`
	GitBranch   string        `yaml:"git_branch" json:"git_branch"`
	GitPath     string        `yaml:"git_path" json:"git_path"`
	GitPoll     time.Duration `yaml:"git_poll" json:"git_poll"`
	Watch       bool          `yaml:"watch" json:"watch"`
}

// Manager loads layout files into a backend and keeps them current.
// Files with validation errors are skipped and logged; one bad file
// never blocks the rest of a directory.
type Manager struct {
	backend Backend
	config  ManagerConfig

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopped chan struct{}
}

// NewManager builds a manager over the backend.
func NewManager(backend Backend, config ManagerConfig) *Manager {
	if config.Environment == "" {
		config.Environment = "default"
	}
	if config.GitBranch == "" {
		config.GitBranch = "main"
	}
	if config.GitPoll <= 0 {
		config.GitPoll = 5 * time.Minute
	}
	return &Manager{backend: backend, config: config, stopped: make(chan struct{})}
}

// Start performs the initial load and launches the sync loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.config.GitURL != "" {
		if err := m.syncGit(ctx); err != nil {
			return err
		}
	}
	for _, dir := range m.directories() {
		if _, err := m.LoadDirectory(ctx, dir); err != nil {
			return err
		}
	}
	if m.config.GitURL != "" {
		go m.pollGit(ctx)
	}
	if m.config.Watch {
		if err := m.startWatcher(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts down the watcher and the sync loops.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}

func (m *Manager) directories() []string {
	dirs := append([]string(nil), m.config.Directories...)
	if m.config.GitURL != "" && m.config.GitPath != "" {
		dirs = append(dirs, m.config.GitPath)
	}
	return dirs
}

// LoadDirectory walks dir and stores every parseable, valid layout.
// Returns the number of layouts stored.
func (m *Manager) LoadDirectory(ctx context.Context, dir string) (int, error) {
	loaded := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !layout.LayoutFile(path) {
			return nil
		}
		n, err := m.LoadFile(ctx, path)
		if err != nil {
			log.Printf("store: skipping %s: %v", path, err)
			return nil
		}
		loaded += n
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("store: walk %s: %w", dir, err)
	}
	return loaded, nil
}

// LoadFile parses path and stores its layouts. Validation errors fail
// the whole file so a partially broken collection is never half
// applied.
func (m *Manager) LoadFile(ctx context.Context, path string) (int, error) {
	layouts, err := layout.ParseFile(path)
	if err != nil {
		return 0, err
	}
	issues := layout.ValidateAll(layouts)
	for _, issue := range issues {
		if issue.Severity == layout.SeverityWarning {
			log.Printf("store: %s: %s", path, issue)
		}
	}
	if layout.HasErrors(issues) {
		return 0, fmt.Errorf("layout validation failed: %v", firstError(issues))
	}

	for i := range layouts {
		stored := &StoredLayout{
			Name:        layouts[i].Name,
			Environment: m.config.Environment,
			Status:      StatusActive,
			Layout:      layouts[i],
		}
		if err := m.backend.Store(ctx, stored); err != nil {
			return i, fmt.Errorf("store %s: %w", layouts[i].Name, err)
		}
	}
	return len(layouts), nil
}

func firstError(issues []layout.Issue) layout.Issue {
	for _, i := range issues {
		if i.Severity == layout.SeverityError {
			return i
		}
	}
	return layout.Issue{}
}

// syncGit clones the layout repository on first run and pulls after.
func (m *Manager) syncGit(ctx context.Context) error {
	if m.config.GitPath == "" {
		return fmt.Errorf("store: git_path is required when git_url is set")
	}

	repo, err := git.PlainOpen(m.config.GitPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		_, err = git.PlainCloneContext(ctx, m.config.GitPath, false, &git.CloneOptions{
			URL:           m.config.GitURL,
			ReferenceName: plumbing.NewBranchReferenceName(m.config.GitBranch),
			SingleBranch:  true,
		})
		if err != nil {
			return fmt.Errorf("store: clone layout repository: %w", err)
		}
		log.Printf("store: cloned layout repository %s (branch %s)", m.config.GitURL, m.config.GitBranch)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: open layout repository: %w", err)
	}

	workTree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("store: repository worktree: %w", err)
	}
	err = workTree.PullContext(ctx, &git.PullOptions{
		ReferenceName: plumbing.NewBranchReferenceName(m.config.GitBranch),
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("store: pull layout repository: %w", err)
	}
	return nil
}

func (m *Manager) pollGit(ctx context.Context) {
	ticker := time.NewTicker(m.config.GitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			if err := m.syncGit(ctx); err != nil {
				log.Printf("store: git sync failed: %v", err)
				continue
			}
			if _, err := m.LoadDirectory(ctx, m.config.GitPath); err != nil {
				log.Printf("store: git reload failed: %v", err)
			}
		}
	}
}

func (m *Manager) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: create watcher: %w", err)
	}
	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	for _, dir := range m.directories() {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() && info.Name() != ".git" {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			watcher.Close()
			return fmt.Errorf("store: watch %s: %w", dir, err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !layout.LayoutFile(event.Name) {
					continue
				}
				if n, err := m.LoadFile(ctx, event.Name); err != nil {
					log.Printf("store: reload %s: %v", event.Name, err)
				} else {
					log.Printf("store: reloaded %d layout(s) from %s", n, event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("store: watcher error: %v", err)
			}
		}
	}()
	return nil
}
