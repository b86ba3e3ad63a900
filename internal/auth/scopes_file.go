package auth

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"mcpgateway/internal/api"
	"mcpgateway/pkg/logging"
)

// FileScopes holds scope definitions loaded from a YAML file, an
// alternative to index storage. The file maps scope names to sequences of
// {server, methods, tools} rules, plus a group_mappings map:
//
//	group_mappings:
//	  finance_team: [finance_read]
//	finance_read:
//	  - server: /fininfo
//	    methods: [tools/list, tools/call]
//	    tools: [get_stock_aggregates]
//
// The file is watched and reloaded on change; a broken edit keeps the last
// good state.
type FileScopes struct {
	path string

	mu            sync.RWMutex
	scopes        map[string][]api.ServerAccessRule
	groupMappings map[string][]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadFileScopes parses the scopes file and starts watching it.
func LoadFileScopes(path string) (*FileScopes, error) {
	fs := &FileScopes{path: path, done: make(chan struct{})}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create scopes watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch scopes file: %w", err)
	}
	fs.watcher = watcher
	go fs.watch()

	return fs, nil
}

func (f *FileScopes) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read scopes file %s: %w", f.path, err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse scopes file %s: %w", f.path, err)
	}

	scopes := map[string][]api.ServerAccessRule{}
	groupMappings := map[string][]string{}

	for key, node := range raw {
		if key == "group_mappings" {
			if err := node.Decode(&groupMappings); err != nil {
				return fmt.Errorf("invalid group_mappings in %s: %w", f.path, err)
			}
			continue
		}
		var rules []api.ServerAccessRule
		if err := node.Decode(&rules); err != nil {
			return fmt.Errorf("invalid scope %q in %s: %w", key, f.path, err)
		}
		scopes[key] = rules
	}

	f.mu.Lock()
	f.scopes = scopes
	f.groupMappings = groupMappings
	f.mu.Unlock()

	logging.Info("Auth", "Loaded %d scopes and %d group mappings from %s", len(scopes), len(groupMappings), f.path)
	return nil
}

func (f *FileScopes) watch() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := f.reload(); err != nil {
					logging.Error("Auth", err, "Scopes file reload failed, keeping previous state")
				}
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Auth", "Scopes watcher error: %v", err)
		case <-f.done:
			return
		}
	}
}

// Close stops the watcher.
func (f *FileScopes) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// ScopeRules returns the access rules of one scope name.
func (f *FileScopes) ScopeRules(name string) ([]api.ServerAccessRule, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rules, ok := f.scopes[name]
	return rules, ok
}

// GroupScopes returns the scope names mapped to one group.
func (f *FileScopes) GroupScopes(group string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.groupMappings[group]
}
