package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/metrics"
)

// Registry maintains an in-memory catalogue of domain tool sets and workflow
// templates loaded from disk. It is the static capability layer: no per-session
// state lives here.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]*domainEntry
	logger  *zap.Logger

	watchRoot string
	watcher   *fsnotify.Watcher
}

type domainEntry struct {
	Catalog     *DomainCatalog
	ByIntent    map[string]*IntentEntry
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		domains: make(map[string]*domainEntry),
		logger:  logger,
	}
}

// LoadDirectory loads every YAML catalog under the provided directory.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat catalog directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk catalog directory %s: %w", root, err)
	}
	if len(failures) > 0 {
		return fmt.Errorf("catalog load failures: %s", strings.Join(failures, "; "))
	}

	r.mu.Lock()
	r.watchRoot = root
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	cat, err := LoadCatalog(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	if err := ValidateCatalog(cat); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	byIntent := make(map[string]*IntentEntry, len(cat.Intents))
	for i := range cat.Intents {
		byIntent[cat.Intents[i].Intent] = &cat.Intents[i]
	}

	r.mu.Lock()
	r.domains[cat.Domain] = &domainEntry{
		Catalog:     cat,
		ByIntent:    byIntent,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now(),
	}
	r.mu.Unlock()

	r.logger.Info("Loaded domain catalog",
		zap.String("domain", cat.Domain),
		zap.String("path", path),
		zap.Int("intents", len(cat.Intents)),
		zap.Int("tools", len(cat.Tools)),
	)
	return nil
}

// Lookup returns the workflow template and full candidate tool set for the
// supplied (domain, intent) pair.
func (r *Registry) Lookup(domain, intent string) (*WorkflowTemplate, []ToolDescriptor, error) {
	r.mu.RLock()
	entry, ok := r.domains[domain]
	r.mu.RUnlock()
	if !ok {
		metrics.RegistryLookups.WithLabelValues("unknown_domain").Inc()
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	ie, ok := entry.ByIntent[intent]
	if !ok {
		metrics.RegistryLookups.WithLabelValues("unknown_intent").Inc()
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrUnknownIntent, domain, intent)
	}

	tpl := &WorkflowTemplate{
		Domain:    domain,
		Intent:    intent,
		Steps:     append([]Step(nil), ie.Steps...),
		InfoTools: append([]string(nil), ie.InfoTools...),
	}

	byName := make(map[string]ToolDescriptor, len(entry.Catalog.Tools))
	for _, t := range entry.Catalog.Tools {
		byName[t.Name] = t
	}
	tools := make([]ToolDescriptor, 0, len(ie.Tools))
	for _, name := range ie.Tools {
		tools = append(tools, byName[name])
	}

	metrics.RegistryLookups.WithLabelValues("ok").Inc()
	return tpl, tools, nil
}

// ResolveIntent matches the first utterance against the intents registered for
// a domain using name and alias matching. The longest alias match wins so
// "cancel my flight booking" resolves to cancel_flight over book_flight.
func (r *Registry) ResolveIntent(domain, utterance string) (string, error) {
	r.mu.RLock()
	entry, ok := r.domains[domain]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	normalized := strings.ToLower(utterance)
	best := ""
	bestLen := 0
	for _, ie := range entry.Catalog.Intents {
		patterns := append([]string{strings.ReplaceAll(ie.Intent, "_", " ")}, ie.Aliases...)
		for _, p := range patterns {
			p = strings.ToLower(p)
			if p != "" && strings.Contains(normalized, p) && len(p) > bestLen {
				best = ie.Intent
				bestLen = len(p)
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: domain %s", ErrIntentUnresolved, domain)
	}
	return best, nil
}

// Domains returns the sorted list of loaded domains.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads catalogs when files under the load directory change. It
// returns once the watcher is installed; reloads happen in the background
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	r.mu.RLock()
	root := r.watchRoot
	r.mu.RUnlock()
	if root == "" {
		return fmt.Errorf("registry: Watch called before LoadDirectory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", root, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAML(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(event.Name); err != nil {
					// Keep serving the last good catalog on a bad write.
					r.logger.Warn("Catalog reload failed",
						zap.String("path", event.Name),
						zap.Error(err),
					)
					continue
				}
				metrics.RegistryReloads.Inc()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
