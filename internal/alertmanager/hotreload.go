package alertmanager

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
)

// routingRuleFile is the on-disk shape of an optional routing-rules
// override file: a list of per-priority overrides applied on top of
// model.DefaultRoutingRules().
type routingRuleFile struct {
	Rules []routingRuleEntry `yaml:"rules"`
}

type routingRuleEntry struct {
	Priority                 string `yaml:"priority"`
	Protocol                 string `yaml:"protocol"`
	EscalationTimeoutSeconds *int   `yaml:"escalation_timeout_seconds"`
	RequireAck               *bool  `yaml:"require_ack"`
}

// RuleWatcher watches an optional routing-rules YAML file with fsnotify
// and applies changes to a Manager without requiring a restart. A
// malformed file is logged and ignored: the previously-active rules
// stay in effect.
type RuleWatcher struct {
	path    string
	manager *Manager
	log     *zap.Logger
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuleWatcher constructs a watcher for path, targeting manager. The
// file is not required to exist yet; watching begins once Start is
// called and silently no-ops if the file is absent.
func NewRuleWatcher(path string, manager *Manager, log *zap.Logger) *RuleWatcher {
	return &RuleWatcher{path: path, manager: manager, log: log}
}

// Start performs an initial load (if the file exists) and begins
// watching for subsequent writes.
func (w *RuleWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	w.load()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if _, err := os.Stat(w.path); err == nil {
		if err := watcher.Add(w.path); err != nil {
			watcher.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	return nil
}

// Stop halts the watch goroutine and closes the underlying fsnotify
// watcher.
func (w *RuleWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *RuleWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	var debounce *time.Timer
	debounceC := make(chan struct{})

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Write and Create events on the watched path schedule a
			// reload. The watch is on the file itself, not its
			// directory: a file replaced by rename+create (as many
			// editors save) ends the watch, and later changes to the
			// new file are not seen until the next Start.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case debounceC <- struct{}{}:
				case <-ctx.Done():
				}
			})

		case <-debounceC:
			w.load()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("routing rule watcher error", logging.NewFields().Component("alertmanager.hotreload").Error(err).Zap()...)
		}
	}
}

func (w *RuleWatcher) load() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("failed to read routing rules file", logging.NewFields().Component("alertmanager.hotreload").Custom("path", w.path).Error(err).Zap()...)
		}
		return
	}

	var parsed routingRuleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		w.log.Warn("invalid routing rules file, keeping previous rules", logging.NewFields().Component("alertmanager.hotreload").Custom("path", w.path).Error(err).Zap()...)
		return
	}

	applied := 0
	for _, entry := range parsed.Rules {
		priority, err := model.ParsePriority(entry.Priority)
		if err != nil {
			w.log.Warn("routing rules file: skipping entry with invalid priority", logging.NewFields().Component("alertmanager.hotreload").Custom("priority", entry.Priority).Error(err).Zap()...)
			continue
		}

		var protocolPtr *model.Protocol
		if entry.Protocol != "" {
			protocol, err := model.ParseProtocol(entry.Protocol)
			if err != nil {
				w.log.Warn("routing rules file: skipping entry with invalid protocol", logging.NewFields().Component("alertmanager.hotreload").Custom("protocol", entry.Protocol).Error(err).Zap()...)
				continue
			}
			protocolPtr = &protocol
		}

		w.manager.UpdateRoutingRule(priority, protocolPtr, entry.EscalationTimeoutSeconds, entry.RequireAck)
		applied++
	}

	w.log.Info("routing rules reloaded", logging.NewFields().Component("alertmanager.hotreload").Custom("path", w.path).Custom("rules_applied", applied).Zap()...)
}
