package params

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps compositeKey -> RegisteredParameter, preserving insertion
// order for snapshot rendering. Single-writer (the host or an env/file
// overlay), many-reader (REST, pipelines).
type Registry struct {
	mu     sync.RWMutex
	params map[string]RegisteredParameter
	order  []string
	log    *logrus.Entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		params: make(map[string]RegisteredParameter),
		log:    log,
	}
}

// Register installs p under its composite key, unless that key is already
// taken, in which case the existing registration wins and p is discarded.
// It returns the registered *Parameter[T] for the key, except when the
// existing registration has a different type: then p itself is returned,
// unregistered, and the existing registration stays in place.
func Register[T any](r *Registry, p *Parameter[T]) *Parameter[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	composite := p.Composite()
	if existing, ok := r.params[composite]; ok {
		if typed, ok := existing.(*Parameter[T]); ok {
			return typed
		}
		r.log.WithField("composite", composite).Warn("parameter registered under colliding key with a different type; keeping the existing registration")
		return p
	}

	p.setRegistered(true)
	r.params[composite] = p
	r.order = append(r.order, composite)
	return p
}

// Unregister removes p from the registry and clears its registered flag.
func (r *Registry) Unregister(p RegisteredParameter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	composite := p.Composite()
	if _, ok := r.params[composite]; !ok {
		return
	}
	delete(r.params, composite)
	for i, c := range r.order {
		if c == composite {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	p.setRegistered(false)
}

// Set looks up compositeKey and applies stringValue via the parameter's
// own parser, returning the same success/failure line SetFromString would.
func (r *Registry) Set(compositeKey, stringValue string) (string, error) {
	r.mu.RLock()
	p, ok := r.params[compositeKey]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("params: no parameter registered under %q", compositeKey)
	}
	return p.SetFromString(stringValue)
}

// OverlayFromEnvironment probes GERDI_HARVESTER_<CATEGORY>_<KEY> for every
// registered parameter and applies it via Set when present, logging the
// outcome at info (success) or warn (parse failure).
func (r *Registry) OverlayFromEnvironment() {
	r.mu.RLock()
	composites := append([]string(nil), r.order...)
	entries := make(map[string]RegisteredParameter, len(composites))
	for _, c := range composites {
		entries[c] = r.params[c]
	}
	r.mu.RUnlock()

	for _, c := range composites {
		p := entries[c]
		envVar := envVarName(p.Category(), p.Key())
		raw, present := os.LookupEnv(envVar)
		if !present {
			continue
		}
		msg, err := p.SetFromString(raw)
		if err != nil {
			r.log.WithFields(logrus.Fields{"env": envVar, "composite": c}).WithError(err).Warn("environment override rejected")
			continue
		}
		r.log.WithFields(logrus.Fields{"env": envVar, "composite": c}).Info(msg)
	}
}

func envVarName(category, key string) string {
	return "GERDI_HARVESTER_" + strings.ToUpper(category) + "_" + strings.ToUpper(key)
}

// SnapshotEntry is one row of a registry snapshot.
type SnapshotEntry struct {
	Composite string
	Display   string
}

// Snapshot produces an ordered list of (composite, displayValue) for
// external inspection. PasswordP entries always render masked because
// their own DisplayFunc does so.
func (r *Registry) Snapshot() []SnapshotEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SnapshotEntry, 0, len(r.order))
	for _, c := range r.order {
		composite, display := r.params[c].DisplaySnapshot()
		out = append(out, SnapshotEntry{Composite: composite, Display: display})
	}
	return out
}

// applyOverrideLine parses one "composite=value" line (as written to an
// overrides file) and applies it, ignoring blank lines and lines starting
// with '#'.
func (r *Registry) applyOverrideLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		r.log.WithField("line", line).Warn("ignoring malformed override line")
		return
	}
	msg, err := r.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	if err != nil {
		r.log.WithError(err).Warn("override file entry rejected")
		return
	}
	r.log.Info(msg)
}

// loadOverrideFile reads and applies every line of path once, used both
// for the initial load and on each fsnotify write event.
func (r *Registry) loadOverrideFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r.applyOverrideLine(scanner.Text())
	}
	return scanner.Err()
}
