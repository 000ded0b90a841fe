package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
)

// policyDebounce collapses the burst of events an editor save produces.
const policyDebounce = 250 * time.Millisecond

// LoadPolicy reads a YAML moderation policy. Keys missing from the file keep
// their default values. An empty path returns the defaults.
func LoadPolicy(path string) (policy.Policy, error) {
	p := policy.Default()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes YAML over the default policy and validates the result.
func ParsePolicy(raw []byte) (policy.Policy, error) {
	p := policy.Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return policy.Default(), fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return policy.Default(), fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// WatchPolicy reloads the policy file whenever it changes and passes every
// valid version to apply. Invalid versions are logged and ignored, leaving the
// last good policy active. It blocks until ctx is cancelled.
func WatchPolicy(ctx context.Context, path string, apply func(policy.Policy), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: editors and config mounts replace the file by rename.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}
	logger.Info("Policy watcher started", "path", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(policyDebounce)
			} else {
				timer.Reset(policyDebounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("Policy watcher error", "error", err)

		case <-fire:
			fire = nil
			p, err := LoadPolicy(abs)
			if err != nil {
				logger.Warn("Policy reload rejected, keeping previous policy", "path", abs, "error", err)
				continue
			}
			apply(p)
			logger.Info("Policy reloaded",
				"path", abs,
				"auto_reject_threshold", p.AutoRejectThreshold,
				"human_review_threshold", p.HumanReviewThreshold,
				"auto_approve_threshold", p.AutoApproveThreshold)
		}
	}
}
