// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/*.tmpl templates/*/*.tmpl
var defaultTemplates embed.FS

// FileProvider serves templates from an optional override directory,
// falling back to the embedded defaults.
//
// Thread Safety: Safe for concurrent use. The parsed-template cache is
// guarded by a RWMutex; the fsnotify watcher invalidates entries when
// files in the override directory change.
type FileProvider struct {
	overrideDir string

	mu      sync.RWMutex
	cache   map[string]*template.Template
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileProvider creates a provider.
//
// Description:
//
//	overrideDir may be empty, in which case only the embedded defaults
//	are served. When set, the directory is watched with fsnotify and a
//	changed template takes effect on the next Render without a restart.
//
// Outputs:
//
//	*FileProvider - Ready to use. Call Close when done if an override
//	directory was given.
//	error - Non-nil if the override directory cannot be watched.
func NewFileProvider(overrideDir string) (*FileProvider, error) {
	p := &FileProvider{
		overrideDir: overrideDir,
		cache:       make(map[string]*template.Template),
		done:        make(chan struct{}),
	}

	if overrideDir != "" {
		if _, err := os.Stat(overrideDir); err != nil {
			return nil, fmt.Errorf("prompt override directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create template watcher: %w", err)
		}
		if err := watcher.Add(overrideDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch template directory: %w", err)
		}
		p.watcher = watcher
		go p.watch()
	}

	return p, nil
}

// Close stops the hot-reload watcher. Safe on a provider without one.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	return p.watcher.Close()
}

// Render implements the Provider interface.
//
// Description:
//
//	Lookup order: override dir role-specific, override dir generic,
//	embedded role-specific, embedded generic. Templates execute with
//	missingkey=error so a template referencing a slot the caller did
//	not populate fails loudly instead of silently rendering blanks.
func (p *FileProvider) Render(role, name string, vars map[string]string) (string, error) {
	tmpl, err := p.lookup(role, name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template %s/%s: %w", role, name, err)
	}
	return buf.String(), nil
}

func (p *FileProvider) lookup(role, name string) (*template.Template, error) {
	key := role + "/" + name

	p.mu.RLock()
	tmpl, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	text, err := p.load(role, name)
	if err != nil {
		return nil, err
	}
	tmpl, err = template.New(key).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", key, err)
	}

	p.mu.Lock()
	p.cache[key] = tmpl
	p.mu.Unlock()
	return tmpl, nil
}

func (p *FileProvider) load(role, name string) (string, error) {
	if p.overrideDir != "" {
		candidates := []string{
			filepath.Join(p.overrideDir, role, name+".tmpl"),
			filepath.Join(p.overrideDir, name+".tmpl"),
		}
		for _, path := range candidates {
			data, err := os.ReadFile(path)
			if err == nil {
				return string(data), nil
			}
		}
	}

	embedded := []string{
		"templates/" + role + "/" + name + ".tmpl",
		"templates/" + name + ".tmpl",
	}
	for _, path := range embedded {
		data, err := defaultTemplates.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
	}
	return "", notFound(role, name)
}

// watch invalidates the cache when override templates change.
func (p *FileProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Debug("prompt template changed, flushing cache", "file", event.Name)
				p.mu.Lock()
				p.cache = make(map[string]*template.Template)
				p.mu.Unlock()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("prompt template watcher error", "error", err.Error())
		}
	}
}
