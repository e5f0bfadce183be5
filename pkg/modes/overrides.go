package modes

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk mode overlay.
//
//	modes:
//	  - id: jira
//	    backend:
//	      base_url: http://jira-bot.internal:8001
//	      timeout: 90s
type File struct {
	Modes []Mode `yaml:"modes"`
}

// LoadFile reads a YAML overlay from path.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "read modes file")
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, errors.Wrap(err, "parse modes file")
	}
	return f, nil
}

// Overlay merges over into base by id. Unknown ids are appended, known ids
// keep every field the overlay leaves empty.
func Overlay(base []Mode, over []Mode) []Mode {
	out := append([]Mode(nil), base...)
	idx := map[string]int{}
	for i, m := range out {
		idx[m.ID] = i
	}
	for _, m := range over {
		i, ok := idx[m.ID]
		if !ok {
			idx[m.ID] = len(out)
			out = append(out, m)
			continue
		}
		out[i] = mergeMode(out[i], m)
	}
	return out
}

// WithBaseURLs replaces the base address of the modes named in urls.
func WithBaseURLs(ms []Mode, urls map[string]string) []Mode {
	out := append([]Mode(nil), ms...)
	for i := range out {
		if u := strings.TrimSpace(urls[out[i].ID]); u != "" {
			out[i].Backend.BaseURL = u
		}
	}
	return out
}

// WithTimeouts sets the request budget of streaming and single-shot modes.
// Zero durations leave the catalog value in place.
func WithTimeouts(ms []Mode, streaming, singleShot time.Duration) []Mode {
	out := append([]Mode(nil), ms...)
	for i := range out {
		switch {
		case out[i].Backend.IsStreaming() && streaming > 0:
			out[i].Backend.Timeout = streaming
		case !out[i].Backend.IsStreaming() && singleShot > 0:
			out[i].Backend.Timeout = singleShot
		}
	}
	return out
}

func mergeMode(base, over Mode) Mode {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Description != "" {
		base.Description = over.Description
	}
	if over.Icon != "" {
		base.Icon = over.Icon
	}
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	if len(over.QuickActions) > 0 {
		base.QuickActions = over.QuickActions
	}
	b, o := base.Backend, over.Backend
	if o.BaseURL != "" {
		b.BaseURL = o.BaseURL
	}
	if o.Path != "" {
		b.Path = o.Path
	}
	if o.Timeout > 0 {
		b.Timeout = o.Timeout
	}
	if o.Request != "" {
		b.Request = o.Request
	}
	if o.CorrelationField != "" {
		b.CorrelationField = o.CorrelationField
	}
	if o.SingleShot != nil {
		b.SingleShot, b.Streaming = o.SingleShot, nil
	}
	if o.Streaming != nil {
		b.Streaming, b.SingleShot = o.Streaming, nil
	}
	base.Backend = b
	return base
}
