// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package writer

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// TemplateSource loads raw prompt template text by name. The writer loads
// "system" and "window" at construction and fails fast when either is
// missing; there is no hardcoded prompt to fall back to.
type TemplateSource interface {
	Load(name string) (string, error)
}

// FSSource loads templates from a filesystem, one "<name>.tmpl" file each.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource wraps a filesystem as a template source.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// Load implements TemplateSource.
func (s *FSSource) Load(name string) (string, error) {
	data, err := fs.ReadFile(s.fsys, name+".tmpl")
	if err != nil {
		return "", fault.Invalid("writer.load_template", fmt.Sprintf("template %q", name), err)
	}
	return string(data), nil
}

// DirSource loads templates from a directory on disk, for operator-edited
// prompts.
func DirSource(dir string) TemplateSource {
	return NewFSSource(os.DirFS(dir))
}

// DefaultSource returns the built-in prompt templates.
func DefaultSource() TemplateSource {
	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		// The embed path is a compile-time constant; Sub cannot fail on it.
		panic(err)
	}
	return NewFSSource(sub)
}

// prompts holds the parsed templates and a checksum over their raw text.
// The checksum participates in the output cache key, so editing a template
// invalidates cached generations.
type prompts struct {
	system   *template.Template
	window   *template.Template
	checksum string
}

func loadPrompts(src TemplateSource) (prompts, error) {
	const op = "writer.load_templates"

	sysText, err := src.Load("system")
	if err != nil {
		return prompts{}, err
	}
	winText, err := src.Load("window")
	if err != nil {
		return prompts{}, err
	}

	sysTmpl, err := template.New("system").Parse(sysText)
	if err != nil {
		return prompts{}, fault.Invalid(op, "parse system template", err)
	}
	winTmpl, err := template.New("window").Parse(winText)
	if err != nil {
		return prompts{}, fault.Invalid(op, "parse window template", err)
	}

	sum := feed.ContentAddress([]byte(sysText + "\x00" + winText))
	return prompts{system: sysTmpl, window: winTmpl, checksum: sum}, nil
}

func (p prompts) render(req Request) (system, user string, err error) {
	const op = "writer.render"

	var sys strings.Builder
	if err := p.system.Execute(&sys, req); err != nil {
		return "", "", fault.Invalid(op, "execute system template", err)
	}
	var win strings.Builder
	if err := p.window.Execute(&win, req); err != nil {
		return "", "", fault.Invalid(op, "execute window template", err)
	}
	return strings.TrimSpace(sys.String()), strings.TrimSpace(win.String()), nil
}
