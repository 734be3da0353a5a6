package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
)

const (
	DefaultAlarmTemplate   = `ALARM: {{.Name}} triggered`
	DefaultStorageTemplate = `{{.Name}} is {{.Percent}}% full ({{.Items}}/{{.Capacity}} slots)`
	DefaultSpawnTemplate   = `{{.Event}} spawned{{if .Grid}} at {{.Grid}}{{end}}`
	DefaultDespawnTemplate = `{{.Event}} left the map`
)

// TemplateData provides fields for rendering alert text.
type TemplateData struct {
	Server   string
	EntityID uint32
	Name     string
	Percent  int
	Items    int
	Capacity int
	Event    string
	Grid     string
}

// Templates holds the alert message templates. Empty fields use defaults.
type Templates struct {
	Alarm   string
	Storage string
	Spawn   string
	Despawn string
}

type compiled struct {
	alarm   *template.Template
	storage *template.Template
	spawn   *template.Template
	despawn *template.Template
}

func compile(t Templates) (*compiled, error) {
	var c compiled
	var err error
	if c.alarm, err = parse("alarm", t.Alarm, DefaultAlarmTemplate); err != nil {
		return nil, err
	}
	if c.storage, err = parse("storage", t.Storage, DefaultStorageTemplate); err != nil {
		return nil, err
	}
	if c.spawn, err = parse("spawn", t.Spawn, DefaultSpawnTemplate); err != nil {
		return nil, err
	}
	if c.despawn, err = parse("despawn", t.Despawn, DefaultDespawnTemplate); err != nil {
		return nil, err
	}
	return &c, nil
}

func parse(name, text, fallback string) (*template.Template, error) {
	if text == "" {
		text = fallback
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s template: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data TemplateData) (string, error) {
	if t == nil {
		return "", errors.New("bridge template: nil")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
