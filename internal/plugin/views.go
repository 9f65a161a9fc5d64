package plugin

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"time"
)

//go:embed views
var viewsFS embed.FS

var statusTemplates = template.Must(template.New("status").Funcs(template.FuncMap{
	"age": formatAge,
}).ParseFS(viewsFS, "views/status.html.tmpl"))

type icon struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

func loadIcon() (icon, error) {
	b, err := viewsFS.ReadFile("views/icon.svg")
	if err != nil {
		return icon{}, fmt.Errorf("reading icon: %w", err)
	}
	return icon{ContentType: "image/svg+xml", Data: base64.StdEncoding.EncodeToString(b)}, nil
}

// profileView is the body of the get-*-view responses.
type profileView struct {
	Template string `json:"template"`
}

func loadView(name string) (profileView, error) {
	b, err := viewsFS.ReadFile("views/" + name)
	if err != nil {
		return profileView{}, fmt.Errorf("reading view %s: %w", name, err)
	}
	return profileView{Template: string(b)}, nil
}

// statusView is the body of the status report responses.
type statusView struct {
	View string `json:"view"`
}

func renderStatus(name string, data any) (statusView, error) {
	var buf bytes.Buffer
	if err := statusTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return statusView{}, fmt.Errorf("rendering %s status: %w", name, err)
	}
	return statusView{View: buf.String()}, nil
}

type capabilities struct {
	SupportsPluginStatusReport  bool `json:"supports_plugin_status_report"`
	SupportsClusterStatusReport bool `json:"supports_cluster_status_report"`
	SupportsAgentStatusReport   bool `json:"supports_agent_status_report"`
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return d.Truncate(time.Minute).String()
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
