package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var tableTemplate = template.Must(
	template.New("table.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}).ParseFS(templateFS, "templates/table.html"),
)

// Headers are the column titles shared by every format.
var Headers = []string{"년도", "날짜", "시간", "카테고리", "주소", "좌표", "상태"}

// TemplateData holds data for table template rendering
type TemplateData struct {
	Title       string
	Receiver    string
	GeneratedAt time.Time
	Headers     []string
	Rows        []Row
}

// RenderTableHTML renders the complaint table template with provided data
func RenderTableHTML(data TemplateData) (string, error) {
	if data.Headers == nil {
		data.Headers = Headers
	}
	var buf bytes.Buffer
	if err := tableTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
