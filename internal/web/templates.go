package web

import (
	"errors"
	"html/template"
	"net/http"
	"os"

	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/docs"
	"marketledger.mini/mkl/internal/types"
)

// docsPage is the layout for the docs index and rendered documents.
var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>mkl {{.Version}}{{if .Current}} - {{.Current}}{{end}}</title>
</head>
<body>
<nav>
<strong>mkl {{.Version}}</strong> ({{.BuildTime}})
<ul>
{{range .Docs}}<li><a href="/docs/{{.}}">{{.}}</a></li>
{{end}}</ul>
</nav>
<main id="content-area">
{{if .Content}}{{.Content}}{{else}}<p>Select a document.</p>{{end}}
</main>
</body>
</html>
`))

type docsData struct {
	Version   string
	BuildTime string
	Docs      []string
	Current   string
	Content   template.HTML
}

func (s *Server) renderDocs(w http.ResponseWriter, data docsData) {
	data.Version = types.Version
	data.BuildTime = types.BuildTime
	s.setCacheHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsPage.Execute(w, data); err != nil {
		s.logger.Error("failed to render docs page", zap.Error(err))
	}
}

func (s *Server) handleDocsIndex(w http.ResponseWriter, r *http.Request) {
	list, err := s.docService.ListDocs()
	if err != nil {
		s.logger.Error("failed to list docs", zap.Error(err))
		http.Error(w, "Failed to list docs", http.StatusInternalServerError)
		return
	}
	s.renderDocs(w, docsData{Docs: list})
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	content, err := s.docService.GetDoc(r.Context(), name)
	switch {
	case errors.Is(err, docs.ErrInvalidName), errors.Is(err, os.ErrNotExist):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error("failed to load doc", zap.String("doc", name), zap.Error(err))
		http.Error(w, "Failed to render doc", http.StatusInternalServerError)
		return
	}
	list, _ := s.docService.ListDocs()
	s.renderDocs(w, docsData{Docs: list, Current: name, Content: template.HTML(content)})
}
