package server

import "net/http"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Ingest.
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /api/upload", s.handleUpload)

	// Sessions.
	mux.HandleFunc("POST /api/login", s.handleUserLogin)
	mux.HandleFunc("POST /api/admin/login", s.handleAdminLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	// Owner surface.
	mux.HandleFunc("GET /api/resumes", s.requireCaller(s.handleMyResumes))
	mux.HandleFunc("GET /api/files/{id}/download", s.requireCaller(s.handleDownload))

	// Admin.
	mux.HandleFunc("GET /api/admin/resumes", s.requireAdmin(s.handleAdminResumes))
	mux.HandleFunc("GET /api/admin/files", s.requireAdmin(s.handleAdminFiles))
	mux.HandleFunc("GET /api/admin/files/{id}/download", s.requireAdmin(s.handleDownload))

	return mux
}
