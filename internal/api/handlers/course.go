package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/catalog"
	"coursegate/internal/core"
)

// Guard builds access middleware for an API route from the site path the
// route serves. core.Server.RequireAccess satisfies it.
type Guard func(target func(*http.Request) string) func(http.Handler) http.Handler

// CourseHandler serves the paid course content.
type CourseHandler struct {
	catalog *catalog.Catalog
	guard   Guard
	entry   string
	logger  *slog.Logger
}

// NewCourseHandler creates a CourseHandler. entry is the site path of the
// course index; lessons live beneath it.
func NewCourseHandler(cat *catalog.Catalog, guard Guard, entry string, logger *slog.Logger) *CourseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseHandler{
		catalog: cat,
		guard:   guard,
		entry:   strings.TrimSuffix(entry, "/"),
		logger:  logger,
	}
}

// RegisterRoutes mounts the course routes behind the access guard.
func (h *CourseHandler) RegisterRoutes(r chi.Router) {
	r.Route("/course", func(r chi.Router) {
		r.With(h.guard(h.indexPath)).Get("/", h.GetCourse)
		r.With(h.guard(h.lessonPath)).Get("/lessons/{slug}", h.GetLesson)
	})
}

type courseResponse struct {
	Title    string            `json:"title"`
	Entry    string            `json:"entry"`
	Chapters []catalog.Chapter `json:"chapters"`
}

// GetCourse handles GET /course.
func (h *CourseHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, courseResponse{
		Title:    h.catalog.Title(),
		Entry:    h.catalog.First().Slug,
		Chapters: h.catalog.Chapters(),
	})
}

// GetLesson handles GET /course/lessons/{slug}.
func (h *CourseHandler) GetLesson(w http.ResponseWriter, r *http.Request) {
	pos, err := h.catalog.Lesson(chi.URLParam(r, "slug"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, pos)
}

func (h *CourseHandler) indexPath(*http.Request) string {
	return h.entry
}

func (h *CourseHandler) lessonPath(r *http.Request) string {
	return h.entry + "/" + chi.URLParam(r, "slug")
}
