package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/catalog"
	"coursegate/internal/types"
)

// paidBrowser signs up email and marks it paid.
func (h *harness) paidBrowser(email string) *client {
	c := h.browser()
	resp := c.signUp(email, "")
	h.ledger.completed[resp.Identity.ID] = 1
	h.registry.SetEntitlement(resp.Identity.ID, true)
	return c
}

func TestGetCourse(t *testing.T) {
	h := newHarness(t)
	c := h.paidBrowser("a@x.com")

	rec := c.do(http.MethodGet, "/api/v1/course", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got courseResponse
	decodeData(t, rec, &got)
	assert.Equal(t, h.catalog.Title(), got.Title)
	assert.Equal(t, h.catalog.First().Slug, got.Entry)
	assert.Len(t, got.Chapters, len(h.catalog.Chapters()))
}

func TestGetLesson(t *testing.T) {
	h := newHarness(t)
	c := h.paidBrowser("a@x.com")
	first := h.catalog.First()

	rec := c.do(http.MethodGet, lessonAPI(first.Slug), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pos catalog.Position
	decodeData(t, rec, &pos)
	assert.Equal(t, first.ID, pos.Lesson.ID)
	assert.Nil(t, pos.Prev)
	assert.NotNil(t, pos.Next)
}

func TestGetLesson_UnknownSlug(t *testing.T) {
	h := newHarness(t)
	rec := h.paidBrowser("a@x.com").do(http.MethodGet, lessonAPI("no-such-lesson"), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundLesson), decodeError(t, rec).Code)
}

func TestCourse_Guarded(t *testing.T) {
	h := newHarness(t)
	unpaid := h.browser()
	unpaid.signUp("unpaid@x.com", "")
	admin := h.browser()
	admin.signUp("admin@example.com", "")

	tests := []struct {
		name     string
		c        *client
		path     string
		status   int
		code     types.ErrorCode
		location string
	}{
		{"anonymous index", h.browser(), "/api/v1/course", http.StatusUnauthorized, types.ErrCodeAuthNotAuthenticated, "/signup?next=%2Fcourse"},
		{"anonymous lesson", h.browser(), lessonAPI("welcome"), http.StatusUnauthorized, types.ErrCodeAuthNotAuthenticated, "/signup?next=%2Fcourse%2Fwelcome"},
		{"unpaid lesson", unpaid, lessonAPI("welcome"), http.StatusForbidden, types.ErrCodePermissionNotPaid, "/pricing?next=%2Fcourse%2Fwelcome"},
		{"allow-listed lesson", admin, lessonAPI("welcome"), http.StatusOK, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.c.do(http.MethodGet, tt.path, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code == "" {
				return
			}
			detail := decodeError(t, rec)
			assert.Equal(t, string(tt.code), detail.Code)
			assert.Equal(t, tt.location, detail.Details["location"])
		})
	}
}
