// Package catalog holds the read-only course content index.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"coursegate/internal/types"
)

//go:embed catalog.yaml
var embedded []byte

// Lesson is one video in a chapter.
type Lesson struct {
	ID         string `yaml:"id" json:"id"`
	Slug       string `yaml:"slug" json:"slug"`
	Title      string `yaml:"title" json:"title"`
	VideoRef   string `yaml:"video_ref" json:"video_ref"`
	Transcript string `yaml:"transcript,omitempty" json:"transcript,omitempty"`
}

// Chapter is an ordered group of lessons.
type Chapter struct {
	ID      string   `yaml:"id" json:"id"`
	Title   string   `yaml:"title" json:"title"`
	Lessons []Lesson `yaml:"lessons" json:"lessons"`
}

// Position locates a lesson and its neighbours in course order.
type Position struct {
	Lesson  Lesson  `json:"lesson"`
	Chapter string  `json:"chapter"`
	Prev    *Lesson `json:"prev,omitempty"`
	Next    *Lesson `json:"next,omitempty"`
}

type document struct {
	Title    string    `yaml:"title"`
	Chapters []Chapter `yaml:"chapters"`
}

// Catalog is immutable after Load.
type Catalog struct {
	title    string
	chapters []Chapter
	order    []Lesson
	chapter  []string
	bySlug   map[string]int
}

// Default loads the embedded catalog.
func Default() (*Catalog, error) {
	return Load(embedded)
}

// Load parses and validates a YAML catalog. Chapters must be non-empty and
// lesson IDs and slugs unique across the course.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Chapters) == 0 {
		return nil, fmt.Errorf("catalog has no chapters")
	}

	c := &Catalog{
		title:    doc.Title,
		chapters: doc.Chapters,
		bySlug:   make(map[string]int),
	}
	ids := make(map[string]bool)
	for _, ch := range doc.Chapters {
		if len(ch.Lessons) == 0 {
			return nil, fmt.Errorf("chapter %q has no lessons", ch.Title)
		}
		for _, l := range ch.Lessons {
			if strings.TrimSpace(l.ID) == "" || strings.TrimSpace(l.Slug) == "" {
				return nil, fmt.Errorf("lesson %q in chapter %q needs an id and a slug", l.Title, ch.Title)
			}
			if l.VideoRef == "" {
				return nil, fmt.Errorf("lesson %q has no video_ref", l.Slug)
			}
			if ids[l.ID] {
				return nil, fmt.Errorf("duplicate lesson id %q", l.ID)
			}
			if _, dup := c.bySlug[l.Slug]; dup {
				return nil, fmt.Errorf("duplicate lesson slug %q", l.Slug)
			}
			ids[l.ID] = true
			c.bySlug[l.Slug] = len(c.order)
			c.order = append(c.order, l)
			c.chapter = append(c.chapter, ch.ID)
		}
	}
	return c, nil
}

// Title returns the course title.
func (c *Catalog) Title() string { return c.title }

// Chapters returns the chapters in course order.
func (c *Catalog) Chapters() []Chapter {
	out := make([]Chapter, len(c.chapters))
	for i, ch := range c.chapters {
		ch.Lessons = append([]Lesson(nil), ch.Lessons...)
		out[i] = ch
	}
	return out
}

// First returns the course's canonical entry lesson.
func (c *Catalog) First() Lesson {
	return c.order[0]
}

// Len returns the number of lessons.
func (c *Catalog) Len() int { return len(c.order) }

// Lesson returns the lesson with slug and its neighbours.
func (c *Catalog) Lesson(slug string) (*Position, error) {
	i, ok := c.bySlug[slug]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundLesson, "lesson not found", nil)
	}
	pos := &Position{Lesson: c.order[i], Chapter: c.chapter[i]}
	if i > 0 {
		prev := c.order[i-1]
		pos.Prev = &prev
	}
	if i+1 < len(c.order) {
		next := c.order[i+1]
		pos.Next = &next
	}
	return pos, nil
}
