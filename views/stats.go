package views

import (
	"taskboard/dates"
	"taskboard/domain"
)

// sidebarMonths is the number of month links offered in the sidebar.
const sidebarMonths = 12

// Stats summarizes a task set.
type Stats struct {
	Total          int `json:"totalTasks"`
	Completed      int `json:"completedTasks"`
	InProgress     int `json:"inProgressTasks"`
	CompletionRate int `json:"completionRate"`
	Overdue        int `json:"overdueTasks"`
}

// ComputeStats counts tasks. CompletionRate is the completed percentage
// rounded half up, 0 for an empty set.
func ComputeStats(tasks []domain.Task, cal dates.Calendar) Stats {
	var s Stats
	s.Total = len(tasks)
	for _, t := range tasks {
		if t.Completed {
			s.Completed++
			continue
		}
		if t.HasDueDate() && cal.IsOverdue(t.DueDate) {
			s.Overdue++
		}
	}
	s.InProgress = s.Total - s.Completed
	if s.Total > 0 {
		s.CompletionRate = (200*s.Completed + s.Total) / (2 * s.Total)
	}
	return s
}

// MonthLink points at a month view.
type MonthLink struct {
	YearMonth string `json:"yearMonth"`
	Path      string `json:"path"`
}

// SidebarData lists the navigation targets derived from a task set.
type SidebarData struct {
	Tags       []string    `json:"tags"`
	Categories []string    `json:"categories"`
	Months     []MonthLink `json:"months"`
}

// Sidebar collects unique tags and categories in first-seen order plus links
// to the current and previous eleven months.
func Sidebar(tasks []domain.Task, cal dates.Calendar) SidebarData {
	data := SidebarData{Tags: []string{}, Categories: []string{}}
	seenTags := make(map[string]struct{})
	seenCats := make(map[string]struct{})
	for _, t := range tasks {
		for _, tag := range t.Tags {
			if tag == "" {
				continue
			}
			if _, ok := seenTags[tag]; !ok {
				seenTags[tag] = struct{}{}
				data.Tags = append(data.Tags, tag)
			}
		}
		if t.Category == "" {
			continue
		}
		if _, ok := seenCats[t.Category]; !ok {
			seenCats[t.Category] = struct{}{}
			data.Categories = append(data.Categories, t.Category)
		}
	}
	for _, ym := range cal.MonthLinks(sidebarMonths) {
		data.Months = append(data.Months, MonthLink{YearMonth: ym, Path: "/month/" + ym})
	}
	return data
}
