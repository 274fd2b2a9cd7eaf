package learning

import (
	"math"
	"strings"
	"time"

	"github.com/ashureev/firmdesk/internal/confidence"
	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/tools"
	"github.com/tidwall/gjson"
)

// MemoryTTL returns how long an entry of the given type stays relevant.
func MemoryTTL(t domain.MemoryType) time.Duration {
	const day = 24 * time.Hour
	switch t {
	case domain.MemoryDeadline:
		return 120 * day
	case domain.MemoryCompletedWork:
		return 365 * day
	}
	return 180 * day
}

var lineMarkers = []struct {
	prefix     string
	memoryType domain.MemoryType
	importance domain.Importance
}{
	{"risk:", domain.MemoryRisk, domain.ImportanceHigh},
	{"gap:", domain.MemoryGap, domain.ImportanceMedium},
	{"deadline:", domain.MemoryDeadline, domain.ImportanceHigh},
	{"finding:", domain.MemoryFinding, domain.ImportanceMedium},
}

// ExtractMemories derives matter memory from a finished task. Entries carry
// no ID; the caller assigns one. Tasks without a matter yield nothing.
func ExtractMemories(task *domain.Task, report *domain.ConfidenceReport, now time.Time) []domain.MatterMemoryEntry {
	if task.Options.MatterID == "" {
		return nil
	}

	conf := 0.5
	if report != nil {
		conf = math.Max(0.1, math.Min(float64(report.Overall)/100, 1))
	}

	var out []domain.MatterMemoryEntry
	seen := map[string]bool{}
	add := func(t domain.MemoryType, content string, importance domain.Importance) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		key := string(t) + "\x00" + content
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, domain.MatterMemoryEntry{
			FirmID:       task.FirmID,
			MatterID:     task.Options.MatterID,
			MemoryType:   t,
			Content:      content,
			Importance:   importance,
			Confidence:   conf,
			SourceTaskID: task.ID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(MemoryTTL(t)),
		})
	}

	result := strings.TrimSpace(task.Result)
	if gjson.Valid(result) && gjson.Get(result, "findings").IsArray() {
		gjson.Get(result, "findings").ForEach(func(_, f gjson.Result) bool {
			t, ok := domain.ParseMemoryType(f.Get("type").String())
			if !ok {
				t = domain.MemoryFinding
			}
			add(t, f.Get("content").String(), domain.ParseImportance(f.Get("importance").String()))
			return true
		})
	} else {
		for _, line := range strings.Split(result, "\n") {
			line = strings.TrimLeft(strings.TrimSpace(line), "-*• ")
			lower := strings.ToLower(line)
			for _, m := range lineMarkers {
				if strings.HasPrefix(lower, m.prefix) {
					add(m.memoryType, line[len(m.prefix):], m.importance)
					break
				}
			}
		}
	}

	for _, inv := range task.Actions {
		if !inv.Success {
			continue
		}
		switch {
		case tools.CategoryOf(inv.Tool) == tools.CategoryArtifact:
			add(domain.MemoryCompletedWork, "Created "+confidence.ArtifactName(inv)+" ("+inv.Tool+")", domain.ImportanceMedium)
		case tools.IsDeadlineWrite(inv.Tool):
			add(domain.MemoryDeadline, deadlineText(inv), domain.ImportanceHigh)
		}
	}
	return out
}

func deadlineText(inv domain.ToolInvocation) string {
	args := gjson.ParseBytes(inv.Args)
	title := firstString(args, "title", "description", "name")
	if title == "" {
		title = inv.Tool
	}
	if date := firstString(args, "due_date", "date", "deadline", "start_time"); date != "" {
		return title + " due " + date
	}
	return title
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
